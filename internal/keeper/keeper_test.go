package keeper

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/engine"
	"github.com/alanyoungcy/margind/internal/ledger"
	"github.com/alanyoungcy/margind/internal/notify"
	"github.com/alanyoungcy/margind/internal/service"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

var (
	ownerAddr      = addr(0x01)
	routerAddr     = addr(0x02)
	managerAddr    = addr(0x03)
	vaultAddr      = addr(0x04)
	instrumentAddr = addr(0x05)
	traderAddr     = addr(0x10)
	keeperAddr     = addr(0x20)
)

func TestMarkFairValuePut(t *testing.T) {
	series := domain.OptionSeries{Kind: domain.OptionKindPut, Strike: big.NewInt(2_000_000_000)}

	// Spot below strike: intrinsic is the shortfall, quote decimals.
	fair := markFairValue(series, 6, big.NewInt(1_500_000_000))
	require.Equal(t, int64(500_000_000), fair.Int64())

	// At or above strike: worthless.
	require.Equal(t, int64(0), markFairValue(series, 6, big.NewInt(2_000_000_000)).Int64())
	require.Equal(t, int64(0), markFairValue(series, 6, big.NewInt(2_500_000_000)).Int64())
	require.Equal(t, int64(0), markFairValue(series, 6, nil).Int64())
}

func TestMarkFairValueCall(t *testing.T) {
	series := domain.OptionSeries{Kind: domain.OptionKindCall, Strike: big.NewInt(2_000_000_000)}

	// Spot 4000, strike 2000: half the escrow is intrinsic.
	fair := markFairValue(series, 18, big.NewInt(4_000_000_000))
	want, _ := new(big.Int).SetString("500000000000000000", 10)
	require.Equal(t, want, fair)

	require.Equal(t, int64(0), markFairValue(series, 18, big.NewInt(1_900_000_000)).Int64())
}

// ---------------------------------------------------------------------------
// Scan tests against a live engine
// ---------------------------------------------------------------------------

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memPrices struct {
	mu     sync.Mutex
	prices map[common.Address]*big.Int
}

func (p *memPrices) SetPrice(_ context.Context, asset common.Address, price *big.Int, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prices == nil {
		p.prices = map[common.Address]*big.Int{}
	}
	p.prices[asset] = new(big.Int).Set(price)
	return nil
}

func (p *memPrices) GetPrice(_ context.Context, asset common.Address) (*big.Int, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[asset]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return new(big.Int).Set(price), time.Now(), nil
}

type memPositions struct {
	mu     sync.Mutex
	rows   map[common.Hash]domain.Position
	closed map[common.Hash]string
}

func newMemPositions() *memPositions {
	return &memPositions{rows: map[common.Hash]domain.Position{}, closed: map[common.Hash]string{}}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[pos.Key] = pos.Clone()
	return nil
}

func (m *memPositions) UpdateAccrual(_ context.Context, key common.Hash, collateral, entryRate *big.Int, lastAccrue time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[key]
	if !ok {
		return domain.ErrNotFound
	}
	pos.Collateral = new(big.Int).Set(collateral)
	pos.EntryRate = new(big.Int).Set(entryRate)
	pos.LastAccrueTime = lastAccrue
	m.rows[key] = pos
	return nil
}

func (m *memPositions) Close(_ context.Context, key common.Hash, outcome string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[key] = outcome
	return nil
}

func (m *memPositions) GetByKey(_ context.Context, key common.Hash) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos.Clone(), nil
}

func (m *memPositions) ListOpen(context.Context) ([]domain.Position, error) { return nil, nil }

func (m *memPositions) ListByOwner(context.Context, common.Address, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type memSettlements struct {
	mu   sync.Mutex
	rows []domain.SettlementRecord
}

func (m *memSettlements) Insert(_ context.Context, rec domain.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rec)
	return nil
}

func (m *memSettlements) ListRecent(context.Context, int) ([]domain.SettlementRecord, error) {
	return nil, nil
}

func (m *memSettlements) ListBefore(context.Context, time.Time) ([]domain.SettlementRecord, error) {
	return nil, nil
}

type memAudit struct{}

func (memAudit) Log(context.Context, string, map[string]any) error { return nil }
func (memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct{}

func (memBus) Publish(context.Context, string, []byte) error { return nil }
func (memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (memBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOracle struct {
	mu    sync.Mutex
	price *big.Int
	at    time.Time
}

func (o *fakeOracle) set(price *big.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = price
	o.at = at
}

func (o *fakeOracle) LatestPrice(context.Context, common.Address) (*big.Int, time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.price == nil {
		return nil, time.Time{}, domain.ErrStalePrice
	}
	return new(big.Int).Set(o.price), o.at, nil
}

type fakeRouter struct {
	liquidatable bool
}

func (r *fakeRouter) BorrowRate(common.Address) *big.Int { return big.NewInt(500) }
func (r *fakeRouter) InterestOwed(bool, common.Address, *big.Int, *big.Int, time.Duration) *big.Int {
	return big.NewInt(0)
}
func (r *fakeRouter) IsLiquidatable(_, _ *big.Int) bool { return r.liquidatable }
func (r *fakeRouter) IsKeeper(a common.Address) bool    { return a == keeperAddr }
func (r *fakeRouter) LiquidatorFeeBps() *big.Int        { return big.NewInt(500) }
func (r *fakeRouter) MarginFeeBps() *big.Int            { return big.NewInt(1_000) }

type fakeSeats struct{}

func (fakeSeats) OwnerOf(uint64) (common.Address, error) {
	return common.Address{}, domain.ErrUnknownEntity
}
func (fakeSeats) SeatScore(uint64) (uint64, error) { return 0, domain.ErrUnknownEntity }
func (fakeSeats) ConfirmExists(uint64) bool        { return false }
func (fakeSeats) OptionMintingFeeBps() uint64      { return 0 }

type testEnv struct {
	clock  *fakeClock
	oracle *fakeOracle
	router *fakeRouter
	prices *memPrices
	locks  *memLocks
	stored *memPositions
	recs   *memSettlements
	svc    *service.MarginService
	keeper *Keeper
	opt    *engine.Option
	under  common.Address
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	oracle := &fakeOracle{}
	router := &fakeRouter{}

	underlying := domain.Asset{Address: addr(0x40), Symbol: "WETH", Decimals: 18}
	quote := domain.Asset{Address: addr(0x41), Symbol: "USDC", Decimals: 6}
	underLedger := ledger.New(underlying.Symbol, underlying.Decimals)
	quoteLedger := ledger.New(quote.Symbol, quote.Decimals)

	opt, err := engine.NewOption(engine.OptionConfig{
		Instrument:       instrumentAddr,
		Kind:             domain.OptionKindPut,
		Strike:           big.NewInt(2_000_000_000),
		Expiry:           clock.Now().Add(30 * 24 * time.Hour),
		Underlying:       underlying,
		Quote:            quote,
		UnderlyingLedger: underLedger,
		QuoteLedger:      quoteLedger,
		Oracle:           oracle,
		Seats:            fakeSeats{},
		Vault:            vaultAddr,
		Treasury:         ownerAddr,
		Clock:            clock.Now,
	})
	require.NoError(t, err)

	collLedger := opt.CollateralLedger().(*ledger.Ledger)
	vault := engine.NewVault(engine.VaultConfig{
		Address: vaultAddr,
		Asset:   opt.CollateralAsset(),
		Ledger:  collLedger,
		Manager: managerAddr,
		Clock:   clock.Now,
	})
	mgr := engine.NewManager(engine.ManagerConfig{
		Address:    managerAddr,
		Owner:      ownerAddr,
		RouterAddr: routerAddr,
		Router:     router,
		Clock:      clock.Now,
	})
	require.NoError(t, mgr.WhitelistAsset(ownerAddr, opt.CollateralAsset(), vault, collLedger))
	require.NoError(t, mgr.RegisterInstrument(ownerAddr, opt))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stored := newMemPositions()
	recs := &memSettlements{}
	svc := service.NewMarginService(mgr, stored, recs, memAudit{}, memBus{},
		notify.NewNotifier(nil, nil, logger), routerAddr, ownerAddr, logger)

	require.NoError(t, collLedger.Mint(vaultAddr, big.NewInt(2_000_000_000)))
	require.NoError(t, collLedger.Mint(traderAddr, big.NewInt(100_000_000)))

	prices := &memPrices{}
	locks := &memLocks{}
	k := New(Config{
		Service:      svc,
		Locks:        locks,
		Prices:       prices,
		Address:      keeperAddr,
		ScanInterval: time.Second,
		LockTTL:      time.Minute,
		Clock:        clock.Now,
		Logger:       logger,
	})

	return &testEnv{
		clock: clock, oracle: oracle, router: router,
		prices: prices, locks: locks, stored: stored, recs: recs,
		svc: svc, keeper: k, opt: opt, under: underlying.Address,
	}
}

func (e *testEnv) open(t *testing.T) domain.Position {
	t.Helper()
	pos, err := e.svc.OpenPosition(t.Context(), domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: instrumentAddr,
		Amount:     big.NewInt(2_000_000_000),
		Collateral: big.NewInt(100_000_000),
	})
	require.NoError(t, err)
	return pos
}

func TestScanSettlesExpiredPosition(t *testing.T) {
	env := newEnv(t)
	pos := env.open(t)

	env.clock.Advance(30 * 24 * time.Hour)
	env.oracle.set(big.NewInt(2_100_000_000), env.clock.Now())

	env.keeper.Scan(t.Context())

	require.Equal(t, "settled_otm", env.stored.closed[pos.Key])
	require.Len(t, env.recs.rows, 1)
}

func TestScanSkipsHealthyPosition(t *testing.T) {
	env := newEnv(t)
	pos := env.open(t)

	// Spot well below strike so the put has intrinsic value, but the margin
	// model says the position is still healthy.
	require.NoError(t, env.prices.SetPrice(t.Context(), env.under, big.NewInt(1_500_000_000), time.Now()))
	env.router.liquidatable = false

	env.keeper.Scan(t.Context())

	require.Empty(t, env.stored.closed[pos.Key])
	require.Empty(t, env.recs.rows)
}

func TestScanLiquidatesUnderwaterPosition(t *testing.T) {
	env := newEnv(t)
	pos := env.open(t)

	require.NoError(t, env.prices.SetPrice(t.Context(), env.under, big.NewInt(1_500_000_000), time.Now()))
	env.router.liquidatable = true

	env.keeper.Scan(t.Context())

	require.Equal(t, "liquidated", env.stored.closed[pos.Key])
	require.Len(t, env.recs.rows, 1)
	require.Equal(t, "liquidated", env.recs.rows[0].Outcome)
}

func TestScanSkipsWithoutPrice(t *testing.T) {
	env := newEnv(t)
	pos := env.open(t)
	env.router.liquidatable = true

	env.keeper.Scan(t.Context())

	require.Empty(t, env.stored.closed[pos.Key])
}

func TestScanRespectsHeldLock(t *testing.T) {
	env := newEnv(t)
	pos := env.open(t)

	env.clock.Advance(30 * 24 * time.Hour)
	env.oracle.set(big.NewInt(2_100_000_000), env.clock.Now())

	// Another keeper holds the lock for this position.
	unlock, err := env.locks.Acquire(t.Context(), "keeper:pos:"+pos.Key.Hex(), time.Minute)
	require.NoError(t, err)
	defer unlock()

	env.keeper.Scan(t.Context())
	require.Empty(t, env.stored.closed[pos.Key])
}
