package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/ledger"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

var (
	ownerAddr      = addr(0x01) // protocol owner / treasury
	routerAddr     = addr(0x02)
	managerAddr    = addr(0x03)
	vaultAddr      = addr(0x04)
	instrumentAddr = addr(0x05)
	traderAddr     = addr(0x10)
	keeperAddr     = addr(0x20)
	seatOwnerAddr  = addr(0x30)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

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
	err   error
}

func (o *fakeOracle) set(price *big.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = price
	o.at = at
}

func (o *fakeOracle) LatestPrice(_ context.Context, _ common.Address) (*big.Int, time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, time.Time{}, o.err
	}
	return new(big.Int).Set(o.price), o.at, nil
}

// fakeRouter charges a flat interest per second so test numbers stay exact.
type fakeRouter struct {
	rateBps      *big.Int
	perSecond    *big.Int
	marginFee    *big.Int
	liqFee       *big.Int
	liquidatable bool
	keepers      map[common.Address]bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		rateBps:   big.NewInt(500),
		perSecond: big.NewInt(0),
		marginFee: big.NewInt(1_000), // 10% of interest to the owner
		liqFee:    big.NewInt(500),   // 5% of collateral to the liquidator
		keepers:   map[common.Address]bool{keeperAddr: true},
	}
}

func (r *fakeRouter) BorrowRate(common.Address) *big.Int { return new(big.Int).Set(r.rateBps) }

func (r *fakeRouter) InterestOwed(_ bool, _ common.Address, _, _ *big.Int, elapsed time.Duration) *big.Int {
	secs := big.NewInt(int64(elapsed / time.Second))
	return new(big.Int).Mul(r.perSecond, secs)
}

func (r *fakeRouter) IsLiquidatable(_, _ *big.Int) bool { return r.liquidatable }
func (r *fakeRouter) IsKeeper(a common.Address) bool    { return r.keepers[a] }
func (r *fakeRouter) LiquidatorFeeBps() *big.Int        { return new(big.Int).Set(r.liqFee) }
func (r *fakeRouter) MarginFeeBps() *big.Int            { return new(big.Int).Set(r.marginFee) }

type fakeSeats struct {
	feeBps uint64
	owners map[uint64]common.Address
	scores map[uint64]uint64
}

func newFakeSeats() *fakeSeats {
	return &fakeSeats{
		owners: map[uint64]common.Address{7: seatOwnerAddr},
		scores: map[uint64]uint64{7: 40},
	}
}

func (s *fakeSeats) OwnerOf(id uint64) (common.Address, error) {
	owner, ok := s.owners[id]
	if !ok {
		return common.Address{}, domain.ErrUnknownEntity
	}
	return owner, nil
}

func (s *fakeSeats) SeatScore(id uint64) (uint64, error) {
	score, ok := s.scores[id]
	if !ok {
		return 0, domain.ErrUnknownEntity
	}
	return score, nil
}

func (s *fakeSeats) ConfirmExists(id uint64) bool { _, ok := s.owners[id]; return ok }
func (s *fakeSeats) OptionMintingFeeBps() uint64  { return s.feeBps }

// testEnv wires a full single-asset engine around fakes.
type testEnv struct {
	clock  *fakeClock
	oracle *fakeOracle
	router *fakeRouter
	seats  *fakeSeats
	asset  domain.Asset
	ledger *ledger.Ledger
	opt    *Option
	vault  *Vault
	mgr    *Manager
}

const (
	putStrike  = 2_000_000_000 // 2000 at price scale
	callStrike = 2_000_000_000
)

func newPutEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnv(t, domain.OptionKindPut, big.NewInt(putStrike), 6)
}

func newCallEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnv(t, domain.OptionKindCall, big.NewInt(callStrike), 18)
}

func newEnv(t *testing.T, kind domain.OptionKind, strike *big.Int, underlyingDecimals uint8) *testEnv {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	oracle := &fakeOracle{}
	router := newFakeRouter()
	seats := newFakeSeats()

	underlying := domain.Asset{Address: addr(0x40), Symbol: "WETH", Decimals: underlyingDecimals}
	quote := domain.Asset{Address: addr(0x41), Symbol: "USDC", Decimals: 6}

	underLedger := ledger.New(underlying.Symbol, underlying.Decimals)
	quoteLedger := ledger.New(quote.Symbol, quote.Decimals)

	opt, err := NewOption(OptionConfig{
		Instrument:       instrumentAddr,
		Kind:             kind,
		Strike:           strike,
		Expiry:           clock.Now().Add(30 * 24 * time.Hour),
		Underlying:       underlying,
		Quote:            quote,
		UnderlyingLedger: underLedger,
		QuoteLedger:      quoteLedger,
		Oracle:           oracle,
		Seats:            seats,
		Vault:            vaultAddr,
		Treasury:         ownerAddr,
		Clock:            clock.Now,
	})
	require.NoError(t, err)

	collateral := opt.CollateralAsset()
	collLedger := opt.CollateralLedger().(*ledger.Ledger)

	vault := NewVault(VaultConfig{
		Address: vaultAddr,
		Asset:   collateral,
		Ledger:  collLedger,
		Manager: managerAddr,
		Clock:   clock.Now,
	})
	mgr := NewManager(ManagerConfig{
		Address:    managerAddr,
		Owner:      ownerAddr,
		RouterAddr: routerAddr,
		Router:     router,
		Clock:      clock.Now,
	})
	require.NoError(t, mgr.WhitelistAsset(ownerAddr, collateral, vault, collLedger))
	require.NoError(t, mgr.RegisterInstrument(ownerAddr, opt))

	return &testEnv{
		clock:  clock,
		oracle: oracle,
		router: router,
		seats:  seats,
		asset:  collateral,
		ledger: collLedger,
		opt:    opt,
		vault:  vault,
		mgr:    mgr,
	}
}

// fund mints collateral-asset balance to an account.
func (e *testEnv) fund(t *testing.T, to common.Address, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Mint(to, big.NewInt(amount)))
}

func (e *testEnv) fundBig(t *testing.T, to common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, e.ledger.Mint(to, amount))
}

func (e *testEnv) balance(a common.Address) *big.Int { return e.ledger.BalanceOf(a) }

// freeze advances past expiry and freezes the settlement price.
func (e *testEnv) freeze(t *testing.T, price int64) {
	t.Helper()
	if e.clock.Now().Before(e.opt.Expiry()) {
		e.clock.Advance(e.opt.Expiry().Sub(e.clock.Now()))
	}
	e.oracle.set(big.NewInt(price), e.clock.Now())
	_, err := e.opt.SetSettlementPrice(t.Context())
	require.NoError(t, err)
}

func TestMulDivFloors(t *testing.T) {
	got := mulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2))
	require.Equal(t, int64(10), got.Int64())

	got = mulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(3))
	require.Equal(t, int64(0), got.Int64())
}

func TestReentryGuard(t *testing.T) {
	var g reentryGuard
	require.NoError(t, g.enter())
	require.ErrorIs(t, g.enter(), domain.ErrReentrantCall)
	g.leave()
	require.NoError(t, g.enter())
}
