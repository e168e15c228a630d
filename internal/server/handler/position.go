package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/engine"
)

// MarginAPI defines the margin-service methods the position handler requires.
type MarginAPI interface {
	OpenPosition(ctx context.Context, req domain.OpenRequest) (domain.Position, error)
	AddCollateral(ctx context.Context, owner common.Address, key common.Hash, amount *big.Int) (domain.Position, error)
	SettlePosition(ctx context.Context, owner common.Address, key common.Hash) (engine.SettlementResult, error)
	LiquidatePosition(ctx context.Context, keeper common.Address, key common.Hash, fairValue *big.Int) (engine.SettlementResult, error)
	GetPosition(ctx context.Context, key common.Hash) (domain.Position, error)
	ListPositions(owner common.Address) []domain.Position
	ListPositionHistory(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position lifecycle endpoints.
type PositionHandler struct {
	svc    MarginAPI
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(svc MarginAPI, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{svc: svc, logger: logger}
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseKey(s string) (common.Hash, bool) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// ListPositions returns all live positions for an owner.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter must be a hex address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": toPositionList(h.svc.ListPositions(owner)),
	})
}

// ListHistory returns stored positions for an owner, including closed ones.
// GET /api/positions/history?owner=0x...&limit=&offset=
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter must be a hex address")
		return
	}
	positions, err := h.svc.ListPositionHistory(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": toPositionList(positions),
	})
}

// GetPosition returns a single position by key.
// GET /api/positions/{key}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(pathParam(r, "key"))
	if !ok {
		writeError(w, http.StatusBadRequest, "key must be a 32-byte hex hash")
		return
	}
	pos, err := h.svc.GetPosition(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// openPositionRequest is the body for POST /api/positions.
type openPositionRequest struct {
	Owner      string `json:"owner"`
	Instrument string `json:"instrument"`
	SeatID     uint64 `json:"seat_id"`
	Amount     string `json:"amount"`     // collateral the vault lends for minting
	Collateral string `json:"collateral"` // margin posted by the owner
}

// OpenPosition opens a short option position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	instrument, ok := parseAddress(req.Instrument)
	if !ok {
		writeError(w, http.StatusBadRequest, "instrument must be a hex address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}
	collateral, ok := parseAmount(req.Collateral)
	if !ok {
		writeError(w, http.StatusBadRequest, "collateral must be a positive integer string")
		return
	}

	pos, err := h.svc.OpenPosition(r.Context(), domain.OpenRequest{
		Owner:      owner,
		Instrument: instrument,
		SeatID:     req.SeatID,
		Amount:     amount,
		Collateral: collateral,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: open position failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionJSON(pos))
}

// addCollateralRequest is the body for POST /api/positions/{key}/collateral.
type addCollateralRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// AddCollateral tops up a position's margin.
// POST /api/positions/{key}/collateral
func (h *PositionHandler) AddCollateral(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(pathParam(r, "key"))
	if !ok {
		writeError(w, http.StatusBadRequest, "key must be a 32-byte hex hash")
		return
	}
	var req addCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}

	pos, err := h.svc.AddCollateral(r.Context(), owner, key, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// settleRequest is the body for POST /api/positions/{key}/settle.
type settleRequest struct {
	Owner string `json:"owner"`
}

// SettlePosition settles an expired position.
// POST /api/positions/{key}/settle
func (h *PositionHandler) SettlePosition(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(pathParam(r, "key"))
	if !ok {
		writeError(w, http.StatusBadRequest, "key must be a 32-byte hex hash")
		return
	}
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}

	res, err := h.svc.SettlePosition(r.Context(), owner, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResultJSON(res))
}

// liquidateRequest is the body for POST /api/positions/{key}/liquidate.
type liquidateRequest struct {
	Keeper    string `json:"keeper"`
	FairValue string `json:"fair_value"` // collateral asset per unit scale
}

// LiquidatePosition liquidates an under-margined position.
// POST /api/positions/{key}/liquidate
func (h *PositionHandler) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(pathParam(r, "key"))
	if !ok {
		writeError(w, http.StatusBadRequest, "key must be a 32-byte hex hash")
		return
	}
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	keeper, ok := parseAddress(req.Keeper)
	if !ok {
		writeError(w, http.StatusBadRequest, "keeper must be a hex address")
		return
	}
	fairValue, ok := parseAmount(req.FairValue)
	if !ok {
		writeError(w, http.StatusBadRequest, "fair_value must be a positive integer string")
		return
	}

	res, err := h.svc.LiquidatePosition(r.Context(), keeper, key, fairValue)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResultJSON(res))
}

func settlementResultJSON(res engine.SettlementResult) map[string]any {
	out := map[string]any{
		"position":        toPositionJSON(res.Position),
		"outcome":         res.Outcome,
		"collateral_paid": bigString(res.CollateralPaid),
		"vault_recovered": bigString(res.VaultRecovered),
		"fees_paid":       bigString(res.FeesPaid),
	}
	if res.SettlePrice != nil {
		out["settle_price"] = res.SettlePrice.String()
	}
	return out
}
