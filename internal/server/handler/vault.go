package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/margind/internal/engine"
)

// VaultHandler serves read-only vault pool state.
type VaultHandler struct {
	manager *engine.Manager
	logger  *slog.Logger
}

// NewVaultHandler creates a VaultHandler backed by the engine's manager.
func NewVaultHandler(manager *engine.Manager, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{manager: manager, logger: logger}
}

// GetVault returns the lending pool state for a collateral asset.
// GET /api/vaults/{asset}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(pathParam(r, "asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be a hex address")
		return
	}
	vault, err := h.manager.Vault(asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	state := vault.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"address":         vault.Address().Hex(),
		"asset":           state.Asset.Hex(),
		"symbol":          vault.Asset().Symbol,
		"total_borrows":   bigString(state.TotalBorrows),
		"cumulative_fees": bigString(state.CumulativeFees),
		"liquid_balance":  bigString(vault.LiquidBalance()),
	})
}
