package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/margind/internal/domain"
)

// SettlementService defines the methods the settlement handler requires.
type SettlementService interface {
	RecentSettlements(ctx context.Context, limit int) ([]domain.SettlementRecord, error)
}

// SettlementHandler serves settlement history endpoints.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logger}
}

// ListRecent returns the most recent settlement and liquidation outcomes.
// GET /api/settlements?limit=50
func (h *SettlementHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	recs, err := h.svc.RecentSettlements(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list settlements failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]settlementJSON, len(recs))
	for i, rec := range recs {
		out[i] = toSettlementJSON(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": out})
}
