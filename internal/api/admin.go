package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quillforge/modelmux/internal/auth"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

func (h *Handler) registerAdmin(mw *auth.RBACMiddleware) {
	guard := func(perm auth.Permission, next http.HandlerFunc) http.Handler {
		if mw == nil {
			return next
		}
		return mw.RequireAuth(mw.RequirePermission(perm)(next))
	}

	h.mux.Handle("GET /admin/breakers", guard(auth.PermissionBreakerRead, h.handleListBreakers))
	h.mux.Handle("POST /admin/breakers/{provider}/reset", guard(auth.PermissionBreakerReset, h.handleResetBreaker))
	h.mux.Handle("GET /admin/budgets", guard(auth.PermissionBudgetRead, h.handleBudgets))
	h.mux.Handle("GET /admin/usage", guard(auth.PermissionUsageRead, h.handleUsage))
}

func (h *Handler) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"breakers": h.breakers.States()})
}

func (h *Handler) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")

	if !h.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "not_found", "no circuit breaker for provider "+name, nil)
		return
	}

	actor := "anonymous"
	if user, ok := auth.UserFromContext(r.Context()); ok {
		actor = user.Username
	}
	h.logger.Info("circuit breaker reset", "provider", name, "by", actor)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"provider": name, "state": "closed"})
}

func (h *Handler) handleBudgets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"budgets": h.ledger.Snapshot()})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := defaultUsageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	if limit > maxUsageLimit {
		limit = maxUsageLimit
	}

	records, err := h.usage.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("usage query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "usage query failed", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"records": records,
		"count":   len(records),
	})
}
