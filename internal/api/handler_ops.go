package api

import (
	"net/http"
	"strconv"

	"github.com/thep200/gitpulse/internal/model"
)

// resetRepository returns the repository's watermarks to idle.
// Query: kind (optional, repeatable), rewind=true to restart from the beginning.
func (h *Handler) resetRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.ownedRepo(w, r)
	if !ok {
		return
	}
	var kinds []model.EntityKind
	for _, raw := range r.URL.Query()["kind"] {
		kind, err := model.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}
	rewind, _ := strconv.ParseBool(r.URL.Query().Get("rewind"))

	stats, err := h.cleanup.ResetIndexing(r.Context(), repo.ID, kinds, rewind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"repository": repo.FullName(),
		"rewind":     rewind,
		"reset":      stats,
	})
}

// getRateLimits lists the budget per credential bucket. live=true asks
// GitHub first.
func (h *Handler) getRateLimits(w http.ResponseWriter, r *http.Request) {
	if live, _ := strconv.ParseBool(r.URL.Query().Get("live")); live {
		if h.checkRates == nil {
			writeError(w, http.StatusNotImplemented, "live rate limit checks are not configured")
			return
		}
		if _, err := h.checkRates(r.Context()); err != nil {
			h.Logger.Warn(r.Context(), "Live rate limit check failed: %v", err)
			writeError(w, http.StatusBadGateway, "rate limit check failed")
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"buckets": h.rates.Snapshot()})
}

func (h *Handler) getIndexHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.Report(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, report)
}
