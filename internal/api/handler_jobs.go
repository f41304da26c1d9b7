package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/thep200/gitpulse/internal/jobs"
)

type jobResponse struct {
	jobs.JobView
	State             string  `json:"state"`
	SecondsUntilReset float64 `json:"seconds_until_reset"`
}

func toResponse(v jobs.JobView) jobResponse {
	return jobResponse{JobView: v, State: v.StatusLabel(), SecondsUntilReset: v.TimeUntilReset.Seconds()}
}

func toResponses(views []jobs.JobView) []jobResponse {
	out := make([]jobResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toResponse(v))
	}
	return out
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	views, err := h.jobs.Outstanding(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"jobs": toResponses(views)})
}

func (h *Handler) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	views, err := h.jobs.NeedsAttention(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"jobs": toResponses(views)})
}

// ownedJob loads a job and hides jobs of other accounts.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*jobs.JobView, bool) {
	v, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if v.OwnerID != ownerFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return v, true
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	v, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, r, http.StatusOK, toResponse(*v))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	v, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := h.jobs.Cancel(r.Context(), v.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toResponse(*cancelled))
}
