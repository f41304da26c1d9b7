package api

import (
	"net/http"
	"strconv"

	"github.com/thep200/gitpulse/internal/model"
)

// ownedRepo loads the repository in the path if it belongs to the caller.
func (h *Handler) ownedRepo(w http.ResponseWriter, r *http.Request) (*model.Repo, bool) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return nil, false
	}
	repo, err := h.repos.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if repo.OwnerID != ownerFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return repo, true
}

func (h *Handler) getWatermarks(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.ownedRepo(w, r)
	if !ok {
		return
	}
	rows, err := h.watermarks.ListByRepository(r.Context(), repo.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	type watermark struct {
		model.IndexWatermark
		Cursor model.Cursor `json:"cursor"`
	}
	out := make([]watermark, 0, len(rows))
	for _, row := range rows {
		out = append(out, watermark{IndexWatermark: row, Cursor: row.Cursor()})
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"repository": repo.FullName(),
		"watermarks": out,
	})
}

func (h *Handler) getScore(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.ownedRepo(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.URL.Query().Get("trend"))
	if err != nil || n < 1 || n > 365 {
		n = 1
	}
	snaps, err := h.scores.Trend(r.Context(), repo.ID, n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(snaps) == 0 {
		// no snapshot yet, usually because the size is unknown
		h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"repository": repo.FullName(), "available": false})
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"repository": repo.FullName(),
		"available":  true,
		"latest":     snaps[0],
		"trend":      snaps,
	})
}

func (h *Handler) deleteRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.ownedRepo(w, r)
	if !ok {
		return
	}
	stats, err := h.cleanup.DeleteRepository(r.Context(), repo.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"deleted": repo.ID, "removed": stats})
}
