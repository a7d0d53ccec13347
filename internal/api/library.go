package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/studypartner/internal/domain"
)

// LibraryStats reports problem library statistics. ?top limits the
// most-used list.
func (h *Handler) LibraryStats(w http.ResponseWriter, r *http.Request) {
	if h.library == nil {
		writeError(w, r, domain.NotFound("library stats", "library_disabled"))
		return
	}
	top := 10
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, r, domain.Validation("library stats", "top must be 1-100, got %q", v))
			return
		}
		top = n
	}
	stats, err := h.library.Stats(r.Context(), top)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}
