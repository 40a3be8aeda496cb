package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gridpoint/plantgateway/internal/access"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/ratelimit"
	"github.com/gridpoint/plantgateway/internal/store"
)

// writeError maps domain errors onto status codes. Anything unmapped is a
// 500 with the detail kept server-side.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		ambiguous  *store.AmbiguousDatapointError
		limited    *ratelimit.Error
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Reason,
			"field": validation.Field,
		})
	case errors.Is(err, access.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &ambiguous):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      err.Error(),
			"candidates": ambiguous.Candidates,
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.ResetAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	default:
		s.logger.Printf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
