package api

import (
	"encoding/json"
	"net/http"

	"github.com/openmark/coordinator/internal/catalog"
)

// statusOf maps an outcome to its wire status. Every non-OK outcome a
// component can produce has exactly one status here; handlers never pick
// codes themselves.
func statusOf(kind catalog.Kind) int {
	switch kind {
	case catalog.KindUnauthorised:
		return http.StatusUnauthorized
	case catalog.KindAPIMismatch:
		return http.StatusBadRequest
	case catalog.KindNotFound:
		return http.StatusNotFound
	case catalog.KindNoneAvailable:
		return http.StatusNoContent
	case catalog.KindConflict:
		return http.StatusConflict
	case catalog.KindIntegrityMismatch:
		return http.StatusNotAcceptable
	case catalog.KindTaskChanged:
		return http.StatusConflict
	case catalog.KindTaskDeleted:
		return http.StatusGone
	case catalog.KindOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case catalog.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error's mapped status. A none-available outcome is an
// empty 204, not an error body. Internal errors are logged with the
// route but surfaced opaquely.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := catalog.KindOf(err)
	status := statusOf(kind)
	switch {
	case status == http.StatusNoContent:
		w.WriteHeader(http.StatusNoContent)
	case status == http.StatusInternalServerError:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		http.Error(w, "internal server error", status)
	default:
		http.Error(w, err.Error(), status)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("writing response")
	}
}
