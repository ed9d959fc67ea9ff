package api

import (
	"fmt"
	"net/http"
	"os"

	"github.com/openmark/coordinator/internal/catalog"
)

func (s *Server) handleShortName(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.spec.Name)
}

// handleSpec serves the assessment structure with production secrets
// stripped. Clients need it to render pages and bound scores.
func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.spec.Public())
}

// handleClasslist serves the course classlist CSV so identifying clients
// can offer name completion.
func (s *Server) handleClasslist(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.classlist == "" {
		s.fail(w, r, catalog.E(catalog.KindNotFound, "no classlist configured"))
		return
	}
	data, err := os.ReadFile(s.classlist)
	if os.IsNotExist(err) {
		s.fail(w, r, catalog.E(catalog.KindNotFound, "classlist not found"))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Write(data)
}
