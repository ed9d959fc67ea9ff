package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openmark/coordinator/internal/store"
)

func (s *Server) handleIDProgress(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	done, total, err := s.prog.IDProgress()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, []int{done, total})
}

func (s *Server) handleIDComplete(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	done, err := s.ids.ListDone(req.User)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, done)
}

// handleIDAvailable claims the oldest waiting identification task for
// the caller and answers with its code; an empty queue is a 204. The
// client collects the images with a follow-up request.
func (s *Server) handleIDAvailable(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	claim, err := s.ids.ClaimNext(req.User)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.ClaimsTotal.WithLabelValues("id").Inc()
	s.writeJSON(w, map[string]string{"code": claim.Code})
}

// handleIDImages serves the id pages of a task the caller may see, as a
// multipart body: an image_ids field followed by one file part per page.
func (s *Server) handleIDImages(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	pageIDs, err := s.ids.Images(req.User, mux.Vars(r)["code"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := json.Marshal(pageIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	parts := []part{field("image_ids", string(ids))}
	for _, id := range pageIDs {
		data, err := s.fetch(store.KindPage, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		parts = append(parts, file("image", data))
	}
	s.writeBundle(w, parts)
}

// handleIDReturn records who this paper belongs to. Setting
// already_done re-identifies a finished paper; the prior identity is
// preserved in the audit trail.
func (s *Server) handleIDReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		StudentID   string `json:"sid"`
		StudentName string `json:"sname"`
		AlreadyDone bool   `json:"already_done"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	code := mux.Vars(r)["code"]
	if err := s.ids.Return(req.User, code, req.StudentID, req.StudentName, req.AlreadyDone); err != nil {
		s.metrics.ReturnsTotal.WithLabelValues("id", "rejected").Inc()
		s.fail(w, r, err)
		return
	}
	s.metrics.ReturnsTotal.WithLabelValues("id", "done").Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIDAbandon(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ids.Abandon(req.User, mux.Vars(r)["code"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
