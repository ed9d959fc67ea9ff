package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openmark/coordinator/internal/authority"
	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/store"
)

// reservedUsers can never be created through the API.
var reservedUsers = map[string]bool{
	managerUser: true,
	"admin":     true,
	"HAL":       true, // it cannot be allowed to open the pod bay doors
}

// handleAdminCreateUser creates or re-passwords an account. Users made
// here survive until the next reload drops them, the user list file
// being authoritative.
func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	target := mux.Vars(r)["user"]
	if reservedUsers[target] {
		s.fail(w, r, catalog.E(catalog.KindConflict, "username %q is reserved", target))
		return
	}
	if !authority.BasicCheck(target, req.Password) {
		s.fail(w, r, catalog.E(catalog.KindBadRequest,
			"username must be at least 4 alphanumeric characters and the password must not contain it"))
		return
	}
	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.users.Add(target, hash)
	s.log.WithField("user", target).Info("user created by manager")
	w.WriteHeader(http.StatusOK)
}

// handleAdminEnableUser flips an account on or off. Disabling also ends
// any live session and puts the user's claimed tasks back.
func (s *Server) handleAdminEnableUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	target := mux.Vars(r)["user"]
	if !s.auth.Exists(target) {
		s.fail(w, r, catalog.E(catalog.KindNotFound, "no such user %q", target))
		return
	}
	if target == managerUser {
		s.fail(w, r, catalog.E(catalog.KindConflict, "the %s account cannot be disabled", managerUser))
		return
	}
	s.auth.SetEnabled(target, req.Enabled)
	if !req.Enabled {
		if err := s.closeSession(target); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminReloadUsers(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.users.Reload(); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAdminResetTask forces a task back onto the pile regardless of
// who holds it or whether it is finished.
func (s *Server) handleAdminResetTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Kind string `json:"kind"`
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.cat.AdminResetTask(catalog.TaskKind(req.Kind), req.Code); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAdminAddPaper registers a paper from the production pipeline.
func (s *Server) handleAdminAddPaper(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		PaperNumber      int         `json:"paper_number"`
		MagicCode        string      `json:"magic_code"`
		QuestionVersions map[int]int `json:"question_versions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.cat.AddPaper(catalog.Paper{
		PaperNumber:      req.PaperNumber,
		MagicCode:        req.MagicCode,
		QuestionVersions: req.QuestionVersions,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAdminIngestPage accepts one decoded scan: a param field naming
// where it belongs and an image file. The artifact is committed to the
// store before the catalog hears about it, so a crash between the two
// leaves an orphan file, never a dangling reference.
func (s *Server) handleAdminIngestPage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "malformed upload: %v", err))
		return
	}
	var p struct {
		authed
		Paper   int    `json:"paper"`
		Page    int    `json:"page"`
		Version int    `json:"version"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("param")), &p); err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "malformed param field: %v", err))
		return
	}
	if err := s.checkManager(p); err != nil {
		s.fail(w, r, err)
		return
	}
	image, err := formFile(r, "image")
	if err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "missing image: %v", err))
		return
	}
	id, err := s.store.Put(store.KindPage, image)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.ArtifactBytes.WithLabelValues("write").Add(float64(len(image)))

	res, err := s.cat.IngestPage(p.Paper, p.Page, p.Version, id, p.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, res)
}

func (s *Server) handleAdminProgress(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	counts, err := s.prog.UserProgress()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, counts)
}

// handleAdminHistogram serves score distributions for one question,
// sliced by version and by marker.
func (s *Server) handleAdminHistogram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Question int `json:"question"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.spec.ValidQuestion(req.Question) {
		s.fail(w, r, catalog.E(catalog.KindOutOfRange, "question %d out of range", req.Question))
		return
	}
	byVersion, err := s.prog.MarkHistogramByVersion(req.Question)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	byUser, err := s.prog.MarkHistogramByUser(req.Question)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"by_version": byVersion,
		"by_user":    byUser,
	})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkManager(req); err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.cat.AuditTrail(req.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, entries)
}
