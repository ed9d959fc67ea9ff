package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openmark/coordinator/internal/authority"
	"github.com/openmark/coordinator/internal/catalog"
)

// handleTokenRequest is the login path: password in, session token out.
// The client announces its protocol revision; a mismatch is rejected
// before the password is even checked so old clients get a clear answer.
func (s *Server) handleTokenRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"pw"`
		API      string `json:"api"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if mux.Vars(r)["user"] != req.User {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "user in path and body disagree"))
		return
	}
	if req.API != apiVersion {
		s.fail(w, r, catalog.E(catalog.KindAPIMismatch,
			"client speaks API %q but this server speaks %q", req.API, apiVersion))
		return
	}
	if !s.auth.VerifyPassword(req.User, req.Password) {
		s.fail(w, r, catalog.E(catalog.KindUnauthorised, "invalid username or password"))
		return
	}

	token, err := s.auth.IssueToken(req.User)
	if errors.Is(err, authority.ErrTokenHeld) {
		s.fail(w, r, catalog.E(catalog.KindConflict,
			"user %s already has an active session", req.User))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// A fresh session starts clean: anything still out from a crashed
	// client goes back on the pile.
	if err := s.cat.ResetUserInFlight(req.User); err != nil {
		s.auth.Revoke(req.User)
		s.fail(w, r, err)
		return
	}
	s.log.WithField("user", req.User).Info("session opened")
	s.writeJSON(w, map[string]string{"token": token})
}

// handleClearAuthorisation revokes a stale token using the password
// alone, for the client that crashed and lost its session.
func (s *Server) handleClearAuthorisation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"pw"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.auth.VerifyPassword(req.User, req.Password) {
		s.fail(w, r, catalog.E(catalog.KindUnauthorised, "invalid username or password"))
		return
	}
	if err := s.closeSession(req.User); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLogout ends the session named by a live token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if mux.Vars(r)["user"] != req.User {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "user in path and body disagree"))
		return
	}
	if err := s.closeSession(req.User); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// closeSession revokes the token and puts the user's claimed tasks back.
// Revocation happens first so no request can sneak in between the two.
func (s *Server) closeSession(user string) error {
	s.auth.Revoke(user)
	if err := s.cat.ResetUserInFlight(user); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"user": user}).Info("session closed")
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Openmark coordinator v%s (API %s)\n", Version, apiVersion)
}
