package api

import (
	"encoding/json"
	"net/http"

	"github.com/openmark/coordinator/internal/catalog"
)

// authed is embedded in every authenticated request body. Credentials
// travel in the body, not in headers, matching the client protocol.
type authed struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

func (a authed) credentials() (string, string) { return a.User, a.Token }

type credentialed interface {
	credentials() (user, token string)
}

// decodeJSON reads a JSON request body. Malformed bodies are a bad
// request, never a server error.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return catalog.E(catalog.KindBadRequest, "malformed request body: %v", err)
	}
	return nil
}

// checkToken verifies the session credentials carried in a request.
// It rejects before any component is touched, so an unauthorised request
// can have no side effect.
func (s *Server) checkToken(req credentialed) error {
	user, token := req.credentials()
	if !s.auth.Validate(user, token) {
		return catalog.E(catalog.KindUnauthorised, "invalid user or token")
	}
	return nil
}

// checkManager additionally requires the manager account.
func (s *Server) checkManager(req credentialed) error {
	if err := s.checkToken(req); err != nil {
		return err
	}
	if user, _ := req.credentials(); user != managerUser {
		return catalog.E(catalog.KindUnauthorised, "administrative access requires the %s account", managerUser)
	}
	return nil
}
