// Package users manages the on-disk user list: a JSON file mapping
// usernames to bcrypt password hashes, maintained by the course
// administrator. Reloading diffs the file against the live set.
package users

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openmark/coordinator/internal/authority"
)

// TaskResetter reverts a user's in-flight tasks; satisfied by the
// catalog.
type TaskResetter interface {
	ResetUserInFlight(user string) error
}

// Registry keeps the authority in sync with the user list file.
type Registry struct {
	path  string
	auth  *authority.Authority
	tasks TaskResetter
	log   *logrus.Entry

	mu    sync.Mutex
	known map[string]bool
}

func NewRegistry(path string, auth *authority.Authority, tasks TaskResetter, log *logrus.Entry) *Registry {
	return &Registry{
		path:  path,
		auth:  auth,
		tasks: tasks,
		log:   log,
		known: make(map[string]bool),
	}
}

func (r *Registry) read() (map[string]string, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read user list: %w", err)
	}
	list := make(map[string]string)
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse user list %s: %w", r.path, err)
	}
	return list, nil
}

// Load populates the authority from the file at startup. A missing or
// malformed file is fatal to the caller.
func (r *Registry) Load() error {
	list, err := r.read()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for user, hash := range list {
		r.auth.AddUser(user, hash)
		r.known[user] = true
	}
	r.log.WithField("users", len(list)).Info("loaded user list")
	return nil
}

// Reload re-reads the file and applies the difference: new users are
// added, changed hashes updated, and removed users have their in-flight
// tasks reset and their token revoked before the record goes away.
func (r *Registry) Reload() error {
	list, err := r.read()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for user, hash := range list {
		if !r.known[user] {
			r.log.WithField("user", user).Info("adding user")
		}
		r.auth.AddUser(user, hash)
		r.known[user] = true
	}
	for user := range r.known {
		if _, stillListed := list[user]; stillListed {
			continue
		}
		r.log.WithField("user", user).Info("removing user")
		if err := r.tasks.ResetUserInFlight(user); err != nil {
			return err
		}
		r.auth.Revoke(user)
		r.auth.RemoveUser(user)
		delete(r.known, user)
	}
	return nil
}

// Add registers a user created through the administrative API and notes
// them as known so a later reload does not drop them unless the file
// also drops them.
//
// Users created via the API but absent from the file are removed on the
// next reload, matching the file-is-authoritative rule.
func (r *Registry) Add(user, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth.AddUser(user, hash)
	r.known[user] = true
}
