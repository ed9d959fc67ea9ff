// Package store is the content-addressed artifact repository: page
// images, annotated images and annotation records, each stored on disk
// under its SHA-256 digest. Writes are temp-then-rename so a partial
// file is never visible under a final name.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Kind selects the subtree an artifact lives in.
type Kind string

const (
	KindPage      Kind = "pages"
	KindAnnotated Kind = "annotated"
	KindRecord    Kind = "records"
)

// ErrNotFound is returned by Get for an unknown artifact id.
var ErrNotFound = errors.New("artifact not found")

// readRetries bounds retries of transient read failures before the error
// is surfaced to the dispatcher as a server error.
const readRetries = 3

// Store is a single on-disk artifact tree rooted at one directory.
type Store struct {
	root string
	log  *logrus.Entry
}

// New opens (creating if needed) an artifact tree at root.
func New(root string, log *logrus.Entry) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(root, "tmp"),
		filepath.Join(root, string(KindPage)),
		filepath.Join(root, string(KindAnnotated)),
		filepath.Join(root, string(KindRecord)),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return &Store{root: root, log: log}, nil
}

// Hash returns the content digest used for addressing and integrity
// checks.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under its content hash and returns the artifact id.
// Identical content is idempotent.
func (s *Store) Put(kind Kind, data []byte) (string, error) {
	id := Hash(data)
	final := s.path(kind, id)
	if _, err := os.Stat(final); err == nil {
		return id, nil
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	s.log.WithFields(logrus.Fields{"kind": kind, "id": id, "bytes": len(data)}).
		Debug("stored artifact")
	return id, nil
}

// Get reads an artifact back. Transient read errors are retried a small
// bounded number of times; a missing artifact is ErrNotFound.
func (s *Store) Get(kind Kind, id string) ([]byte, error) {
	path := s.path(kind, id)
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		lastErr = err
	}
	return nil, fmt.Errorf("read artifact %s/%s: %w", kind, id, lastErr)
}

// Exists reports whether the artifact is present.
func (s *Store) Exists(kind Kind, id string) bool {
	_, err := os.Stat(s.path(kind, id))
	return err == nil
}

// Verify re-hashes the on-disk content and checks it matches the id the
// file is stored under.
func (s *Store) Verify(kind Kind, id string) error {
	data, err := s.Get(kind, id)
	if err != nil {
		return err
	}
	if got := Hash(data); got != id {
		return fmt.Errorf("artifact %s/%s digest mismatch: content hashes to %s", kind, id, got)
	}
	return nil
}

func (s *Store) path(kind Kind, id string) string {
	return filepath.Join(s.root, string(kind), id)
}
