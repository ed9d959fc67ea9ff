// Package catalog is the authoritative record of papers, page images and
// grading tasks. It exclusively owns the task state machines; every
// mutating operation runs as one immediate SQLite transaction under a
// process-wide writer lock, so claim/return/abandon are atomic and
// linearisable with respect to each other.
package catalog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/openmark/coordinator/internal/exam"
)

// Catalog wraps the task database. Image bytes never pass through here;
// tasks hold artifact ids and the store serves the bytes outside the
// catalog lock.
type Catalog struct {
	db   *sqlx.DB
	spec *exam.Spec
	mu   sync.Mutex
	log  *logrus.Entry
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, spec *exam.Spec, log *logrus.Entry) (*Catalog, error) {
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// the writer mutex serialises all mutation; one connection avoids
	// SQLITE_BUSY between our own readers and the writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Catalog{db: db, spec: spec, log: log}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the handle for read-only derivations (progress accounting).
func (c *Catalog) DB() *sqlx.DB {
	return c.db
}

// Spec returns the exam structure the catalog was opened with.
func (c *Catalog) Spec() *exam.Spec {
	return c.spec
}

// withTx runs fn inside the writer critical section. Any error rolls the
// transaction back.
func (c *Catalog) withTx(fn func(tx *sqlx.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// audit writes one audit row inside the caller's transaction. detail is
// marshalled to JSON.
func (c *Catalog) audit(tx *sqlx.Tx, actor, action string, detail interface{}) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO audit_log (id, at, actor, action, detail) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), time.Now().UTC(), actor, action, string(raw),
	)
	if err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	return nil
}

// integrityOf computes the digest snapshot for a task over the given
// ordered page hashes: H(h1 | "|" | h2 | ... | hk).
func integrityOf(pageHashes []string) string {
	sum := sha256.Sum256([]byte(strings.Join(pageHashes, "|")))
	return hex.EncodeToString(sum[:])
}

// pageArtifacts returns the artifact ids of the named pages of a paper in
// page order, or an error naming the first missing page.
func pageArtifacts(tx *sqlx.Tx, paper int, pages []int) ([]string, error) {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		var id string
		err := tx.Get(&id,
			`SELECT artifact_id FROM page_images WHERE paper_number = ? AND page_number = ?`,
			paper, p)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, E(KindNotFound, "paper %d has no image for page %d", paper, p)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// pagesComplete reports whether every named page of a paper has an image.
func pagesComplete(tx *sqlx.Tx, paper int, pages []int) (bool, error) {
	for _, p := range pages {
		var n int
		if err := tx.Get(&n,
			`SELECT COUNT(*) FROM page_images WHERE paper_number = ? AND page_number = ?`,
			paper, p); err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}
