// Package progress derives completion counts and score histograms from
// the catalog. Everything is computed on demand by aggregation; no
// counter is stored, so nothing can drift.
package progress

import (
	"github.com/jmoiron/sqlx"

	"github.com/openmark/coordinator/internal/catalog"
)

// Accountant answers progress queries against the catalog database.
type Accountant struct {
	db *sqlx.DB
}

func New(cat *catalog.Catalog) *Accountant {
	return &Accountant{db: cat.DB()}
}

// IDProgress returns (done, total) over identification tasks.
func (a *Accountant) IDProgress() (done, total int, err error) {
	if err = a.db.Get(&total, `SELECT COUNT(*) FROM id_tasks`); err != nil {
		return 0, 0, err
	}
	if err = a.db.Get(&done,
		`SELECT COUNT(*) FROM id_tasks WHERE state = ?`, catalog.StateDone); err != nil {
		return 0, 0, err
	}
	return done, total, nil
}

// MarkProgress returns (done, total) over marking tasks for one
// (question, version).
func (a *Accountant) MarkProgress(question, version int) (done, total int, err error) {
	if err = a.db.Get(&total,
		`SELECT COUNT(*) FROM mark_tasks WHERE question = ? AND version = ?`,
		question, version); err != nil {
		return 0, 0, err
	}
	if err = a.db.Get(&done,
		`SELECT COUNT(*) FROM mark_tasks WHERE question = ? AND version = ? AND state = ?`,
		question, version, catalog.StateDone); err != nil {
		return 0, 0, err
	}
	return done, total, nil
}

// UserProgress maps each user to the number of tasks they have
// completed, across both queues.
func (a *Accountant) UserProgress() (map[string]int, error) {
	counts := make(map[string]int)
	rows, err := a.db.Queryx(
		`SELECT owner, COUNT(*) FROM id_tasks
		 WHERE state = ? AND owner IS NOT NULL GROUP BY owner
		 UNION ALL
		 SELECT owner, COUNT(*) FROM mark_tasks
		 WHERE state = ? AND owner IS NOT NULL GROUP BY owner`,
		catalog.StateDone, catalog.StateDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		var n int
		if err := rows.Scan(&user, &n); err != nil {
			return nil, err
		}
		counts[user] += n
	}
	return counts, rows.Err()
}

// MarkHistogramByVersion returns, for one question, score counts keyed
// by version.
func (a *Accountant) MarkHistogramByVersion(question int) (map[int]map[int]int, error) {
	hist := make(map[int]map[int]int)
	rows, err := a.db.Queryx(
		`SELECT version, score, COUNT(*) FROM mark_tasks
		 WHERE question = ? AND state = ? GROUP BY version, score`,
		question, catalog.StateDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var version, score, n int
		if err := rows.Scan(&version, &score, &n); err != nil {
			return nil, err
		}
		if hist[version] == nil {
			hist[version] = make(map[int]int)
		}
		hist[version][score] = n
	}
	return hist, rows.Err()
}

// MarkHistogramByUser returns, for one question, score counts keyed by
// the user who marked them.
func (a *Accountant) MarkHistogramByUser(question int) (map[string]map[int]int, error) {
	hist := make(map[string]map[int]int)
	rows, err := a.db.Queryx(
		`SELECT owner, score, COUNT(*) FROM mark_tasks
		 WHERE question = ? AND state = ? AND owner IS NOT NULL GROUP BY owner, score`,
		question, catalog.StateDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		var score, n int
		if err := rows.Scan(&user, &score, &n); err != nil {
			return nil, err
		}
		if hist[user] == nil {
			hist[user] = make(map[int]int)
		}
		hist[user][score] = n
	}
	return hist, rows.Err()
}
