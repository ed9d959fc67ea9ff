package catalog

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// ResetUserInFlight puts every task out with user back on the Todo pile.
// Invoked on login, logout and token revocation, and by the
// administrator when a client has vanished for good.
func (c *Catalog) ResetUserInFlight(user string) error {
	return c.withTx(func(tx *sqlx.Tx) error {
		r1, err := tx.Exec(
			`UPDATE id_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE owner = ? AND state = ?`,
			StateTodo, user, StateOut)
		if err != nil {
			return err
		}
		r2, err := tx.Exec(
			`UPDATE mark_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE owner = ? AND state = ?`,
			StateTodo, user, StateOut)
		if err != nil {
			return err
		}
		n1, _ := r1.RowsAffected()
		n2, _ := r2.RowsAffected()
		if n1+n2 > 0 {
			c.log.WithFields(logrus.Fields{"user": user, "id": n1, "mark": n2}).
				Info("reset in-flight tasks")
		}
		return nil
	})
}

// AdminResetTask forces a task back to Todo regardless of state,
// preserving the prior values in the audit log. Used to re-open Done
// work.
func (c *Catalog) AdminResetTask(kind TaskKind, code string) error {
	switch kind {
	case TaskID:
		paper, err := ParseIDTaskCode(code)
		if err != nil {
			return err
		}
		return c.withTx(func(tx *sqlx.Tx) error {
			var row idTaskRow
			err := tx.Get(&row, `SELECT * FROM id_tasks WHERE paper_number = ?`, paper)
			if errors.Is(err, sql.ErrNoRows) {
				return E(KindNotFound, "no identification task for paper %d", paper)
			}
			if err != nil {
				return err
			}
			prior := map[string]interface{}{
				"task": code, "state": row.State, "owner": deref(row.Owner),
				"sid": deref(row.StudentID), "sname": deref(row.StudentName),
			}
			if err := c.audit(tx, "admin", "reset-id-task", prior); err != nil {
				return err
			}
			_, err = tx.Exec(
				`UPDATE id_tasks
				 SET state = ?, owner = NULL, student_id = NULL, student_name = NULL, claimed_at = NULL
				 WHERE paper_number = ?`,
				StateTodo, paper)
			return err
		})
	case TaskMark:
		paper, question, err := ParseMarkTaskCode(code)
		if err != nil {
			return err
		}
		return c.withTx(func(tx *sqlx.Tx) error {
			var row markTaskRow
			err := tx.Get(&row,
				`SELECT * FROM mark_tasks WHERE paper_number = ? AND question = ?`,
				paper, question)
			if errors.Is(err, sql.ErrNoRows) {
				return E(KindNotFound, "no marking task %s", code)
			}
			if err != nil {
				return err
			}
			prior := map[string]interface{}{
				"task": code, "state": row.State, "owner": deref(row.Owner), "score": row.Score,
			}
			if err := c.audit(tx, "admin", "reset-mark-task", prior); err != nil {
				return err
			}
			// annotated artifacts stay linked so a re-claim can offer them
			_, err = tx.Exec(
				`UPDATE mark_tasks SET state = ?, owner = NULL, score = NULL, claimed_at = NULL
				 WHERE paper_number = ? AND question = ?`,
				StateTodo, paper, question)
			return err
		})
	default:
		return E(KindBadRequest, "unknown task kind %q", kind)
	}
}

// AuditEntry is one row of the administrative audit trail.
type AuditEntry struct {
	ID     string    `db:"id" json:"id"`
	At     time.Time `db:"at" json:"at"`
	Actor  string    `db:"actor" json:"actor"`
	Action string    `db:"action" json:"action"`
	Detail string    `db:"detail" json:"detail"`
}

// AuditTrail lists audit entries, newest first.
func (c *Catalog) AuditTrail(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []AuditEntry
	err := c.db.Select(&entries,
		`SELECT id, at, actor, action, detail FROM audit_log ORDER BY at DESC LIMIT ?`, limit)
	return entries, err
}
