package catalog

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ClaimNextID hands the oldest Todo identification task to user. Claims
// are strictly FIFO by paper number. Returns KindNoneAvailable when the
// queue is empty. The dispatcher has already verified the user's token.
func (c *Catalog) ClaimNextID(user string) (*IDClaim, error) {
	var claim *IDClaim
	err := c.withTx(func(tx *sqlx.Tx) error {
		var row idTaskRow
		err := tx.Get(&row,
			`SELECT * FROM id_tasks WHERE state = ? ORDER BY paper_number ASC LIMIT 1`,
			StateTodo)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindNoneAvailable, "no identification tasks available")
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE id_tasks SET state = ?, owner = ?, claimed_at = ? WHERE paper_number = ?`,
			StateOut, user, now, row.PaperNumber); err != nil {
			return err
		}
		pages, err := pageArtifacts(tx, row.PaperNumber, c.spec.IDPages)
		if err != nil {
			return err
		}
		claim = &IDClaim{
			Code:        IDTaskCode(row.PaperNumber),
			PaperNumber: row.PaperNumber,
			PageIDs:     pages,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"user": user, "task": claim.Code}).Debug("id task claimed")
	return claim, nil
}

// ReturnID completes an identification task. The task must be out with
// user, or Done with alreadyDone set (re-identify, which writes an audit
// entry preserving the prior identity). A duplicate student id rejects
// the whole return and leaves the task out with the user.
func (c *Catalog) ReturnID(user, code, studentID, studentName string, alreadyDone bool) error {
	paper, err := ParseIDTaskCode(code)
	if err != nil {
		return err
	}
	if studentID == "" {
		return E(KindBadRequest, "empty student id")
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

		switch row.State {
		case StateDone:
			if !alreadyDone {
				return E(KindConflict, "paper %d is already identified", paper)
			}
			prior := map[string]interface{}{
				"paper": paper,
				"sid":   deref(row.StudentID),
				"sname": deref(row.StudentName),
			}
			if err := c.audit(tx, user, "re-identify", prior); err != nil {
				return err
			}
		case StateOut:
			if deref(row.Owner) != user {
				return E(KindTaskChanged, "paper %d is out with another user", paper)
			}
		default:
			return E(KindTaskChanged, "paper %d is not out with %s", paper, user)
		}

		// Uniqueness enforced by the partial unique index; a violation
		// rolls back, leaving the task out with the user.
		_, err = tx.Exec(
			`UPDATE id_tasks SET state = ?, owner = ?, student_id = ?, student_name = ?
			 WHERE paper_number = ?`,
			StateDone, user, studentID, studentName, paper)
		if isUniqueViolation(err) {
			return E(KindConflict, "student id %s already used on another paper", studentID)
		}
		if err != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{"user": user, "task": code, "sid": studentID}).
			Info("paper identified")
		return nil
	})
}

// AbandonID puts a claimed identification task back on the Todo pile.
// A task not out with the user is left untouched.
func (c *Catalog) AbandonID(user, code string) error {
	paper, err := ParseIDTaskCode(code)
	if err != nil {
		return err
	}
	return c.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			`UPDATE id_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE paper_number = ? AND state = ? AND owner = ?`,
			StateTodo, paper, StateOut, user)
		return err
	})
}

// ListDoneID lists the identifications completed by user.
func (c *Catalog) ListDoneID(user string) ([]DoneID, error) {
	var rows []idTaskRow
	err := c.db.Select(&rows,
		`SELECT * FROM id_tasks WHERE state = ? AND owner = ? ORDER BY paper_number ASC`,
		StateDone, user)
	if err != nil {
		return nil, err
	}
	done := make([]DoneID, 0, len(rows))
	for _, r := range rows {
		done = append(done, DoneID{
			Code:        IDTaskCode(r.PaperNumber),
			StudentID:   deref(r.StudentID),
			StudentName: deref(r.StudentName),
		})
	}
	return done, nil
}

// IDTaskImages returns the id-page artifact ids for a task the user may
// see: one they own, or one that is Done.
func (c *Catalog) IDTaskImages(user, code string) ([]string, error) {
	paper, err := ParseIDTaskCode(code)
	if err != nil {
		return nil, err
	}
	var pages []string
	err = c.withTx(func(tx *sqlx.Tx) error {
		var row idTaskRow
		err := tx.Get(&row, `SELECT * FROM id_tasks WHERE paper_number = ?`, paper)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindNotFound, "no identification task for paper %d", paper)
		}
		if err != nil {
			return err
		}
		if row.State == StateOut && deref(row.Owner) != user {
			return E(KindConflict, "paper %d is out with another user", paper)
		}
		pages, err = pageArtifacts(tx, paper, c.spec.IDPages)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
