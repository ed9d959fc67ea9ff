package catalog

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// ClaimNextMark hands the oldest Todo marking task matching (question,
// version) to user. The integrity snapshot is recomputed at claim time
// and stored on the task, so a later return can be checked against it.
func (c *Catalog) ClaimNextMark(user string, question, version int) (*MarkClaim, error) {
	if !c.spec.ValidQuestion(question) {
		return nil, E(KindOutOfRange, "question %d out of range", question)
	}
	if !c.spec.ValidVersion(version) {
		return nil, E(KindOutOfRange, "version %d out of range", version)
	}

	var claim *MarkClaim
	err := c.withTx(func(tx *sqlx.Tx) error {
		var row markTaskRow
		err := tx.Get(&row,
			`SELECT * FROM mark_tasks WHERE state = ? AND question = ? AND version = ?
			 ORDER BY paper_number ASC LIMIT 1`,
			StateTodo, question, version)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindNoneAvailable, "no marking tasks for question %d version %d", question, version)
		}
		if err != nil {
			return err
		}

		pages, err := pageArtifacts(tx, row.PaperNumber, c.spec.QuestionPages(question))
		if err != nil {
			return err
		}
		integrity := integrityOf(pages)
		now := time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE mark_tasks SET state = ?, owner = ?, claimed_at = ?, integrity = ?
			 WHERE paper_number = ? AND question = ?`,
			StateOut, user, now, integrity, row.PaperNumber, question); err != nil {
			return err
		}

		claim = &MarkClaim{
			Code:        MarkTaskCode(row.PaperNumber, question),
			PaperNumber: row.PaperNumber,
			Question:    question,
			Version:     version,
			Tags:        row.Tags,
			Integrity:   integrity,
			PageIDs:     pages,
			AnnotatedID: deref(row.AnnotatedID),
			RecordID:    deref(row.RecordID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"user": user, "task": claim.Code}).Debug("mark task claimed")
	return claim, nil
}

// ReturnMark completes a marking task. The task must be out with user;
// the supplied integrity check and per-image digests must match the
// current page set, otherwise the return is rejected and the task stays
// out with the user.
func (c *Catalog) ReturnMark(user, code string, ret MarkReturn) error {
	paper, question, err := ParseMarkTaskCode(code)
	if err != nil {
		return err
	}
	maxMark, ok := c.spec.MaxMark(question)
	if !ok {
		return E(KindOutOfRange, "question %d out of range", question)
	}
	if ret.Score < 0 || ret.Score > maxMark {
		return E(KindOutOfRange, "score %d outside 0..%d", ret.Score, maxMark)
	}

	return c.withTx(func(tx *sqlx.Tx) error {
		var row markTaskRow
		err := tx.Get(&row,
			`SELECT * FROM mark_tasks WHERE paper_number = ? AND question = ?`,
			paper, question)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindTaskDeleted, "task %s no longer exists", code)
		}
		if err != nil {
			return err
		}
		if row.State != StateOut || deref(row.Owner) != user {
			return E(KindTaskChanged, "task %s is not out with %s", code, user)
		}

		// Recompute the digest snapshot from the live page set and
		// compare against what the client claimed at claim time.
		pages, err := pageArtifacts(tx, paper, c.spec.QuestionPages(question))
		if err != nil {
			return err
		}
		if integrityOf(pages) != ret.Integrity {
			return E(KindIntegrityMismatch, "task %s page set changed since claim", code)
		}
		if len(ret.ImageDigests) != len(pages) {
			return E(KindIntegrityMismatch, "task %s image digest count mismatch", code)
		}
		for i, d := range ret.ImageDigests {
			if d != pages[i] {
				return E(KindIntegrityMismatch, "task %s image %d digest mismatch", code, i)
			}
		}

		if _, err := tx.Exec(
			`UPDATE mark_tasks
			 SET state = ?, owner = ?, score = ?, annotated_id = ?, record_id = ?,
			     marking_time = ?, tags = ?
			 WHERE paper_number = ? AND question = ?`,
			StateDone, user, ret.Score, ret.AnnotatedID, ret.RecordID,
			ret.MarkingTime, ret.Tags, paper, question); err != nil {
			return err
		}
		if row.Score != nil {
			prior := map[string]interface{}{
				"task": code, "score": row.Score, "annotated": deref(row.AnnotatedID),
			}
			if err := c.audit(tx, user, "re-mark", prior); err != nil {
				return err
			}
		}
		c.log.WithFields(logrus.Fields{"user": user, "task": code, "score": ret.Score}).
			Info("task marked")
		return nil
	})
}

// AbandonMark puts a claimed marking task back on the Todo pile. A task
// not out with the user is left untouched.
func (c *Catalog) AbandonMark(user, code string) error {
	paper, question, err := ParseMarkTaskCode(code)
	if err != nil {
		return err
	}
	return c.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			`UPDATE mark_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE paper_number = ? AND question = ? AND state = ? AND owner = ?`,
			StateTodo, paper, question, StateOut, user)
		return err
	})
}

// SetTags replaces the tags on a task the user owns (out or done).
func (c *Catalog) SetTags(user, code, tags string) error {
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
		if deref(row.Owner) != user {
			return E(KindConflict, "task %s belongs to another user", code)
		}
		_, err = tx.Exec(
			`UPDATE mark_tasks SET tags = ? WHERE paper_number = ? AND question = ?`,
			tags, paper, question)
		return err
	})
}

// ListDoneMarks lists the marking tasks user has completed for the given
// (question, version).
func (c *Catalog) ListDoneMarks(user string, question, version int) ([]DoneMark, error) {
	if !c.spec.ValidQuestion(question) || !c.spec.ValidVersion(version) {
		return nil, E(KindOutOfRange, "question %d version %d out of range", question, version)
	}
	var rows []markTaskRow
	err := c.db.Select(&rows,
		`SELECT * FROM mark_tasks
		 WHERE state = ? AND owner = ? AND question = ? AND version = ?
		 ORDER BY paper_number ASC`,
		StateDone, user, question, version)
	if err != nil {
		return nil, err
	}
	done := make([]DoneMark, 0, len(rows))
	for _, r := range rows {
		score := 0
		if r.Score != nil {
			score = *r.Score
		}
		mtime := 0
		if r.MarkingTime != nil {
			mtime = *r.MarkingTime
		}
		done = append(done, DoneMark{
			Code:        MarkTaskCode(r.PaperNumber, r.Question),
			Score:       score,
			MarkingTime: mtime,
			Tags:        r.Tags,
			Integrity:   r.Integrity,
		})
	}
	return done, nil
}

// MarkTaskBundle returns the claim-shaped view of a task that is out
// with user. The dispatcher serves it when the client collects a task it
// was just granted.
func (c *Catalog) MarkTaskBundle(user, code string) (*MarkClaim, error) {
	paper, question, err := ParseMarkTaskCode(code)
	if err != nil {
		return nil, err
	}
	var claim *MarkClaim
	err = c.withTx(func(tx *sqlx.Tx) error {
		var row markTaskRow
		err := tx.Get(&row,
			`SELECT * FROM mark_tasks WHERE paper_number = ? AND question = ?`,
			paper, question)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindTaskDeleted, "task %s no longer exists", code)
		}
		if err != nil {
			return err
		}
		if row.State != StateOut || deref(row.Owner) != user {
			return E(KindTaskChanged, "task %s is not out with %s", code, user)
		}
		pages, err := pageArtifacts(tx, paper, c.spec.QuestionPages(question))
		if err != nil {
			return err
		}
		claim = &MarkClaim{
			Code:        code,
			PaperNumber: paper,
			Question:    question,
			Version:     row.Version,
			Tags:        row.Tags,
			Integrity:   row.Integrity,
			PageIDs:     pages,
			AnnotatedID: deref(row.AnnotatedID),
			RecordID:    deref(row.RecordID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// MarkTaskArtifacts is everything a marker needs to re-open a task:
// page images plus any prior annotated image and annotation record.
type MarkTaskArtifacts struct {
	PageIDs     []string
	AnnotatedID string
	RecordID    string
}

// MarkTaskImages returns the task's artifacts. The supplied integrity
// check must match the task's current snapshot; ownership must not have
// moved.
func (c *Catalog) MarkTaskImages(user, code, integrity string) (*MarkTaskArtifacts, error) {
	paper, question, err := ParseMarkTaskCode(code)
	if err != nil {
		return nil, err
	}
	var arts *MarkTaskArtifacts
	err = c.withTx(func(tx *sqlx.Tx) error {
		var row markTaskRow
		err := tx.Get(&row,
			`SELECT * FROM mark_tasks WHERE paper_number = ? AND question = ?`,
			paper, question)
		if errors.Is(err, sql.ErrNoRows) {
			return E(KindTaskDeleted, "task %s no longer exists", code)
		}
		if err != nil {
			return err
		}
		if deref(row.Owner) != user {
			return E(KindTaskChanged, "task %s is out with another user", code)
		}
		if row.Integrity != integrity {
			return E(KindIntegrityMismatch, "task %s has been changed", code)
		}
		pages, err := pageArtifacts(tx, paper, c.spec.QuestionPages(question))
		if err != nil {
			return err
		}
		arts = &MarkTaskArtifacts{
			PageIDs:     pages,
			AnnotatedID: deref(row.AnnotatedID),
			RecordID:    deref(row.RecordID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return arts, nil
}

// WholePaper returns the page metadata of every ingested page of a
// paper, in page order.
func (c *Catalog) WholePaper(paper int) ([]PageInfo, error) {
	var n int
	if err := c.db.Get(&n, `SELECT COUNT(*) FROM papers WHERE paper_number = ?`, paper); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, E(KindNotFound, "paper %d is not in the catalog", paper)
	}
	var pages []PageInfo
	err := c.db.Select(&pages,
		`SELECT page_number, version, artifact_id FROM page_images
		 WHERE paper_number = ? ORDER BY page_number ASC`,
		paper)
	if err != nil {
		return nil, err
	}
	return pages, nil
}
