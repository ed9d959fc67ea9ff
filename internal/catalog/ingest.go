package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// AddPaper registers a paper produced by the printing pipeline. Papers
// are immutable once created.
func (c *Catalog) AddPaper(p Paper) error {
	if p.PaperNumber < 1 {
		return E(KindBadRequest, "paper number %d out of range", p.PaperNumber)
	}
	for q, v := range p.QuestionVersions {
		if !c.spec.ValidQuestion(q) {
			return E(KindOutOfRange, "question %d not in spec", q)
		}
		if !c.spec.ValidVersion(v) {
			return E(KindOutOfRange, "version %d not in spec", v)
		}
	}
	for _, q := range c.spec.QuestionNumbers() {
		if _, ok := p.QuestionVersions[q]; !ok {
			return E(KindBadRequest, "paper %d missing version for question %d", p.PaperNumber, q)
		}
	}
	versions, err := json.Marshal(p.QuestionVersions)
	if err != nil {
		return err
	}

	return c.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM papers WHERE paper_number = ?`, p.PaperNumber); err != nil {
			return err
		}
		if n > 0 {
			return E(KindConflict, "paper %d already exists", p.PaperNumber)
		}
		_, err := tx.Exec(
			`INSERT INTO papers (paper_number, magic_code, question_versions) VALUES (?, ?, ?)`,
			p.PaperNumber, p.MagicCode, string(versions))
		return err
	})
}

// IngestResult describes what a page ingest materialised or reset.
type IngestResult struct {
	Replaced    bool
	IDTaskReady bool
	MarksReady  []int // questions whose tasks became ready
	TasksReset  []string
}

// IngestPage accepts one decoded page image into the catalog. The
// artifact must already be committed to the store; its id is the content
// hash. Pages for unknown papers are rejected without mutating anything.
//
// A duplicate ingest for the same (paper, page) replaces the image. A
// replacement never demotes task state, with one exception: a Done task
// whose underlying image hash changed is administratively reset to Todo
// and an audit entry is written.
func (c *Catalog) IngestPage(paper, page, version int, artifactID, sourceName string) (*IngestResult, error) {
	if page < 1 || page > c.spec.NumberOfPages {
		return nil, E(KindBadRequest, "page %d out of range", page)
	}
	if !c.spec.ValidVersion(version) {
		return nil, E(KindBadRequest, "version %d out of range", version)
	}
	res := &IngestResult{}

	err := c.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM papers WHERE paper_number = ?`, paper); err != nil {
			return err
		}
		if n == 0 {
			return E(KindBadRequest, "paper %d is not in the catalog", paper)
		}

		var prior string
		err := tx.Get(&prior,
			`SELECT artifact_id FROM page_images WHERE paper_number = ? AND page_number = ?`,
			paper, page)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(
				`INSERT INTO page_images (paper_number, page_number, version, artifact_id, source_name)
				 VALUES (?, ?, ?, ?, ?)`,
				paper, page, version, artifactID, sourceName)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			res.Replaced = true
			_, err = tx.Exec(
				`UPDATE page_images SET version = ?, artifact_id = ?, source_name = ?
				 WHERE paper_number = ? AND page_number = ?`,
				version, artifactID, sourceName, paper, page)
			if err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{
				"paper": paper, "page": page, "source": sourceName,
			}).Info("replaced page image")
			if prior != artifactID {
				reset, err := c.resetDoneTasksForPage(tx, paper, page, prior, artifactID)
				if err != nil {
					return err
				}
				res.TasksReset = reset
			}
		}

		return c.materialiseReadyTasks(tx, paper, page, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// materialiseReadyTasks creates any task whose readiness predicate this
// page completes.
func (c *Catalog) materialiseReadyTasks(tx *sqlx.Tx, paper, page int, res *IngestResult) error {
	if containsPage(c.spec.IDPages, page) {
		ready, err := pagesComplete(tx, paper, c.spec.IDPages)
		if err != nil {
			return err
		}
		if ready {
			var n int
			if err := tx.Get(&n, `SELECT COUNT(*) FROM id_tasks WHERE paper_number = ?`, paper); err != nil {
				return err
			}
			if n == 0 {
				if _, err := tx.Exec(
					`INSERT INTO id_tasks (paper_number, state) VALUES (?, ?)`,
					paper, StateTodo); err != nil {
					return err
				}
				res.IDTaskReady = true
				c.log.WithField("paper", paper).Debug("id task ready")
			}
		}
	}

	versions, err := paperVersions(tx, paper)
	if err != nil {
		return err
	}
	for _, q := range c.spec.QuestionNumbers() {
		pages := c.spec.QuestionPages(q)
		if !containsPage(pages, page) {
			continue
		}
		ready, err := pagesComplete(tx, paper, pages)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		var n int
		if err := tx.Get(&n,
			`SELECT COUNT(*) FROM mark_tasks WHERE paper_number = ? AND question = ?`,
			paper, q); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		hashes, err := pageArtifacts(tx, paper, pages)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO mark_tasks (paper_number, question, version, state, integrity)
			 VALUES (?, ?, ?, ?, ?)`,
			paper, q, versions[q], StateTodo, integrityOf(hashes)); err != nil {
			return err
		}
		res.MarksReady = append(res.MarksReady, q)
		c.log.WithFields(logrus.Fields{"paper": paper, "question": q}).Debug("mark task ready")
	}
	return nil
}

// resetDoneTasksForPage demotes Done tasks that depended on a replaced
// page image, writing an audit entry for each. Returns the codes of the
// tasks it reset.
func (c *Catalog) resetDoneTasksForPage(tx *sqlx.Tx, paper, page int, priorID, newID string) ([]string, error) {
	var reset []string
	detail := map[string]interface{}{
		"paper": paper, "page": page,
		"prior_image": priorID, "new_image": newID,
	}
	if containsPage(c.spec.IDPages, page) {
		r, err := tx.Exec(
			`UPDATE id_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE paper_number = ? AND state = ?`,
			StateTodo, paper, StateDone)
		if err != nil {
			return nil, err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			reset = append(reset, IDTaskCode(paper))
			if err := c.audit(tx, "admin", "reset-id-task-page-replaced", detail); err != nil {
				return nil, err
			}
		}
	}
	for _, q := range c.spec.QuestionNumbers() {
		if !containsPage(c.spec.QuestionPages(q), page) {
			continue
		}
		r, err := tx.Exec(
			`UPDATE mark_tasks SET state = ?, owner = NULL, claimed_at = NULL
			 WHERE paper_number = ? AND question = ? AND state = ?`,
			StateTodo, paper, q, StateDone)
		if err != nil {
			return nil, err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			reset = append(reset, MarkTaskCode(paper, q))
			detail["question"] = q
			if err := c.audit(tx, "admin", "reset-mark-task-page-replaced", detail); err != nil {
				return nil, err
			}
		}
	}
	return reset, nil
}

func paperVersions(tx *sqlx.Tx, paper int) (map[int]int, error) {
	var raw string
	if err := tx.Get(&raw, `SELECT question_versions FROM papers WHERE paper_number = ?`, paper); err != nil {
		return nil, err
	}
	versions := make(map[int]int)
	if err := json.Unmarshal([]byte(raw), &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func containsPage(pages []int, page int) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}
