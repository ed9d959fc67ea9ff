// Package queue exposes the two task queues — identification and
// marking — as thin fronts over the catalog. The catalog owns all state;
// the queues fix which operations each class of worker may reach.
package queue

import (
	"github.com/openmark/coordinator/internal/catalog"
)

// IDQueue is the identification queue: papers fully scanned but not yet
// attached to a student.
type IDQueue struct {
	cat *catalog.Catalog
}

func NewIDQueue(cat *catalog.Catalog) *IDQueue {
	return &IDQueue{cat: cat}
}

// ClaimNext hands the oldest available paper to user.
func (q *IDQueue) ClaimNext(user string) (*catalog.IDClaim, error) {
	return q.cat.ClaimNextID(user)
}

// Return completes an identification; alreadyDone re-identifies a Done
// paper and audits the prior identity.
func (q *IDQueue) Return(user, code, studentID, studentName string, alreadyDone bool) error {
	return q.cat.ReturnID(user, code, studentID, studentName, alreadyDone)
}

// Abandon puts a claimed task back without a result.
func (q *IDQueue) Abandon(user, code string) error {
	return q.cat.AbandonID(user, code)
}

// ListDone lists the user's completed identifications.
func (q *IDQueue) ListDone(user string) ([]catalog.DoneID, error) {
	return q.cat.ListDoneID(user)
}

// Images resolves the id-page artifacts of a task the user may view.
func (q *IDQueue) Images(user, code string) ([]string, error) {
	return q.cat.IDTaskImages(user, code)
}

// MarkQueue is the marking queue: (paper, question, version) triples
// ready to be scored. Claims are filtered per (question, version).
type MarkQueue struct {
	cat *catalog.Catalog
}

func NewMarkQueue(cat *catalog.Catalog) *MarkQueue {
	return &MarkQueue{cat: cat}
}

// ClaimNext hands the oldest available task for (question, version) to
// user, with its integrity snapshot.
func (q *MarkQueue) ClaimNext(user string, question, version int) (*catalog.MarkClaim, error) {
	return q.cat.ClaimNextMark(user, question, version)
}

// Bundle fetches the claim-shaped view of a task already out with user.
func (q *MarkQueue) Bundle(user, code string) (*catalog.MarkClaim, error) {
	return q.cat.MarkTaskBundle(user, code)
}

// Return completes a marking task.
func (q *MarkQueue) Return(user, code string, ret catalog.MarkReturn) error {
	return q.cat.ReturnMark(user, code, ret)
}

// Abandon puts a claimed task back without a result.
func (q *MarkQueue) Abandon(user, code string) error {
	return q.cat.AbandonMark(user, code)
}

// ListDone lists the user's completed tasks for (question, version).
func (q *MarkQueue) ListDone(user string, question, version int) ([]catalog.DoneMark, error) {
	return q.cat.ListDoneMarks(user, question, version)
}

// Images resolves the artifacts of a claimed or completed task.
func (q *MarkQueue) Images(user, code, integrity string) (*catalog.MarkTaskArtifacts, error) {
	return q.cat.MarkTaskImages(user, code, integrity)
}

// SetTags replaces the tags on a task the user owns.
func (q *MarkQueue) SetTags(user, code, tags string) error {
	return q.cat.SetTags(user, code, tags)
}
