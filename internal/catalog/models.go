package catalog

import (
	"fmt"
	"time"
)

// Task states. A task is always in exactly one of these.
const (
	StateTodo = "todo"
	StateOut  = "out"
	StateDone = "done"
)

// TaskKind distinguishes the two queues for administrative operations.
type TaskKind string

const (
	TaskID   TaskKind = "id"
	TaskMark TaskKind = "mark"
)

// Paper is one printed-and-scanned test instance.
type Paper struct {
	PaperNumber int    `db:"paper_number"`
	MagicCode   string `db:"magic_code"`
	// QuestionVersions maps question number to the version printed on
	// this paper.
	QuestionVersions map[int]int `db:"-"`
}

// PageImage is an accepted scan of one page of one paper.
type PageImage struct {
	PaperNumber int    `db:"paper_number"`
	PageNumber  int    `db:"page_number"`
	Version     int    `db:"version"`
	ArtifactID  string `db:"artifact_id"`
	SourceName  string `db:"source_name"`
}

type idTaskRow struct {
	PaperNumber int        `db:"paper_number"`
	State       string     `db:"state"`
	Owner       *string    `db:"owner"`
	StudentID   *string    `db:"student_id"`
	StudentName *string    `db:"student_name"`
	ClaimedAt   *time.Time `db:"claimed_at"`
}

type markTaskRow struct {
	PaperNumber int        `db:"paper_number"`
	Question    int        `db:"question"`
	Version     int        `db:"version"`
	State       string     `db:"state"`
	Owner       *string    `db:"owner"`
	Score       *int       `db:"score"`
	AnnotatedID *string    `db:"annotated_id"`
	RecordID    *string    `db:"record_id"`
	Integrity   string     `db:"integrity"`
	MarkingTime *int       `db:"marking_time"`
	Tags        string     `db:"tags"`
	ClaimedAt   *time.Time `db:"claimed_at"`
}

// IDClaim is the result of claiming an identification task.
type IDClaim struct {
	Code        string
	PaperNumber int
	PageIDs     []string
}

// MarkClaim is the result of claiming a marking task. AnnotatedID and
// RecordID are set when the task had been marked before (re-claim after
// an administrative reset).
type MarkClaim struct {
	Code        string
	PaperNumber int
	Question    int
	Version     int
	Tags        string
	Integrity   string
	PageIDs     []string
	AnnotatedID string
	RecordID    string
}

// MarkReturn carries everything a marker submits with a finished task.
type MarkReturn struct {
	Score        int
	MarkingTime  int
	Tags         string
	AnnotatedID  string
	RecordID     string
	ImageDigests []string
	Integrity    string
}

// DoneID is one completed identification, as listed back to its owner.
type DoneID struct {
	Code        string `json:"code"`
	StudentID   string `json:"sid"`
	StudentName string `json:"sname"`
}

// DoneMark is one completed marking task, as listed back to its owner.
type DoneMark struct {
	Code        string `json:"code"`
	Score       int    `json:"score"`
	MarkingTime int    `json:"mtime"`
	Tags        string `json:"tags"`
	Integrity   string `json:"integrity_check"`
}

// PageInfo is the per-page metadata of the whole-paper view.
type PageInfo struct {
	PageNumber int    `json:"page" db:"page_number"`
	Version    int    `json:"version" db:"version"`
	ArtifactID string `json:"image_id" db:"artifact_id"`
}

// IDTaskCode formats the wire identifier of an identification task.
func IDTaskCode(paper int) string {
	return fmt.Sprintf("%04d", paper)
}

// ParseIDTaskCode inverts IDTaskCode.
func ParseIDTaskCode(code string) (int, error) {
	var paper int
	if _, err := fmt.Sscanf(code, "%d", &paper); err != nil || paper < 1 {
		return 0, E(KindBadRequest, "malformed id task code %q", code)
	}
	return paper, nil
}

// MarkTaskCode formats the wire identifier of a marking task, e.g.
// "q0007g3" for paper 7, question 3.
func MarkTaskCode(paper, question int) string {
	return fmt.Sprintf("q%04dg%d", paper, question)
}

// ParseMarkTaskCode inverts MarkTaskCode.
func ParseMarkTaskCode(code string) (paper, question int, err error) {
	if _, serr := fmt.Sscanf(code, "q%dg%d", &paper, &question); serr != nil || paper < 1 || question < 1 {
		return 0, 0, E(KindBadRequest, "malformed mark task code %q", code)
	}
	return paper, question, nil
}
