package progress

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/exam"
)

func fixture(t *testing.T) (*catalog.Catalog, *Accountant) {
	t.Helper()
	spec := &exam.Spec{
		Name:             "mid250",
		NumberOfVersions: 2,
		NumberOfPages:    4,
		IDPages:          []int{1},
		Questions: map[int]exam.Question{
			1: {Pages: []int{2}, MaxMark: 5},
			2: {Pages: []int{3, 4}, MaxMark: 10},
		},
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), spec, logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat, New(cat)
}

func seedPaper(t *testing.T, cat *catalog.Catalog, n int) {
	t.Helper()
	require.NoError(t, cat.AddPaper(catalog.Paper{
		PaperNumber:      n,
		MagicCode:        fmt.Sprintf("m%d", n),
		QuestionVersions: map[int]int{1: 1, 2: 1},
	}))
	for page := 1; page <= 4; page++ {
		_, err := cat.IngestPage(n, page, 1, fmt.Sprintf("h-%d-%d", n, page), "scan.png")
		require.NoError(t, err)
	}
}

func markOne(t *testing.T, cat *catalog.Catalog, user string, question, score int) {
	t.Helper()
	claim, err := cat.ClaimNextMark(user, question, 1)
	require.NoError(t, err)
	require.NoError(t, cat.ReturnMark(user, claim.Code, catalog.MarkReturn{
		Score:        score,
		MarkingTime:  10,
		AnnotatedID:  "a-" + claim.Code,
		RecordID:     "r-" + claim.Code,
		ImageDigests: claim.PageIDs,
		Integrity:    claim.Integrity,
	}))
}

func TestIDProgressReadYourWrites(t *testing.T) {
	cat, acc := fixture(t)
	seedPaper(t, cat, 1)

	done, total, err := acc.IDProgress()
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 1, total)

	claim, err := cat.ClaimNextID("u1")
	require.NoError(t, err)
	require.NoError(t, cat.ReturnID("u1", claim.Code, "10000001", "Alice", false))

	done, total, err = acc.IDProgress()
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, total)
}

func TestMarkProgressPerFilter(t *testing.T) {
	cat, acc := fixture(t)
	seedPaper(t, cat, 1)
	seedPaper(t, cat, 2)

	markOne(t, cat, "u1", 1, 3)

	done, total, err := acc.MarkProgress(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)

	// other question untouched
	done, total, err = acc.MarkProgress(2, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 2, total)
}

func TestUserProgressSpansQueues(t *testing.T) {
	cat, acc := fixture(t)
	seedPaper(t, cat, 1)
	seedPaper(t, cat, 2)

	claim, err := cat.ClaimNextID("u1")
	require.NoError(t, err)
	require.NoError(t, cat.ReturnID("u1", claim.Code, "10000001", "Alice", false))
	markOne(t, cat, "u1", 1, 3)
	markOne(t, cat, "u2", 1, 5)

	counts, err := acc.UserProgress()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["u1"])
	assert.Equal(t, 1, counts["u2"])
}

func TestHistograms(t *testing.T) {
	cat, acc := fixture(t)
	for n := 1; n <= 3; n++ {
		seedPaper(t, cat, n)
	}
	markOne(t, cat, "u1", 1, 3)
	markOne(t, cat, "u1", 1, 3)
	markOne(t, cat, "u2", 1, 5)

	byVersion, err := acc.MarkHistogramByVersion(1)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 2, 5: 1}, byVersion[1])

	byUser, err := acc.MarkHistogramByUser(1)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 2}, byUser["u1"])
	assert.Equal(t, map[int]int{5: 1}, byUser["u2"])
}
