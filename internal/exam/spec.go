// Package exam holds the specification of the assessment being graded:
// how many pages a paper has, which pages identify the student, how pages
// group into questions, and the maximum mark per question.
package exam

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// Spec describes the structure shared by every paper. It is produced by
// the paper-production pipeline and is immutable once the server starts.
type Spec struct {
	Name             string           `yaml:"name"`
	LongName         string           `yaml:"long_name"`
	NumberOfVersions int              `yaml:"number_of_versions"`
	NumberOfPages    int              `yaml:"number_of_pages"`
	IDPages          []int            `yaml:"id_pages"`
	Questions        map[int]Question `yaml:"questions"`

	// PrivateSeed was used to randomise version assignment at production
	// time. It is stripped before the spec is served to clients.
	PrivateSeed string `yaml:"private_seed"`
}

// Question is one contiguous group of pages marked as a unit.
type Question struct {
	Label   string `yaml:"label"`
	Pages   []int  `yaml:"pages"`
	MaxMark int    `yaml:"max_mark"`
}

// Load reads and sanity-checks a spec file.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exam spec: %w", err)
	}
	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse exam spec %s: %w", path, err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) check() error {
	if s.Name == "" {
		return fmt.Errorf("exam spec: name is required")
	}
	if s.NumberOfVersions < 1 {
		return fmt.Errorf("exam spec: number_of_versions must be at least 1")
	}
	if len(s.IDPages) == 0 {
		return fmt.Errorf("exam spec: id_pages must not be empty")
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("exam spec: at least one question is required")
	}
	for q, question := range s.Questions {
		if len(question.Pages) == 0 {
			return fmt.Errorf("exam spec: question %d has no pages", q)
		}
		if question.MaxMark < 1 {
			return fmt.Errorf("exam spec: question %d has no max_mark", q)
		}
		for _, p := range question.Pages {
			if p < 1 || p > s.NumberOfPages {
				return fmt.Errorf("exam spec: question %d page %d out of range", q, p)
			}
		}
	}
	return nil
}

// ValidQuestion reports whether q names a question of this exam.
func (s *Spec) ValidQuestion(q int) bool {
	_, ok := s.Questions[q]
	return ok
}

// ValidVersion reports whether v is a printed version of this exam.
func (s *Spec) ValidVersion(v int) bool {
	return v >= 1 && v <= s.NumberOfVersions
}

// MaxMark returns the maximum mark for question q. The second return is
// false when q is out of range.
func (s *Spec) MaxMark(q int) (int, bool) {
	question, ok := s.Questions[q]
	if !ok {
		return 0, false
	}
	return question.MaxMark, true
}

// QuestionPages returns the sorted page list of question q.
func (s *Spec) QuestionPages(q int) []int {
	question, ok := s.Questions[q]
	if !ok {
		return nil
	}
	pages := append([]int(nil), question.Pages...)
	sort.Ints(pages)
	return pages
}

// QuestionNumbers returns every question number in ascending order.
func (s *Spec) QuestionNumbers() []int {
	qs := make([]int, 0, len(s.Questions))
	for q := range s.Questions {
		qs = append(qs, q)
	}
	sort.Ints(qs)
	return qs
}

// Public returns the spec as served to clients, with server-side secrets
// removed.
func (s *Spec) Public() map[string]interface{} {
	questions := make(map[int]map[string]interface{}, len(s.Questions))
	for q, question := range s.Questions {
		questions[q] = map[string]interface{}{
			"label":    question.Label,
			"pages":    question.Pages,
			"max_mark": question.MaxMark,
		}
	}
	return map[string]interface{}{
		"name":               s.Name,
		"long_name":          s.LongName,
		"number_of_versions": s.NumberOfVersions,
		"number_of_pages":    s.NumberOfPages,
		"id_pages":           s.IDPages,
		"questions":          questions,
	}
}
