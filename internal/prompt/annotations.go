package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Annotation is the free-text meaning a user attaches to one column.
type Annotation struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	Notes       string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// IsZero reports whether every field is blank.
func (a Annotation) IsZero() bool {
	return strings.TrimSpace(a.Description) == "" && strings.TrimSpace(a.Source) == "" && strings.TrimSpace(a.Notes) == ""
}

// Annotations maps column name to annotation. Columns without an entry are unannotated.
type Annotations map[string]Annotation

// Compact drops entries with no content.
func (a Annotations) Compact() Annotations {
	out := make(Annotations, len(a))
	for k, v := range a {
		if !v.IsZero() {
			out[k] = v
		}
	}
	return out
}

// ErrAnnotationMismatch matches every *AnnotationMismatchError.
var ErrAnnotationMismatch = errors.New("annotation mismatch")

// AnnotationMismatchError lists annotation keys that are not dataset headers.
type AnnotationMismatchError struct {
	Unknown []string
}

func (e *AnnotationMismatchError) Error() string {
	return fmt.Sprintf("annotations reference unknown columns: %s", strings.Join(e.Unknown, ", "))
}

func (e *AnnotationMismatchError) Is(target error) bool { return target == ErrAnnotationMismatch }

// ValidateAnnotations requires the annotation keys to be a subset of headers.
func ValidateAnnotations(headers []string, ann Annotations) error {
	known := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		known[h] = struct{}{}
	}
	var unknown []string
	for k := range ann {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &AnnotationMismatchError{Unknown: unknown}
}

// Question length bounds applied when none are configured.
const (
	DefaultMinQuestionLen = 10
	DefaultMaxQuestionLen = 1000
)

// ErrInvalidQuestion matches question validation failures.
var ErrInvalidQuestion = errors.New("invalid question")

// ValidateQuestion checks the trimmed question length in runes.
func ValidateQuestion(q string, minLen, maxLen int) error {
	if minLen <= 0 {
		minLen = DefaultMinQuestionLen
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxQuestionLen
	}
	n := utf8.RuneCountInString(strings.TrimSpace(q))
	switch {
	case n < minLen:
		return fmt.Errorf("%w: must be at least %d characters (got %d)", ErrInvalidQuestion, minLen, n)
	case n > maxLen:
		return fmt.Errorf("%w: must be at most %d characters (got %d)", ErrInvalidQuestion, maxLen, n)
	}
	return nil
}

// Templates are suggested starting points for an analysis question.
var Templates = []string{
	"Please analyze this dataset and identify key trends and patterns.",
	"Provide summary statistics for all columns and highlight any interesting correlations.",
	"Analyze the relationship between [Column X] and [Column Y] and explain any observed patterns.",
	"Segment the data into meaningful groups and explain the characteristics of each segment.",
	"Identify outliers in the dataset and explain their potential impact on the analysis.",
}
