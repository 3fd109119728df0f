// Package store persists users and analysis records.
//
// Records are owner-scoped: every analysis lookup takes the owning user id and
// a record owned by someone else is reported as ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/KaramelBytes/analyzethis/internal/prompt"
)

var (
	// ErrNotFound is returned for missing or foreign records.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (user name) is already taken.
	ErrConflict = errors.New("already exists")
)

// State is the pipeline position of an analysis.
type State string

const (
	StateCreated   State = "created"
	StateAnnotated State = "annotated"
	StatePrompted  State = "prompted"
	StateEnhanced  State = "enhanced"
	StateReported  State = "reported"
)

var stateRank = map[State]int{
	StateCreated:   1,
	StateAnnotated: 2,
	StatePrompted:  3,
	StateEnhanced:  4,
	StateReported:  5,
}

// Rank orders states; unknown states rank zero.
func (s State) Rank() int { return stateRank[s] }

// AtLeast reports whether s is at or past other.
func (s State) AtLeast(other State) bool { return s.Rank() >= other.Rank() }

// Advance returns the later of s and target. States never move backwards.
func (s State) Advance(target State) State {
	if target.Rank() > s.Rank() {
		return target
	}
	return s
}

// User is an account that owns analyses.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Dataset describes the uploaded file. It is written once at upload.
type Dataset struct {
	Path        string            `json:"path"`
	FileName    string            `json:"file_name"`
	SizeBytes   int64             `json:"size_bytes"`
	RowCount    int               `json:"row_count"`
	ColumnCount int               `json:"column_count"`
	Headers     []string          `json:"headers"`
	Kinds       map[string]string `json:"kinds,omitempty"`
}

// Analysis is one dataset plus everything derived from it.
type Analysis struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	Dataset        Dataset            `json:"dataset"`
	Annotations    prompt.Annotations `json:"annotations,omitempty"`
	RawPrompt      string             `json:"raw_prompt,omitempty"`
	EnhancedPrompt string             `json:"enhanced_prompt,omitempty"`
	PromptEdited   bool               `json:"prompt_edited,omitempty"`
	Report         string             `json:"report,omitempty"`
	// ReportPrompt is the enhanced prompt text that produced Report.
	ReportPrompt string     `json:"report_prompt,omitempty"`
	ReportModel  string     `json:"report_model,omitempty"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	GeneratedAt  *time.Time `json:"generated_at,omitempty"`
}

// Store is the record store used by the pipeline.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	CreateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, userID, id string) (*Analysis, error)
	// ListAnalyses returns the user's analyses, newest first.
	ListAnalyses(ctx context.Context, userID string) ([]*Analysis, error)
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	DeleteAnalysis(ctx context.Context, userID, id string) error

	Close() error
}

// Now is the timestamp source for records, truncated to what every backend can store.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
