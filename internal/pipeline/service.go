// Package pipeline drives an analysis from upload to exported report.
//
// Each step is one synchronous call. The stored state only moves forward;
// revisiting an earlier step overwrites that step's output and nothing else.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/KaramelBytes/analyzethis/internal/ai"
	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/blob"
	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

// Completer is the completion backend used by Generate.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (*ai.Completion, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Blobs     blob.Store
	Completer Completer
	Exporter  *export.Exporter
	Composer  *prompt.Composer
}

// Options tunes validation and concurrency.
type Options struct {
	Sampling       analysis.Options
	MinQuestionLen int
	MaxQuestionLen int
	// MaxConcurrent bounds simultaneous completions and pdf renders.
	MaxConcurrent int64
}

// Service implements the analysis operations.
type Service struct {
	store     store.Store
	blobs     blob.Store
	completer Completer
	exporter  *export.Exporter
	composer  *prompt.Composer
	opts      Options
	slots     *semaphore.Weighted
	log       zerolog.Logger
	now       func() time.Time
}

// New wires a Service. Nil Exporter and Composer get zero-value defaults.
func New(d Deps, opts Options, log zerolog.Logger) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if d.Exporter == nil {
		d.Exporter = &export.Exporter{Log: log}
	}
	if d.Composer == nil {
		d.Composer = &prompt.Composer{Sampling: opts.Sampling}
	}
	return &Service{
		store:     d.Store,
		blobs:     d.Blobs,
		completer: d.Completer,
		exporter:  d.Exporter,
		composer:  d.Composer,
		opts:      opts,
		slots:     semaphore.NewWeighted(opts.MaxConcurrent),
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       store.Now,
	}
}

// CreateUser registers a user. The API key is optional.
func (s *Service) CreateUser(ctx context.Context, username, email, apiKey string) (*store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	u := &store.User{Username: username, Email: strings.TrimSpace(email), APIKey: strings.TrimSpace(apiKey), CreatedAt: s.now()}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", u.ID).Str("username", u.Username).Msg("user created")
	return u, nil
}

// User returns a user by id.
func (s *Service) User(ctx context.Context, userID string) (*store.User, error) {
	return s.store.GetUser(ctx, userID)
}

// UserByName resolves a username.
func (s *Service) UserByName(ctx context.Context, username string) (*store.User, error) {
	return s.store.GetUserByName(ctx, username)
}

// SetAPIKey stores the user's completion credential. An empty key clears it.
func (s *Service) SetAPIKey(ctx context.Context, userID, key string) (*store.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.APIKey = strings.TrimSpace(key)
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UploadInput is a new dataset.
type UploadInput struct {
	Title       string
	Description string
	FileName    string
	Reader      io.Reader
}

// MaxUploadBytes is the largest dataset Upload accepts.
func (s *Service) MaxUploadBytes() int64 { return s.sampling().MaxBytes }

// Upload stores the file, profiles it and creates an analysis in state created.
// A file the sampler rejects is removed again and nothing is recorded.
func (s *Service) Upload(ctx context.Context, userID string, in UploadInput) (*store.Analysis, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if in.Reader == nil {
		return nil, &ValidationError{Field: "file", Reason: "no file provided"}
	}
	name := blob.SanitizeName(in.FileName)
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(name, ".csv")
	}

	limit := s.sampling().MaxBytes
	key, size, err := s.blobs.Save(ctx, io.LimitReader(in.Reader, limit+1), name)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	sum, err := s.sampleKey(ctx, key, name)
	if err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil && !errors.Is(derr, blob.ErrNotFound) {
			s.log.Warn().Err(derr).Str("key", key).Msg("failed to remove rejected upload")
		}
		return nil, err
	}

	kinds := make(map[string]string, len(sum.Columns))
	for _, c := range sum.Columns {
		kinds[c.Name] = string(c.Kind)
	}
	a := &store.Analysis{
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Dataset: store.Dataset{
			Path:        key,
			FileName:    name,
			SizeBytes:   size,
			RowCount:    sum.RowCount,
			ColumnCount: sum.ColumnCount(),
			Headers:     sum.Headers,
			Kinds:       kinds,
		},
		State:     store.StateCreated,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAnalysis(ctx, a); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return nil, err
	}
	s.log.Info().Str("analysis_id", a.ID).Str("file", name).Int("rows", sum.RowCount).Int("columns", sum.ColumnCount()).Msg("dataset uploaded")
	return a, nil
}

// Get returns one of the user's analyses.
func (s *Service) Get(ctx context.Context, userID, id string) (*store.Analysis, error) {
	return s.store.GetAnalysis(ctx, userID, id)
}

// List returns the user's analyses, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Analysis, error) {
	return s.store.ListAnalyses(ctx, userID)
}

// Delete removes the record and its uploaded file.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAnalysis(ctx, userID, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, a.Dataset.Path); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.log.Warn().Err(err).Str("analysis_id", id).Msg("failed to remove dataset file")
	}
	return nil
}

// Sample recomputes the statistics summary from the stored file.
func (s *Service) Sample(ctx context.Context, userID, id string) (*analysis.Summary, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.sampleKey(ctx, a.Dataset.Path, a.Dataset.FileName)
}

// SaveAnnotations replaces the annotation map. Keys must be dataset headers.
func (s *Service) SaveAnnotations(ctx context.Context, userID, id string, ann prompt.Annotations) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := prompt.ValidateAnnotations(a.Dataset.Headers, ann); err != nil {
		return nil, err
	}
	a.Annotations = ann.Compact()
	a.State = a.State.Advance(store.StateAnnotated)
	return a, s.store.UpdateAnalysis(ctx, a)
}

// SaveQuestion stores the raw question. The enhanced prompt is left alone.
func (s *Service) SaveQuestion(ctx context.Context, userID, id, question string) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("save question", a.State, store.StateAnnotated); err != nil {
		return nil, err
	}
	if err := prompt.ValidateQuestion(question, s.opts.MinQuestionLen, s.opts.MaxQuestionLen); err != nil {
		return nil, &ValidationError{Field: "question", Reason: strings.TrimPrefix(err.Error(), prompt.ErrInvalidQuestion.Error()+": "), Err: err}
	}
	a.RawPrompt = strings.TrimSpace(question)
	a.State = a.State.Advance(store.StatePrompted)
	return a, s.store.UpdateAnalysis(ctx, a)
}

// Enhance composes the enhanced prompt from the question, annotations and a
// fresh sample. A hand-edited prompt is only replaced when force is set.
func (s *Service) Enhance(ctx context.Context, userID, id string, force bool) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("enhance", a.State, store.StatePrompted); err != nil {
		return nil, err
	}
	if a.PromptEdited && !force {
		return nil, ErrPromptEdited
	}
	sum, err := s.sampleKey(ctx, a.Dataset.Path, a.Dataset.FileName)
	if err != nil {
		s.log.Warn().Err(err).Str("analysis_id", id).Msg("sample unavailable, composing with placeholder")
		sum = nil
	}
	text, err := s.composer.ComposeSummary(a.RawPrompt, a.Annotations, sum)
	if err != nil {
		return nil, err
	}
	a.EnhancedPrompt = text
	a.PromptEdited = false
	a.State = a.State.Advance(store.StateEnhanced)
	return a, s.store.UpdateAnalysis(ctx, a)
}

// EditEnhancedPrompt replaces the enhanced prompt by hand.
func (s *Service) EditEnhancedPrompt(ctx context.Context, userID, id, text string) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("edit prompt", a.State, store.StateEnhanced); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "enhanced_prompt", Reason: "must not be empty"}
	}
	a.EnhancedPrompt = text
	a.PromptEdited = true
	return a, s.store.UpdateAnalysis(ctx, a)
}

// GenerateOptions override the completer defaults for one call.
type GenerateOptions struct {
	Model     string
	MaxTokens int
}

// GenerateResult is the stored analysis plus call details.
type GenerateResult struct {
	Analysis   *store.Analysis
	Completion *ai.Completion
}

// Generate sends the enhanced prompt to the completion backend and stores the
// report. On failure the analysis keeps its previous report and state.
func (s *Service) Generate(ctx context.Context, userID, id string, opt GenerateOptions) (*GenerateResult, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("generate", a.State, store.StateEnhanced); err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.completer == nil {
		return nil, &ai.CompletionError{Err: errors.New("no completion backend configured")}
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, &ai.CompletionError{Err: err}
	}
	sent := a.EnhancedPrompt
	c, err := s.completer.Complete(ctx, ai.Request{
		Prompt:     sent,
		Credential: u.APIKey,
		Model:      opt.Model,
		MaxTokens:  opt.MaxTokens,
	})
	s.slots.Release(1)
	if err != nil {
		return nil, err
	}

	// Reload so edits made while the call was in flight are kept.
	a, err = s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	a.Report = c.Text
	a.ReportPrompt = sent
	a.ReportModel = c.Model
	a.GeneratedAt = &now
	a.State = a.State.Advance(store.StateReported)
	if err := s.store.UpdateAnalysis(ctx, a); err != nil {
		return nil, err
	}
	return &GenerateResult{Analysis: a, Completion: c}, nil
}

// EditReport replaces the stored report text.
func (s *Service) EditReport(ctx context.Context, userID, id, text string) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("edit report", a.State, store.StateReported); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "report", Reason: "must not be empty"}
	}
	a.Report = text
	return a, s.store.UpdateAnalysis(ctx, a)
}

// Export renders the stored report. format is markdown, html, pdf, csv or json.
func (s *Service) Export(ctx context.Context, userID, id, format string) (*export.Result, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState("export", a.State, store.StateReported); err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return exportJSON(a)
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, &ValidationError{Field: "format", Reason: err.Error(), Err: err}
	}
	if f == export.FormatPDF {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.slots.Release(1)
	}
	return s.exporter.Export(ctx, a.Report, f, a.Title)
}

func (s *Service) sampling() analysis.Options {
	o := s.opts.Sampling
	if o.MaxBytes <= 0 {
		o.MaxBytes = analysis.DefaultMaxBytes
	}
	return o
}

func (s *Service) sampleKey(ctx context.Context, key, name string) (*analysis.Summary, error) {
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer rc.Close()
	return analysis.SampleReader(name, rc, s.sampling())
}
