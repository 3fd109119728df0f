// Package httpapi exposes the analysis pipeline over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/config"
	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

const (
	// maxFormMemory is the multipart budget held in memory; the rest spills to disk.
	maxFormMemory = 8 << 20
	// formOverhead covers the text fields and multipart framing around the file.
	formOverhead = 1 << 20
)

// Router serves the /v1 API.
type Router struct {
	svc *pipeline.Service
	log zerolog.Logger
}

// NewRouter builds the handler tree.
func NewRouter(svc *pipeline.Service, log zerolog.Logger) http.Handler {
	rt := &Router{svc: svc, log: log.With().Str("component", "httpapi").Logger()}
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(rt.log))
	mux.Use(middleware.Recoverer)

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Route("/v1", func(r chi.Router) {
		r.Use(withUser)

		r.Post("/users", rt.wrap(rt.handleCreateUser))
		r.Get("/users/me", rt.wrap(rt.handleMe))
		r.Put("/users/me/api-key", rt.wrap(rt.handleSetAPIKey))
		r.Get("/prompt-templates", rt.wrap(rt.handleTemplates))

		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", rt.wrap(rt.handleUpload))
			r.Get("/", rt.wrap(rt.handleList))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rt.wrap(rt.handleGet))
				r.Delete("/", rt.wrap(rt.handleDelete))
				r.Get("/sample", rt.wrap(rt.handleSample))
				r.Get("/stats", rt.wrap(rt.handleStats))
				r.Put("/annotations", rt.wrap(rt.handleAnnotations))
				r.Put("/question", rt.wrap(rt.handleQuestion))
				r.Post("/enhance", rt.wrap(rt.handleEnhance))
				r.Put("/enhanced-prompt", rt.wrap(rt.handleEditPrompt))
				r.Post("/generate", rt.wrap(rt.handleGenerate))
				r.Put("/report", rt.wrap(rt.handleEditReport))
				r.Get("/export", rt.wrap(rt.handleExport))
			})
		})
	})
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (rt *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			code, body := classify(err)
			if code >= http.StatusInternalServerError {
				rt.log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
			}
			_ = writeJSON(w, code, body)
		}
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(err)
	}
	return nil
}

// userView hides the stored key.
type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	HasAPIKey bool      `json:"has_api_key"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewUser(u *store.User) userView {
	v := userView{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
	if u.APIKey != "" {
		v.HasAPIKey = true
		v.APIKey = config.Mask(u.APIKey)
	}
	return v
}

// viewAnalysis drops the storage key.
func viewAnalysis(a *store.Analysis) *store.Analysis {
	cp := *a
	cp.Dataset.Path = ""
	return &cp
}

// POST /v1/users
// Body: {"username": "...", "email": "...", "api_key": "..."}
func (rt *Router) handleCreateUser(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		APIKey   string `json:"api_key"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	u, err := rt.svc.CreateUser(r.Context(), body.Username, body.Email, body.APIKey)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, viewUser(u))
}

func (rt *Router) handleMe(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	u, err := rt.svc.User(r.Context(), uid)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewUser(u))
}

// PUT /v1/users/me/api-key
// Body: {"api_key": "..."}; an empty key clears it.
func (rt *Router) handleSetAPIKey(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	u, err := rt.svc.SetAPIKey(r.Context(), uid, body.APIKey)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewUser(u))
}

func (rt *Router) handleTemplates(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string][]string{"templates": prompt.Templates})
}

// POST /v1/analyses
// Multipart form: title, description, file.
func (rt *Router) handleUpload(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	limit := rt.svc.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return &analysis.DataFormatError{Reason: fmt.Sprintf("upload exceeds %d bytes", limit), Err: err}
		}
		return badRequest(err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	f, hdr, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return &pipeline.ValidationError{Field: "file", Reason: "no file provided", Err: err}
		}
		return badRequest(err)
	}
	defer f.Close()

	a, err := rt.svc.Upload(r.Context(), uid, pipeline.UploadInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		FileName:    hdr.Filename,
		Reader:      f,
	})
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/v1/analyses/"+a.ID)
	return writeJSON(w, http.StatusCreated, viewAnalysis(a))
}

func (rt *Router) handleList(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	list, err := rt.svc.List(r.Context(), uid)
	if err != nil {
		return err
	}
	out := make([]*store.Analysis, 0, len(list))
	for _, a := range list {
		out = append(out, viewAnalysis(a))
	}
	return writeJSON(w, http.StatusOK, map[string]any{"analyses": out})
}

func (rt *Router) handleGet(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	a, err := rt.svc.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

func (rt *Router) handleDelete(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	if err := rt.svc.Delete(r.Context(), uid, chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (rt *Router) handleSample(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	sum, err := rt.svc.Sample(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, sum)
}

// GET /v1/analyses/{id}/stats returns the statistics summary as Markdown.
func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	sum, err := rt.svc.Sample(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, err = io.WriteString(w, sum.Markdown())
	return err
}

// PUT /v1/analyses/{id}/annotations
// Body: {"column": {"description": "...", "source": "...", "notes": "..."}}
func (rt *Router) handleAnnotations(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var ann prompt.Annotations
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		return badRequest(err)
	}
	a, err := rt.svc.SaveAnnotations(r.Context(), uid, chi.URLParam(r, "id"), ann)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

// PUT /v1/analyses/{id}/question
// Body: {"question": "..."}
func (rt *Router) handleQuestion(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var body struct {
		Question string `json:"question"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	a, err := rt.svc.SaveQuestion(r.Context(), uid, chi.URLParam(r, "id"), body.Question)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

// POST /v1/analyses/{id}/enhance?force=true
func (rt *Router) handleEnhance(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			return badRequest(fmt.Errorf("force: %w", err))
		}
	}
	a, err := rt.svc.Enhance(r.Context(), uid, chi.URLParam(r, "id"), force)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

// PUT /v1/analyses/{id}/enhanced-prompt
// Body: {"enhanced_prompt": "..."}
func (rt *Router) handleEditPrompt(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var body struct {
		EnhancedPrompt string `json:"enhanced_prompt"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	a, err := rt.svc.EditEnhancedPrompt(r.Context(), uid, chi.URLParam(r, "id"), body.EnhancedPrompt)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

// POST /v1/analyses/{id}/generate
// Body (optional): {"model": "...", "max_tokens": 4000}
func (rt *Router) handleGenerate(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var body struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	res, err := rt.svc.Generate(r.Context(), uid, chi.URLParam(r, "id"), pipeline.GenerateOptions{
		Model:     body.Model,
		MaxTokens: body.MaxTokens,
	})
	if err != nil {
		return err
	}
	c := res.Completion
	return writeJSON(w, http.StatusOK, map[string]any{
		"analysis":      viewAnalysis(res.Analysis),
		"model":         c.Model,
		"attempts":      c.Attempts,
		"duration_ms":   c.Duration.Milliseconds(),
		"prompt_tokens": c.Usage.PromptTokens,
		"output_tokens": c.Usage.CompletionTokens,
	})
}

// PUT /v1/analyses/{id}/report
// Body: {"report": "..."}
func (rt *Router) handleEditReport(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	var body struct {
		Report string `json:"report"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	a, err := rt.svc.EditReport(r.Context(), uid, chi.URLParam(r, "id"), body.Report)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewAnalysis(a))
}

// GET /v1/analyses/{id}/export?format=markdown|html|pdf|csv|json
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) error {
	uid, err := userID(r)
	if err != nil {
		return err
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	res, err := rt.svc.Export(r.Context(), uid, chi.URLParam(r, "id"), format)
	if err != nil {
		return err
	}
	if res.NoTables() {
		return writeJSON(w, http.StatusOK, map[string]string{
			"outcome": res.Outcome.String(),
			"message": "the report contains no tables",
		})
	}
	w.Header().Set("Content-Type", res.File.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.File.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.File.Data)))
	_, err = w.Write(res.File.Data)
	return err
}
