package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KaramelBytes/analyzethis/internal/ai"
	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

var (
	errUnauthenticated = errors.New("missing " + UserHeader + " header")
	errBadBody         = errors.New("invalid request body")
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Have    string `json:"have,omitempty"`
	Need    string `json:"need,omitempty"`
}

// classify maps a service error to a status code and body.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}
	var (
		dfe  *analysis.DataFormatError
		ame  *prompt.AnnotationMismatchError
		ve   *pipeline.ValidationError
		se   *pipeline.StateError
		ce   *ai.CompletionError
		re   *export.RenderError
		bbe  *badRequestError
		code int
	)
	switch {
	case errors.Is(err, errUnauthenticated):
		body.Kind, code = "unauthenticated", http.StatusUnauthorized
	case errors.As(err, &bbe):
		body.Kind, code = "bad_request", http.StatusBadRequest
	case errors.As(err, &dfe):
		body.Kind, code = "data_format", http.StatusUnprocessableEntity
	case errors.As(err, &ame):
		body.Kind, code = "annotation_mismatch", http.StatusUnprocessableEntity
	case errors.As(err, &ve):
		body.Kind, code = "validation", http.StatusUnprocessableEntity
		body.Field = ve.Field
	case errors.As(err, &se):
		body.Kind, code = "invalid_state", http.StatusConflict
		body.Have, body.Need = string(se.Have), string(se.Need)
	case errors.Is(err, pipeline.ErrPromptEdited):
		body.Kind, code = "prompt_edited", http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		body.Kind, code = "conflict", http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		body.Kind, code = "not_found", http.StatusNotFound
	case errors.As(err, &ce):
		if errors.Is(err, ai.ErrNoCredential) {
			body.Kind, code = "no_credential", http.StatusBadRequest
			break
		}
		body.Kind, code = "completion", http.StatusBadGateway
	case errors.As(err, &re), errors.Is(err, export.ErrNoRenderer):
		body.Kind, code = "render", http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		body.Kind, code = "timeout", http.StatusGatewayTimeout
	default:
		body.Kind, code = "internal", http.StatusInternalServerError
		body.Message = "internal error"
	}
	return code, body
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return errBadBody.Error() + ": " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &badRequestError{err: err} }

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
