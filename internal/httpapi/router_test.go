package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/analyzethis/internal/ai"
	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/blob"
	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/store/filestore"
)

const datasetCSV = "id,name,value\n1,test1,10.5\n2,test2,20.3\n3,test3,30.1\n"

type stubCompleter struct {
	text string
	err  error
}

func (s *stubCompleter) Complete(_ context.Context, req ai.Request) (*ai.Completion, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ai.Completion{Text: s.text, Model: "test/model", Attempts: 1}, nil
}

type apiFixture struct {
	srv  *httptest.Server
	comp *stubCompleter
	user string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	st, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	bl, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	comp := &stubCompleter{text: "# Report\n\n| k | v |\n|---|---|\n| a | 1 |\n"}
	svc := pipeline.New(pipeline.Deps{Store: st, Blobs: bl, Completer: comp}, pipeline.Options{}, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(svc, zerolog.Nop()))
	t.Cleanup(srv.Close)

	f := &apiFixture{srv: srv, comp: comp}
	var u userView
	resp := f.do(t, http.MethodPost, "/v1/users", "", `{"username":"alice","api_key":"sk-alice-123"}`, &u)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.user = u.ID
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *apiFixture) upload(t *testing.T, user, name, content string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Sales"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/analyses", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newAPI(t)
	var out map[string]string
	resp := f.do(t, http.MethodGet, "/health", "", "", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
}

func TestMissingUserIs401(t *testing.T) {
	f := newAPI(t)
	var out errorBody
	resp := f.do(t, http.MethodGet, "/v1/analyses", "", "", &out)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", out.Kind)
}

func TestMeMasksAPIKey(t *testing.T) {
	f := newAPI(t)
	var u userView
	resp := f.do(t, http.MethodGet, "/v1/users/me", f.user, "", &u)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, u.HasAPIKey)
	assert.Equal(t, "sk-****123", u.APIKey)

	resp = f.do(t, http.MethodPut, "/v1/users/me/api-key", f.user, `{"api_key":""}`, &u)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, u.HasAPIKey)
}

func TestDuplicateUserIs409(t *testing.T) {
	f := newAPI(t)
	var out errorBody
	resp := f.do(t, http.MethodPost, "/v1/users", "", `{"username":"Alice"}`, &out)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", out.Kind)
}

func TestUploadMalformedIs422(t *testing.T) {
	f := newAPI(t)
	resp, out := f.upload(t, f.user, "bad.csv", "a,a\n1,2\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "data_format", out["kind"])
}

func TestPipelineOverHTTP(t *testing.T) {
	f := newAPI(t)
	resp, created := f.upload(t, f.user, "sales.csv", datasetCSV)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/analyses/"+id, resp.Header.Get("Location"))
	ds, _ := created["dataset"].(map[string]any)
	assert.Equal(t, "", ds["path"])
	base := "/v1/analyses/" + id

	var eb errorBody
	resp = f.do(t, http.MethodPut, base+"/question", f.user, `{"question":"What drives sales?"}`, &eb)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", eb.Kind)
	assert.Equal(t, "annotated", eb.Need)

	eb = errorBody{}
	resp = f.do(t, http.MethodPut, base+"/annotations", f.user, `{"nope":{"description":"x"}}`, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "annotation_mismatch", eb.Kind)

	var a store.Analysis
	resp = f.do(t, http.MethodPut, base+"/annotations", f.user, `{"id":{"description":"row id"}}`, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.StateAnnotated, a.State)

	eb = errorBody{}
	resp = f.do(t, http.MethodPut, base+"/question", f.user, `{"question":"short"}`, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "question", eb.Field)

	resp = f.do(t, http.MethodPut, base+"/question", f.user, `{"question":"What drives sales?"}`, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, base+"/enhance", f.user, "", &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, a.EnhancedPrompt, "Description: row id")

	resp = f.do(t, http.MethodPut, base+"/enhanced-prompt", f.user, `{"enhanced_prompt":"hand written"}`, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eb = errorBody{}
	resp = f.do(t, http.MethodPost, base+"/enhance", f.user, "", &eb)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "prompt_edited", eb.Kind)

	var gen map[string]any
	resp = f.do(t, http.MethodPost, base+"/generate", f.user, "", &gen)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test/model", gen["model"])

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+base+"/export?format=csv", nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, f.user)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, "text/csv", strings.Split(raw.Header.Get("Content-Type"), ";")[0])
	assert.Contains(t, raw.Header.Get("Content-Disposition"), "table_1.csv")

	resp = f.do(t, http.MethodPut, base+"/report", f.user, `{"report":"No tables here."}`, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nt map[string]string
	resp = f.do(t, http.MethodGet, base+"/export?format=csv", f.user, "", &nt)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no_tables", nt["outcome"])

	eb = errorBody{}
	resp = f.do(t, http.MethodGet, base+"/export?format=docx", f.user, "", &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "format", eb.Field)
}

func TestForeignAnalysisIs404(t *testing.T) {
	f := newAPI(t)
	_, created := f.upload(t, f.user, "sales.csv", datasetCSV)
	id, _ := created["id"].(string)

	var bob userView
	f.do(t, http.MethodPost, "/v1/users", "", `{"username":"bob"}`, &bob)
	var eb errorBody
	resp := f.do(t, http.MethodGet, "/v1/analyses/"+id, bob.ID, "", &eb)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", eb.Kind)

	resp = f.do(t, http.MethodDelete, "/v1/analyses/"+id, f.user, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatsIsMarkdown(t *testing.T) {
	f := newAPI(t)
	_, created := f.upload(t, f.user, "sales.csv", datasetCSV)
	id, _ := created["id"].(string)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/analyses/"+id+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, f.user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
}

func TestTemplates(t *testing.T) {
	f := newAPI(t)
	var out map[string][]string
	resp := f.do(t, http.MethodGet, "/v1/prompt-templates", f.user, "", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["templates"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{&ai.CompletionError{Err: ai.ErrNoCredential}, http.StatusBadRequest, "no_credential"},
		{&ai.CompletionError{Attempts: 3, Err: errors.New("boom")}, http.StatusBadGateway, "completion"},
		{&export.RenderError{Attempts: 3, Err: errors.New("boom")}, http.StatusBadGateway, "render"},
		{export.ErrNoRenderer, http.StatusBadGateway, "render"},
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{&pipeline.StateError{Op: "x", Have: store.StateCreated, Need: store.StateReported}, http.StatusConflict, "invalid_state"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		code, body := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.kind, body.Kind, tt.err.Error())
	}
}

func TestUploadBodyIsCappedBeforeParsing(t *testing.T) {
	st, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	bl, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	svc := pipeline.New(pipeline.Deps{Store: st, Blobs: bl}, pipeline.Options{Sampling: analysis.Options{MaxBytes: 64}}, zerolog.Nop())
	u, err := svc.CreateUser(context.Background(), "alice", "", "")
	require.NoError(t, err)
	h := NewRouter(svc, zerolog.Nop())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("a,b\n" + strings.Repeat("1,2\n", formOverhead/2)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, u.ID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "data_format", body.Kind)

	list, err := svc.List(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
