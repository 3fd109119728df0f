package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type ipv4Server struct {
	URL   string
	srv   *http.Server
	ln    net.Listener
	calls *int32
}

func newIPv4Server(t *testing.T, handler http.Handler) *ipv4Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			t.Skipf("skipping test: cannot open local listener (%v)", err)
		}
		t.Fatalf("listen tcp4: %v", err)
	}
	var calls int32
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler.ServeHTTP(w, r)
	})}
	s := &ipv4Server{
		URL:   "http://" + ln.Addr().String(),
		srv:   srv,
		ln:    ln,
		calls: &calls,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("test server serve: %v", err))
		}
	}()
	return s
}

func (s *ipv4Server) Calls() int { return int(atomic.LoadInt32(s.calls)) }

func (s *ipv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func testServerSequence(t *testing.T, statuses []int, headers []http.Header, bodyOK any) *ipv4Server {
	t.Helper()
	var idx int32
	return newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		i := int(atomic.AddInt32(&idx, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		st := statuses[i]
		if headers != nil && i < len(headers) && headers[i] != nil {
			for k, vals := range headers[i] {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
		}
		if st >= 200 && st < 300 {
			w.WriteHeader(st)
			_ = json.NewEncoder(w).Encode(bodyOK)
			return
		}
		w.WriteHeader(st)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "upstream trouble"}})
	}))
}

func okResponse(text string) GenerateResponse {
	return GenerateResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: text}}}}
}

func TestGenerateSendsChatRequest(t *testing.T) {
	var got GenerateRequest
	var auth string
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(okResponse("# Report"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("sk-test", 2*time.Second, srv.URL)
	resp, err := c.Generate(context.Background(), GenerateRequest{
		Model:       "test-model",
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		MaxTokens:   4000,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if resp.Text() != "# Report" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("authorization header = %q", auth)
	}
	if got.MaxTokens != 4000 || got.Temperature != 0.2 || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestGenerateClassifies429WithRetryAfter(t *testing.T) {
	srv := testServerSequence(t, []int{429}, []http.Header{{"Retry-After": {"7"}}}, nil)
	defer srv.Close()

	c := NewClientWithBaseURL("test", 2*time.Second, srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}
	if d, ok := retryAfter(err); !ok || d != 7*time.Second {
		t.Fatalf("retryAfter hint = %v %v", d, ok)
	}
	if !Retryable(err) {
		t.Fatalf("429 must be retryable")
	}
}

func TestErrorIncludesRequestID(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req_test_123")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "bad req", "code": "bad_request"}})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test", 2*time.Second, srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "req_test_123") {
		t.Fatalf("expected request id in error, got: %v", err)
	}
	var br *BadRequestError
	if !errors.As(err, &br) || Retryable(err) {
		t.Fatalf("expected non-retryable BadRequestError, got %T", err)
	}
}

func TestClassifyAPIError(t *testing.T) {
	cases := []struct {
		status    int
		code, msg string
		check     func(error) bool
	}{
		{401, "", "", func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{403, "", "", func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{404, "model_not_found", "", func(err error) bool { var e *ModelNotFoundError; return errors.As(err, &e) }},
		{402, "", "insufficient credits", func(err error) bool { var e *QuotaExceededError; return errors.As(err, &e) }},
		{429, "insufficient_quota", "", func(err error) bool { var e *QuotaExceededError; return errors.As(err, &e) }},
		{503, "", "", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
	}
	for _, tc := range cases {
		err := classifyAPIError(&APIError{StatusCode: tc.status, Code: tc.code, Message: tc.msg}, nil)
		if !tc.check(err) {
			t.Fatalf("status %d code %q: unexpected %T", tc.status, tc.code, err)
		}
	}
}

func TestGenerateUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: cannot open local listener (%v)", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClientWithBaseURL("test", time.Second, "http://"+addr)
	_, err = c.Generate(context.Background(), GenerateRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	var ue *UnreachableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnreachableError, got %T: %v", err, err)
	}
	if !Retryable(err) {
		t.Fatalf("network failures must be retryable")
	}
}

func TestGenerateMalformedBody(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test", time.Second, srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m"})
	var me *MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}

func TestGenerateWithoutKeyMakesNoRequest(t *testing.T) {
	srv := testServerSequence(t, []int{200}, nil, okResponse("x"))
	defer srv.Close()

	c := NewClientWithBaseURL("", time.Second, srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m"})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if srv.Calls() != 0 {
		t.Fatalf("expected no requests, got %d", srv.Calls())
	}
}
