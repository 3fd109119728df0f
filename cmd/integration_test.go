package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const salesCSV = "id,region,value\n1,north,10\n2,south,12\n3,north,9\n4,east,30\n5,south,11\n"

var createdID = regexp.MustCompile(`Created analysis ([0-9a-f-]+)`)

// resetFlags puts every flag back to its default; cobra keeps values between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(fl *pflag.Flag) {
		if sv, ok := fl.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = fl.Value.Set(fl.DefValue)
		}
		fl.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execCmd runs the root command with args and returns its output.
func execCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg = nil
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// runCmd is execCmd for commands that must succeed.
func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execCmd(t, args...)
	if err != nil {
		t.Fatalf("command %v failed: %v\n%s", args, err, out)
	}
	return out
}

// isolate points HOME at a temp dir and clears credentials from the environment.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANALYZETHIS_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ANALYZETHIS_USER", "")
	t.Setenv("ANALYZETHIS_PROVIDER_BASE_URL", "")
	t.Setenv("ANALYZETHIS_LOG_LEVEL", "error")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return home
}

// preparedAnalysis creates alice, uploads a dataset and takes it to the enhanced state.
func preparedAnalysis(t *testing.T, home string) string {
	t.Helper()
	data := filepath.Join(home, "sales.csv")
	if err := os.WriteFile(data, []byte(salesCSV), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	runCmd(t, "user", "add", "alice", "--api-key", "sk-alice-123")
	out := runCmd(t, "-u", "alice", "upload", data, "--title", "Sales")
	m := createdID.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no analysis id in output:\n%s", out)
	}
	id := m[1]
	runCmd(t, "-u", "alice", "annotate", id, "--column", "id=row id", "--column", "value=sale amount in USD")
	runCmd(t, "-u", "alice", "ask", id, "Which region sells the most?")
	out = runCmd(t, "-u", "alice", "enhance", id)
	if !strings.Contains(out, "Enhanced prompt ready") {
		t.Fatalf("unexpected enhance output:\n%s", out)
	}
	return id
}

func fakeProvider(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-alice-123" {
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "gen-1",
			"model": "anthropic/claude-3.5-sonnet",
			"choices": []map[string]any{{
				"message": map[string]string{
					"role":    "assistant",
					"content": "# Findings\n\nNorth leads.\n\n| region | total |\n|---|---|\n| north | 19 |\n| east | 30 |\n",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCLI_UploadAnnotateAskEnhanceDryRun(t *testing.T) {
	home := isolate(t)
	id := preparedAnalysis(t, home)

	out := runCmd(t, "-u", "alice", "generate", id, "--dry-run")
	if !strings.Contains(out, "--dry-run") {
		t.Fatalf("expected dry-run marker:\n%s", out)
	}
	if !strings.Contains(out, "Which region sells the most?") {
		t.Fatalf("expected the question in the prompt preview:\n%s", out)
	}
	if !strings.Contains(out, "row id") {
		t.Fatalf("expected annotations in the prompt preview:\n%s", out)
	}

	out = runCmd(t, "-u", "alice", "list")
	if !strings.Contains(out, id) || !strings.Contains(out, "enhanced") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	if _, err := execCmd(t, "-u", "alice", "report", id); err == nil {
		t.Fatal("expected report to fail before generation")
	}
}

func TestCLI_BudgetLimitBlocksGeneration(t *testing.T) {
	home := isolate(t)
	id := preparedAnalysis(t, home)

	_, err := execCmd(t, "-u", "alice", "generate", id, "--dry-run", "--budget-limit", "0.000001")
	if err == nil || !strings.Contains(err.Error(), "exceeds budget limit") {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestCLI_GenerateAndExport(t *testing.T) {
	home := isolate(t)
	var calls int32
	srv := fakeProvider(t, &calls)
	t.Setenv("ANALYZETHIS_PROVIDER_BASE_URL", srv.URL)
	id := preparedAnalysis(t, home)

	out := runCmd(t, "-u", "alice", "generate", id)
	if !strings.Contains(out, "North leads.") || !strings.Contains(out, "Report stored") {
		t.Fatalf("unexpected generate output:\n%s", out)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}

	out = runCmd(t, "-u", "alice", "report", id)
	if !strings.Contains(out, "# Findings") {
		t.Fatalf("unexpected report output:\n%s", out)
	}

	outDir := filepath.Join(home, "exports")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	runCmd(t, "-u", "alice", "export", id, "--format", "csv", "-o", outDir)
	b, err := os.ReadFile(filepath.Join(outDir, "table_1.csv"))
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	if !strings.Contains(string(b), "north,19") {
		t.Fatalf("unexpected csv:\n%s", b)
	}

	runCmd(t, "-u", "alice", "export", id, "--format", "markdown", "-o", outDir)
	mds, _ := filepath.Glob(filepath.Join(outDir, "*.md"))
	if len(mds) != 1 {
		t.Fatalf("expected one markdown export, got %v", mds)
	}

	jsonPath := filepath.Join(outDir, "analysis.json")
	runCmd(t, "-u", "alice", "export", id, "--format", "json", "-o", jsonPath)
	var doc map[string]any
	b, err = os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("json export is not JSON: %v", err)
	}

	// A report without tables has nothing to export as CSV.
	editPath := filepath.Join(home, "edited.md")
	if err := os.WriteFile(editPath, []byte("# Edited\n\nNo tables here."), 0o644); err != nil {
		t.Fatal(err)
	}
	runCmd(t, "-u", "alice", "edit-report", id, "--file", editPath)
	out = runCmd(t, "-u", "alice", "export", id, "--format", "csv", "-o", outDir)
	if !strings.Contains(out, "No tables found") {
		t.Fatalf("expected no-tables notice:\n%s", out)
	}
}

func TestCLI_RequiresUser(t *testing.T) {
	home := isolate(t)
	data := filepath.Join(home, "sales.csv")
	if err := os.WriteFile(data, []byte(salesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execCmd(t, "upload", data); err == nil || !strings.Contains(err.Error(), "no user selected") {
		t.Fatalf("expected missing user error, got %v", err)
	}
	if _, err := execCmd(t, "-u", "ghost", "upload", data); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected unknown user error, got %v", err)
	}
}

func TestCLI_AnalyzeLocalFiles(t *testing.T) {
	home := isolate(t)
	for _, sub := range []string{"a", "b"} {
		dir := filepath.Join(home, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "sales.csv"), []byte(salesCSV), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := runCmd(t, "analyze", filepath.Join(home, "a", "sales.csv"))
	if !strings.Contains(out, "region") {
		t.Fatalf("expected column summary:\n%s", out)
	}

	outDir := filepath.Join(home, "summaries")
	runCmd(t, "analyze", filepath.Join(home, "*", "sales.csv"), "--output-dir", outDir)
	for _, name := range []string{"sales.summary.md", "sales__2.summary.md"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	if _, err := execCmd(t, "analyze", filepath.Join(home, "nothing-*.csv")); err == nil {
		t.Fatal("expected error when no inputs match")
	}
}

func TestCLI_ConfigSetAndShow(t *testing.T) {
	isolate(t)
	runCmd(t, "config", "set", "sample_rows", "7")
	runCmd(t, "config", "set", "api_key", "sk-secret-999")
	out := runCmd(t, "config", "show")
	if !strings.Contains(out, "sample_rows: 7") {
		t.Fatalf("expected saved sample_rows:\n%s", out)
	}
	if strings.Contains(out, "sk-secret-999") {
		t.Fatalf("api key should be masked:\n%s", out)
	}
	if _, err := execCmd(t, "config", "set", "sample_rows", "0"); err == nil {
		t.Fatal("expected validation error")
	}
}
