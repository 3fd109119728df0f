// Package export turns a stored narrative report into downloadable artifacts.
//
// Exports are read-only: the narrative passed in is never modified and every
// artifact is built in memory.
package export

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KaramelBytes/analyzethis/internal/retry"
)

// Format is a supported export target.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatCSV      Format = "csv"
)

// ErrUnknownFormat is returned by ParseFormat for unsupported names.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "pdf":
		return FormatPDF, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q (use markdown, html, pdf or csv)", ErrUnknownFormat, s)
}

// Outcome distinguishes a downloadable file from the no-tables condition.
type Outcome int

const (
	OutcomeFile Outcome = iota
	OutcomeNoTables
)

func (o Outcome) String() string {
	if o == OutcomeNoTables {
		return "no_tables"
	}
	return "file"
}

// File is one in-memory artifact.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is the outcome of an export. File is set only for OutcomeFile.
type Result struct {
	Outcome Outcome
	File    File
	// Tables lists the individual CSV tables for csv exports, in document order.
	Tables []File
}

// NoTables reports whether a csv export found nothing to extract.
func (r *Result) NoTables() bool { return r != nil && r.Outcome == OutcomeNoTables }

// Exporter renders narratives. The zero value is usable for markdown, html and
// csv; pdf needs a Renderer.
type Exporter struct {
	Renderer Renderer
	// Retry governs pdf rendering; the zero value means three attempts two seconds apart.
	Retry retry.Policy
	Log   zerolog.Logger
}

// DefaultRenderRetry is the pdf rendering policy.
func DefaultRenderRetry() retry.Policy { return retry.Fixed(3, 2*time.Second) }

// New builds an Exporter with the given renderer.
func New(r Renderer, policy retry.Policy, log zerolog.Logger) *Exporter {
	return &Exporter{Renderer: r, Retry: policy, Log: log.With().Str("component", "exporter").Logger()}
}

// Export produces the artifact for format. The narrative is treated as Markdown.
func (e *Exporter) Export(ctx context.Context, narrative string, format Format, title string) (*Result, error) {
	base := "analysis_report_" + fileTitle(title)
	switch format {
	case FormatMarkdown:
		return fileResult(base+".md", "text/markdown; charset=utf-8", []byte(narrative)), nil
	case FormatHTML:
		doc, err := StyledHTML(narrative, title)
		if err != nil {
			return nil, err
		}
		return fileResult(base+".html", "text/html; charset=utf-8", doc), nil
	case FormatPDF:
		data, err := e.renderPDF(ctx, narrative, title)
		if err != nil {
			return nil, err
		}
		return fileResult(base+".pdf", "application/pdf", data), nil
	case FormatCSV:
		return e.exportTables(narrative)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
}

func (e *Exporter) exportTables(narrative string) (*Result, error) {
	body, err := RenderHTML(narrative)
	if err != nil {
		return nil, err
	}
	tables, err := ExtractTables(body)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return &Result{Outcome: OutcomeNoTables}, nil
	}
	files := make([]File, 0, len(tables))
	for i, t := range tables {
		data, err := t.CSV()
		if err != nil {
			return nil, fmt.Errorf("table %d: %w", i+1, err)
		}
		files = append(files, File{Name: fmt.Sprintf("table_%d.csv", i+1), ContentType: "text/csv; charset=utf-8", Data: data})
	}
	if len(files) == 1 {
		return &Result{Outcome: OutcomeFile, File: files[0], Tables: files}, nil
	}
	archive, err := Zip(files)
	if err != nil {
		return nil, err
	}
	return &Result{
		Outcome: OutcomeFile,
		File:    File{Name: "tables.zip", ContentType: "application/zip", Data: archive},
		Tables:  files,
	}, nil
}

func fileResult(name, contentType string, data []byte) *Result {
	return &Result{Outcome: OutcomeFile, File: File{Name: name, ContentType: contentType, Data: data}}
}

var unsafeTitle = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileTitle turns a free-form title into a file name fragment.
func fileTitle(title string) string {
	t := strings.TrimSpace(title)
	t = strings.ReplaceAll(t, " ", "_")
	t = unsafeTitle.ReplaceAllString(t, "")
	t = strings.Trim(t, "._")
	if t == "" {
		return "untitled"
	}
	return t
}
