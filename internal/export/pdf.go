package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	wkhtmltopdf "github.com/SebastiaanKlippert/go-wkhtmltopdf"
)

// Renderer turns a standalone HTML document into a paginated PDF.
type Renderer interface {
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
}

// ErrNoRenderer is returned for pdf exports when no renderer is configured.
var ErrNoRenderer = errors.New("no pdf renderer configured")

// RenderError is a pdf rendering failure after every attempt was used.
type RenderError struct {
	Attempts int
	Err      error
}

func (e *RenderError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("pdf rendering failed: %v", e.Err)
	}
	return fmt.Sprintf("pdf rendering failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *Exporter) renderPDF(ctx context.Context, narrative, title string) ([]byte, error) {
	if e.Renderer == nil {
		return nil, &RenderError{Err: ErrNoRenderer}
	}
	doc, err := StyledHTML(narrative, title)
	if err != nil {
		return nil, err
	}
	policy := e.Retry
	if policy.MaxAttempts <= 0 {
		clock := policy.Clock
		policy = DefaultRenderRetry()
		policy.Clock = clock
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.Log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("pdf render failed, retrying")
	}
	var out []byte
	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		b, err := e.Renderer.RenderPDF(ctx, doc)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return errors.New("renderer produced an empty document")
		}
		out = b
		return nil
	})
	if err != nil {
		e.Log.Error().Err(err).Int("attempts", attempts).Msg("pdf render failed")
		return nil, &RenderError{Attempts: attempts, Err: err}
	}
	return out, nil
}

// WKHTMLRenderer shells out to the wkhtmltopdf binary, feeding it from memory.
type WKHTMLRenderer struct {
	// BinaryPath is the wkhtmltopdf binary given to NewWKHTMLRenderer; empty means a PATH lookup.
	BinaryPath string
	PageSize   string
	DPI        uint
}

// NewWKHTMLRenderer returns a renderer with A4 pages. A non-empty binaryPath
// becomes the library's process-wide wkhtmltopdf path.
func NewWKHTMLRenderer(binaryPath string) *WKHTMLRenderer {
	if binaryPath != "" {
		wkhtmltopdf.SetPath(binaryPath)
	}
	return &WKHTMLRenderer{BinaryPath: binaryPath, PageSize: wkhtmltopdf.PageSizeA4, DPI: 150}
}

func (r *WKHTMLRenderer) RenderPDF(ctx context.Context, doc []byte) ([]byte, error) {
	gen, err := wkhtmltopdf.NewPDFGenerator()
	if err != nil {
		return nil, fmt.Errorf("wkhtmltopdf: %w", err)
	}
	if r.PageSize != "" {
		gen.PageSize.Set(r.PageSize)
	}
	if r.DPI > 0 {
		gen.Dpi.Set(r.DPI)
	}
	gen.Quiet.Set(true)

	page := wkhtmltopdf.NewPageReader(bytes.NewReader(doc))
	page.Encoding.Set("utf-8")
	gen.AddPage(page)

	if err := gen.CreateContext(ctx); err != nil {
		return nil, fmt.Errorf("wkhtmltopdf: %w", err)
	}
	return gen.Bytes(), nil
}
