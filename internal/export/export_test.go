package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	wkhtmltopdf "github.com/SebastiaanKlippert/go-wkhtmltopdf"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/analyzethis/internal/retry"
)

const oneTable = `# Findings

Sales grew in every region.

| Region | Sales | Growth |
|--------|-------|--------|
| North  | 120   | 5%     |
| South  | 80    | 2%     |
| East   | 95    | 7%     |

That is all.
`

const twoTables = `## A

| a | b |
|---|---|
| 1 | 2 |

## B

| x |
|---|
| y |
| z |
`

type noSleep struct{ sleeps []time.Duration }

func (c *noSleep) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

type fakeRenderer struct {
	fails int
	calls int
	last  []byte
}

func (f *fakeRenderer) RenderPDF(_ context.Context, doc []byte) ([]byte, error) {
	f.calls++
	f.last = doc
	if f.calls <= f.fails {
		return nil, errors.New("renderer out of memory")
	}
	return []byte("%PDF-1.4 fake"), nil
}

func newExporter(r Renderer, clock retry.Clock) *Exporter {
	p := DefaultRenderRetry()
	p.Clock = clock
	return New(r, p, zerolog.Nop())
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"markdown": FormatMarkdown, "MD": FormatMarkdown, " pdf ": FormatPDF, "csv": FormatCSV, "html": FormatHTML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("docx")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExportMarkdownIsVerbatim(t *testing.T) {
	e := &Exporter{}
	narrative := "# Title\n\nsome *text*\n"
	res, err := e.Export(context.Background(), narrative, FormatMarkdown, "Q3 sales review")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFile, res.Outcome)
	assert.Equal(t, "analysis_report_Q3_sales_review.md", res.File.Name)
	assert.Equal(t, narrative, string(res.File.Data))
}

func TestExportHTMLUsesStylesheet(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), oneTable, FormatHTML, "<Report>")
	require.NoError(t, err)
	doc := string(res.File.Data)
	assert.Contains(t, doc, "<title>&lt;Report&gt;</title>")
	assert.Contains(t, doc, "border-collapse: collapse;")
	assert.Contains(t, doc, "<h1>Findings</h1>")
	assert.Contains(t, doc, "<table>")
	assert.Equal(t, "analysis_report_Report.html", res.File.Name)
}

func TestExportSingleTableCSV(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), oneTable, FormatCSV, "t")
	require.NoError(t, err)
	require.Equal(t, OutcomeFile, res.Outcome)
	assert.Equal(t, "table_1.csv", res.File.Name)

	recs := readCSV(t, res.File.Data)
	require.Len(t, recs, 4)
	assert.Equal(t, []string{"Region", "Sales", "Growth"}, recs[0])
	assert.Equal(t, []string{"East", "95", "7%"}, recs[3])
}

func TestExportMultipleTablesZip(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), twoTables, FormatCSV, "t")
	require.NoError(t, err)
	assert.Equal(t, "tables.zip", res.File.Name)
	require.Len(t, res.Tables, 2)

	zr, err := zip.NewReader(bytes.NewReader(res.File.Data), int64(len(res.File.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "table_1.csv", zr.File[0].Name)
	assert.Equal(t, "table_2.csv", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, [][]string{{"x"}, {"y"}, {"z"}}, readCSV(t, data))

	again, err := e.Export(context.Background(), twoTables, FormatCSV, "t")
	require.NoError(t, err)
	assert.Equal(t, res.File.Data, again.File.Data, "archive bytes must be deterministic")
}

func TestExportNoTables(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), "# Just prose\n\nNo tables here.", FormatCSV, "t")
	require.NoError(t, err)
	assert.True(t, res.NoTables())
	assert.Empty(t, res.File.Data)
	assert.Equal(t, "no_tables", res.Outcome.String())
}

func TestExportPDFRetriesRenderer(t *testing.T) {
	r := &fakeRenderer{fails: 2}
	clock := &noSleep{}
	e := newExporter(r, clock)
	res, err := e.Export(context.Background(), oneTable, FormatPDF, "Quarterly")
	require.NoError(t, err)
	assert.Equal(t, "analysis_report_Quarterly.pdf", res.File.Name)
	assert.Equal(t, 3, r.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.sleeps)
	assert.Contains(t, string(r.last), "th {")
}

func TestExportPDFRenderError(t *testing.T) {
	r := &fakeRenderer{fails: 5}
	e := newExporter(r, &noSleep{})
	narrative := oneTable
	_, err := e.Export(context.Background(), narrative, FormatPDF, "x")
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
	assert.Equal(t, 3, r.calls)
	assert.Equal(t, oneTable, narrative)
}

func TestExportPDFWithoutRenderer(t *testing.T) {
	e := &Exporter{}
	_, err := e.Export(context.Background(), oneTable, FormatPDF, "x")
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrNoRenderer)
	assert.Equal(t, "pdf rendering failed: no pdf renderer configured", err.Error())
}

func TestExtractTablesFromHTML(t *testing.T) {
	doc := []byte(`<p>x</p><table><thead><tr><th> A </th><th>B</th></tr></thead>
<tbody><tr><td>1</td><td><em>two</em></td></tr></tbody></table>`)
	tables, err := ExtractTables(doc)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"A", "B"}, tables[0].Header)
	assert.Equal(t, [][]string{{"1", "two"}}, tables[0].Rows)
}

func TestFileTitle(t *testing.T) {
	assert.Equal(t, "untitled", fileTitle("  "))
	assert.Equal(t, "a_b", fileTitle("a b"))
	assert.Equal(t, "etcpasswd", fileTitle("../etc/passwd"))
}

const htmlTableReport = `# Report

The regional totals:

<table>
<tr><th>Region</th><th>Total</th></tr>
<tr><td>North</td><td>19</td></tr>
<tr><td>East</td><td>30</td></tr>
</table>
`

func TestExportCSVFindsRawHTMLTable(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), htmlTableReport, FormatCSV, "t")
	require.NoError(t, err)
	require.False(t, res.NoTables())
	assert.Equal(t, "table_1.csv", res.File.Name)
	assert.Equal(t, "Region,Total\nNorth,19\nEast,30\n", string(res.File.Data))
}

func TestExportHTMLKeepsRawHTML(t *testing.T) {
	e := &Exporter{}
	res, err := e.Export(context.Background(), htmlTableReport, FormatHTML, "t")
	require.NoError(t, err)
	doc := string(res.File.Data)
	assert.Contains(t, doc, "<td>North</td>")
	assert.NotContains(t, doc, "raw HTML omitted")
}

func TestExtractTablesKeepsNestedRowsApart(t *testing.T) {
	doc := []byte(`<table>
<tr><th>k</th><th>v</th></tr>
<tr><td>outer</td><td><table><tr><th>ik</th></tr><tr><td>inner</td></tr></table></td></tr>
</table>`)
	tables, err := ExtractTables(doc)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, []string{"k", "v"}, tables[0].Header)
	require.Len(t, tables[0].Rows, 1)
	assert.Equal(t, "outer", tables[0].Rows[0][0])
	assert.Len(t, tables[0].Rows[0], 2)
	assert.True(t, strings.HasPrefix(tables[0].Rows[0][1], "ik"))
	assert.Equal(t, []string{"ik"}, tables[1].Header)
	assert.Equal(t, [][]string{{"inner"}}, tables[1].Rows)
}

func TestNewWKHTMLRendererSetsPathOnce(t *testing.T) {
	prev := wkhtmltopdf.GetPath()
	t.Cleanup(func() { wkhtmltopdf.SetPath(prev) })

	path := "/opt/wkhtmltopdf/bin/wkhtmltopdf-missing"
	r := NewWKHTMLRenderer(path)
	assert.Equal(t, path, wkhtmltopdf.GetPath())

	r.BinaryPath = "/elsewhere/wkhtmltopdf"
	_, err := r.RenderPDF(context.Background(), []byte("<html></html>"))
	require.Error(t, err)
	assert.Equal(t, path, wkhtmltopdf.GetPath())
}
