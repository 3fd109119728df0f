// Package prompt turns a user's question, column annotations and a data
// sample into the enhanced prompt sent to the completion backend.
package prompt

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/KaramelBytes/analyzethis/internal/analysis"
)

// SampleUnavailable replaces the sample table when the dataset cannot be read.
const SampleUnavailable = "Error: Could not read sample data from CSV file."

const (
	intro  = "I have a CSV dataset with the following columns and meanings:"
	suffix = `Please provide a comprehensive analysis based on this data. Include:

1. Summary of the dataset
2. Key insights and patterns
3. Statistical analysis where appropriate
4. Visualizations recommendations (describe what would be useful to visualize)
5. Answers to my specific questions
6. Any limitations in the data or analysis
7. Recommendations for further analysis

Format your response with clear headings and bullet points where appropriate for readability.`
)

// Composer builds enhanced prompts. The zero value is usable.
type Composer struct {
	// Sampling controls how Compose reads a dataset path.
	Sampling analysis.Options
	// IncludeStats inserts the statistical summary between sample and question.
	IncludeStats bool
}

// Compose samples the CSV at path and builds the enhanced prompt. An
// unreadable file yields the SampleUnavailable placeholder, not an error.
func (c *Composer) Compose(question string, ann Annotations, path string) (string, error) {
	sum, err := analysis.Sample(path, c.Sampling)
	if err != nil {
		sum = nil
	}
	return c.ComposeSummary(question, ann, sum)
}

// ComposeSummary builds the enhanced prompt from an already computed summary.
// sum may be nil when the dataset could not be sampled; key validation is
// then skipped.
func (c *Composer) ComposeSummary(question string, ann Annotations, sum *analysis.Summary) (string, error) {
	var order []string
	if sum != nil {
		if err := ValidateAnnotations(sum.Headers, ann); err != nil {
			return "", err
		}
		order = sum.Headers
	} else {
		for k := range ann {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	var sb strings.Builder
	sb.WriteString(intro)
	sb.WriteString("\n\n")
	if block := columnsBlock(order, ann); block != "" {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Here's a sample of the data:\n```\n")
	if sum != nil {
		sb.WriteString(SampleTable(sum.Headers, sum.Rows))
	} else {
		sb.WriteString(SampleUnavailable)
	}
	sb.WriteString("\n```\n\n")
	if c != nil && c.IncludeStats && sum != nil {
		sb.WriteString("Statistical summary:\n")
		sb.WriteString(strings.TrimSpace(sum.Markdown()))
		sb.WriteString("\n\n")
	}
	sb.WriteString("My analysis goal/question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString(suffix)
	return strings.TrimSpace(sb.String()), nil
}

func columnsBlock(order []string, ann Annotations) string {
	var sb strings.Builder
	for _, col := range order {
		a, ok := ann[col]
		if !ok || a.IsZero() {
			continue
		}
		sb.WriteString("Column: ")
		sb.WriteString(col)
		sb.WriteString("\n")
		if v := strings.TrimSpace(a.Description); v != "" {
			sb.WriteString("Description: " + v + "\n")
		}
		if v := strings.TrimSpace(a.Source); v != "" {
			sb.WriteString("Data Source: " + v + "\n")
		}
		if v := strings.TrimSpace(a.Notes); v != "" {
			sb.WriteString("Additional Notes: " + v + "\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SampleTable renders rows as a right-aligned plain-text table with a
// leading row index. Missing cells print as NaN.
func SampleTable(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return "Empty DataFrame\nColumns: [" + strings.Join(headers, ", ") + "]\nIndex: []"
	}
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(headers))
		for j := range headers {
			v := ""
			if j < len(row) {
				v = strings.TrimSpace(row[j])
			}
			if analysis.IsMissing(v) {
				v = "NaN"
			}
			cells[i][j] = strings.ReplaceAll(v, "\n", " ")
		}
	}
	idxWidth := len(strconv.Itoa(len(rows) - 1))
	widths := make([]int, len(headers))
	for j, h := range headers {
		widths[j] = utf8.RuneCountInString(h)
		for i := range cells {
			if w := utf8.RuneCountInString(cells[i][j]); w > widths[j] {
				widths[j] = w
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(strings.Repeat(" ", idxWidth))
	for j, h := range headers {
		sb.WriteString("  ")
		sb.WriteString(padLeft(h, widths[j]))
	}
	for i := range cells {
		sb.WriteString("\n")
		sb.WriteString(padRight(strconv.Itoa(i), idxWidth))
		for j := range headers {
			sb.WriteString("  ")
			sb.WriteString(padLeft(cells[i][j], widths[j]))
		}
	}
	return sb.String()
}

func padLeft(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return strings.Repeat(" ", width-n) + s
	}
	return s
}

func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
