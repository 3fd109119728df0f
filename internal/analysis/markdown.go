package analysis

import (
	"fmt"
	"strings"
)

// Markdown renders the statistical summary used by the stats views and the
// optional stats block of the enhanced prompt.
func (s *Summary) Markdown() string {
	var b strings.Builder
	b.WriteString("## Statistical Summary\n\n")
	b.WriteString("### Dataset Overview\n")
	if s.Name != "" {
		b.WriteString(fmt.Sprintf("- **File**: %s\n", safeVal(s.Name)))
	}
	b.WriteString(fmt.Sprintf("- **Rows**: %d\n", s.RowCount))
	b.WriteString(fmt.Sprintf("- **Columns**: %d\n", s.ColumnCount()))

	var numeric, other []string
	for _, c := range s.Columns {
		switch c.Kind {
		case KindNumeric:
			numeric = append(numeric, safeName(c.Name))
		case KindCategorical, KindDatetime:
			other = append(other, safeName(c.Name))
		}
	}
	b.WriteString(fmt.Sprintf("- **Numeric Columns**: %s\n", joinOrNone(numeric)))
	b.WriteString(fmt.Sprintf("- **Categorical Columns**: %s\n", joinOrNone(other)))

	b.WriteString("\n### Column Statistics\n")
	for _, c := range s.Columns {
		switch {
		case c.Numeric != nil:
			n := c.Numeric
			b.WriteString(fmt.Sprintf("\n#### %s\n", safeName(c.Name)))
			b.WriteString(fmt.Sprintf("- **Mean**: %.2f\n", n.Mean))
			b.WriteString(fmt.Sprintf("- **Median**: %.2f\n", n.Median))
			b.WriteString(fmt.Sprintf("- **Standard Deviation**: %.2f\n", n.Std))
			b.WriteString(fmt.Sprintf("- **Min**: %.2f\n", n.Min))
			b.WriteString(fmt.Sprintf("- **Max**: %.2f\n", n.Max))
			b.WriteString(fmt.Sprintf("- **Q1 (25%%)**: %.2f\n", n.Q1))
			b.WriteString(fmt.Sprintf("- **Q3 (75%%)**: %.2f\n", n.Q3))
			b.WriteString(fmt.Sprintf("- **Missing Values**: %d (%.1f%%)\n", n.Missing, n.MissingPercent))
		case c.Categorical != nil:
			cs := c.Categorical
			b.WriteString(fmt.Sprintf("\n#### %s\n", safeName(c.Name)))
			if c.Kind == KindDatetime {
				b.WriteString("- **Type**: datetime\n")
			}
			b.WriteString(fmt.Sprintf("- **Unique Values**: %d\n", cs.Unique))
			tops := make([]string, 0, len(cs.TopValues))
			for _, kv := range cs.TopValues {
				tops = append(tops, fmt.Sprintf("'%s': %d", safeVal(kv.Value), kv.Count))
			}
			b.WriteString(fmt.Sprintf("- **Top Values**: %s\n", joinOrNone(tops)))
			b.WriteString(fmt.Sprintf("- **Missing Values**: %d (%.1f%%)\n", cs.Missing, cs.MissingPercent))
		}
	}

	if len(s.Correlations) > 0 {
		b.WriteString("\n### Significant Correlations\n")
		for _, c := range s.Correlations {
			b.WriteString(fmt.Sprintf("- **%s** and **%s**: %.2f (%s)\n", safeName(c.A), safeName(c.B), c.R, c.Strength))
		}
	}
	if len(s.Outliers) > 0 {
		b.WriteString("\n### Potential Outliers\n")
		for _, o := range s.Outliers {
			b.WriteString(fmt.Sprintf("- **%s**: %d outliers (%.1f%% of values)\n", safeName(o.Column), o.Count, o.Percent))
		}
	}
	return b.String()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unnamed)"
	}
	return s
}

func safeVal(s string) string { return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "/") }
