package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioCSV = "id,name,value\n1,test1,10.5\n2,test2,20.3\n3,test3,30.1\n"

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(scenarioCSV), 0o644))
	return path
}

func TestComposeScenario(t *testing.T) {
	c := &Composer{}
	out, err := c.Compose("What drives sales?", Annotations{"id": {Description: "row id"}}, writeCSV(t))
	require.NoError(t, err)

	assert.Contains(t, out, "Column: id\nDescription: row id")
	assert.Contains(t, out, "What drives sales?")
	assert.True(t, strings.HasPrefix(out, "I have a CSV dataset with the following columns and meanings:\n\nColumn: id"))
	assert.True(t, strings.HasSuffix(out, "where appropriate for readability."))
	assert.Contains(t, out, "Here's a sample of the data:\n```\n   id   name  value\n0   1  test1   10.5\n")
	assert.Contains(t, out, "My analysis goal/question:\nWhat drives sales?\n\nPlease provide a comprehensive analysis")
}

func TestComposeWithoutAnnotations(t *testing.T) {
	c := &Composer{}
	q := "Summarize the value distribution please."
	out, err := c.Compose(q, Annotations{}, writeCSV(t))
	require.NoError(t, err)
	assert.Contains(t, out, q)
	assert.NotContains(t, out, "Column:")
	assert.NotContains(t, out, "Description:")
}

func TestComposeSkipsBlankAnnotations(t *testing.T) {
	c := &Composer{}
	ann := Annotations{
		"value": {Source: "ERP export", Notes: "USD"},
		"name":  {},
		"id":    {Description: "  "},
	}
	out, err := c.Compose("Which rows stand out and why?", ann, writeCSV(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Column: value\nData Source: ERP export\nAdditional Notes: USD\n\nHere's a sample")
	assert.NotContains(t, out, "Column: name")
	assert.NotContains(t, out, "Column: id")
}

func TestComposeColumnsFollowHeaderOrder(t *testing.T) {
	c := &Composer{}
	ann := Annotations{"value": {Description: "v"}, "id": {Description: "i"}}
	out, err := c.Compose("Explain the dataset in detail.", ann, writeCSV(t))
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "Column: id"), strings.Index(out, "Column: value"))
}

func TestComposeRejectsUnknownColumns(t *testing.T) {
	c := &Composer{}
	_, err := c.Compose("Explain the dataset in detail.", Annotations{"revenue": {Description: "x"}}, writeCSV(t))
	require.Error(t, err)
	var mismatch *AnnotationMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"revenue"}, mismatch.Unknown)
	assert.ErrorIs(t, err, ErrAnnotationMismatch)
}

func TestComposeUnreadableSampleUsesPlaceholder(t *testing.T) {
	c := &Composer{}
	missing := filepath.Join(t.TempDir(), "gone.csv")
	out, err := c.Compose("Explain the dataset in detail.", Annotations{"b": {Description: "second"}, "a": {Description: "first"}}, missing)
	require.NoError(t, err)
	assert.Contains(t, out, "```\n"+SampleUnavailable+"\n```")
	assert.Less(t, strings.Index(out, "Column: a"), strings.Index(out, "Column: b"))
}

func TestComposeIncludeStats(t *testing.T) {
	c := &Composer{IncludeStats: true}
	out, err := c.Compose("Explain the dataset in detail.", nil, writeCSV(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Statistical summary:\n## Statistical Summary")
	assert.Less(t, strings.Index(out, "Statistical summary:"), strings.Index(out, "My analysis goal/question:"))
}

func TestSampleTable(t *testing.T) {
	got := SampleTable([]string{"a", "long header"}, [][]string{{"1", ""}, {"22", "x"}})
	want := "    a  long header\n0   1          NaN\n1  22            x"
	assert.Equal(t, want, got)

	assert.Equal(t, "Empty DataFrame\nColumns: [a, b]\nIndex: []", SampleTable([]string{"a", "b"}, nil))
}

func TestValidateQuestion(t *testing.T) {
	assert.ErrorIs(t, ValidateQuestion("too short", 0, 0), ErrInvalidQuestion)
	assert.NoError(t, ValidateQuestion("What drives sales?", 0, 0))
	assert.ErrorIs(t, ValidateQuestion(strings.Repeat("x", 1001), 0, 0), ErrInvalidQuestion)
	assert.NoError(t, ValidateQuestion("short", 3, 10))
}

func TestValidateAnnotationsAllowsMissingKeys(t *testing.T) {
	assert.NoError(t, ValidateAnnotations([]string{"a", "b"}, Annotations{"a": {Description: "x"}}))
	assert.NoError(t, ValidateAnnotations([]string{"a"}, nil))
}
