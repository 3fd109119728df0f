package export

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

const stylesheet = `body {
    font-family: Arial, sans-serif;
    line-height: 1.6;
    margin: 2cm;
}
h1, h2, h3, h4, h5, h6 {
    color: #333;
    margin-top: 1.5em;
}
table {
    border-collapse: collapse;
    width: 100%;
    margin: 1em 0;
}
th, td {
    border: 1px solid #ddd;
    padding: 8px;
}
th {
    background-color: #f2f2f2;
    text-align: left;
}
code {
    background-color: #f5f5f5;
    padding: 0.2em 0.4em;
    border-radius: 3px;
}
pre {
    background-color: #f5f5f5;
    padding: 1em;
    border-radius: 5px;
    overflow-x: auto;
}`

// RenderHTML converts GitHub-flavoured Markdown to an HTML fragment.
// Raw HTML in the narrative, such as a <table> written by the model, is passed through.
func RenderHTML(narrative string) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(narrative), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

// StyledHTML wraps the rendered narrative in a standalone document with the report stylesheet.
func StyledHTML(narrative, title string) ([]byte, error) {
	body, err := RenderHTML(narrative)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n<title>")
	buf.WriteString(html.EscapeString(title))
	buf.WriteString("</title>\n<style>\n")
	buf.WriteString(stylesheet)
	buf.WriteString("\n</style>\n</head>\n<body>\n")
	buf.Write(body)
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}
