package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Table is one table found in a rendered report.
type Table struct {
	Header []string
	Rows   [][]string
}

// ExtractTables returns every <table> in document order, nested ones included.
// Only a table's own rows count: the header comes from its <th> cells and each
// <tr> holding <td> cells becomes one row.
func ExtractTables(doc []byte) ([]Table, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []Table
	root.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		var t Table
		own := tbl.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
			return tr.Closest("table").IsSelection(tbl)
		})
		own.ChildrenFiltered("th").Each(func(_ int, th *goquery.Selection) {
			t.Header = append(t.Header, cellText(th))
		})
		own.Each(func(_ int, tr *goquery.Selection) {
			var row []string
			tr.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
				row = append(row, cellText(td))
			})
			if len(row) > 0 {
				t.Rows = append(t.Rows, row)
			}
		})
		out = append(out, t)
	})
	return out, nil
}

func cellText(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

// CSV encodes the table with a header line when one exists.
func (t Table) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(t.Header) > 0 {
		if err := w.Write(t.Header); err != nil {
			return nil, err
		}
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zipEpoch is stamped on every archive member so identical inputs give identical bytes.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Zip bundles files in the given order.
func Zip(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: zipEpoch})
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("zip %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
