// Package blob stores uploaded dataset files.
package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key does not name a stored blob.
var ErrNotFound = errors.New("blob not found")

// Store saves and reads uploaded files by key.
type Store interface {
	// Save stores r under a unique key derived from suggestedName.
	Save(ctx context.Context, r io.Reader, suggestedName string) (key string, size int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName keeps the base name of an uploaded file and strips anything that
// could escape a directory or confuse a shell.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._-")
	if name == "" {
		return "upload.csv"
	}
	return name
}

// uniqueKey prefixes a sanitized name with a random id.
func uniqueKey(suggested string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + SanitizeName(suggested)
}

// validKey rejects keys that are not plain names produced by uniqueKey.
func validKey(key string) bool {
	return key != "" && key == SanitizeName(key)
}
