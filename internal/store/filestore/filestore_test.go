package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/store/storetest"
)

func TestFileStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	storetest.Run(t, s)
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.GetAnalysis(context.Background(), "u", "../users/x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFileStoreSkipsStrayFiles(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, analysesDir, "notes.txt"), []byte("x"), 0o644))
	list, err := s.ListAnalyses(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Empty(t, list)
}
