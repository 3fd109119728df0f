// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	alice := &store.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, alice))
	require.NotEmpty(t, alice.ID)
	bob := &store.User{Username: "bob"}
	require.NoError(t, s.CreateUser(ctx, bob))

	t.Run("users", func(t *testing.T) {
		err := s.CreateUser(ctx, &store.User{Username: "alice"})
		assert.ErrorIs(t, err, store.ErrConflict)

		got, err := s.GetUserByName(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, "alice@example.com", got.Email)

		got.APIKey = "sk-alice"
		require.NoError(t, s.UpdateUser(ctx, got))
		again, err := s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "sk-alice", again.APIKey)

		_, err = s.GetUser(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetUserByName(ctx, "carol")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("analyses", func(t *testing.T) {
		first := &store.Analysis{
			UserID: alice.ID,
			Title:  "Sales",
			Dataset: store.Dataset{
				Path:        "uploads/abc_sales.csv",
				FileName:    "sales.csv",
				SizeBytes:   42,
				RowCount:    3,
				ColumnCount: 3,
				Headers:     []string{"id", "name", "value"},
				Kinds:       map[string]string{"id": "numeric", "name": "categorical", "value": "numeric"},
			},
			State:     store.StateCreated,
			CreatedAt: store.Now().Add(-time.Minute),
		}
		require.NoError(t, s.CreateAnalysis(ctx, first))
		second := &store.Analysis{UserID: alice.ID, Title: "Costs", State: store.StateCreated}
		require.NoError(t, s.CreateAnalysis(ctx, second))
		require.NoError(t, s.CreateAnalysis(ctx, &store.Analysis{UserID: bob.ID, Title: "Bob's", State: store.StateCreated}))

		list, err := s.ListAnalyses(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")
		assert.Equal(t, first.ID, list[1].ID)

		_, err = s.GetAnalysis(ctx, bob.ID, first.ID)
		assert.ErrorIs(t, err, store.ErrNotFound, "foreign records are invisible")

		got, err := s.GetAnalysis(ctx, alice.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Dataset, got.Dataset)
		assert.Nil(t, got.GeneratedAt)

		got.Annotations = prompt.Annotations{"id": {Description: "row id"}}
		got.RawPrompt = "What drives sales?"
		got.EnhancedPrompt = "enhanced"
		got.PromptEdited = true
		got.Report = "# Report"
		got.ReportPrompt = "enhanced"
		got.ReportModel = "m"
		gen := store.Now()
		got.GeneratedAt = &gen
		got.State = store.StateReported
		require.NoError(t, s.UpdateAnalysis(ctx, got))

		back, err := s.GetAnalysis(ctx, alice.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "row id", back.Annotations["id"].Description)
		assert.True(t, back.PromptEdited)
		assert.Equal(t, store.StateReported, back.State)
		assert.Equal(t, "# Report", back.Report)
		require.NotNil(t, back.GeneratedAt)
		assert.True(t, gen.Equal(*back.GeneratedAt))
		assert.True(t, first.CreatedAt.Equal(back.CreatedAt))

		stolen := *back
		stolen.UserID = bob.ID
		assert.ErrorIs(t, s.UpdateAnalysis(ctx, &stolen), store.ErrNotFound)

		assert.ErrorIs(t, s.DeleteAnalysis(ctx, bob.ID, first.ID), store.ErrNotFound)
		require.NoError(t, s.DeleteAnalysis(ctx, alice.ID, first.ID))
		_, err = s.GetAnalysis(ctx, alice.ID, first.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
