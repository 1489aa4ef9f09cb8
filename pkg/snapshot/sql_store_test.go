package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestSQLStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t)

	created, err := s.Create(ctx, Session{ID: "s1", CurrentCode: "print(1)", CurrentLanguage: "python"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, created.Status)

	require.NoError(t, s.Save(ctx, "s1", Patch{Code: strPtr("fmt.Println(1)")}))
	got, err := s.Fetch(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fmt.Println(1)", got.CurrentCode)
	assert.Equal(t, "python", got.CurrentLanguage)

	require.NoError(t, s.Save(ctx, "s1", Patch{Language: strPtr("go")}))
	got, err = s.Fetch(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "go", got.CurrentLanguage)
	assert.NoError(t, CheckOpen(got))

	require.NoError(t, s.Complete(ctx, "s1"))
	got, err = s.Fetch(ctx, "s1")
	require.NoError(t, err)
	assert.ErrorIs(t, CheckOpen(got), ErrSessionClosed)
	assert.ErrorIs(t, s.Save(ctx, "s1", Patch{Code: strPtr("x")}), ErrSessionClosed)
}

func TestSQLStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t)

	_, err := s.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Save(ctx, "missing", Patch{Code: strPtr("x")}), ErrNotFound)
	assert.ErrorIs(t, s.Complete(ctx, "missing"), ErrNotFound)

	_, err = s.Create(ctx, Session{})
	assert.Error(t, err)
}
