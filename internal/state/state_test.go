package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestCursorRoundTrip(t *testing.T) {
	store := openTestStore(t)

	want := Cursor{LastSeenSeq: 42, LastReadSeq: 40}
	require.NoError(t, store.SetCursor("conv-1", want))

	got, err := store.Cursor("conv-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCursorUnknownConversationIsZero(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Cursor("never-seen")
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, got)
}

func TestCursorsAreIndependent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SetCursor("conv-1", Cursor{LastSeenSeq: 1}))
	require.NoError(t, store.SetCursor("conv-2", Cursor{LastSeenSeq: 2}))

	first, err := store.Cursor("conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.LastSeenSeq)

	second, err := store.Cursor("conv-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.LastSeenSeq)
}

func TestDeleteCursor(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SetCursor("conv-1", Cursor{LastSeenSeq: 7}))
	require.NoError(t, store.DeleteCursor("conv-1"))

	got, err := store.Cursor("conv-1")
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, got)

	// Deleting again is not an error.
	require.NoError(t, store.DeleteCursor("conv-1"))
}
