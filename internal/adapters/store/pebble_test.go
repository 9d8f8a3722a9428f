package store_test

import (
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/adapters/store"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(id string, at time.Time) domain.Note {
	return domain.Note{ID: id, AuthorID: "u1", Content: "minute " + id, CreatedAt: at, UpdatedAt: at}
}

func TestNotesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := store.OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutNote("r1", note("b", base.Add(time.Second))))
	require.NoError(t, s.PutNote("r1", note("a", base)))
	require.NoError(t, s.PutNote("r1", note("c", base.Add(2*time.Second))))
	require.NoError(t, s.DeleteNote("r1", "c"))
	require.NoError(t, s.Close())

	s, err = store.OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()

	notes, err := s.Notes("r1")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "a", notes[0].ID)
	assert.Equal(t, "b", notes[1].ID)
	assert.True(t, base.Equal(notes[0].CreatedAt))
}

func TestRoomsWithSharedPrefixStayApart(t *testing.T) {
	s, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC()
	require.NoError(t, s.PutNote("room", note("n1", now)))
	require.NoError(t, s.PutNote("room-2", note("n2", now)))

	notes, err := s.Notes("room")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "n1", notes[0].ID)

	require.NoError(t, s.DeleteNote("room", "missing"))
}
