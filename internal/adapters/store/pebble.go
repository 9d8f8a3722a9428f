// Package store keeps relay notes in a Pebble database.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble/v2"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Keys are "note/<room>\x00<note id>"; the NUL keeps one room's range from
// overlapping another room whose id shares a prefix.
const notePrefix = "note/"

type PebbleNotes struct {
	db *pebble.DB
}

var _ core.NoteStore = (*PebbleNotes)(nil)

func OpenPebble(dir string) (*PebbleNotes, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "notes"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	log.Info().Str("module", "store").Str("dir", dir).Msg("note store opened")
	return &PebbleNotes{db: db}, nil
}

func roomBounds(room domain.RoomID) (lower, upper []byte) {
	lower = []byte(notePrefix + string(room) + "\x00")
	upper = []byte(notePrefix + string(room) + "\x01")
	return lower, upper
}

func noteKey(room domain.RoomID, id string) []byte {
	lower, _ := roomBounds(room)
	return append(lower, id...)
}

// Notes returns the room's notes ordered by creation time.
func (s *PebbleNotes) Notes(room domain.RoomID) ([]domain.Note, error) {
	lower, upper := roomBounds(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []domain.Note
	for ok := it.First(); ok; ok = it.Next() {
		var n domain.Note
		if err := json.Unmarshal(it.Value(), &n); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("key", string(it.Key())).Msg("skipping corrupt note")
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PebbleNotes) PutNote(room domain.RoomID, n domain.Note) error {
	val, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.db.Set(noteKey(room, n.ID), val, pebble.Sync)
}

func (s *PebbleNotes) DeleteNote(room domain.RoomID, id string) error {
	if err := s.db.Delete(noteKey(room, id), pebble.Sync); err != nil && err != pebble.ErrNotFound {
		return err
	}
	return nil
}

func (s *PebbleNotes) Close() error {
	return s.db.Close()
}
