package core

import "github.com/dkeye/callmesh/internal/domain"

// NoteStore persists meeting minutes per room so they outlive the relay
// process. Implementations must be safe for concurrent use.
type NoteStore interface {
	Notes(room domain.RoomID) ([]domain.Note, error)
	PutNote(room domain.RoomID, n domain.Note) error
	DeleteNote(room domain.RoomID, id string) error
	Close() error
}
