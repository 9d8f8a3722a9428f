package domain

import (
	"fmt"
	"strings"
)

type RoomID string

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch k := CallKind(strings.ToLower(strings.TrimSpace(s))); k {
	case CallAudio, CallVideo:
		return k, nil
	default:
		return "", fmt.Errorf("unknown call kind %q", s)
	}
}

// HasVideo reports whether video tracks are captured and requested.
func (k CallKind) HasVideo() bool { return k == CallVideo }

// Room is the logical call. Membership lives in the replicator, not here.
// CallerID is the user who opened the room; only that user may end it for
// everyone.
type Room struct {
	ID       RoomID   `json:"id"`
	Kind     CallKind `json:"kind"`
	IsGroup  bool     `json:"isGroup,omitempty"`
	GroupID  string   `json:"groupId,omitempty"`
	CallerID UserID   `json:"callerId,omitempty"`
}
