package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callmesh/internal/domain"
)

// recorder is a controls that logs every call and keeps simple toggle state.
type recorder struct {
	calls               []string
	muted, off, raised  bool
	notes               []string
	endForEveryoneError error
}

func (r *recorder) ToggleMute(context.Context) (bool, error) {
	r.calls = append(r.calls, "mute")
	r.muted = !r.muted
	return r.muted, nil
}

func (r *recorder) ToggleVideo(context.Context) (bool, error) {
	r.calls = append(r.calls, "video")
	r.off = !r.off
	return r.off, nil
}

func (r *recorder) ToggleHand(context.Context) (bool, error) {
	r.calls = append(r.calls, "hand")
	r.raised = !r.raised
	return r.raised, nil
}

func (r *recorder) LowerAllHands(context.Context) error {
	r.calls = append(r.calls, "lower")
	return nil
}

func (r *recorder) StartShare(context.Context) error {
	r.calls = append(r.calls, "share")
	return nil
}

func (r *recorder) StopShare(context.Context) error {
	r.calls = append(r.calls, "unshare")
	return nil
}

func (r *recorder) AddNote(_ context.Context, content string) (domain.Note, error) {
	r.calls = append(r.calls, "note")
	r.notes = append(r.notes, content)
	return domain.Note{ID: "n1", Content: content}, nil
}

func (r *recorder) EndCall(context.Context) error {
	r.calls = append(r.calls, "end")
	return nil
}

func (r *recorder) EndForEveryone(context.Context) error {
	r.calls = append(r.calls, "end-all")
	return r.endForEveryoneError
}

func TestCommandsDriveToggles(t *testing.T) {
	ctx := context.Background()
	r := &recorder{}
	for _, line := range []string{"mute", " VIDEO ", "hand", "", "lower", "share", "unshare", "note agenda for today"} {
		require.NoError(t, command(ctx, r, line), line)
	}
	assert.Equal(t, []string{"mute", "video", "hand", "lower", "share", "unshare", "note"}, r.calls)
	assert.True(t, r.muted)
	assert.True(t, r.off)
	assert.True(t, r.raised)
	assert.Equal(t, []string{"agenda for today"}, r.notes)

	require.NoError(t, command(ctx, r, "mute"))
	assert.False(t, r.muted, "a second mute unmutes")
}

func TestCommandsHangUp(t *testing.T) {
	ctx := context.Background()
	r := &recorder{}
	assert.ErrorIs(t, command(ctx, r, "end"), errDone)

	notCaller := errors.New("not the caller")
	r.endForEveryoneError = notCaller
	assert.ErrorIs(t, command(ctx, r, "end-all"), notCaller)
	r.endForEveryoneError = nil
	assert.ErrorIs(t, command(ctx, r, "end-all"), errDone)
	assert.Equal(t, []string{"end", "end-all", "end-all"}, r.calls)
}

func TestUnknownCommand(t *testing.T) {
	r := &recorder{}
	err := command(context.Background(), r, "teleport now")
	assert.ErrorIs(t, err, errUnknownCommand)
	assert.Contains(t, err.Error(), "teleport")
	assert.Empty(t, r.calls)
}

func TestStartupCommandsFollowFlags(t *testing.T) {
	t.Cleanup(func() {
		flagMute, flagVideoOff, flagRaiseHand, flagShare, flagNote = false, false, false, false, ""
	})
	assert.Empty(t, startupCommands())

	flagMute, flagVideoOff, flagRaiseHand, flagShare, flagNote = true, true, true, true, "minutes"
	assert.Equal(t, []string{"mute", "video", "hand", "note minutes", "share"}, startupCommands())
}

func TestScanLinesClosesAtEOF(t *testing.T) {
	lines := scanLines(context.Background(), strings.NewReader("mute\nhand\n"))
	var got []string
	timeout := time.After(time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				assert.Equal(t, []string{"mute", "hand"}, got)
				return
			}
			got = append(got, l)
		case <-timeout:
			t.Fatal("lines not closed")
		}
	}
}
