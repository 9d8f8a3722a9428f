package capture

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMediaTracksFollowConstraints(t *testing.T) {
	s := &Synthetic{}
	audioOnly, err := s.UserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	defer audioOnly.Stop()
	assert.NotNil(t, audioOnly.Audio())
	assert.Nil(t, audioOnly.Video())

	both, err := s.UserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer both.Stop()
	assert.Len(t, both.Tracks(), 2)
}

func TestDeniedDeviceIsMediaAccessError(t *testing.T) {
	s := &Synthetic{Deny: map[string]core.MediaAccessReason{"video": core.ReasonDeviceNotFound}}
	_, err := s.UserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	var mae *core.MediaAccessError
	require.True(t, errors.As(err, &mae))
	assert.Equal(t, "video", mae.Kind)
	assert.Equal(t, core.ReasonDeviceNotFound, mae.Reason)

	s.Deny = map[string]core.MediaAccessReason{"display": core.ReasonPermissionDenied}
	_, err = s.DisplayMedia(context.Background())
	require.True(t, errors.As(err, &mae))
	assert.Equal(t, core.ReasonPermissionDenied, mae.Reason)
}

func TestSourcePacketizesFrames(t *testing.T) {
	src := newVideoSource(0)
	first, err := src.ReadRTP()
	require.NoError(t, err)
	second, err := src.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint8(vp8PT), first.PayloadType)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp, second.Timestamp, "fragments of one frame share a timestamp")

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	src.pending = nil
	_, err = src.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDisplayEndsAfterLifetime(t *testing.T) {
	s := &Synthetic{DisplayFor: 50 * time.Millisecond}
	stream, err := s.DisplayMedia(context.Background())
	require.NoError(t, err)
	stream.Start(context.Background())
	select {
	case <-stream.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("display did not end")
	}
}

func TestDisplayAudioIsOptional(t *testing.T) {
	s := &Synthetic{}
	plain, err := s.DisplayMedia(context.Background())
	require.NoError(t, err)
	defer plain.Stop()
	assert.Len(t, plain.Tracks(), 1)
	assert.Nil(t, plain.Audio())

	s.DisplayAudio = true
	withAudio, err := s.DisplayMedia(context.Background())
	require.NoError(t, err)
	defer withAudio.Stop()
	require.Len(t, withAudio.Tracks(), 2)
	require.NotNil(t, withAudio.Audio())
	require.NotNil(t, withAudio.Video())
	assert.Equal(t, withAudio.ID, withAudio.Audio().Track.StreamID(), "both tracks belong to the display stream")
}
