package relayclient_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/callmesh/internal/adapters/http"
	"github.com/dkeye/callmesh/internal/adapters/relayclient"
	"github.com/dkeye/callmesh/internal/app"
	"github.com/dkeye/callmesh/internal/app/orch"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) (string, *orch.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomManager(), Policy: app.KickPolicy{}}
	cfg := &config.Config{Mode: "release", Server: config.ServerConfig{Secret: "test", PingPeriod: time.Minute}}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal", o
}

func next[T signaling.Event](t *testing.T, c *relayclient.Client) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T within timeout", zero)
		}
	}
}

func TestJoinAndReconnect(t *testing.T) {
	url, o := newRelay(t)
	c := relayclient.New(relayclient.Options{URL: url, ReconnectDelay: 20 * time.Millisecond, KeepAlive: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	first := next[signaling.Welcome](t, c)
	require.NotEmpty(t, first.Transport)

	require.NoError(t, c.Send(ctx, signaling.Message{Type: signaling.TypeJoinRoom, Room: "r", UserID: "alice"}))
	snap := next[signaling.RosterSnapshot](t, c)
	assert.Empty(t, snap.Participants)
	next[signaling.Pong](t, c)

	o.Kick(first.Transport)
	second := next[signaling.Welcome](t, c)
	assert.NotEqual(t, first.Transport, second.Transport)
	require.Eventually(t, func() bool { return len(o.Rooms.List()) == 0 }, 2*time.Second, 10*time.Millisecond,
		"the kicked transport left its room")

	cancel()
	select {
	case err := <-runErr:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	for range c.Events() {
	}
	assert.ErrorIs(t, c.Send(context.Background(), signaling.Message{Type: signaling.TypePing}), core.ErrRelayDisconnected)
}

func TestSendBeforeConnectFails(t *testing.T) {
	c := relayclient.New(relayclient.Options{URL: "ws://127.0.0.1:1/none"})
	err := c.Send(context.Background(), signaling.Message{Type: signaling.TypeLeaveRoom, Room: domain.RoomID("r")})
	assert.ErrorIs(t, err, core.ErrRelayDisconnected)
}
