package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 54*time.Second, cfg.Server.PingPeriod)
	assert.Equal(t, "kick", cfg.Server.Backpressure)
	assert.Equal(t, 30*time.Second, cfg.Client.NegotiationTimeout)
	require.Len(t, cfg.ICE.Servers, 1)
	assert.Contains(t, cfg.ICE.Servers[0].URLs, "stun:stun.l.google.com:19302")
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
log_level: debug
server:
  port: 9000
  data_path: /tmp/notes
client:
  room: standup
  call_kind: video
ice:
  force_relay: true
  servers:
    - urls: ["turn:turn.example.org:3478"]
      username: u
      credential: p
`), 0o644))
	t.Setenv("CALLMESH_SERVER_PORT", "9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("room", "", "")
	require.NoError(t, flags.Parse([]string{"--room", "retro"}))

	cfg, err := config.LoadFile(path, flags, map[string]string{"client.room": "room"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/notes", cfg.Server.DataPath)
	assert.Equal(t, "retro", cfg.Client.Room)
	assert.Equal(t, "video", cfg.Client.CallKind)
	assert.True(t, cfg.ICE.ForceRelay)
	require.Len(t, cfg.ICE.Servers, 1)
	assert.Equal(t, "u", cfg.ICE.Servers[0].Username)
}
