package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`
	// DataPath enables the note store; empty keeps notes in memory.
	DataPath     string        `mapstructure:"data_path"`
	Backpressure string        `mapstructure:"backpressure"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type ClientConfig struct {
	RelayURL           string        `mapstructure:"relay_url"`
	Room               string        `mapstructure:"room"`
	UserID             string        `mapstructure:"user_id"`
	Username           string        `mapstructure:"username"`
	Avatar             string        `mapstructure:"avatar"`
	CallKind           string        `mapstructure:"call_kind"`
	IsGroup            bool          `mapstructure:"is_group"`
	GroupID            string        `mapstructure:"group_id"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	// Duration ends the call after this long; zero runs until interrupted.
	Duration time.Duration `mapstructure:"duration"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type ICEConfig struct {
	Servers    []ICEServer `mapstructure:"servers"`
	ForceRelay bool        `mapstructure:"force_relay"`
}

type Config struct {
	Mode     string       `mapstructure:"mode"`
	LogLevel string       `mapstructure:"log_level"`
	Server   ServerConfig `mapstructure:"server"`
	Client   ClientConfig `mapstructure:"client"`
	ICE      ICEConfig    `mapstructure:"ice"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 65536)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.data_path", "")
	v.SetDefault("server.backpressure", "kick")
	v.SetDefault("server.rate_limit", 200)
	v.SetDefault("server.rate_interval", "1s")

	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.room", "lobby")
	v.SetDefault("client.username", "guest")
	v.SetDefault("client.call_kind", "audio")
	v.SetDefault("client.negotiation_timeout", "30s")
	v.SetDefault("client.reconnect_delay", "2s")

	v.SetDefault("ice.servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
	})
	v.SetDefault("ice.force_relay", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Keys can be
// overridden with CALLMESH_ env vars (server.port -> CALLMESH_SERVER_PORT)
// and, when flags is not nil, with the flags named in bind.
func Load(flags *pflag.FlagSet, bind map[string]string) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), flags, bind)
}

func LoadFile(fileName string, flags *pflag.FlagSet, bind map[string]string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("CALLMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, flag := range bind {
		if flags == nil {
			break
		}
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Server.Port).Str("relay", cfg.Client.RelayURL).Msg("config ready")
	return &cfg, nil
}
