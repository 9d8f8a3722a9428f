package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callmesh/internal/adapters/capture"
	"github.com/dkeye/callmesh/internal/adapters/relayclient"
	"github.com/dkeye/callmesh/internal/adapters/rtc"
	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/app/session"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var rootCmd = &cobra.Command{
	Use:   "callclient",
	Short: "Headless call participant with generated media",
	RunE:  runClient,
}

var (
	flagShare       bool
	flagNote        string
	flagKeepAlive   time.Duration
	flagMute        bool
	flagVideoOff    bool
	flagRaiseHand   bool
	flagShareAudio  bool
	flagEndForAll   bool
	flagInteractive bool
)

func init() {
	flags := rootCmd.Flags()
	flags.String("relay", "", "relay websocket URL")
	flags.String("room", "", "room id")
	flags.String("user", "", "user id; empty picks a random one")
	flags.String("name", "", "display name")
	flags.String("kind", "", "audio or video")
	flags.Duration("duration", 0, "end the call after this long")
	flags.String("log-level", "", "zerolog level")
	flags.BoolVar(&flagShare, "share", false, "share a generated screen once joined")
	flags.StringVar(&flagNote, "note", "", "add a shared note once joined")
	flags.DurationVar(&flagKeepAlive, "keepalive", 20*time.Second, "application ping interval; 0 disables")
	flags.BoolVar(&flagMute, "mute", false, "mute the microphone once joined")
	flags.BoolVar(&flagVideoOff, "video-off", false, "turn the camera off once joined")
	flags.BoolVar(&flagRaiseHand, "raise-hand", false, "raise a hand once joined")
	flags.BoolVar(&flagShareAudio, "share-audio", false, "include system audio in the screen share")
	flags.BoolVar(&flagEndForAll, "end-for-all", false, "when the duration elapses, end the call for everyone (caller only)")
	flags.BoolVarP(&flagInteractive, "interactive", "i", false, "read commands from stdin: "+commandHelp)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("callclient")
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(cmd.Flags(), map[string]string{
		"client.relay_url": "relay",
		"client.room":      "room",
		"client.user_id":   "user",
		"client.username":  "name",
		"client.call_kind": "kind",
		"client.duration":  "duration",
		"log_level":        "log-level",
	})
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	self, err := domain.NewUser(domain.UserID(cfg.Client.UserID), cfg.Client.Username)
	if err != nil {
		return err
	}
	self.Avatar = cfg.Client.Avatar
	kind, err := domain.ParseCallKind(cfg.Client.CallKind)
	if err != nil {
		return err
	}
	room := domain.Room{
		ID:      domain.RoomID(cfg.Client.Room),
		Kind:    kind,
		IsGroup: cfg.Client.IsGroup,
		GroupID: cfg.Client.GroupID,
	}

	factory, err := rtc.NewFactory(cfg.ICE)
	if err != nil {
		return err
	}
	relay := relayclient.New(relayclient.Options{
		URL:            cfg.Client.RelayURL,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		KeepAlive:      flagKeepAlive,
	})
	logger := log.With().Str("module", "callclient").Str("user", string(self.ID)).Logger()
	ended := make(chan domain.UserID, 1)
	ctrl := session.New(session.Config{Self: *self, NegotiationTimeout: cfg.Client.NegotiationTimeout},
		relay, &capture.Synthetic{DisplayAudio: flagShareAudio}, factory, session.Hooks{
			OnState: func(s session.State) { logger.Info().Str("state", string(s)).Msg("call state") },
			OnRoom: func(s replica.Snapshot) {
				sharer := ""
				if s.Sharer != nil {
					sharer = string(s.Sharer.UserID)
				}
				logger.Info().
					Int("participants", len(s.Participants)).
					Int("hands", len(s.RaisedHands)).
					Int("notes", len(s.Notes)).
					Str("sharer", sharer).
					Msg("room")
			},
			OnRemoteTrack: func(ch signaling.Channel, key peer.Key, track *webrtc.TrackRemote) {
				logger.Info().Str("channel", string(ch)).Str("from", string(key.User)).Str("kind", track.Kind().String()).Msg("remote track")
			},
			OnLinkState: func(ch signaling.Channel, key peer.Key, s peer.State) {
				logger.Debug().Str("channel", string(ch)).Str("sid", string(key.Transport)).Str("state", string(s)).Msg("link")
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("call error") },
			OnCallEnded: func(by domain.UserID) {
				select {
				case ended <- by:
				default:
				}
			},
		})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return drive(gctx, ctrl, room, cfg.Client.Duration, ended) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errDone) {
		return nil
	}
	return err
}

var errDone = errors.New("call finished")

var _ controls = (*session.Controller)(nil)

// drive joins the room, runs the startup and stdin commands and hangs up
// when the duration elapses, the caller ends the call or ctx ends.
func drive(ctx context.Context, ctrl *session.Controller, room domain.Room, d time.Duration, ended <-chan domain.UserID) error {
	if err := ctrl.Initiate(ctx, room); err != nil {
		return err
	}
	if err := waitActive(ctx, ctrl); err != nil {
		return err
	}
	for _, line := range startupCommands() {
		if err := command(ctx, ctrl, line); err != nil {
			log.Warn().Str("module", "callclient").Err(err).Str("cmd", line).Msg("startup command")
		}
	}

	var lines <-chan string
	if flagInteractive {
		lines = scanLines(ctx, os.Stdin)
	}
	var timeout <-chan time.Time
	if d > 0 {
		timeout = time.After(d)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case by := <-ended:
			log.Info().Str("module", "callclient").Str("by", string(by)).Msg("call ended by caller")
			return errDone
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch err := command(ctx, ctrl, line); {
			case errors.Is(err, errDone):
				return errDone
			case err != nil:
				log.Warn().Str("module", "callclient").Err(err).Msg("command")
			}
		case <-timeout:
			hangUp := "end"
			if flagEndForAll {
				hangUp = "end-all"
			}
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := command(endCtx, ctrl, hangUp); !errors.Is(err, errDone) {
				return err
			}
			return errDone
		}
	}
}

func waitActive(ctx context.Context, ctrl *session.Controller) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for ctrl.State() != session.StateActive {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
