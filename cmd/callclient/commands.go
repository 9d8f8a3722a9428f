package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/domain"
)

var errUnknownCommand = errors.New("unknown command")

// controls is the part of the session controller the command line drives.
type controls interface {
	ToggleMute(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleHand(ctx context.Context) (bool, error)
	LowerAllHands(ctx context.Context) error
	StartShare(ctx context.Context) error
	StopShare(ctx context.Context) error
	AddNote(ctx context.Context, content string) (domain.Note, error)
	EndCall(ctx context.Context) error
	EndForEveryone(ctx context.Context) error
}

const commandHelp = "mute | video | hand | lower | share | unshare | note <text> | end | end-all"

// command runs one line such as "mute" or "note agenda". It returns errDone
// once the line hung up.
func command(ctx context.Context, c controls, line string) error {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	logger := log.With().Str("module", "callclient").Str("cmd", verb).Logger()
	switch strings.ToLower(verb) {
	case "":
		return nil
	case "mute":
		muted, err := c.ToggleMute(ctx)
		if err != nil {
			return err
		}
		logger.Info().Bool("muted", muted).Msg("audio toggled")
	case "video":
		off, err := c.ToggleVideo(ctx)
		if err != nil {
			return err
		}
		logger.Info().Bool("video_off", off).Msg("video toggled")
	case "hand":
		raised, err := c.ToggleHand(ctx)
		if err != nil {
			return err
		}
		logger.Info().Bool("raised", raised).Msg("hand toggled")
	case "lower":
		return c.LowerAllHands(ctx)
	case "share":
		return c.StartShare(ctx)
	case "unshare":
		return c.StopShare(ctx)
	case "note":
		n, err := c.AddNote(ctx, arg)
		if err != nil {
			return err
		}
		logger.Info().Str("note", n.ID).Msg("note added")
	case "end":
		if err := c.EndCall(ctx); err != nil {
			return err
		}
		return errDone
	case "end-all":
		if err := c.EndForEveryone(ctx); err != nil {
			return err
		}
		return errDone
	default:
		return fmt.Errorf("%w %q, try: %s", errUnknownCommand, verb, commandHelp)
	}
	return nil
}

// startupCommands turns the one-shot flags into the lines run right after
// joining.
func startupCommands() []string {
	var out []string
	if flagMute {
		out = append(out, "mute")
	}
	if flagVideoOff {
		out = append(out, "video")
	}
	if flagRaiseHand {
		out = append(out, "hand")
	}
	if flagNote != "" {
		out = append(out, "note "+flagNote)
	}
	if flagShare {
		out = append(out, "share")
	}
	return out
}

// scanLines feeds r line by line until it ends or ctx does.
func scanLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
