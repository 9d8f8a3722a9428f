// Package relayclient is the participant side of the signaling websocket.
package relayclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	maxBackoff   = 30 * time.Second
	eventsBuffer = 64
)

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	// KeepAlive sends an application ping at this interval; zero disables it.
	KeepAlive time.Duration
	Header    http.Header
	Dialer    *websocket.Dialer
}

// Client keeps one websocket to the relay open and redials when it drops.
// Every successful dial yields a fresh Welcome on Events.
type Client struct {
	opts   Options
	events chan signaling.Event
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ core.Relay = (*Client)(nil)

func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		events: make(chan signaling.Event, eventsBuffer),
		logger: log.With().Str("module", "relayclient").Str("url", opts.URL).Logger(),
	}
}

// Events is closed when Run returns.
func (c *Client) Events() <-chan signaling.Event { return c.events }

// Send writes msg on the current connection. Between connections it fails
// with core.ErrRelayDisconnected.
func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	data, err := signaling.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return core.ErrRelayDisconnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write %s: %w", msg.Type, err)
	}
	return nil
}

// Run dials and reads until ctx ends. Dial failures back off exponentially,
// starting from ReconnectDelay.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	delay := c.opts.ReconnectDelay
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.opts.ReconnectDelay
		}
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("relay connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if !connected {
			delay = min(delay*2, maxBackoff)
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	c.logger.Info().Msg("relay connected")

	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	if c.opts.KeepAlive > 0 {
		go c.keepAlive(ctx, done)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		msg, err := signaling.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		ev, err := signaling.Decode(msg)
		if err != nil {
			c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("undecodable relay message")
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(ctx, signaling.Message{Type: signaling.TypePing}); err != nil {
				c.logger.Debug().Err(err).Msg("keepalive")
				return
			}
		}
	}
}
