// Package client implements a reconnecting subscriber for the pulse event
// stream. Delivery on the stream is best-effort, so after every
// (re)connect the caller's reconcile hook runs and should refetch full
// state rather than trust event continuity.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"pulse/hub"
)

// ErrGaveUp is returned when the reconnect attempt budget is exhausted.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// Options configure the subscriber.
type Options struct {
	URL         string        // ws:// or wss:// endpoint
	Channels    []string      // channels to subscribe beyond the defaults
	MaxAttempts int           // consecutive failed connects before giving up, default 8
	BaseBackoff time.Duration // first retry delay, default 1s
	MaxBackoff  time.Duration // backoff cap, default 30s

	// OnEvent receives every server event except ping (answered
	// internally).
	OnEvent func(hub.Event)

	// OnConnect runs after every successful connect, initial included.
	// Reconcile cached state here.
	OnConnect func()
}

// Client maintains a subscription across connection drops with capped
// exponential backoff.
type Client struct {
	opts Options
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{opts: opts}, nil
}

// Run connects and consumes events until ctx is cancelled or the attempt
// budget runs out.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= c.opts.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, err)
			}
			delay := Backoff(c.opts.BaseBackoff, c.opts.MaxBackoff, attempts)
			log.Printf("client: connect failed (attempt %d): %v, retrying in %s", attempts, err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempts = 0

		c.subscribe(conn)
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}

		err = c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("client: connection lost: %v", err)
	}
}

// Backoff returns the capped exponential delay for the given attempt
// number (1-based).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	return conn, err
}

func (c *Client) subscribe(conn *websocket.Conn) {
	for _, ch := range c.opts.Channels {
		msg, _ := json.Marshal(map[string]string{"type": "subscribe", "channel": ch})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock reads when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt hub.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}

		if evt.Type == hub.EventPing {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return err
			}
			continue
		}

		if c.opts.OnEvent != nil {
			c.opts.OnEvent(evt)
		}
	}
}
