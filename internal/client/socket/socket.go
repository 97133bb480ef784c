// Package socket is the client side of the signaling WebSocket: it dials
// /rtc/ws, authenticates, and turns the wire stream into a typed event
// channel. Reconnection is the caller's concern.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

const writeWait = 5 * time.Second

type Options struct {
	// TokenInFirstMessage sends the token as an auth event after the upgrade
	// instead of in the query string (keeps it out of access logs).
	TokenInFirstMessage bool

	// EventBuffer is the capacity of the inbound event channel. Zero means a
	// small default.
	EventBuffer int

	Logger *slog.Logger
}

// Client is one authenticated signaling connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	userID      string
	displayName string

	writeMu sync.Mutex

	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
}

// Dial connects to the signaling service at baseURL (e.g. "ws://host:4100"),
// authenticates with token, and waits for the auth:ok handshake.
func Dial(ctx context.Context, baseURL, token string, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + "/rtc/ws"
	if !opts.TokenInFirstMessage {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{conn: conn, log: log, done: make(chan struct{})}

	if opts.TokenInFirstMessage {
		if err := c.write(protocol.Event{Type: protocol.EventTypeAuth, Token: token}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send auth: %w", err)
		}
	}

	// The first server event is auth:ok or an error followed by a close.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	ev, err := protocol.ParseEvent(msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	switch ev.Type {
	case protocol.EventTypeAuthOK:
	case protocol.EventTypeError:
		conn.Close()
		return nil, fmt.Errorf("authentication failed: %s (%s)", ev.Message, ev.Code)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake event %q", ev.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.userID = ev.UserID
	c.displayName = ev.DisplayName

	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 32
	}
	c.events = make(chan protocol.Event, buf)
	go c.readLoop()
	return c, nil
}

func (c *Client) UserID() string      { return c.userID }
func (c *Client) DisplayName() string { return c.displayName }

// Events is the inbound event stream. The channel closes when the connection
// dies; Err then reports why.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Emit sends one event to the server.
func (c *Client) Emit(ev protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return c.write(ev)
}

func (c *Client) write(ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		ev, err := protocol.ParseEvent(msg)
		if err != nil {
			c.log.Warn("dropping undecodable server event", "err", err)
			continue
		}
		// Block rather than drop: a lost call:accepted or call:ended wedges
		// the call machine. A slow consumer backpressures through TCP; the
		// done channel keeps Close from leaking this goroutine.
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
