package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// wsConn adapts one gorilla WebSocket connection to the registry's Conn
// interface: a non-blocking Enqueue feeding a single writer goroutine.
//
// All writes to the socket (events, pings, close frames) serialize on
// writeMu; gorilla connections support one concurrent writer only.
type wsConn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	queue   *eventQueue
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, queueEvents int, log *slog.Logger) *wsConn {
	return &wsConn{
		ws:    ws,
		log:   log,
		queue: newEventQueue(queueEvents),
		done:  make(chan struct{}),
	}
}

func (c *wsConn) Enqueue(ev protocol.Event) bool {
	return c.queue.Enqueue(ev)
}

// Close tears the connection down from the registry side (e.g. when a newer
// connection replaces this one). The read loop observes the socket error and
// unwinds.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"),
			time.Now().Add(wsWriteWait))
		_ = c.ws.Close()
		c.writeMu.Unlock()
	})
}

// shutdown closes the queue and socket without sending a close frame; used
// when the read loop exits because the peer already went away.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		_ = c.ws.Close()
	})
}

// writeEvent writes ev directly, bypassing the queue. Used during the
// handshake before the writer goroutine starts.
func (c *wsConn) writeEvent(ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// writeLoop drains the queue onto the socket until the queue closes or a
// write fails.
func (c *wsConn) writeLoop() {
	for {
		ev, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		if err := c.writeEvent(ev); err != nil {
			c.log.Debug("event write failed", "err", err)
			c.shutdown()
			return
		}
	}
}

// pingLoop keeps intermediaries from reaping the idle connection and gives
// the read deadline something to extend via the pong handler.
func (c *wsConn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		}
	}
}
