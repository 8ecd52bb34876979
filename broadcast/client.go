// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

// client is one websocket connection subscribed to the active poller.
// writePump is the only goroutine writing data frames; close frames go
// through WriteControl, which gorilla allows concurrently.
type client struct {
	conn   *websocket.Conn
	opts   Options
	send   chan []byte
	gone   chan struct{} // closed when the transport fails or the client falls behind
	stop   chan struct{} // closed to end writePump
	goneMu sync.Once
	stopMu sync.Once
	wg     sync.WaitGroup
}

func newClient(conn *websocket.Conn, opts Options) *client {
	return &client{
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		gone: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// listener returns the poller callback feeding this client.
func (c *client) listener() monitoring.Listener {
	return func(r monitoring.Reading) error {
		select {
		case <-c.gone:
			return errors.ErrConnectionClosed
		default:
		}

		data, err := c.opts.Format.Encode(r)
		if err != nil {
			c.markGone()
			return err
		}

		select {
		case c.send <- data:
			return nil
		default:
			c.markGone()
			return errors.ErrClientTooSlow
		}
	}
}

func (c *client) markGone() {
	c.goneMu.Do(func() { close(c.gone) })
}

func (c *client) start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// close sends a close frame with code and reason, then tears the connection down.
func (c *client) close(code int, reason string) {
	c.stopMu.Do(func() { close(c.stop) })
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	_ = c.conn.Close()
	c.wg.Wait()
}

func (c *client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug().Err(err).Msg("Websocket write failed")
				c.markGone()
				return
			}
			metrics.WebSocketMessagesSent.Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markGone()
				return
			}
		}
	}
}

// readPump consumes control frames and notices disconnects. Clients are not
// expected to send anything.
func (c *client) readPump() {
	defer c.wg.Done()
	defer c.markGone()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
