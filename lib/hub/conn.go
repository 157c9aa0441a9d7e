// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fluxdrive/fluxdrive/lib/config"
	"github.com/fluxdrive/fluxdrive/lib/directory"
)

// maxMessageSize bounds inbound control messages. Signaling blobs are a few
// kilobytes; anything near this limit is abuse.
const maxMessageSize = 256 << 10

// A conn is one authenticated socket. The reader goroutine owns the socket
// for reads; all writes go through the send channel and the single writer
// goroutine, so the hub never blocks on a slow consumer.
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	id      string
	user    directory.Identity
	cfg     config.HubConfiguration
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn, user directory.Identity, cfg config.HubConfiguration) *conn {
	return &conn{
		hub:     h,
		ws:      ws,
		id:      uuid.NewString(),
		user:    user,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendQueueLen),
		limiter: rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		closed:  make(chan struct{}),
	}
}

// ID implements registry.Connection.
func (c *conn) ID() string { return c.id }

// Supersede implements registry.Connection: a newer socket for the same
// user took over, close this one with a going-away status.
func (c *conn) Supersede() {
	c.shutdown(websocket.CloseGoingAway, "superseded by a newer connection")
}

// enqueue queues a message for the writer goroutine. A consumer too slow to
// drain its queue is disconnected rather than allowed to stall the hub.
func (c *conn) enqueue(msg Message) {
	bs, err := json.Marshal(msg)
	if err != nil {
		l.Warnln("marshalling", msg.Type, "message:", err)
		return
	}
	select {
	case c.send <- bs:
	case <-c.closed:
	default:
		l.Infoln("dropping slow consumer", c.user.UserID)
		c.shutdown(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

func (c *conn) sendError(message string) {
	c.enqueue(Message{Type: TypeError, Message: message})
}

// shutdown sends a close frame with the given code and tears the socket
// down, at most once.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			l.Debugln("writing close frame to", c.user.UserID+":", err)
		}
		c.ws.Close()
	})
}

// writeLoop is the only goroutine writing data frames to the socket. It
// also drives the server side liveness probe.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case bs := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, bs); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop processes inbound messages until the socket dies. Messages from
// one peer are handled in arrival order.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			l.Debugln("read from", c.user.UserID, "failed:", err)
			c.shutdown(websocket.CloseNormalClosure, "")
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.hub.dispatch(c, raw)
	}
}
