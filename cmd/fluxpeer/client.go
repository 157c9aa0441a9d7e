// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fluxdrive/fluxdrive/lib/hub"
)

// hubClient is a thin signaling client. A single reader goroutine pumps
// inbound messages into a channel; writes are serialized by a mutex.
type hubClient struct {
	ws     *websocket.Conn
	selfID string

	writeMut sync.Mutex

	inbound chan hub.Message
	readErr error
	closed  chan struct{}
}

// dialHub connects and authenticates against the hub, consuming the hello.
func dialHub(ctx context.Context, hubURL, token string) (*hubClient, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parsing hub URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}

	var hello hub.Message
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if hello.Type != hub.TypeConnected {
		ws.Close()
		return nil, fmt.Errorf("unexpected hello message %q", hello.Type)
	}
	l.Debugln("connected to hub as", hello.UserID)

	c := &hubClient{
		ws:      ws,
		selfID:  hello.UserID,
		inbound: make(chan hub.Message, 64),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *hubClient) readLoop() {
	defer close(c.inbound)
	for {
		var msg hub.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.readErr = err
			return
		}
		if msg.Type == hub.TypePong {
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *hubClient) send(msg hub.Message) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.ws.WriteJSON(msg)
}

// next returns the next inbound message.
func (c *hubClient) next(ctx context.Context) (hub.Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			if c.readErr != nil {
				return hub.Message{}, fmt.Errorf("hub connection lost: %w", c.readErr)
			}
			return hub.Message{}, errors.New("hub connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return hub.Message{}, ctx.Err()
	}
}

// await reads until a message of one of the wanted types arrives. Error
// messages from the hub terminate the wait; anything else is skipped.
func (c *hubClient) await(ctx context.Context, types ...string) (hub.Message, error) {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return hub.Message{}, err
		}
		if msg.Type == hub.TypeError {
			return hub.Message{}, errors.New(msg.Message)
		}
		for _, t := range types {
			if msg.Type == t {
				return msg, nil
			}
		}
		l.Debugln("skipping", msg.Type, "while waiting for", types)
	}
}

func (c *hubClient) close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.ws.Close()
}
