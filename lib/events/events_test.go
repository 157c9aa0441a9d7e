// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package events

import (
	"testing"
	"time"
)

const timeout = 100 * time.Millisecond

func TestSubscriber(t *testing.T) {
	l := NewLogger()

	s := l.Subscribe(PeerConnected)
	defer l.Unsubscribe(s)
	l.Log(PeerConnected, "alice")

	ev, err := s.Poll(timeout)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if ev.Type != PeerConnected {
		t.Error("incorrect event type", ev.Type)
	}
	if ev.Data.(string) != "alice" {
		t.Error("incorrect data", ev.Data)
	}
}

func TestMaskFiltering(t *testing.T) {
	l := NewLogger()

	s := l.Subscribe(SessionRequested | SessionClosed)
	defer l.Unsubscribe(s)

	l.Log(PeerConnected, "ignored")
	l.Log(SessionClosed, "S1")

	ev, err := s.Poll(timeout)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if ev.Type != SessionClosed {
		t.Error("filtered event leaked through:", ev.Type)
	}

	if _, err := s.Poll(timeout); err != ErrTimeout {
		t.Fatal("unexpected non-timeout:", err)
	}
}

func TestTimeout(t *testing.T) {
	l := NewLogger()
	s := l.Subscribe(AllEvents)
	defer l.Unsubscribe(s)

	if _, err := s.Poll(timeout); err != ErrTimeout {
		t.Fatal("unexpected non-timeout:", err)
	}
}

func TestIDs(t *testing.T) {
	l := NewLogger()
	s := l.Subscribe(AllEvents)
	defer l.Unsubscribe(s)

	l.Log(PeerConnected, "a")
	l.Log(PeerDisconnected, "a")

	ev, err := s.Poll(timeout)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if ev.SubscriptionID != 1 {
		t.Error("first subscription id should be 1, not", ev.SubscriptionID)
	}
	prev := ev.GlobalID

	ev, err = s.Poll(timeout)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if ev.SubscriptionID != 2 {
		t.Error("second subscription id should be 2, not", ev.SubscriptionID)
	}
	if ev.GlobalID <= prev {
		t.Error("global ids must increase:", ev.GlobalID, "after", prev)
	}
}

func TestBufferOverflow(t *testing.T) {
	l := NewLogger()
	s := l.Subscribe(AllEvents)
	defer l.Unsubscribe(s)

	// Nothing drains the subscription; the logger must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < BufferSize*2; i++ {
			l.Log(PeerConnected, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logging blocked on a slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	l := NewLogger()
	s := l.Subscribe(AllEvents)

	l.Log(PeerConnected, "a")
	if _, err := s.Poll(timeout); err != nil {
		t.Fatal("unexpected error:", err)
	}

	l.Unsubscribe(s)
	l.Log(PeerConnected, "a")

	if _, err := s.Poll(timeout); err != ErrClosed {
		t.Fatal("unexpected non-closed error:", err)
	}
}
