// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality for
// the signaling hub and transfer endpoints.
package events

import (
	"errors"
	"sync"
	"time"
)

type EventType int

const (
	PeerConnected EventType = 1 << iota
	PeerDisconnected
	PeerSuperseded
	FriendAdded
	SessionRequested
	SessionAccepted
	SessionConnected
	SessionClosed
	TransferStarted
	TransferCompleted
	TransferFailed

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case PeerConnected:
		return "PeerConnected"
	case PeerDisconnected:
		return "PeerDisconnected"
	case PeerSuperseded:
		return "PeerSuperseded"
	case FriendAdded:
		return "FriendAdded"
	case SessionRequested:
		return "SessionRequested"
	case SessionAccepted:
		return "SessionAccepted"
	case SessionConnected:
		return "SessionConnected"
	case SessionClosed:
		return "SessionClosed"
	case TransferStarted:
		return "TransferStarted"
	case TransferCompleted:
		return "TransferCompleted"
	case TransferFailed:
		return "TransferFailed"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// BufferSize is the capacity of each subscription's event channel. Events
// beyond this are dropped for slow subscribers.
const BufferSize = 64

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions.
	GlobalID int       `json:"globalID"`
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	Data     any       `json:"data"`
}

type Subscription struct {
	mask   EventType
	events chan Event
}

type Logger struct {
	mut          sync.Mutex
	subs         []*Subscription
	nextSubIDs   []int
	nextGlobalID int
}

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

func NewLogger() *Logger {
	return &Logger{}
}

// Log emits an event to all subscriptions whose mask includes t. Slow
// subscribers whose buffers are full miss the event.
func (l *Logger) Log(t EventType, data any) {
	l.mut.Lock()
	defer l.mut.Unlock()

	dl.Debugln("log", l.nextGlobalID, t, data)
	l.nextGlobalID++

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}

	for i, s := range l.subs {
		if s.mask&t != 0 {
			e.SubscriptionID = l.nextSubIDs[i]
			l.nextSubIDs[i]++

			select {
			case s.events <- e:
			default:
				// if s.events is not ready, drop the event
			}
		}
	}
}

func (l *Logger) Subscribe(mask EventType) *Subscription {
	l.mut.Lock()
	defer l.mut.Unlock()

	dl.Debugln("subscribe", mask)
	s := &Subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
	}
	l.subs = append(l.subs, s)
	l.nextSubIDs = append(l.nextSubIDs, 1)
	return s
}

func (l *Logger) Unsubscribe(s *Subscription) {
	l.mut.Lock()
	defer l.mut.Unlock()

	dl.Debugln("unsubscribe")
	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1

			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]

			l.nextSubIDs[i] = l.nextSubIDs[last]
			l.nextSubIDs = l.nextSubIDs[:last]

			close(s.events)
			return
		}
	}
}

// Poll returns an event from the subscription or an error if the poll times
// out or the event channel is closed. Poll should not be called concurrently
// from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	dl.Debugln("poll", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

func (s *Subscription) C() <-chan Event {
	return s.events
}
