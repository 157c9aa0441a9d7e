// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session maintains the table of peer-to-peer sessions brokered by
// the hub. The table is in memory only; a hub restart drops live sessions
// and clients renegotiate.
package session

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StatePending State = iota
	StateAccepted
	StateConnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrBadTransition = errors.New("transition does not match session state")
)

// A FileHint is the optional file descriptor carried through from the
// session request, informational only.
type FileHint struct {
	Name string
	Size int64
	Type string
}

type Session struct {
	ID        string
	Initiator string
	Responder string
	State     State
	Created   time.Time
	File      *FileHint
}

// Other returns the other party of the session, or "" if userID is not a
// party at all.
func (s *Session) Other(userID string) string {
	switch userID {
	case s.Initiator:
		return s.Responder
	case s.Responder:
		return s.Initiator
	default:
		return ""
	}
}

// Table holds the live sessions. All mutations go through the lifecycle
// methods; transitions that do not match the current state fail with
// ErrBadTransition.
type Table struct {
	mut      sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a new pending session.
func (t *Table) Create(id, initiator, responder string, file *FileHint) (*Session, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if _, ok := t.sessions[id]; ok {
		return nil, ErrExists
	}
	s := &Session{
		ID:        id,
		Initiator: initiator,
		Responder: responder,
		State:     StatePending,
		Created:   time.Now(),
		File:      file,
	}
	t.sessions[id] = s
	l.Debugln("created session", id, initiator, "->", responder)
	return s, nil
}

// Accept transitions a pending session to accepted.
func (t *Table) Accept(id string) (*Session, error) {
	return t.transition(id, StatePending, StateAccepted)
}

// Ready transitions an accepted session to connected.
func (t *Table) Ready(id string) (*Session, error) {
	return t.transition(id, StateAccepted, StateConnected)
}

func (t *Table) transition(id string, from, to State) (*Session, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != from {
		return nil, ErrBadTransition
	}
	s.State = to
	l.Debugln("session", id, from, "->", to)
	return s, nil
}

// Remove deletes the session regardless of state, returning it. Used for
// reject and close, which are terminal from any state.
func (t *Table) Remove(id string) (*Session, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(t.sessions, id)
	l.Debugln("removed session", id)
	return s, nil
}

// Get returns the session, if present.
func (t *Table) Get(id string) (*Session, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// PurgePeer removes every session in which userID participates and returns
// the removed sessions, so the hub can notify the surviving parties.
func (t *Table) PurgePeer(userID string) []*Session {
	t.mut.Lock()
	defer t.mut.Unlock()

	var purged []*Session
	for id, s := range t.sessions {
		if s.Initiator == userID || s.Responder == userID {
			delete(t.sessions, id)
			purged = append(purged, s)
		}
	}
	if len(purged) > 0 {
		l.Debugln("purged", len(purged), "sessions for", userID)
	}
	return purged
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.sessions)
}
