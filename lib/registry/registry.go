// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registry tracks live peer connections. It is the single source of
// truth for presence.
package registry

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// A Connection is the registry's handle on an attached socket. Supersede is
// called outside the registry's internal locking and must not call back into
// the registry.
type Connection interface {
	// ID uniquely identifies this socket, as opposed to the user. A user
	// reconnecting gets a new connection ID.
	ID() string
	// Supersede asks the connection to close because a newer socket for
	// the same user has been registered.
	Supersede()
}

// Registry maps user ids to their single live connection. Operations on the
// same user id are linearizable.
type Registry struct {
	conns *xsync.MapOf[string, Connection]
}

func New() *Registry {
	return &Registry{
		conns: xsync.NewMapOf[string, Connection](),
	}
}

// Register attaches conn as the live connection for userID. If a previous
// connection exists it is superseded (closed with a going-away status) and
// returned.
func (r *Registry) Register(userID string, conn Connection) (prev Connection) {
	r.conns.Compute(userID, func(old Connection, loaded bool) (Connection, bool) {
		if loaded && old.ID() != conn.ID() {
			prev = old
		}
		return conn, false
	})
	if prev != nil {
		l.Debugln("superseding connection for", userID)
		prev.Supersede()
	}
	return prev
}

// Unregister removes the connection for userID, but only if the registered
// connection is the given one. A stale unregister from a superseded socket
// must not evict its successor. Returns whether a removal happened.
func (r *Registry) Unregister(userID string, conn Connection) bool {
	removed := false
	r.conns.Compute(userID, func(old Connection, loaded bool) (Connection, bool) {
		if loaded && old.ID() == conn.ID() {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (Connection, bool) {
	return r.conns.Load(userID)
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.conns.Load(userID)
	return ok
}

// UserIDs returns the ids of all currently connected users.
func (r *Registry) UserIDs() []string {
	var ids []string
	r.conns.Range(func(id string, _ Connection) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return r.conns.Size()
}
