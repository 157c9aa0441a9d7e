// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeConn struct {
	id         string
	superseded atomic.Bool
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Supersede() { c.superseded.Store(true) }

func TestRegisterLookup(t *testing.T) {
	r := New()
	c := &fakeConn{id: "c1"}

	if prev := r.Register("alice", c); prev != nil {
		t.Fatalf("unexpected previous connection %v", prev)
	}
	if !r.IsOnline("alice") {
		t.Error("alice should be online")
	}
	if got, ok := r.Lookup("alice"); !ok || got.ID() != "c1" {
		t.Errorf("lookup returned %v, %v", got, ok)
	}
	if r.IsOnline("bob") {
		t.Error("bob should not be online")
	}
	if r.Len() != 1 {
		t.Errorf("len %d, expected 1", r.Len())
	}
}

func TestRegisterSupersedes(t *testing.T) {
	r := New()
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	r.Register("alice", c1)
	prev := r.Register("alice", c2)

	if prev == nil || prev.ID() != "c1" {
		t.Fatalf("expected c1 to be returned as superseded, got %v", prev)
	}
	if !c1.superseded.Load() {
		t.Error("c1 was not asked to supersede")
	}
	if got, _ := r.Lookup("alice"); got.ID() != "c2" {
		t.Errorf("registry holds %s, expected c2", got.ID())
	}
}

func TestStaleUnregisterIsNoop(t *testing.T) {
	r := New()
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	r.Register("alice", c1)
	r.Register("alice", c2)

	// The superseded socket's deferred cleanup runs after the successor
	// registered. It must not evict the successor.
	if r.Unregister("alice", c1) {
		t.Error("stale unregister reported removal")
	}
	if !r.IsOnline("alice") {
		t.Error("alice went offline after stale unregister")
	}

	if !r.Unregister("alice", c2) {
		t.Error("current unregister reported no removal")
	}
	if r.IsOnline("alice") {
		t.Error("alice still online after unregister")
	}
}

func TestRegistryUniquenessUnderContention(t *testing.T) {
	r := New()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c%d", i)}
			r.Register("alice", c)
			r.Unregister("alice", c)
		}(i)
	}
	wg.Wait()

	// Every registration was matched with an unregister; at most the map
	// may be empty, never hold more than one entry for the user.
	if n := r.Len(); n > 1 {
		t.Errorf("registry holds %d connections for one user", n)
	}
}
