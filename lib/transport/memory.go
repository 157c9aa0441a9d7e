// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Adapter. Pipe returns two connected ends; frames
// sent on channel i of one end are delivered in order to channel i of the
// other. It models per-channel buffering so backpressure behavior can be
// exercised without a network.
type Memory struct {
	peer *Memory

	lowWatermark uint64

	mut      sync.Mutex
	queues   []chan []byte
	buffered []uint64
	total    atomic.Uint64
	closed   bool

	onChannelOpen   func(int)
	onChannelClose  func(int)
	onInbound       func(int, []byte)
	onBufferDrained func(int, uint64)
	onStateChange   func(State, error)

	// SendHook, if set, intercepts outbound frames. Returning nil drops
	// the frame; returning a different slice substitutes it. Used by
	// tests to corrupt or discard traffic in flight.
	SendHook func(channel int, payload []byte) []byte
}

const memQueueLen = 1024

var errMemoryClosed = errors.New("memory transport closed")

// Pipe creates a connected pair of in-memory adapters with the given drain
// threshold.
func Pipe(lowWatermark uint64) (*Memory, *Memory) {
	a := &Memory{lowWatermark: lowWatermark}
	b := &Memory{lowWatermark: lowWatermark}
	a.peer = b
	b.peer = a
	return a, b
}

func (m *Memory) OpenChannels(n int, _ string) error {
	m.mut.Lock()
	m.queues = make([]chan []byte, n)
	m.buffered = make([]uint64, n)
	for i := range m.queues {
		m.queues[i] = make(chan []byte, memQueueLen)
		go m.pump(i, m.queues[i])
	}
	openFn := m.onChannelOpen
	m.mut.Unlock()

	// The remote side mirrors the channel count so it can send replies.
	m.peer.mirrorChannels(n)

	if openFn != nil {
		for i := 0; i < n; i++ {
			openFn(i)
		}
	}
	if fn := m.stateFn(); fn != nil {
		fn(StateConnected, nil)
	}
	return nil
}

func (m *Memory) mirrorChannels(n int) {
	m.mut.Lock()
	if m.queues != nil {
		m.mut.Unlock()
		return
	}
	m.mut.Unlock()
	m.OpenChannels(n, "")
}

// pump delivers queued frames to the peer, preserving per-channel order.
func (m *Memory) pump(channel int, queue chan []byte) {
	for payload := range queue {
		if payload == nil {
			return
		}
		m.peer.deliver(channel, payload)

		m.mut.Lock()
		m.buffered[channel] -= uint64(len(payload))
		buffered := m.buffered[channel]
		drainFn := m.onBufferDrained
		m.mut.Unlock()
		total := m.total.Add(^uint64(len(payload) - 1))

		if drainFn != nil && buffered*uint64(len(m.buffered)) < m.lowWatermark {
			drainFn(channel, total)
		}
	}
}

func (m *Memory) deliver(channel int, payload []byte) {
	if fn := m.inboundFn(); fn != nil {
		fn(channel, payload)
	}
}

func (m *Memory) Channels() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.queues)
}

func (m *Memory) Send(channel int, payload []byte) error {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return errMemoryClosed
	}
	if channel < 0 || channel >= len(m.queues) {
		m.mut.Unlock()
		return errChannelRange
	}
	queue := m.queues[channel]
	hook := m.SendHook
	m.mut.Unlock()

	frame := make([]byte, len(payload))
	copy(frame, payload)
	if hook != nil {
		frame = hook(channel, frame)
		if frame == nil {
			return nil
		}
	}

	m.mut.Lock()
	m.buffered[channel] += uint64(len(frame))
	m.mut.Unlock()
	m.total.Add(uint64(len(frame)))

	queue <- frame
	return nil
}

func (m *Memory) BufferedAmount(channel int) uint64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	if channel < 0 || channel >= len(m.buffered) {
		return 0
	}
	return m.buffered[channel]
}

func (m *Memory) TotalBufferedAmount() uint64 {
	return m.total.Load()
}

func (m *Memory) OnChannelOpen(fn func(int))           { m.mut.Lock(); m.onChannelOpen = fn; m.mut.Unlock() }
func (m *Memory) OnChannelClose(fn func(int))          { m.mut.Lock(); m.onChannelClose = fn; m.mut.Unlock() }
func (m *Memory) OnInbound(fn func(int, []byte))       { m.mut.Lock(); m.onInbound = fn; m.mut.Unlock() }
func (m *Memory) OnBufferDrained(fn func(int, uint64)) { m.mut.Lock(); m.onBufferDrained = fn; m.mut.Unlock() }
func (m *Memory) OnStateChange(fn func(State, error))  { m.mut.Lock(); m.onStateChange = fn; m.mut.Unlock() }

func (m *Memory) inboundFn() func(int, []byte) { m.mut.Lock(); defer m.mut.Unlock(); return m.onInbound }
func (m *Memory) stateFn() func(State, error)  { m.mut.Lock(); defer m.mut.Unlock(); return m.onStateChange }

func (m *Memory) Close() error {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return nil
	}
	m.closed = true
	queues := m.queues
	closeFn := m.onChannelClose
	stateFn := m.onStateChange
	m.mut.Unlock()

	for i, q := range queues {
		q <- nil // stop the pump
		if closeFn != nil {
			closeFn(i)
		}
	}
	if stateFn != nil {
		stateFn(StateDisconnected, nil)
	}
	return nil
}
