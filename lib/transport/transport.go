// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport abstracts the ordered reliable datagram channels that
// the transfer protocol runs on. The WebRTC implementation is the only
// place in the system that knows about the underlying peer connection
// library.
package transport

// State describes the peer link as a whole.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// An Adapter exposes N parallel ordered reliable binary channels. Channel 0
// carries control frames; the rest carry bulk data. Callbacks must be set
// before OpenChannels and are invoked from the adapter's own goroutines.
//
// The transfer protocol holds the adapter as a plain handle; the adapter
// outlives any single transfer and is closed by its owner, never by the
// protocol.
type Adapter interface {
	// OpenChannels creates n channels labeled labelPrefix-0 … labelPrefix-(n-1).
	OpenChannels(n int, labelPrefix string) error
	// Channels returns the number of channels opened.
	Channels() int
	// Send enqueues a binary frame on the given channel.
	Send(channel int, payload []byte) error
	// BufferedAmount returns the bytes queued but not yet handed to the
	// network on one channel; TotalBufferedAmount aggregates all channels.
	BufferedAmount(channel int) uint64
	TotalBufferedAmount() uint64

	OnChannelOpen(fn func(channel int))
	OnChannelClose(fn func(channel int))
	OnInbound(fn func(channel int, payload []byte))
	// OnBufferDrained fires when a channel's queue has drained below its
	// low threshold; the argument is the new aggregate buffered amount.
	OnBufferDrained(fn func(channel int, buffered uint64))
	OnStateChange(fn func(state State, err error))

	Close() error
}
