// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is the payload size of a single chunk frame.
	DefaultChunkSize = 64 << 10
	// DefaultChannels is the recommended number of parallel channels.
	DefaultChannels = 4
	// DefaultHighWatermark pauses the sender when aggregate buffered
	// bytes exceed it; DefaultLowWatermark resumes it.
	DefaultHighWatermark = 16 << 20
	DefaultLowWatermark  = 4 << 20
)

// Config carries the transfer tunables. The zero value means defaults.
type Config struct {
	ChunkSize     int
	HighWatermark uint64
	LowWatermark  uint64
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = DefaultHighWatermark
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = DefaultLowWatermark
	}
	return c
}

// Progress is reported to the consumer as a transfer advances. Reports for
// one transfer are monotone non-decreasing in BytesTransferred.
type Progress struct {
	TransferID       string
	BytesTransferred int64
	TotalBytes       int64
	// Speed is the average rate in bytes per second since the transfer
	// started.
	Speed float64
}

func progressAt(id string, transferred, total int64, started time.Time) Progress {
	p := Progress{
		TransferID:       id,
		BytesTransferred: transferred,
		TotalBytes:       total,
	}
	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		p.Speed = float64(transferred) / elapsed
	}
	return p
}

// ErrCancelled is returned on either side when a transfer is cancelled
// locally or by the remote peer.
var ErrCancelled = errors.New("transfer cancelled")

// A FailedError carries the human-readable reason from a TRANSFER_FAILED
// frame, in either direction.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transfer failed: %s", e.Reason)
}
