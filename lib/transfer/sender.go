// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fluxdrive/fluxdrive/lib/transport"
)

// A Sender streams one file to the remote peer. The owner wires the
// adapter's inbound and drain callbacks to HandleFrame and HandleDrain,
// then calls Run. The sender does not own the adapter.
type Sender struct {
	adapter    transport.Adapter
	cfg        Config
	meta       Metadata
	src        io.Reader
	onProgress func(Progress)

	ackOnce sync.Once
	ack     chan struct{}

	finishOnce sync.Once
	done       chan struct{}
	outcome    error

	drain chan struct{}
}

// NewSender prepares a transfer of meta.FileSize bytes read from src. The
// metadata's TotalChunks is derived from the size and chunk size.
func NewSender(adapter transport.Adapter, meta Metadata, src io.Reader, cfg Config) *Sender {
	cfg = cfg.withDefaults()
	meta.TotalChunks = ChunkCount(meta.FileSize, cfg.ChunkSize)
	return &Sender{
		adapter: adapter,
		cfg:     cfg,
		meta:    meta,
		src:     src,
		ack:     make(chan struct{}),
		done:    make(chan struct{}),
		drain:   make(chan struct{}, 1),
	}
}

// OnProgress registers the progress callback. Must be called before Run.
func (s *Sender) OnProgress(fn func(Progress)) {
	s.onProgress = fn
}

// Run drives the transfer to completion and returns nil once the receiver
// confirmed success. It returns ErrCancelled on cancellation from either
// side and a *FailedError on receiver-reported failure.
func (s *Sender) Run(ctx context.Context) error {
	started := time.Now()

	bs, err := MarshalMetadata(s.meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := s.adapter.Send(ControlChannel, bs); err != nil {
		return fmt.Errorf("sending metadata: %w", err)
	}
	l.Debugln("sent metadata for", s.meta.TransferID, "awaiting ack")

	select {
	case <-s.ack:
	case <-s.done:
		return s.outcome
	case <-ctx.Done():
		return ctx.Err()
	}

	channels := s.adapter.Channels()
	if channels < 1 {
		return fmt.Errorf("no channels open")
	}

	hash := sha256.New()
	src := io.TeeReader(s.src, hash)
	buf := make([]byte, s.cfg.ChunkSize)
	total := s.meta.FileSize

	var index uint32
	var sent int64
	for sent < total {
		chunkLen := int64(s.cfg.ChunkSize)
		if remaining := total - sent; remaining < chunkLen {
			chunkLen = remaining
		}
		if _, err := io.ReadFull(src, buf[:chunkLen]); err != nil {
			reason := fmt.Sprintf("read error at chunk %d", index)
			s.sendControl(FrameTransferFailed, reason)
			return fmt.Errorf("reading chunk %d: %w", index, err)
		}

		if err := s.waitForBuffer(ctx); err != nil {
			return err
		}
		select {
		case <-s.done:
			return s.outcome
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame := MarshalChunk(index, buf[:chunkLen])
		if err := s.adapter.Send(int(index)%channels, frame); err != nil {
			return fmt.Errorf("sending chunk %d: %w", index, err)
		}
		index++
		sent += chunkLen

		// Report once per round across the channels, and at the end.
		if int(index)%channels == 0 || sent == total {
			s.report(progressAt(s.meta.TransferID, sent, total, started))
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if err := s.adapter.Send(ControlChannel, MarshalControl(FrameFileComplete, checksum)); err != nil {
		return fmt.Errorf("sending completion: %w", err)
	}
	l.Debugln("sent", index, "chunks for", s.meta.TransferID, "checksum", checksum)

	select {
	case <-s.done:
		return s.outcome
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForBuffer implements the sender side backpressure. When the aggregate
// buffered amount exceeds the high watermark we pause until a drain
// notification brings it below the low watermark.
func (s *Sender) waitForBuffer(ctx context.Context) error {
	if s.adapter.TotalBufferedAmount() < s.cfg.HighWatermark {
		return nil
	}
	l.Debugln("pausing", s.meta.TransferID, "on high watermark")
	for s.adapter.TotalBufferedAmount() > s.cfg.LowWatermark {
		select {
		case <-s.drain:
		case <-s.done:
			return s.outcome
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// HandleFrame processes an inbound frame. Only control frames are
// meaningful to the sender; everything else is ignored.
func (s *Sender) HandleFrame(_ int, payload []byte) {
	f, err := Unmarshal(payload)
	if err != nil {
		l.Debugln("sender: discarding frame:", err)
		return
	}
	switch f.Type {
	case FrameTransferAck:
		s.ackOnce.Do(func() { close(s.ack) })
	case FrameTransferSuccess:
		s.finish(nil)
	case FrameTransferFailed:
		s.finish(&FailedError{Reason: f.Text})
	case FrameTransferCancel:
		s.finish(ErrCancelled)
	}
}

// HandleDrain wakes a sender paused on backpressure.
func (s *Sender) HandleDrain(_ int, _ uint64) {
	select {
	case s.drain <- struct{}{}:
	default:
	}
}

// Cancel aborts the transfer locally and notifies the remote peer. Run
// returns ErrCancelled.
func (s *Sender) Cancel() {
	s.sendControl(FrameTransferCancel, s.meta.TransferID)
	s.finish(ErrCancelled)
}

func (s *Sender) finish(err error) {
	s.finishOnce.Do(func() {
		s.outcome = err
		close(s.done)
	})
}

func (s *Sender) sendControl(t FrameType, text string) {
	if err := s.adapter.Send(ControlChannel, MarshalControl(t, text)); err != nil {
		l.Debugln("sender: sending", t, "failed:", err)
	}
}

func (s *Sender) report(p Progress) {
	if s.onProgress != nil {
		s.onProgress(p)
	}
}
