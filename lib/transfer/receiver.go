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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// A Receiver collects one file from the remote peer, verifies it against
// the declared checksum and persists it to a scratch directory. The owner
// wires the adapter's inbound callback to HandleFrame, then calls Wait.
// The receiver sends its replies (ack, success, failure) through the
// adapter given at construction; it does not own the adapter.
type Receiver struct {
	adapter    controlSender
	scratchDir string
	onProgress func(Progress)

	mut      sync.Mutex
	meta     *Metadata
	chunks   map[uint32][]byte
	received int64
	started  time.Time

	finishOnce sync.Once
	done       chan struct{}
	outcome    error
	path       string
}

// controlSender is the slice of the transport the receiver needs: replies
// go on the control channel only.
type controlSender interface {
	Send(channel int, payload []byte) error
}

func NewReceiver(adapter controlSender, scratchDir string) *Receiver {
	return &Receiver{
		adapter:    adapter,
		scratchDir: scratchDir,
		chunks:     make(map[uint32][]byte),
		done:       make(chan struct{}),
	}
}

// OnProgress registers the progress callback. Must be called before frames
// arrive.
func (r *Receiver) OnProgress(fn func(Progress)) {
	r.onProgress = fn
}

// Wait blocks until the transfer reaches a terminal state and returns the
// path of the reassembled file on success.
func (r *Receiver) Wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.path, r.outcome
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleFrame processes one inbound frame from any channel.
func (r *Receiver) HandleFrame(_ int, payload []byte) {
	f, err := Unmarshal(payload)
	if err != nil {
		l.Debugln("receiver: discarding frame:", err)
		return
	}

	switch f.Type {
	case FrameFileMetadata:
		r.handleMetadata(f.Metadata)
	case FrameFileChunk:
		r.handleChunk(f.Index, f.Data)
	case FrameFileComplete:
		r.handleComplete(f.Text)
	case FrameTransferCancel:
		r.finish("", ErrCancelled)
	case FrameTransferFailed:
		r.finish("", &FailedError{Reason: f.Text})
	default:
		l.Debugln("receiver: ignoring", f.Type)
	}
}

func (r *Receiver) handleMetadata(meta *Metadata) {
	r.mut.Lock()
	if r.meta != nil {
		r.mut.Unlock()
		l.Debugln("receiver: duplicate metadata for", meta.TransferID)
		return
	}
	r.meta = meta
	r.started = time.Now()
	r.mut.Unlock()

	l.Debugln("receiving", meta.FileName, meta.FileSize, "bytes in", meta.TotalChunks, "chunks")
	r.sendControl(FrameTransferAck, meta.TransferID)
}

func (r *Receiver) handleChunk(index uint32, data []byte) {
	r.mut.Lock()
	if r.meta == nil {
		r.mut.Unlock()
		l.Debugln("receiver: chunk before metadata, dropping")
		return
	}
	if index >= uint32(r.meta.TotalChunks) {
		r.mut.Unlock()
		l.Debugln("receiver: chunk index", index, "out of range, dropping")
		return
	}
	if _, dup := r.chunks[index]; dup {
		// Duplicates are tolerated; the first occurrence wins.
		r.mut.Unlock()
		return
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	r.chunks[index] = owned
	r.received += int64(len(owned))
	p := progressAt(r.meta.TransferID, r.received, r.meta.FileSize, r.started)
	r.mut.Unlock()

	if r.onProgress != nil {
		r.onProgress(p)
	}
}

func (r *Receiver) handleComplete(declared string) {
	// Chunks on other channels may still be in flight when the completion
	// frame arrives on the control channel, so the chunk map must not be
	// touched outside the lock. Snapshot the slices in order; all indices
	// 0 … N-1 must be present.
	r.mut.Lock()
	meta := r.meta
	var chunks [][]byte
	missing := -1
	if meta != nil {
		chunks = make([][]byte, meta.TotalChunks)
		for k := 0; k < meta.TotalChunks; k++ {
			chunk, ok := r.chunks[uint32(k)]
			if !ok {
				missing = k
				break
			}
			chunks[k] = chunk
		}
	}
	r.mut.Unlock()

	if meta == nil {
		l.Debugln("receiver: completion before metadata, dropping")
		return
	}
	if missing >= 0 {
		r.fail(fmt.Sprintf("Missing chunk %d", missing))
		return
	}
	if declared == "" {
		declared = meta.Checksum
	}

	hash := sha256.New()
	var size int64
	for _, chunk := range chunks {
		hash.Write(chunk)
		size += int64(len(chunk))
	}
	digest := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(digest, declared) {
		r.fail("Checksum mismatch")
		return
	}
	if size != meta.FileSize {
		r.fail(fmt.Sprintf("Size mismatch: got %d, expected %d", size, meta.FileSize))
		return
	}

	path, err := r.persist(meta, chunks)
	if err != nil {
		l.Warnln("persisting", meta.FileName+":", err)
		r.fail("Write error")
		return
	}

	l.Debugln("transfer", meta.TransferID, "complete:", path)
	r.sendControl(FrameTransferSuccess, meta.TransferID)
	r.finish(path, nil)
}

// persist writes the reassembled payload to the scratch directory. The
// remote file name is flattened to its base to keep writes inside the
// directory.
func (r *Receiver) persist(meta *Metadata, chunks [][]byte) (string, error) {
	if err := os.MkdirAll(r.scratchDir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + meta.FileName))
	path := filepath.Join(r.scratchDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	for _, chunk := range chunks {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Cancel aborts the transfer locally and notifies the remote peer. Wait
// returns ErrCancelled.
func (r *Receiver) Cancel() {
	r.mut.Lock()
	id := ""
	if r.meta != nil {
		id = r.meta.TransferID
	}
	r.mut.Unlock()

	r.sendControl(FrameTransferCancel, id)
	r.finish("", ErrCancelled)
}

func (r *Receiver) fail(reason string) {
	r.sendControl(FrameTransferFailed, reason)
	r.finish("", &FailedError{Reason: reason})
}

func (r *Receiver) finish(path string, err error) {
	r.finishOnce.Do(func() {
		r.path = path
		r.outcome = err
		close(r.done)
	})
}

func (r *Receiver) sendControl(t FrameType, text string) {
	if err := r.adapter.Send(ControlChannel, MarshalControl(t, text)); err != nil {
		l.Debugln("receiver: sending", t, "failed:", err)
	}
}
