// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer implements the chunked, checksummed file transfer
// protocol that runs over the parallel data channels of a peer session.
//
// Every frame starts with a one byte type tag. Chunk frames follow with a
// big endian uint32 index and the chunk bytes; metadata frames carry UTF-8
// JSON; the remaining control frames carry a UTF-8 string (a transfer id,
// a checksum or a failure reason). Control frames travel on channel 0 only,
// chunk frames round-robin across all channels by index.
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

type FrameType byte

const (
	FrameFileMetadata FrameType = 1 + iota
	FrameFileChunk
	FrameFileComplete
	FrameTransferAck
	FrameTransferSuccess
	FrameTransferFailed
	FrameTransferCancel
)

func (t FrameType) String() string {
	switch t {
	case FrameFileMetadata:
		return "FILE_METADATA"
	case FrameFileChunk:
		return "FILE_CHUNK"
	case FrameFileComplete:
		return "FILE_COMPLETE"
	case FrameTransferAck:
		return "TRANSFER_ACK"
	case FrameTransferSuccess:
		return "TRANSFER_SUCCESS"
	case FrameTransferFailed:
		return "TRANSFER_FAILED"
	case FrameTransferCancel:
		return "TRANSFER_CANCEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// ControlChannel is the channel index reserved for non-chunk frames.
const ControlChannel = 0

var (
	ErrShortFrame   = errors.New("frame too short")
	ErrUnknownFrame = errors.New("unknown frame type")
)

// Metadata describes the file about to be transferred. The transfer id
// equals the signaling session id. Checksum may be empty in the metadata
// frame; the authoritative digest arrives with FILE_COMPLETE.
type Metadata struct {
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType,omitempty"`
	TotalChunks int    `json:"totalChunks"`
	Checksum    string `json:"checksum,omitempty"`
}

// A Frame is the parsed form of a single wire frame. Exactly one of the
// payload fields is meaningful, depending on Type.
type Frame struct {
	Type     FrameType
	Metadata *Metadata // FrameFileMetadata
	Index    uint32    // FrameFileChunk
	Data     []byte    // FrameFileChunk
	Text     string    // all other frames
}

// ChunkCount returns the number of chunks a file of the given size splits
// into. A zero byte file has zero chunks.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// MarshalMetadata encodes a FILE_METADATA frame.
func MarshalMetadata(m Metadata) ([]byte, error) {
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(FrameFileMetadata)}, bs...), nil
}

// MarshalChunk encodes a FILE_CHUNK frame.
func MarshalChunk(index uint32, data []byte) []byte {
	frame := make([]byte, 5+len(data))
	frame[0] = byte(FrameFileChunk)
	binary.BigEndian.PutUint32(frame[1:5], index)
	copy(frame[5:], data)
	return frame
}

// MarshalControl encodes one of the string-payload control frames.
func MarshalControl(t FrameType, text string) []byte {
	frame := make([]byte, 1+len(text))
	frame[0] = byte(t)
	copy(frame[1:], text)
	return frame
}

// Unmarshal parses a wire frame. The returned Frame aliases bs for chunk
// data; callers that retain it across frames must copy.
func Unmarshal(bs []byte) (Frame, error) {
	if len(bs) < 1 {
		return Frame{}, ErrShortFrame
	}
	t := FrameType(bs[0])
	switch t {
	case FrameFileMetadata:
		var m Metadata
		if err := json.Unmarshal(bs[1:], &m); err != nil {
			return Frame{}, fmt.Errorf("parsing metadata: %w", err)
		}
		return Frame{Type: t, Metadata: &m}, nil

	case FrameFileChunk:
		if len(bs) < 5 {
			return Frame{}, ErrShortFrame
		}
		return Frame{
			Type:  t,
			Index: binary.BigEndian.Uint32(bs[1:5]),
			Data:  bs[5:],
		}, nil

	case FrameFileComplete, FrameTransferAck, FrameTransferSuccess, FrameTransferFailed, FrameTransferCancel:
		return Frame{Type: t, Text: string(bs[1:])}, nil

	default:
		return Frame{}, ErrUnknownFrame
	}
}
