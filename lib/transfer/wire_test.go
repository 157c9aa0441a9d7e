// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"bytes"
	"errors"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{
		TransferID:  "s1",
		FileName:    "r.bin",
		FileSize:    131072,
		FileType:    "bin",
		TotalChunks: 2,
		Checksum:    "abc123",
	}

	bs, err := MarshalMetadata(m)
	if err != nil {
		t.Fatal(err)
	}
	if bs[0] != byte(FrameFileMetadata) {
		t.Errorf("type tag %d", bs[0])
	}

	f, err := Unmarshal(bs)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameFileMetadata {
		t.Errorf("frame type %v", f.Type)
	}
	if *f.Metadata != m {
		t.Errorf("metadata mismatch: %+v != %+v", *f.Metadata, m)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	data := []byte("some chunk data")
	bs := MarshalChunk(42, data)

	// Byte-exact layout: type tag, big endian index, data.
	if bs[0] != 2 {
		t.Errorf("type tag %d, expected 2", bs[0])
	}
	if !bytes.Equal(bs[1:5], []byte{0, 0, 0, 42}) {
		t.Errorf("index bytes %v", bs[1:5])
	}

	f, err := Unmarshal(bs)
	if err != nil {
		t.Fatal(err)
	}
	if f.Index != 42 {
		t.Errorf("index %d", f.Index)
	}
	if !bytes.Equal(f.Data, data) {
		t.Errorf("data %q", f.Data)
	}
}

func TestControlRoundTrip(t *testing.T) {
	for _, ft := range []FrameType{FrameFileComplete, FrameTransferAck, FrameTransferSuccess, FrameTransferFailed, FrameTransferCancel} {
		bs := MarshalControl(ft, "payload")
		f, err := Unmarshal(bs)
		if err != nil {
			t.Fatalf("%v: %v", ft, err)
		}
		if f.Type != ft || f.Text != "payload" {
			t.Errorf("%v: got %v %q", ft, f.Type, f.Text)
		}
	}

	// Empty payloads are legal, e.g. a cancel before metadata.
	f, err := Unmarshal(MarshalControl(FrameTransferCancel, ""))
	if err != nil || f.Text != "" {
		t.Errorf("empty control: %v %q", err, f.Text)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrShortFrame) {
		t.Errorf("empty frame: %v", err)
	}
	if _, err := Unmarshal([]byte{2, 0, 0}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated chunk: %v", err)
	}
	if _, err := Unmarshal([]byte{99}); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("unknown type: %v", err)
	}
	if _, err := Unmarshal([]byte{1, '{'}); err == nil {
		t.Error("bad metadata JSON accepted")
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		count     int
	}{
		{0, 65536, 0},
		{1, 65536, 1},
		{65536, 65536, 1},
		{65537, 65536, 2},
		{131072, 65536, 2},
		{10 << 20, 65536, 160},
	}
	for _, tc := range cases {
		if got := ChunkCount(tc.size, tc.chunkSize); got != tc.count {
			t.Errorf("ChunkCount(%d, %d) == %d, expected %d", tc.size, tc.chunkSize, got, tc.count)
		}
	}
}
