// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	errChannelRange  = errors.New("channel index out of range")
	errChannelClosed = errors.New("channel not open")
)

// Peer is the WebRTC implementation of Adapter. Signaling payloads (offer,
// answer, ICE candidates) pass through the hub as opaque JSON blobs; the
// methods here produce and consume exactly those blobs.
type Peer struct {
	pc           *webrtc.PeerConnection
	lowWatermark uint64

	mut       sync.Mutex
	channels  []*webrtc.DataChannel
	remoteSet bool
	// ICE candidates may arrive before the remote description; they are
	// buffered here and applied once the description is set.
	pendingCandidates []webrtc.ICECandidateInit

	onChannelOpen   func(int)
	onChannelClose  func(int)
	onInbound       func(int, []byte)
	onBufferDrained func(int, uint64)
	onStateChange   func(State, error)
	onICECandidate  func(json.RawMessage)
}

// NewPeer creates a peer connection using the given STUN/TURN server URLs.
// lowWatermark is the aggregate buffered-bytes level below which drain
// notifications fire; it is divided evenly across the data channels.
func NewPeer(iceServers []string, lowWatermark uint64) (*Peer, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		pc:           pc,
		lowWatermark: lowWatermark,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mut.Lock()
		fn := p.onICECandidate
		p.mut.Unlock()
		if fn != nil {
			bs, err := json.Marshal(c.ToJSON())
			if err != nil {
				l.Warnln("marshalling ICE candidate:", err)
				return
			}
			fn(bs)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mut.Lock()
		fn := p.onStateChange
		p.mut.Unlock()
		if fn == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			fn(StateConnecting, nil)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected, nil)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			fn(StateDisconnected, nil)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed, errors.New("peer connection failed"))
		}
	})

	// The responder side receives channels created by the initiator.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		idx, ok := channelIndex(dc.Label())
		if !ok {
			l.Warnln("ignoring data channel with unexpected label", dc.Label())
			return
		}
		p.attach(idx, dc)
	})

	return p, nil
}

// OpenChannels creates n ordered reliable channels. Only the initiating
// side calls this; the responder gets the channels via OnDataChannel.
func (p *Peer) OpenChannels(n int, labelPrefix string) error {
	ordered := true
	for i := 0; i < n; i++ {
		dc, err := p.pc.CreateDataChannel(fmt.Sprintf("%s-%d", labelPrefix, i), &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return fmt.Errorf("creating channel %d: %w", i, err)
		}
		p.attach(i, dc)
	}
	return nil
}

// ExpectChannels sizes the channel table on the responder side before the
// initiator's channels arrive.
func (p *Peer) ExpectChannels(n int) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if len(p.channels) < n {
		p.channels = append(p.channels, make([]*webrtc.DataChannel, n-len(p.channels))...)
	}
}

func (p *Peer) attach(idx int, dc *webrtc.DataChannel) {
	p.mut.Lock()
	for len(p.channels) <= idx {
		p.channels = append(p.channels, nil)
	}
	p.channels[idx] = dc
	n := len(p.channels)
	p.mut.Unlock()

	if n > 0 {
		dc.SetBufferedAmountLowThreshold(p.lowWatermark / uint64(n))
	}

	dc.OnOpen(func() {
		l.Debugln("channel", idx, "open:", dc.Label())
		if fn := p.channelOpenFn(); fn != nil {
			fn(idx)
		}
	})
	dc.OnClose(func() {
		l.Debugln("channel", idx, "closed:", dc.Label())
		if fn := p.channelCloseFn(); fn != nil {
			fn(idx)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if fn := p.inboundFn(); fn != nil {
			fn(idx, msg.Data)
		}
	})
	dc.OnBufferedAmountLow(func() {
		if fn := p.bufferDrainedFn(); fn != nil {
			fn(idx, p.TotalBufferedAmount())
		}
	})
}

func (p *Peer) Channels() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.channels)
}

func (p *Peer) Send(channel int, payload []byte) error {
	p.mut.Lock()
	if channel < 0 || channel >= len(p.channels) {
		p.mut.Unlock()
		return errChannelRange
	}
	dc := p.channels[channel]
	p.mut.Unlock()

	if dc == nil {
		return errChannelClosed
	}
	return dc.Send(payload)
}

func (p *Peer) BufferedAmount(channel int) uint64 {
	p.mut.Lock()
	defer p.mut.Unlock()
	if channel < 0 || channel >= len(p.channels) || p.channels[channel] == nil {
		return 0
	}
	return p.channels[channel].BufferedAmount()
}

func (p *Peer) TotalBufferedAmount() uint64 {
	p.mut.Lock()
	defer p.mut.Unlock()
	var total uint64
	for _, dc := range p.channels {
		if dc != nil {
			total += dc.BufferedAmount()
		}
	}
	return total
}

func (p *Peer) OnChannelOpen(fn func(int))            { p.mut.Lock(); p.onChannelOpen = fn; p.mut.Unlock() }
func (p *Peer) OnChannelClose(fn func(int))           { p.mut.Lock(); p.onChannelClose = fn; p.mut.Unlock() }
func (p *Peer) OnInbound(fn func(int, []byte))        { p.mut.Lock(); p.onInbound = fn; p.mut.Unlock() }
func (p *Peer) OnBufferDrained(fn func(int, uint64))  { p.mut.Lock(); p.onBufferDrained = fn; p.mut.Unlock() }
func (p *Peer) OnStateChange(fn func(State, error))   { p.mut.Lock(); p.onStateChange = fn; p.mut.Unlock() }
func (p *Peer) OnICECandidate(fn func(json.RawMessage)) {
	p.mut.Lock()
	p.onICECandidate = fn
	p.mut.Unlock()
}

func (p *Peer) channelOpenFn() func(int)           { p.mut.Lock(); defer p.mut.Unlock(); return p.onChannelOpen }
func (p *Peer) channelCloseFn() func(int)          { p.mut.Lock(); defer p.mut.Unlock(); return p.onChannelClose }
func (p *Peer) inboundFn() func(int, []byte)       { p.mut.Lock(); defer p.mut.Unlock(); return p.onInbound }
func (p *Peer) bufferDrainedFn() func(int, uint64) { p.mut.Lock(); defer p.mut.Unlock(); return p.onBufferDrained }

// CreateOffer produces the local offer as an opaque blob for the hub to
// relay.
func (p *Peer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

// HandleOffer applies a relayed offer and produces the answer blob.
func (p *Peer) HandleOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("parsing offer: %w", err)
	}
	if err := p.setRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

// HandleAnswer applies a relayed answer on the initiating side.
func (p *Peer) HandleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("parsing answer: %w", err)
	}
	return p.setRemoteDescription(answer)
}

func (p *Peer) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	p.mut.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mut.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			l.Warnln("applying buffered ICE candidate:", err)
		}
	}
	return nil
}

// AddICECandidate applies a relayed candidate. Candidates that precede the
// remote description are buffered and applied once it is set.
func (p *Peer) AddICECandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("parsing ICE candidate: %w", err)
	}

	p.mut.Lock()
	if !p.remoteSet {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.mut.Unlock()
		return nil
	}
	p.mut.Unlock()

	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

// channelIndex extracts the index from a "prefix-N" channel label.
func channelIndex(label string) (int, bool) {
	i := strings.LastIndexByte(label, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(label[i+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
