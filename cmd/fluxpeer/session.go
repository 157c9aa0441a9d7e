// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/fluxdrive/fluxdrive/lib/hub"
	"github.com/fluxdrive/fluxdrive/lib/transfer"
	"github.com/fluxdrive/fluxdrive/lib/transport"
)

type sendCmd struct {
	Peer string `arg:"" help:"The receiving friend's user id."`
	File string `arg:"" type:"existingfile" help:"File to send."`
}

func (c sendCmd) Run(ctx context.Context, g *globals) error {
	hc, err := dialHub(ctx, g.Hub, g.Token)
	if err != nil {
		return err
	}
	defer hc.close()

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	meta := transferMetadata(sessionID, c.File, info.Size())

	err = hc.send(hub.Message{
		Type:      hub.TypeSessionRequest,
		PeerID:    c.Peer,
		SessionID: sessionID,
		FileName:  meta.FileName,
		FileSize:  meta.FileSize,
		FileType:  meta.FileType,
	})
	if err != nil {
		return err
	}

	l.Infoln("waiting for", c.Peer, "to accept")
	msg, err := hc.await(ctx, hub.TypeSessionAccept, hub.TypeSessionReject)
	if err != nil {
		return err
	}
	if msg.Type == hub.TypeSessionReject {
		return fmt.Errorf("peer declined the transfer")
	}

	peer, err := transport.NewPeer([]string{g.STUN}, transfer.DefaultLowWatermark)
	if err != nil {
		return err
	}
	defer peer.Close()

	snd := transfer.NewSender(peer, meta, f, transfer.Config{})
	snd.OnProgress(printProgress)

	var openMut sync.Mutex
	opened := 0
	allOpen := make(chan struct{})
	peer.OnChannelOpen(func(int) {
		openMut.Lock()
		opened++
		if opened == transfer.DefaultChannels {
			close(allOpen)
		}
		openMut.Unlock()
	})
	peer.OnInbound(snd.HandleFrame)
	peer.OnBufferDrained(snd.HandleDrain)
	peer.OnStateChange(func(s transport.State, err error) {
		l.Debugln("peer connection", s, err)
		if s == transport.StateFailed || s == transport.StateDisconnected {
			snd.Cancel()
		}
	})
	peer.OnICECandidate(func(raw json.RawMessage) {
		hc.send(hub.Message{Type: hub.TypeICECandidate, PeerID: c.Peer, SessionID: sessionID, Payload: raw})
	})

	if err := peer.OpenChannels(transfer.DefaultChannels, "flux"); err != nil {
		return err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return err
	}
	err = hc.send(hub.Message{Type: hub.TypeOffer, PeerID: c.Peer, SessionID: sessionID, Payload: offer})
	if err != nil {
		return err
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		for {
			msg, err := hc.next(pumpCtx)
			if err != nil {
				return
			}
			switch msg.Type {
			case hub.TypeAnswer:
				if err := peer.HandleAnswer(msg.Payload); err != nil {
					l.Warnln("applying answer:", err)
					snd.Cancel()
				}
			case hub.TypeICECandidate:
				if err := peer.AddICECandidate(msg.Payload); err != nil {
					l.Debugln("applying ICE candidate:", err)
				}
			case hub.TypeSessionClose:
				snd.Cancel()
			}
		}
	}()

	select {
	case <-allOpen:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := hc.send(hub.Message{Type: hub.TypeSessionReady, SessionID: sessionID}); err != nil {
		return err
	}

	err = snd.Run(ctx)
	fmt.Println()
	hc.send(hub.Message{Type: hub.TypeSessionClose, SessionID: sessionID})
	if err != nil {
		return err
	}
	fmt.Println("Sent", meta.FileName, "("+humanize.IBytes(uint64(meta.FileSize))+")")
	return nil
}

type receiveCmd struct {
	Out string `name:"out" short:"o" default:"." help:"Directory to store received files in."`
}

func (c receiveCmd) Run(ctx context.Context, g *globals) error {
	hc, err := dialHub(ctx, g.Hub, g.Token)
	if err != nil {
		return err
	}
	defer hc.close()

	l.Infoln("waiting for an incoming transfer")
	req, err := hc.await(ctx, hub.TypeSessionRequest)
	if err != nil {
		return err
	}
	fmt.Printf("Incoming: %s (%s) from %s\n",
		req.FileName, humanize.IBytes(uint64(req.FileSize)), req.SenderName)

	peer, err := transport.NewPeer([]string{g.STUN}, transfer.DefaultLowWatermark)
	if err != nil {
		return err
	}
	defer peer.Close()
	peer.ExpectChannels(transfer.DefaultChannels)

	rcv := transfer.NewReceiver(peer, c.Out)
	rcv.OnProgress(printProgress)
	peer.OnInbound(rcv.HandleFrame)
	peer.OnStateChange(func(s transport.State, err error) {
		l.Debugln("peer connection", s, err)
		if s == transport.StateFailed {
			rcv.Cancel()
		}
	})
	peer.OnICECandidate(func(raw json.RawMessage) {
		hc.send(hub.Message{Type: hub.TypeICECandidate, PeerID: req.SenderID, SessionID: req.SessionID, Payload: raw})
	})

	err = hc.send(hub.Message{Type: hub.TypeSessionAccept, SessionID: req.SessionID})
	if err != nil {
		return err
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		for {
			msg, err := hc.next(pumpCtx)
			if err != nil {
				return
			}
			switch msg.Type {
			case hub.TypeOffer:
				answer, err := peer.HandleOffer(msg.Payload)
				if err != nil {
					l.Warnln("applying offer:", err)
					rcv.Cancel()
					continue
				}
				hc.send(hub.Message{Type: hub.TypeAnswer, PeerID: req.SenderID, SessionID: req.SessionID, Payload: answer})
			case hub.TypeICECandidate:
				if err := peer.AddICECandidate(msg.Payload); err != nil {
					l.Debugln("applying ICE candidate:", err)
				}
			case hub.TypeSessionClose:
				rcv.Cancel()
			}
		}
	}()

	path, err := rcv.Wait(ctx)
	fmt.Println()
	hc.send(hub.Message{Type: hub.TypeSessionClose, SessionID: req.SessionID})
	if err != nil {
		return err
	}
	fmt.Println("Received", path)
	return nil
}

// transferMetadata describes the outgoing file. The transfer id equals the
// signaling session id so both layers name the same exchange.
func transferMetadata(sessionID, path string, size int64) transfer.Metadata {
	return transfer.Metadata{
		TransferID: sessionID,
		FileName:   filepath.Base(path),
		FileSize:   size,
		FileType:   mime.TypeByExtension(filepath.Ext(path)),
	}
}

func printProgress(p transfer.Progress) {
	fmt.Printf("\r%s / %s  %s/s   ",
		humanize.IBytes(uint64(p.BytesTransferred)),
		humanize.IBytes(uint64(p.TotalBytes)),
		humanize.IBytes(uint64(p.Speed)))
}
