// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command fluxpeer is the command line peer: it talks to the signaling hub
// for discovery and session negotiation and moves file content directly to
// the other peer over WebRTC data channels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/fluxdrive/fluxdrive/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("fluxpeer", "Peer CLI")

type globals struct {
	Hub   string `name:"hub" default:"ws://127.0.0.1:8090/flux" env:"FLUX_HUB" help:"Hub WebSocket URL."`
	Token string `name:"token" env:"FLUX_TOKEN" required:"" help:"Bearer token for the hub."`
	STUN  string `name:"stun" default:"stun:stun.l.google.com:19302" help:"STUN server URL."`
}

type cli struct {
	globals

	Code    codeCmd    `cmd:"" help:"Show your connect code."`
	Friends friendsCmd `cmd:"" help:"List friends and their presence."`
	Add     addCmd     `cmd:"" help:"Add a friend by connect code."`
	Send    sendCmd    `cmd:"" help:"Send a file to a friend."`
	Receive receiveCmd `cmd:"" help:"Wait for an incoming file."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var opts cli
	kctx := kong.Parse(&opts,
		kong.Name("fluxpeer"),
		kong.Description("FluxDrive peer-to-peer transfer client"),
		kong.BindTo(ctx, (*context.Context)(nil)))

	if err := kctx.Run(&opts.globals); err != nil {
		fmt.Fprintln(os.Stderr, "fluxpeer:", err)
		os.Exit(1)
	}
}
