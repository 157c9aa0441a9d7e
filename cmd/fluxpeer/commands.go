// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"

	"github.com/fluxdrive/fluxdrive/lib/hub"
)

type codeCmd struct{}

func (codeCmd) Run(ctx context.Context, g *globals) error {
	c, err := dialHub(ctx, g.Hub, g.Token)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.send(hub.Message{Type: hub.TypeGetConnectCode}); err != nil {
		return err
	}
	msg, err := c.await(ctx, hub.TypeConnectCode)
	if err != nil {
		return err
	}
	fmt.Println(msg.Code)
	return nil
}

type friendsCmd struct{}

func (friendsCmd) Run(ctx context.Context, g *globals) error {
	c, err := dialHub(ctx, g.Hub, g.Token)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.send(hub.Message{Type: hub.TypeGetFriends}); err != nil {
		return err
	}
	msg, err := c.await(ctx, hub.TypeFriendsList)
	if err != nil {
		return err
	}

	if len(msg.Friends) == 0 {
		fmt.Println("No friends yet. Share your connect code (fluxpeer code).")
		return nil
	}
	for _, f := range msg.Friends {
		presence := "offline"
		if f.IsOnline {
			presence = "online"
		}
		fmt.Printf("%-24s %-32s %s\n", f.ID, f.Email, presence)
	}
	return nil
}

type addCmd struct {
	Code string `arg:"" help:"The friend's connect code."`
}

func (c addCmd) Run(ctx context.Context, g *globals) error {
	hc, err := dialHub(ctx, g.Hub, g.Token)
	if err != nil {
		return err
	}
	defer hc.close()

	if err := hc.send(hub.Message{Type: hub.TypeAddFriend, Code: c.Code}); err != nil {
		return err
	}
	msg, err := hc.await(ctx, hub.TypeFriendAdded)
	if err != nil {
		return err
	}
	fmt.Println("Added", msg.Friend.Email)
	return nil
}
