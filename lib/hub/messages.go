// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"encoding/json"

	"github.com/fluxdrive/fluxdrive/lib/directory"
)

// Control message types. The wire format is a JSON object with a mandatory
// "type" field; the remaining fields depend on the type. Unknown types on
// ingress are logged and ignored, never answered with a close.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeConnected      = "connected"
	TypeGetConnectCode = "get_connect_code"
	TypeConnectCode    = "connect_code"
	TypeGetFriends     = "get_friends"
	TypeFriendsList    = "friends_list"
	TypeAddFriend      = "add_friend"
	TypeFriendAdded    = "friend_added"
	TypeFriendOnline   = "friend_online"
	TypeFriendOffline  = "friend_offline"
	TypeSessionRequest = "rtc_session_request"
	TypeSessionAccept  = "rtc_session_accept"
	TypeSessionReject  = "rtc_session_reject"
	TypeSessionReady   = "rtc_session_ready"
	TypeSessionClose   = "rtc_session_close"
	TypeOffer          = "rtc_offer"
	TypeAnswer         = "rtc_answer"
	TypeICECandidate   = "rtc_ice_candidate"
	TypeError          = "error"
)

// WebSocket close codes used during and after the upgrade.
const (
	CloseUpgradeFailure = 4000
	CloseInvalidToken   = 4001
)

// Client-visible error strings.
const (
	errInvalidConnectCode = "Invalid connect code"
	errCannotAddYourself  = "Cannot add yourself"
	errAlreadyFriends     = "Already friends"
	errPeerNotConnected   = "Peer not connected"
	errSessionNotFound    = "Session not found"
	errSessionState       = "Invalid session state"
	errRateLimited        = "Rate limited"
	errInternal           = "Internal error"
)

// Message is the union envelope for every control message, both directions.
// Only the fields relevant to Type are set; the rest stay empty and are
// omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// Friendship and connect codes.
	Code    string             `json:"code,omitempty"`
	Friend  *directory.Friend  `json:"friend,omitempty"`
	Friends []directory.Friend `json:"friends,omitempty"`
	// FriendID carries presence deltas.
	FriendID string `json:"friendId,omitempty"`

	// Session negotiation and signaling relay.
	PeerID    string `json:"peerId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	// Payload is the opaque SDP or ICE blob. The hub relays it verbatim
	// and never parses it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Server-set sender attribution on forwarded messages.
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`

	// The post-upgrade hello.
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`

	// Error replies.
	Message string `json:"message,omitempty"`
}
