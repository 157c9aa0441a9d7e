// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdrive/fluxdrive/lib/config"
	"github.com/fluxdrive/fluxdrive/lib/directory"
	"github.com/fluxdrive/fluxdrive/lib/events"
	"github.com/fluxdrive/fluxdrive/lib/rand"
	"github.com/fluxdrive/fluxdrive/lib/registry"
	"github.com/fluxdrive/fluxdrive/lib/session"
)

// fakeDir is an in-memory Directory, so hub tests need no database.
type fakeDir struct {
	mut     sync.Mutex
	users   map[string]directory.Identity
	codes   map[string]string
	byCode  map[string]string
	friends map[string]map[string]bool
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		users:   make(map[string]directory.Identity),
		codes:   make(map[string]string),
		byCode:  make(map[string]string),
		friends: make(map[string]map[string]bool),
	}
}

func (d *fakeDir) UpsertUser(_ context.Context, id directory.Identity) error {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.users[id.UserID] = id
	return nil
}

func (d *fakeDir) GetOrCreateConnectCode(_ context.Context, userID string) (string, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	if code, ok := d.codes[userID]; ok {
		return code, nil
	}
	code := rand.Code(directory.CodeLength)
	d.codes[userID] = code
	d.byCode[code] = userID
	return code, nil
}

func (d *fakeDir) ResolveCode(_ context.Context, code string) (string, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	userID, ok := d.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return "", directory.ErrNotFound
	}
	return userID, nil
}

func (d *fakeDir) AddFriendship(_ context.Context, a, b string) error {
	if a == b {
		return directory.ErrSelfFriend
	}
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.friends[a][b] {
		return directory.ErrAlreadyFriends
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if d.friends[pair[0]] == nil {
			d.friends[pair[0]] = make(map[string]bool)
		}
		d.friends[pair[0]][pair[1]] = true
	}
	return nil
}

func (d *fakeDir) ListFriends(_ context.Context, userID string) ([]directory.Friend, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	var friends []directory.Friend
	for id := range d.friends[userID] {
		u := d.users[id]
		friends = append(friends, directory.Friend{
			ID:    id,
			Name:  u.Name,
			Email: u.Email,
			Code:  d.codes[id],
		})
	}
	return friends, nil
}

func (d *fakeDir) symmetric(a, b string) bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.friends[a][b] == d.friends[b][a]
}

type testHub struct {
	hub      *Hub
	dir      *fakeDir
	verifier *directory.TokenVerifier
	reg      *registry.Registry
	sessions *session.Table
	srv      *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	cfg := config.HubConfiguration{
		PingInterval: 100 * time.Millisecond,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		SendQueueLen: 64,
		MessageRate:  1000,
		MessageBurst: 1000,
	}
	verifier := directory.NewTokenVerifier([]byte("hub-test-secret"))
	dir := newFakeDir()
	reg := registry.New()
	sessions := session.NewTable()

	h := New(cfg, verifier, dir, reg, sessions, events.NewLogger())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testHub{hub: h, dir: dir, verifier: verifier, reg: reg, sessions: sessions, srv: srv}
}

// connect dials the hub as the given user and consumes the hello message.
func (th *testHub) connect(t *testing.T, userID, email string) *websocket.Conn {
	t.Helper()

	tok, err := th.verifier.MintToken(directory.Identity{UserID: userID, Email: email}, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/flux?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	hello := readMessage(t, ws)
	require.Equal(t, TypeConnected, hello.Type)
	require.Equal(t, userID, hello.UserID)
	require.Equal(t, email, hello.Email)
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

// readUntil reads messages, skipping unrelated interleavings such as
// presence deltas, until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, wanted string) Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, ws)
		if msg.Type == wanted {
			return msg
		}
	}
	t.Fatalf("no %s message within 20 reads", wanted)
	return Message{}
}

func send(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func TestAuthRejectedWithCloseCode(t *testing.T) {
	th := newTestHub(t)

	url := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/flux?token=bogus"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade itself succeeds; rejection comes as a close code")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseInvalidToken, closeErr.Code)
}

func TestPingPong(t *testing.T) {
	th := newTestHub(t)
	ws := th.connect(t, "alice", "alice@example.com")

	send(t, ws, Message{Type: TypePing})
	msg := readUntil(t, ws, TypePong)
	assert.Equal(t, TypePong, msg.Type)
}

func TestConnectCodeIssuance(t *testing.T) {
	th := newTestHub(t)
	ws := th.connect(t, "alice", "alice@example.com")

	send(t, ws, Message{Type: TypeGetConnectCode})
	first := readUntil(t, ws, TypeConnectCode)
	assert.Regexp(t, regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{6}$`), first.Code)

	// A second request returns the same, stable code.
	send(t, ws, Message{Type: TypeGetConnectCode})
	second := readUntil(t, ws, TypeConnectCode)
	assert.Equal(t, first.Code, second.Code)
}

func TestFriendshipFlow(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")
	wsB := th.connect(t, "bob", "bob@example.com")

	send(t, wsA, Message{Type: TypeGetConnectCode})
	code := readUntil(t, wsA, TypeConnectCode).Code

	// Codes resolve case-insensitively.
	send(t, wsB, Message{Type: TypeAddFriend, Code: strings.ToLower(code)})

	added := readUntil(t, wsB, TypeFriendAdded)
	require.NotNil(t, added.Friend)
	assert.Equal(t, "alice", added.Friend.ID)
	assert.True(t, added.Friend.IsOnline)

	symmetric := readUntil(t, wsA, TypeFriendAdded)
	require.NotNil(t, symmetric.Friend)
	assert.Equal(t, "bob", symmetric.Friend.ID)

	assert.True(t, th.dir.symmetric("alice", "bob"), "friendship edges must be symmetric")

	// Adding again fails.
	send(t, wsB, Message{Type: TypeAddFriend, Code: code})
	errMsg := readUntil(t, wsB, TypeError)
	assert.Equal(t, "Already friends", errMsg.Message)

	// Adding yourself fails.
	send(t, wsA, Message{Type: TypeAddFriend, Code: code})
	errMsg = readUntil(t, wsA, TypeError)
	assert.Equal(t, "Cannot add yourself", errMsg.Message)

	// An unknown code fails.
	send(t, wsB, Message{Type: TypeAddFriend, Code: "XXXXXX"})
	errMsg = readUntil(t, wsB, TypeError)
	assert.Equal(t, "Invalid connect code", errMsg.Message)
}

func TestFriendsListWithPresence(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")
	wsB := th.connect(t, "bob", "bob@example.com")
	_ = wsB

	send(t, wsA, Message{Type: TypeGetConnectCode})
	code := readUntil(t, wsA, TypeConnectCode).Code
	send(t, wsB, Message{Type: TypeAddFriend, Code: code})
	readUntil(t, wsB, TypeFriendAdded)

	send(t, wsA, Message{Type: TypeGetFriends})
	list := readUntil(t, wsA, TypeFriendsList)
	require.Len(t, list.Friends, 1)
	assert.Equal(t, "bob", list.Friends[0].ID)
	assert.True(t, list.Friends[0].IsOnline)
}

func TestSessionNegotiation(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")
	wsB := th.connect(t, "bob", "bob@example.com")

	send(t, wsA, Message{
		Type:      TypeSessionRequest,
		PeerID:    "bob",
		SessionID: "S1",
		FileName:  "r.bin",
		FileSize:  131072,
	})

	req := readUntil(t, wsB, TypeSessionRequest)
	assert.Equal(t, "S1", req.SessionID)
	assert.Equal(t, "alice", req.SenderID)
	assert.Equal(t, "alice", req.SenderName)
	assert.Equal(t, "r.bin", req.FileName)
	assert.Equal(t, int64(131072), req.FileSize)

	s, ok := th.sessions.Get("S1")
	require.True(t, ok)
	assert.Equal(t, session.StatePending, s.State)

	send(t, wsB, Message{Type: TypeSessionAccept, SessionID: "S1"})
	acc := readUntil(t, wsA, TypeSessionAccept)
	assert.Equal(t, "S1", acc.SessionID)

	s, _ = th.sessions.Get("S1")
	assert.Equal(t, session.StateAccepted, s.State)

	// Offer / answer / ICE relay is verbatim.
	payload := json.RawMessage(`{"sdp":"v=0 fake offer","type":"offer"}`)
	send(t, wsA, Message{Type: TypeOffer, PeerID: "bob", SessionID: "S1", Payload: payload})
	offer := readUntil(t, wsB, TypeOffer)
	assert.JSONEq(t, string(payload), string(offer.Payload))
	assert.Equal(t, "alice", offer.SenderID)

	send(t, wsB, Message{Type: TypeAnswer, PeerID: "alice", SessionID: "S1", Payload: payload})
	answer := readUntil(t, wsA, TypeAnswer)
	assert.JSONEq(t, string(payload), string(answer.Payload))

	candidate := json.RawMessage(`{"candidate":"candidate:0 1 UDP 1 10.0.0.1 9 typ host"}`)
	send(t, wsA, Message{Type: TypeICECandidate, PeerID: "bob", Payload: candidate})
	ice := readUntil(t, wsB, TypeICECandidate)
	assert.JSONEq(t, string(candidate), string(ice.Payload))

	send(t, wsA, Message{Type: TypeSessionReady, SessionID: "S1"})
	ready := readUntil(t, wsB, TypeSessionReady)
	assert.Equal(t, "S1", ready.SessionID)

	s, _ = th.sessions.Get("S1")
	assert.Equal(t, session.StateConnected, s.State)
}

func TestSessionRequestOfflinePeer(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")

	send(t, wsA, Message{Type: TypeSessionRequest, PeerID: "nobody", SessionID: "S1"})
	errMsg := readUntil(t, wsA, TypeError)
	assert.Equal(t, "Peer not connected", errMsg.Message)
	assert.Zero(t, th.sessions.Len())
}

func TestSessionReject(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")
	wsB := th.connect(t, "bob", "bob@example.com")

	send(t, wsA, Message{Type: TypeSessionRequest, PeerID: "bob", SessionID: "S1"})
	readUntil(t, wsB, TypeSessionRequest)

	send(t, wsB, Message{Type: TypeSessionReject, SessionID: "S1"})
	rej := readUntil(t, wsA, TypeSessionReject)
	assert.Equal(t, "S1", rej.SessionID)

	_, ok := th.sessions.Get("S1")
	assert.False(t, ok, "rejected session must be removed")

	// Accepting a rejected (gone) session fails.
	send(t, wsB, Message{Type: TypeSessionAccept, SessionID: "S1"})
	errMsg := readUntil(t, wsB, TypeError)
	assert.Equal(t, "Session not found", errMsg.Message)
}

func TestDisconnectCleanup(t *testing.T) {
	th := newTestHub(t)
	wsA := th.connect(t, "alice", "alice@example.com")
	wsB := th.connect(t, "bob", "bob@example.com")

	// Befriend so bob gets presence for alice.
	send(t, wsA, Message{Type: TypeGetConnectCode})
	code := readUntil(t, wsA, TypeConnectCode).Code
	send(t, wsB, Message{Type: TypeAddFriend, Code: code})
	readUntil(t, wsB, TypeFriendAdded)

	send(t, wsA, Message{Type: TypeSessionRequest, PeerID: "bob", SessionID: "S1"})
	readUntil(t, wsB, TypeSessionRequest)

	// Alice's socket drops.
	wsA.Close()

	var sawClose, sawOffline bool
	for i := 0; i < 20 && !(sawClose && sawOffline); i++ {
		msg := readMessage(t, wsB)
		switch msg.Type {
		case TypeSessionClose:
			assert.Equal(t, "S1", msg.SessionID)
			sawClose = true
		case TypeFriendOffline:
			assert.Equal(t, "alice", msg.FriendID)
			sawOffline = true
		}
	}
	assert.True(t, sawClose, "bob never saw rtc_session_close")
	assert.True(t, sawOffline, "bob never saw friend_offline")

	require.Eventually(t, func() bool { return th.sessions.Len() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !th.reg.IsOnline("alice") }, time.Second, 10*time.Millisecond)
}

func TestSupersededConnection(t *testing.T) {
	th := newTestHub(t)
	ws1 := th.connect(t, "alice", "alice@example.com")
	ws2 := th.connect(t, "alice", "alice@example.com")

	// The first socket is closed with a going-away status.
	ws1.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws1.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	// The successor still works.
	send(t, ws2, Message{Type: TypePing})
	readUntil(t, ws2, TypePong)
	assert.Equal(t, 1, th.reg.Len())
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	th := newTestHub(t)
	ws := th.connect(t, "alice", "alice@example.com")

	// Malformed JSON: error reply, socket stays open.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	errMsg := readUntil(t, ws, TypeError)
	assert.Equal(t, "Internal error", errMsg.Message)

	// Unknown type: silently ignored, socket stays open.
	send(t, ws, Message{Type: "warp_drive_engage"})
	send(t, ws, Message{Type: TypePing})
	msg := readUntil(t, ws, TypePong)
	assert.Equal(t, TypePong, msg.Type)
}
