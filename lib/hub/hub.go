// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hub implements the Flux signaling hub: it terminates WebSocket
// connections, authenticates peers, resolves connect codes and friendships,
// and brokers peer-to-peer session negotiation by relaying opaque offer,
// answer and ICE payloads between peers. Bulk file data never passes
// through the hub.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxdrive/fluxdrive/lib/config"
	"github.com/fluxdrive/fluxdrive/lib/directory"
	"github.com/fluxdrive/fluxdrive/lib/events"
	"github.com/fluxdrive/fluxdrive/lib/registry"
	"github.com/fluxdrive/fluxdrive/lib/session"
)

// dbTimeout bounds directory calls made on behalf of a client. On timeout
// the client gets an error reply and the connection stays open.
const dbTimeout = 5 * time.Second

// Directory is the slice of the user directory the hub depends on.
type Directory interface {
	UpsertUser(ctx context.Context, id directory.Identity) error
	GetOrCreateConnectCode(ctx context.Context, userID string) (string, error)
	ResolveCode(ctx context.Context, code string) (string, error)
	AddFriendship(ctx context.Context, a, b string) error
	ListFriends(ctx context.Context, userID string) ([]directory.Friend, error)
}

// Verifier validates bearer tokens presented at upgrade time.
type Verifier interface {
	Verify(token string) (directory.Identity, error)
}

type Hub struct {
	cfg      config.HubConfiguration
	verifier Verifier
	dir      Directory
	reg      *registry.Registry
	sessions *session.Table
	ev       *events.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.HubConfiguration, verifier Verifier, dir Directory, reg *registry.Registry, sessions *session.Table, ev *events.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		dir:      dir,
		reg:      reg,
		sessions: sessions,
		ev:       ev,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer token authenticates the peer; the Origin
			// header proves nothing for native clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Sessions exposes the session table, for status endpoints.
func (h *Hub) Sessions() *session.Table { return h.sessions }

// ServeHTTP handles the /flux upgrade. The token travels as a query
// parameter; auth failures surface as close code 4001 after the upgrade,
// other fatal upgrade problems as 4000.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Debugln("upgrade failed:", err)
		return
	}

	user, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		l.Debugln("rejecting connection:", err)
		closeWith(ws, CloseInvalidToken, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	err = h.dir.UpsertUser(ctx, user)
	cancel()
	if err != nil {
		l.Warnln("recording user", user.UserID+":", err)
		closeWith(ws, CloseUpgradeFailure, "internal error")
		return
	}

	c := newConn(h, ws, user, h.cfg)
	go c.writeLoop()

	h.reg.Register(user.UserID, c)
	metricConnectedPeers.Set(float64(h.reg.Len()))
	h.ev.Log(events.PeerConnected, user.UserID)
	l.Infoln("peer connected:", user.UserID, "("+user.Name+")")

	c.enqueue(Message{Type: TypeConnected, UserID: user.UserID, Email: user.Email})
	h.broadcastPresence(user.UserID, true)

	c.readLoop()
	h.handleDisconnect(c)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	ws.Close()
}

// dispatch routes one inbound message. Malformed JSON gets an error reply
// but keeps the socket open; unknown types are logged and ignored.
func (h *Hub) dispatch(c *conn, raw []byte) {
	if !c.limiter.Allow() {
		c.sendError(errRateLimited)
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.Debugln("malformed message from", c.user.UserID+":", err)
		c.sendError(errInternal)
		return
	}
	metricMessages.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case TypePing:
		c.enqueue(Message{Type: TypePong})
	case TypeGetConnectCode:
		h.handleGetConnectCode(c)
	case TypeGetFriends:
		h.handleGetFriends(c)
	case TypeAddFriend:
		h.handleAddFriend(c, msg)
	case TypeSessionRequest:
		h.handleSessionRequest(c, msg)
	case TypeSessionAccept:
		h.handleSessionAccept(c, msg)
	case TypeSessionReject:
		h.handleSessionReject(c, msg)
	case TypeSessionReady:
		h.handleSessionReady(c, msg)
	case TypeSessionClose:
		h.handleSessionClose(c, msg)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		h.relay(c, msg)
	default:
		l.Debugln("ignoring unknown message type", msg.Type, "from", c.user.UserID)
	}
}

func (h *Hub) handleGetConnectCode(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	code, err := h.dir.GetOrCreateConnectCode(ctx, c.user.UserID)
	if err != nil {
		l.Warnln("allocating connect code for", c.user.UserID+":", err)
		c.sendError(errInternal)
		return
	}
	c.enqueue(Message{Type: TypeConnectCode, Code: code})
}

func (h *Hub) handleGetFriends(c *conn) {
	friends, err := h.friendsWithPresence(c.user.UserID)
	if err != nil {
		l.Warnln("listing friends for", c.user.UserID+":", err)
		c.sendError(errInternal)
		return
	}
	c.enqueue(Message{Type: TypeFriendsList, Friends: friends})
}

func (h *Hub) handleAddFriend(c *conn, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	friendID, err := h.dir.ResolveCode(ctx, msg.Code)
	if errors.Is(err, directory.ErrNotFound) {
		c.sendError(errInvalidConnectCode)
		return
	}
	if err != nil {
		l.Warnln("resolving connect code:", err)
		c.sendError(errInternal)
		return
	}

	switch err := h.dir.AddFriendship(ctx, c.user.UserID, friendID); {
	case errors.Is(err, directory.ErrSelfFriend):
		c.sendError(errCannotAddYourself)
		return
	case errors.Is(err, directory.ErrAlreadyFriends):
		c.sendError(errAlreadyFriends)
		return
	case err != nil:
		l.Warnln("adding friendship:", err)
		c.sendError(errInternal)
		return
	}

	h.ev.Log(events.FriendAdded, [2]string{c.user.UserID, friendID})

	// Both parties get the symmetric friend_added with the other's view.
	if view, err := h.friendView(c.user.UserID, friendID); err == nil {
		c.enqueue(Message{Type: TypeFriendAdded, Friend: view})
	}
	if peer, ok := h.reg.Lookup(friendID); ok {
		if view, err := h.friendView(friendID, c.user.UserID); err == nil {
			peer.(*conn).enqueue(Message{Type: TypeFriendAdded, Friend: view})
		}
	}
}

func (h *Hub) handleSessionRequest(c *conn, msg Message) {
	if !h.reg.IsOnline(msg.PeerID) {
		c.sendError(errPeerNotConnected)
		return
	}

	var hint *session.FileHint
	if msg.FileName != "" {
		hint = &session.FileHint{Name: msg.FileName, Size: msg.FileSize, Type: msg.FileType}
	}
	if _, err := h.sessions.Create(msg.SessionID, c.user.UserID, msg.PeerID, hint); err != nil {
		l.Debugln("creating session", msg.SessionID+":", err)
		c.sendError(errSessionState)
		return
	}
	metricActiveSessions.Set(float64(h.sessions.Len()))
	h.ev.Log(events.SessionRequested, msg.SessionID)

	h.sendTo(msg.PeerID, Message{
		Type:       TypeSessionRequest,
		SessionID:  msg.SessionID,
		SenderID:   c.user.UserID,
		SenderName: c.user.Name,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		FileType:   msg.FileType,
	})
}

func (h *Hub) handleSessionAccept(c *conn, msg Message) {
	s, err := h.sessions.Accept(msg.SessionID)
	if err != nil {
		h.sendSessionError(c, err)
		return
	}
	h.ev.Log(events.SessionAccepted, msg.SessionID)
	h.sendTo(s.Initiator, Message{Type: TypeSessionAccept, SessionID: s.ID, SenderID: c.user.UserID})
}

func (h *Hub) handleSessionReject(c *conn, msg Message) {
	s, err := h.sessions.Remove(msg.SessionID)
	if err != nil {
		h.sendSessionError(c, err)
		return
	}
	metricActiveSessions.Set(float64(h.sessions.Len()))
	h.ev.Log(events.SessionClosed, msg.SessionID)
	h.sendTo(s.Initiator, Message{Type: TypeSessionReject, SessionID: s.ID, SenderID: c.user.UserID})
}

func (h *Hub) handleSessionReady(c *conn, msg Message) {
	s, err := h.sessions.Ready(msg.SessionID)
	if err != nil {
		h.sendSessionError(c, err)
		return
	}
	h.ev.Log(events.SessionConnected, msg.SessionID)
	h.sendTo(s.Other(c.user.UserID), Message{Type: TypeSessionReady, SessionID: s.ID, SenderID: c.user.UserID})
}

func (h *Hub) handleSessionClose(c *conn, msg Message) {
	s, err := h.sessions.Remove(msg.SessionID)
	if err != nil {
		h.sendSessionError(c, err)
		return
	}
	metricActiveSessions.Set(float64(h.sessions.Len()))
	h.ev.Log(events.SessionClosed, msg.SessionID)
	h.sendTo(s.Other(c.user.UserID), Message{Type: TypeSessionClose, SessionID: s.ID, SenderID: c.user.UserID})
}

func (h *Hub) sendSessionError(c *conn, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.sendError(errSessionNotFound)
	case errors.Is(err, session.ErrBadTransition):
		c.sendError(errSessionState)
	default:
		c.sendError(errInternal)
	}
}

// relay forwards an opaque signaling payload to the named peer, with the
// sender's id attached. The hub does not look inside the payload.
func (h *Hub) relay(c *conn, msg Message) {
	fwd := msg
	fwd.SenderID = c.user.UserID
	fwd.PeerID = ""
	if !h.sendTo(msg.PeerID, fwd) {
		c.sendError(errPeerNotConnected)
	}
}

func (h *Hub) sendTo(userID string, msg Message) bool {
	peer, ok := h.reg.Lookup(userID)
	if !ok {
		return false
	}
	peer.(*conn).enqueue(msg)
	return true
}

// handleDisconnect runs when a socket dies for any reason. If the socket
// was superseded, the user is still online through its successor and no
// cleanup happens here.
func (h *Hub) handleDisconnect(c *conn) {
	if !h.reg.Unregister(c.user.UserID, c) {
		l.Debugln("superseded socket for", c.user.UserID, "closed")
		return
	}
	metricConnectedPeers.Set(float64(h.reg.Len()))

	// Every session the peer participated in dies with it; the surviving
	// party learns immediately rather than waiting out a timeout.
	for _, s := range h.sessions.PurgePeer(c.user.UserID) {
		h.sendTo(s.Other(c.user.UserID), Message{Type: TypeSessionClose, SessionID: s.ID, SenderID: c.user.UserID})
		h.ev.Log(events.SessionClosed, s.ID)
	}
	metricActiveSessions.Set(float64(h.sessions.Len()))

	h.broadcastPresence(c.user.UserID, false)
	h.ev.Log(events.PeerDisconnected, c.user.UserID)
	l.Infoln("peer disconnected:", c.user.UserID)
}

// broadcastPresence tells the user's online friends that the user came or
// went. Presence goes to friends only, not the whole hub.
func (h *Hub) broadcastPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	friends, err := h.dir.ListFriends(ctx, userID)
	if err != nil {
		l.Warnln("listing friends for presence broadcast:", err)
		return
	}

	t := TypeFriendOffline
	if online {
		t = TypeFriendOnline
	}
	for _, f := range friends {
		h.sendTo(f.ID, Message{Type: t, FriendID: userID})
	}
}

// friendsWithPresence returns the user's friends with IsOnline overlaid
// from the registry.
func (h *Hub) friendsWithPresence(userID string) ([]directory.Friend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	friends, err := h.dir.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range friends {
		friends[i].IsOnline = h.reg.IsOnline(friends[i].ID)
	}
	if friends == nil {
		friends = []directory.Friend{}
	}
	return friends, nil
}

// friendView returns owner's view of the given friend, presence included.
func (h *Hub) friendView(ownerID, friendID string) (*directory.Friend, error) {
	friends, err := h.friendsWithPresence(ownerID)
	if err != nil {
		return nil, err
	}
	for i := range friends {
		if friends[i].ID == friendID {
			return &friends[i], nil
		}
	}
	return nil, directory.ErrNotFound
}
