// Package server implements the relay: the session registry, the screen
// fan-out scheduler, the room controller dispatching authenticated
// streams, and the UDP voice relay.
package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

// videoSendTimeout bounds per-subscriber video writes so one stalled
// subscriber cannot back up the relay thread.
const videoSendTimeout = 50 * time.Millisecond

// Client is one present, authenticated connection. Fields behind the
// registry lock are mutated only through Registry methods; the send
// mutex serializes every write on the shared reliable stream.
type Client struct {
	ID     uint32
	Name   string
	UserID int64

	stream transport.Stream
	sendMu sync.Mutex

	// Registry-guarded state.
	udpAddr     *net.UDPAddr
	inVoice     bool
	sharing     bool
	subscribers map[uint32]struct{}
	cachedKey   []byte // last keyframe-bearing relay message
}

// Send writes one framed message under the stream send lock.
func (c *Client) Send(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendAll(msg)
}

// SendTimeout writes with a bounded deadline; a stall drops the write for
// this client only.
func (c *Client) SendTimeout(msg []byte, d time.Duration) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(d))
	err := c.stream.SendAll(msg)
	_ = c.stream.SetWriteDeadline(time.Time{})
	return err
}

// CloseStream shuts the reliable stream, unblocking the read task.
func (c *Client) CloseStream() { _ = c.stream.Close() }

// RemovalInfo reports what a removed client was doing so the caller can
// broadcast the right notifications.
type RemovalInfo struct {
	Name       string
	WasInVoice bool
	WasSharing bool
}

// Registry owns the table of present clients. One lock guards the table
// and all derived state; it is never held across blocking I/O — callers
// snapshot targets under the lock and send outside it (small control
// sends during the join snapshot ride on large kernel buffers).
type Registry struct {
	mu      sync.Mutex
	clients map[uint32]*Client
	nextID  uint32
	log     *slog.Logger
}

// NewRegistry creates an empty registry. IDs are never reused during the
// process lifetime.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[uint32]*Client),
		nextID:  1,
		log:     slog.With("component", "registry"),
	}
}

// Add inserts an authenticated client and returns it with a fresh id.
func (r *Registry) Add(name string, stream transport.Stream, userID int64) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Client{
		ID:          r.nextID,
		Name:        name,
		UserID:      userID,
		stream:      stream,
		subscribers: make(map[uint32]struct{}),
	}
	r.nextID++
	r.clients[c.ID] = c
	r.log.Info("client added", "id", c.ID, "username", name, "clients", len(r.clients))
	return c
}

// Remove deletes a client and scrubs it from every subscriber set.
// Returns the removal info, or false when the id was already gone.
func (r *Registry) Remove(id uint32) (RemovalInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return RemovalInfo{}, false
	}
	delete(r.clients, id)
	for _, other := range r.clients {
		delete(other.subscribers, id)
	}
	r.log.Info("client removed", "id", id, "username", c.Name, "clients", len(r.clients))
	return RemovalInfo{Name: c.Name, WasInVoice: c.inVoice, WasSharing: c.sharing}, true
}

// Get returns the client with the given id.
func (r *Registry) Get(id uint32) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Snapshot returns the present clients in unspecified order.
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// RoomState is the consistent join snapshot sent to a new client before
// its own USER_JOINED is broadcast.
type RoomState struct {
	Users   []protocol.UserJoined
	Sharers []uint32
	InVoice []uint32
}

// State captures the current room under one lock acquisition.
func (r *Registry) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s RoomState
	for _, c := range r.clients {
		s.Users = append(s.Users, protocol.UserJoined{ClientID: c.ID, Username: c.Name})
		if c.sharing {
			s.Sharers = append(s.Sharers, c.ID)
		}
		if c.inVoice {
			s.InVoice = append(s.InVoice, c.ID)
		}
	}
	return s
}

// SetVoice flips the voice membership flag. Returns false for unknown ids.
func (r *Registry) SetVoice(id uint32, in bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.inVoice = in
	return true
}

// SetSharing flips the sharing flag. Stopping also clears the subscriber
// set and the cached keyframe.
func (r *Registry) SetSharing(id uint32, sharing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.sharing = sharing
	if !sharing {
		c.subscribers = make(map[uint32]struct{})
		c.cachedKey = nil
	}
	return true
}

// Subscribe adds subID to targetID's subscriber set. It returns the
// target's cached keyframe message (nil when none has arrived yet) so the
// caller can either replay it or request a fresh IDR.
func (r *Registry) Subscribe(subID, targetID uint32) (cached []byte, target *Client, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.clients[targetID]
	if !exists || !t.sharing {
		return nil, nil, false
	}
	if _, present := r.clients[subID]; !present {
		return nil, nil, false
	}
	t.subscribers[subID] = struct{}{}
	return t.cachedKey, t, true
}

// Unsubscribe removes subID from targetID's subscriber set.
func (r *Registry) Unsubscribe(subID, targetID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.clients[targetID]; ok {
		delete(t.subscribers, subID)
	}
}

// SetCachedKeyframe stores the sharer's latest keyframe-bearing relay
// message, replayed to late subscribers.
func (r *Registry) SetCachedKeyframe(id uint32, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok && c.sharing {
		c.cachedKey = msg
	}
}

// SubscribersOf returns the clients watching sharerID.
func (r *Registry) SubscribersOf(sharerID uint32) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.clients[sharerID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(s.subscribers))
	for id := range s.subscribers {
		if sub, present := r.clients[id]; present {
			out = append(out, sub)
		}
	}
	return out
}

// LearnUDPAddr records the sender's voice address on its first datagram.
// Later datagrams never change it; a shifting source address suggests
// spoofing. Returns whether the sender is present and in voice.
func (r *Registry) LearnUDPAddr(id uint32, addr *net.UDPAddr) (inVoice bool, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false, false
	}
	if c.udpAddr == nil {
		c.udpAddr = addr
		r.log.Debug("voice address learned", "id", id, "addr", addr)
	}
	return c.inVoice, true
}

// VoicePeers returns the learned addresses of every other in-voice
// client.
func (r *Registry) VoicePeers(senderID uint32) []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*net.UDPAddr, 0, len(r.clients))
	for id, c := range r.clients {
		if id == senderID || !c.inVoice || c.udpAddr == nil {
			continue
		}
		out = append(out, c.udpAddr)
	}
	return out
}
