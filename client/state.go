// Package client implements the connection controller and the voice and
// screen pipelines. The GUI is an external collaborator: it consumes only
// the locked snapshots published by State and never reaches into a task's
// internals.
package client

import (
	"image"
	"sort"
	"sync"
	"time"

	"github.com/cm21968/LilyPad/chatlog"
)

// talkingWindow is how recently a voice packet must have arrived for a
// peer to be shown as talking.
const talkingWindow = 300 * time.Millisecond

// UserInfo is one visible room member.
type UserInfo struct {
	ID      uint32
	Name    string
	InVoice bool
	Sharing bool
}

// State holds everything the UI reads, each group behind its own lock.
type State struct {
	usersMu sync.Mutex
	users   map[uint32]*UserInfo

	chatMu sync.Mutex
	chat   []chatlog.Record

	volMu        sync.Mutex
	volumes      map[uint32]float32
	streamVolume float32

	talkMu    sync.Mutex
	lastVoice map[uint32]time.Time

	surfMu  sync.Mutex
	surface *image.RGBA

	sysMu       sync.Mutex
	systemLines []string
}

// NewState creates empty published state.
func NewState() *State {
	return &State{
		users:        make(map[uint32]*UserInfo),
		volumes:      make(map[uint32]float32),
		lastVoice:    make(map[uint32]time.Time),
		streamVolume: 1.0,
	}
}

// Reset clears all per-connection state; called at post-auth setup.
func (s *State) Reset() {
	s.usersMu.Lock()
	s.users = make(map[uint32]*UserInfo)
	s.usersMu.Unlock()

	s.chatMu.Lock()
	s.chat = nil
	s.chatMu.Unlock()

	s.volMu.Lock()
	s.volumes = make(map[uint32]float32)
	s.streamVolume = 1.0
	s.volMu.Unlock()

	s.talkMu.Lock()
	s.lastVoice = make(map[uint32]time.Time)
	s.talkMu.Unlock()

	s.surfMu.Lock()
	s.surface = nil
	s.surfMu.Unlock()
}

// UserJoined records a member.
func (s *State) UserJoined(id uint32, name string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.users[id] = &UserInfo{ID: id, Name: name}
}

// UserLeft removes a member.
func (s *State) UserLeft(id uint32) {
	s.usersMu.Lock()
	delete(s.users, id)
	s.usersMu.Unlock()

	s.talkMu.Lock()
	delete(s.lastVoice, id)
	s.talkMu.Unlock()
}

// SetUserVoice flips a member's voice flag.
func (s *State) SetUserVoice(id uint32, in bool) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if u, ok := s.users[id]; ok {
		u.InVoice = in
	}
}

// SetUserSharing flips a member's sharing flag.
func (s *State) SetUserSharing(id uint32, sharing bool) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if u, ok := s.users[id]; ok {
		u.Sharing = sharing
	}
}

// UserName returns the display name for id.
func (s *State) UserName(id uint32) string {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if u, ok := s.users[id]; ok {
		return u.Name
	}
	return ""
}

// Users returns the member list ordered by id.
func (s *State) Users() []UserInfo {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	out := make([]UserInfo, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppendChat adds one record to the visible log.
func (s *State) AppendChat(r chatlog.Record) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.chat = append(s.chat, r)
}

// Chat returns a copy of the visible log.
func (s *State) Chat() []chatlog.Record {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	out := make([]chatlog.Record, len(s.chat))
	copy(out, s.chat)
	return out
}

// SystemMessage publishes a user-visible failure or status line.
func (s *State) SystemMessage(line string) {
	s.sysMu.Lock()
	s.systemLines = append(s.systemLines, line)
	s.sysMu.Unlock()

	s.AppendChat(chatlog.Record{Sender: "*", Ts: time.Now().Unix(), Text: line})
}

// SystemMessages returns the accumulated system lines.
func (s *State) SystemMessages() []string {
	s.sysMu.Lock()
	defer s.sysMu.Unlock()
	out := make([]string, len(s.systemLines))
	copy(out, s.systemLines)
	return out
}

// SetVolume sets a peer's playback weight, clamped to 0–2×.
func (s *State) SetVolume(id uint32, v float32) {
	if v < 0 {
		v = 0
	}
	if v > 2 {
		v = 2
	}
	s.volMu.Lock()
	defer s.volMu.Unlock()
	s.volumes[id] = v
}

// Volume returns a peer's playback weight, 1.0 by default.
func (s *State) Volume(id uint32) float32 {
	s.volMu.Lock()
	defer s.volMu.Unlock()
	if v, ok := s.volumes[id]; ok {
		return v
	}
	return 1.0
}

// SetStreamVolume sets the system-audio weight.
func (s *State) SetStreamVolume(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 2 {
		v = 2
	}
	s.volMu.Lock()
	defer s.volMu.Unlock()
	s.streamVolume = v
}

// StreamVolume returns the system-audio weight.
func (s *State) StreamVolume() float32 {
	s.volMu.Lock()
	defer s.volMu.Unlock()
	return s.streamVolume
}

// NoteVoicePacket timestamps a received voice packet for the talking
// indicator.
func (s *State) NoteVoicePacket(id uint32) {
	s.talkMu.Lock()
	defer s.talkMu.Unlock()
	s.lastVoice[id] = time.Now()
}

// Talking reports whether a packet from id arrived within the window.
func (s *State) Talking(id uint32) bool {
	s.talkMu.Lock()
	defer s.talkMu.Unlock()
	last, ok := s.lastVoice[id]
	return ok && time.Since(last) <= talkingWindow
}

// PublishSurface stores the latest decoded screen picture.
func (s *State) PublishSurface(img *image.RGBA) {
	s.surfMu.Lock()
	defer s.surfMu.Unlock()
	s.surface = img
}

// Surface returns the current screen picture and whether one exists.
func (s *State) Surface() (*image.RGBA, bool) {
	s.surfMu.Lock()
	defer s.surfMu.Unlock()
	return s.surface, s.surface != nil
}
