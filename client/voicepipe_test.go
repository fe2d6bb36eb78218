package client

import (
	"testing"
	"time"

	"github.com/cm21968/LilyPad/chatlog"
)

func TestTransmitGate(t *testing.T) {
	t.Parallel()

	c := New(Config{ServerAddr: "x:1", DataDir: t.TempDir()})
	v := c.Voice

	if !v.transmitting() {
		t.Error("default gate closed")
	}

	v.Muted.Store(true)
	if v.transmitting() {
		t.Error("transmitting while muted")
	}
	v.Muted.Store(false)

	v.PTTEnabled.Store(true)
	if v.transmitting() {
		t.Error("transmitting with PTT enabled but not held")
	}
	v.PTTHeld.Store(true)
	if !v.transmitting() {
		t.Error("not transmitting with PTT held")
	}

	v.Muted.Store(true)
	if v.transmitting() {
		t.Error("mute does not override PTT")
	}
}

func TestClampFrame(t *testing.T) {
	t.Parallel()

	frame := []float32{0.5, 1.5, -2.0, -0.5, 1.0}
	clampFrame(frame)
	want := []float32{0.5, 1.0, -1.0, -0.5, 1.0}
	for i := range want {
		if frame[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, frame[i], want[i])
		}
	}
}

func TestVolumeClamping(t *testing.T) {
	t.Parallel()

	s := NewState()
	if v := s.Volume(1); v != 1.0 {
		t.Errorf("default volume = %v", v)
	}
	s.SetVolume(1, 5.0)
	if v := s.Volume(1); v != 2.0 {
		t.Errorf("over-range volume = %v, want 2.0", v)
	}
	s.SetVolume(1, -1.0)
	if v := s.Volume(1); v != 0 {
		t.Errorf("under-range volume = %v, want 0", v)
	}
}

func TestTalkingIndicatorWindow(t *testing.T) {
	t.Parallel()

	s := NewState()
	if s.Talking(4) {
		t.Error("talking before any packet")
	}
	s.NoteVoicePacket(4)
	if !s.Talking(4) {
		t.Error("not talking right after a packet")
	}

	// Force the timestamp outside the window.
	s.talkMu.Lock()
	s.lastVoice[4] = time.Now().Add(-400 * time.Millisecond)
	s.talkMu.Unlock()
	if s.Talking(4) {
		t.Error("talking after the window elapsed")
	}
}

func TestStateResetClearsEverything(t *testing.T) {
	t.Parallel()

	s := NewState()
	s.UserJoined(1, "alice")
	s.AppendChat(chatlog.Record{Seq: 1, Sender: "alice", Ts: 1, Text: "hi"})
	s.SetVolume(1, 1.5)
	s.NoteVoicePacket(1)

	s.Reset()
	if len(s.Users()) != 0 || len(s.Chat()) != 0 {
		t.Error("reset left users or chat behind")
	}
	if s.Volume(1) != 1.0 {
		t.Error("reset left a volume override")
	}
	if s.Talking(1) {
		t.Error("reset left a talking mark")
	}
}

func TestRemovePeerDropsJitterState(t *testing.T) {
	t.Parallel()

	c := New(Config{ServerAddr: "x:1", DataDir: t.TempDir()})
	v := c.Voice
	v.peers[9] = &peerStream{}
	v.removePeer(9)
	if _, ok := v.peers[9]; ok {
		t.Error("peer stream survived removal")
	}
}
