package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Header{
		{Type: MsgLeave, PayloadLen: 0},
		{Type: MsgTextChat, PayloadLen: 1},
		{Type: MsgScreenFrame, PayloadLen: 4 << 20},
		{Type: 0xFF, PayloadLen: 0xFFFFFFFF},
	}
	for _, h := range cases {
		buf := SerializeHeader(h)
		if len(buf) != HeaderSize {
			t.Fatalf("header size = %d, want %d", len(buf), HeaderSize)
		}
		got, err := DeserializeHeader(buf)
		if err != nil {
			t.Fatalf("DeserializeHeader: %v", err)
		}
		if got != h {
			t.Errorf("round trip = %+v, want %+v", got, h)
		}
	}
}

func TestHeaderLittleEndian(t *testing.T) {
	t.Parallel()

	buf := SerializeHeader(Header{Type: MsgTextChat, PayloadLen: 0x01020304})
	want := []byte{0x06, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(buf, want) {
		t.Errorf("header bytes = %x, want %x", buf, want)
	}
}

func TestDeserializeHeaderShort(t *testing.T) {
	t.Parallel()

	if _, err := DeserializeHeader([]byte{0x06, 0x00}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestChatBroadcastRoundTrip(t *testing.T) {
	t.Parallel()

	msg := MakeTextChatBroadcast(42, 7, 1700000000, "alice", "hi there")
	h, err := DeserializeHeader(msg)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Type != MsgTextChat {
		t.Fatalf("type = 0x%02x, want 0x%02x", h.Type, MsgTextChat)
	}
	if int(h.PayloadLen) != len(msg)-HeaderSize {
		t.Fatalf("payload len = %d, want %d", h.PayloadLen, len(msg)-HeaderSize)
	}

	c, err := ParseChatBroadcast(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseChatBroadcast: %v", err)
	}
	if c.Seq != 42 || c.ClientID != 7 || c.Timestamp != 1700000000 ||
		c.Sender != "alice" || c.Text != "hi there" {
		t.Errorf("parsed = %+v", c)
	}
}

func TestLoginRespRoundTrip(t *testing.T) {
	t.Parallel()

	token := bytes.Repeat([]byte{0xAB}, TokenSize)
	msg := MakeAuthLoginResp(StatusOK, 9, 7778, token, "welcome")
	lr, err := ParseLoginResp(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseLoginResp: %v", err)
	}
	if lr.Status != StatusOK || lr.ClientID != 9 || lr.UDPPort != 7778 || lr.Message != "welcome" {
		t.Errorf("parsed = %+v", lr)
	}
	if !bytes.Equal(lr.Token[:], token) {
		t.Errorf("token = %x", lr.Token)
	}
}

func TestTokenLoginRoundTrip(t *testing.T) {
	t.Parallel()

	token := bytes.Repeat([]byte{0x5C}, TokenSize)
	msg := MakeAuthTokenLoginReq("bob", token)
	tl, err := ParseTokenLogin(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseTokenLogin: %v", err)
	}
	if tl.Username != "bob" || !bytes.Equal(tl.Token[:], token) {
		t.Errorf("parsed = %+v", tl)
	}
}

func TestScreenFrameRelayRoundTrip(t *testing.T) {
	t.Parallel()

	nal := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	msg := MakeScreenFrameRelay(3, 1920, 1080, ScreenFlagKeyIDR, nal)
	f, err := ParseScreenFrameRelay(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseScreenFrameRelay: %v", err)
	}
	if f.SharerID != 3 || f.Width != 1920 || f.Height != 1080 || !f.IsKeyframe() {
		t.Errorf("parsed = %+v", f)
	}
	if !bytes.Equal(f.Data, nal) {
		t.Errorf("data = %x, want %x", f.Data, nal)
	}
}

func TestScreenFrameClientSide(t *testing.T) {
	t.Parallel()

	msg := MakeScreenFrame(640, 480, 0, []byte{1, 2, 3})
	f, err := ParseScreenFrame(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseScreenFrame: %v", err)
	}
	if f.SharerID != 0 || f.Width != 640 || f.Height != 480 || f.IsKeyframe() {
		t.Errorf("parsed = %+v", f)
	}
}

func TestCredentialsWithEmbeddedNulSafety(t *testing.T) {
	t.Parallel()

	msg := MakeAuthLoginReq("carol", "s3cretpass")
	c, err := ParseCredentials(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseCredentials: %v", err)
	}
	if c.Username != "carol" || c.Password != "s3cretpass" {
		t.Errorf("parsed = %+v", c)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"credentials no nul", func() error { _, err := ParseCredentials([]byte("alice")); return err }()},
		{"user joined short", func() error { _, err := ParseUserJoined([]byte{1, 2}); return err }()},
		{"token login short", func() error { _, err := ParseTokenLogin(append([]byte("bob\x00"), 1, 2, 3)); return err }()},
		{"chat sync short", func() error { _, err := ParseChatSync([]byte{1, 2, 3}); return err }()},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", tc.name, tc.err)
		}
	}
}

func TestValidUsername(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ok   bool
	}{
		{"alice", true},
		{"A_1", true},
		{string(bytes.Repeat([]byte{'a'}, 32)), true},
		{string(bytes.Repeat([]byte{'a'}, 33)), false},
		{"", false},
		{"bad name", false},
		{"ünïcode", false},
	}
	for _, tc := range cases {
		if got := ValidUsername(tc.name); got != tc.ok {
			t.Errorf("ValidUsername(%q) = %v, want %v", tc.name, got, tc.ok)
		}
	}
}

func TestValidPassword(t *testing.T) {
	t.Parallel()

	if ValidPassword(string(bytes.Repeat([]byte{'p'}, 7))) {
		t.Error("7-char password accepted")
	}
	if !ValidPassword(string(bytes.Repeat([]byte{'p'}, 8))) {
		t.Error("8-char password rejected")
	}
	if !ValidPassword(string(bytes.Repeat([]byte{'p'}, 128))) {
		t.Error("128-char password rejected")
	}
	if ValidPassword(string(bytes.Repeat([]byte{'p'}, 129))) {
		t.Error("129-char password accepted")
	}
}

func TestVoicePacketRoundTrip(t *testing.T) {
	t.Parallel()

	p := VoicePacket{ClientID: 12, Sequence: 0xDEADBEEF, Opus: []byte{9, 8, 7}}
	got, err := ParseVoicePacket(p.Bytes())
	if err != nil {
		t.Fatalf("ParseVoicePacket: %v", err)
	}
	if got.ClientID != p.ClientID || got.Sequence != p.Sequence || !bytes.Equal(got.Opus, p.Opus) {
		t.Errorf("parsed = %+v, want %+v", got, p)
	}
}

func TestVoicePacketTooShort(t *testing.T) {
	t.Parallel()

	if _, err := ParseVoicePacket([]byte{1, 2, 3, 4, 5, 6, 7}); err == nil {
		t.Error("7-byte datagram accepted")
	}
}

func TestTruncationLimits(t *testing.T) {
	t.Parallel()

	longText := string(bytes.Repeat([]byte{'x'}, MaxChatLen+100))
	msg := MakeTextChat(longText)
	text, err := ParseTextChat(msg[HeaderSize:])
	if err != nil {
		t.Fatalf("ParseTextChat: %v", err)
	}
	if len(text) != MaxChatLen {
		t.Errorf("text len = %d, want %d", len(text), MaxChatLen)
	}
}
