package server

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cm21968/LilyPad/certs"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

// testServer runs a full server on ephemeral ports.
type testServer struct {
	srv     *Server
	addr    string
	udpPort int
	cancel  context.CancelFunc
	done    chan error
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cert, _, err := certs.LoadOrGenerate(filepath.Join(dir, "s.crt"), filepath.Join(dir, "s.key"))
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Config{
		TCPAddr:  "127.0.0.1:0",
		UDPPort:  0,
		TLSCert:  cert,
		DBPath:   filepath.Join(dir, "auth.db"),
		ChatPath: filepath.Join(dir, "chat.jsonl"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	addr, udpPort, err := srv.Addrs(waitCtx)
	if err != nil {
		cancel()
		t.Fatalf("server not ready: %v", err)
	}

	ts := &testServer{srv: srv, addr: addr.String(), udpPort: udpPort, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ts
}

// testClient is a raw protocol driver over a real TLS connection.
type testClient struct {
	t      *testing.T
	stream transport.Stream
}

func (ts *testServer) connect(t *testing.T) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := transport.Dial(ctx, ts.addr, transport.ClientTLSConfig("127.0.0.1", true))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { stream.Close() })
	return &testClient{t: t, stream: stream}
}

func (tc *testClient) sendMsg(msg []byte) {
	tc.t.Helper()
	if err := tc.stream.SendAll(msg); err != nil {
		tc.t.Fatalf("send: %v", err)
	}
}

func (tc *testClient) readMsg() (protocol.Header, []byte) {
	tc.t.Helper()
	h, payload, err := transport.ReadMessage(tc.stream)
	if err != nil {
		tc.t.Fatalf("read: %v", err)
	}
	return h, payload
}

// readUntil skips messages until one of the wanted type arrives.
func (tc *testClient) readUntil(msgType byte) []byte {
	tc.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h, payload := tc.readMsg()
		if h.Type == msgType {
			return payload
		}
	}
	tc.t.Fatalf("no message of type 0x%02x", msgType)
	return nil
}

func (tc *testClient) register(name, pass string) protocol.StatusResp {
	tc.t.Helper()
	tc.sendMsg(protocol.MakeAuthRegisterReq(name, pass))
	resp, err := protocol.ParseStatusResp(tc.readUntil(protocol.MsgAuthRegisterResp))
	if err != nil {
		tc.t.Fatal(err)
	}
	return resp
}

func (tc *testClient) login(name, pass string) protocol.LoginResp {
	tc.t.Helper()
	tc.sendMsg(protocol.MakeAuthLoginReq(name, pass))
	resp, err := protocol.ParseLoginResp(tc.readUntil(protocol.MsgAuthLoginResp))
	if err != nil {
		tc.t.Fatal(err)
	}
	return resp
}

func TestEndToEndChatAndSync(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.connect(t)
	if resp := alice.register("alice", "passw0rd"); resp.Status != protocol.StatusOK {
		t.Fatalf("register: %v (%s)", resp.Status, resp.Message)
	}
	login := alice.login("alice", "passw0rd")
	if login.Status != protocol.StatusOK {
		t.Fatalf("login: %v (%s)", login.Status, login.Message)
	}
	if login.UDPPort != uint16(ts.udpPort) {
		t.Errorf("announced udp port = %d, want %d", login.UDPPort, ts.udpPort)
	}
	var zero [protocol.TokenSize]byte
	if login.Token == zero {
		t.Error("login returned a zero token")
	}

	// The sender receives its own record back with seq 1.
	alice.sendMsg(protocol.MakeTextChat("hi"))
	cb, err := protocol.ParseChatBroadcast(alice.readUntil(protocol.MsgTextChat))
	if err != nil {
		t.Fatal(err)
	}
	if cb.Seq != 1 || cb.Sender != "alice" || cb.Text != "hi" {
		t.Errorf("broadcast = %+v", cb)
	}

	// A later client syncing from 0 receives exactly that record.
	bob := ts.connect(t)
	if resp := bob.register("bob", "passw0rd"); resp.Status != protocol.StatusOK {
		t.Fatalf("bob register: %v", resp.Status)
	}
	if resp := bob.login("bob", "passw0rd"); resp.Status != protocol.StatusOK {
		t.Fatalf("bob login: %v", resp.Status)
	}
	bob.sendMsg(protocol.MakeChatSync(0))
	cb, err = protocol.ParseChatBroadcast(bob.readUntil(protocol.MsgTextChat))
	if err != nil {
		t.Fatal(err)
	}
	if cb.Seq != 1 || cb.Sender != "alice" || cb.Text != "hi" {
		t.Errorf("synced record = %+v", cb)
	}
}

func TestEndToEndVoiceRelay(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.connect(t)
	alice.register("alice", "passw0rd")
	aliceLogin := alice.login("alice", "passw0rd")

	bob := ts.connect(t)
	bob.register("bob", "passw0rd")
	bobLogin := bob.login("bob", "passw0rd")

	alice.sendMsg(protocol.MakeVoiceJoin())
	bob.sendMsg(protocol.MakeVoiceJoin())
	alice.readUntil(protocol.MsgVoiceJoined) // own join echo
	bob.readUntil(protocol.MsgVoiceJoined)

	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ts.udpPort}
	aliceUDP, err := transport.ListenUDP(0)
	if err != nil {
		t.Fatal(err)
	}
	defer aliceUDP.Close()
	bobUDP, err := transport.ListenUDP(0)
	if err != nil {
		t.Fatal(err)
	}
	defer bobUDP.Close()

	// Address learning: both sides announce themselves with one packet.
	opus := []byte{0xDE, 0xAD}
	send := func(ep *transport.UDPEndpoint, id uint32, seq uint32) {
		pkt := protocol.VoicePacket{ClientID: id, Sequence: seq, Opus: opus}
		if err := ep.SendTo(pkt.Bytes(), serverAddr); err != nil {
			t.Fatal(err)
		}
	}
	send(aliceUDP, aliceLogin.ClientID, 0)
	send(bobUDP, bobLogin.ClientID, 0)

	// Alice's next packets must reach Bob's learned address, unmodified.
	buf := make([]byte, protocol.MaxVoicePacket)
	deadline := time.Now().Add(5 * time.Second)
	var got protocol.VoicePacket
	for time.Now().Before(deadline) {
		send(aliceUDP, aliceLogin.ClientID, 1)
		n, _, ok, err := bobUDP.RecvFrom(buf, 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			continue
		}
		got, err = protocol.ParseVoicePacket(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if got.ClientID == aliceLogin.ClientID {
			break
		}
	}
	if got.ClientID != aliceLogin.ClientID || !bytes.Equal(got.Opus, opus) {
		t.Fatalf("relayed packet = %+v", got)
	}
}

func TestEndToEndRollingToken(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.connect(t)
	alice.register("alice", "passw0rd")
	login := alice.login("alice", "passw0rd")
	t1 := login.Token

	alice.sendMsg(protocol.MakeLeave())

	// Reconnect with T1; expect OK plus a different token T2.
	second := ts.connect(t)
	second.sendMsg(protocol.MakeAuthTokenLoginReq("alice", t1[:]))
	resp, err := protocol.ParseLoginResp(second.readUntil(protocol.MsgAuthTokenLoginRes))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusOK {
		t.Fatalf("token login: %v (%s)", resp.Status, resp.Message)
	}
	if resp.Token == t1 {
		t.Error("token was not rolled")
	}

	// T1 is spent; a replay fails with token_expired.
	third := ts.connect(t)
	third.sendMsg(protocol.MakeAuthTokenLoginReq("alice", t1[:]))
	replay, err := protocol.ParseLoginResp(third.readUntil(protocol.MsgAuthTokenLoginRes))
	if err != nil {
		t.Fatal(err)
	}
	if replay.Status != protocol.StatusTokenExpired {
		t.Errorf("replay status = %v, want token_expired", replay.Status)
	}
}

func TestEndToEndRateLimit(t *testing.T) {
	ts := startTestServer(t)

	c := ts.connect(t)
	c.register("alice", "passw0rd")

	for i := 0; i < 5; i++ {
		if resp := c.login("alice", "wrongpass"); resp.Status != protocol.StatusInvalidCreds {
			t.Fatalf("attempt %d: %v", i, resp.Status)
		}
	}
	// Sixth attempt is rejected before verification, even with the
	// correct password.
	if resp := c.login("alice", "passw0rd"); resp.Status != protocol.StatusRateLimited {
		t.Errorf("sixth attempt = %v, want rate_limited", resp.Status)
	}
}

func TestEndToEndJoinSnapshotOrdering(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.connect(t)
	alice.register("alice", "passw0rd")
	alice.login("alice", "passw0rd")
	alice.sendMsg(protocol.MakeVoiceJoin())
	alice.readUntil(protocol.MsgVoiceJoined)

	// Bob's snapshot must list alice (and her voice membership) before
	// his own login response arrives.
	bob := ts.connect(t)
	bob.register("bob", "passw0rd")
	bob.sendMsg(protocol.MakeAuthLoginReq("bob", "passw0rd"))

	var sawAlice, sawAliceVoice bool
	for {
		h, payload := bob.readMsg()
		if h.Type == protocol.MsgAuthLoginResp {
			break
		}
		switch h.Type {
		case protocol.MsgUserJoined:
			if uj, err := protocol.ParseUserJoined(payload); err == nil && uj.Username == "alice" {
				sawAlice = true
			}
		case protocol.MsgVoiceJoined:
			sawAliceVoice = true
		}
	}
	if !sawAlice || !sawAliceVoice {
		t.Errorf("snapshot before login resp: user=%v voice=%v", sawAlice, sawAliceVoice)
	}
}
