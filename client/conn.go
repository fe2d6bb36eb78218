package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cm21968/LilyPad/chatlog"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

// ConnState is the connection controller's state machine position.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnectedUnauth
	StateLoggingIn
	StateRegistering
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedUnauth:
		return "connected"
	case StateLoggingIn:
		return "logging in"
	case StateRegistering:
		return "registering"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

const authRespTimeout = 10 * time.Second

// ErrNotAuthenticated is returned by operations that require a logged-in
// connection.
var ErrNotAuthenticated = errors.New("client: not authenticated")

// ErrNoSavedSession is returned by TokenLogin when no session file
// exists for the server.
var ErrNoSavedSession = errors.New("client: no saved session")

// Config carries the connection's immutable settings.
type Config struct {
	ServerAddr           string // host:port of the control listener
	AcceptUntrustedCerts bool
	DataDir              string // session files and chat caches
	CaptureDevice        int    // microphone index, -1 for default
	PlaybackDevice       int    // speaker index, -1 for default
}

// Connection is the client connection controller: it owns the reliable
// stream, the auth state machine, and the pipelines hanging off an
// authenticated session.
type Connection struct {
	cfg      Config
	log      *slog.Logger
	State    *State
	Voice    *VoicePipeline
	Screen   *ScreenPipeline
	sessions SessionFile

	state atomic.Int32

	stream transport.Stream
	sendMu sync.Mutex // the tcp-send lock: every write goes through send()

	udp       *transport.UDPEndpoint
	serverUDP *net.UDPAddr
	clientID  uint32
	username  string

	chatCache *chatlog.History
	chatMu    sync.Mutex
	lastSeq   uint64

	running  atomic.Bool
	wg       sync.WaitGroup
	authResp chan protocol.StatusResp

	// dial is swappable for tests (plain TCP instead of TLS).
	dial func(ctx context.Context) (transport.Stream, error)
}

// New creates a disconnected controller.
func New(cfg Config) *Connection {
	c := &Connection{
		cfg:      cfg,
		log:      slog.With("component", "client"),
		State:    NewState(),
		sessions: SessionFile{Dir: filepath.Join(cfg.DataDir, "sessions")},
		authResp: make(chan protocol.StatusResp, 1),
	}
	c.dial = func(ctx context.Context) (transport.Stream, error) {
		host, _, err := net.SplitHostPort(cfg.ServerAddr)
		if err != nil {
			host = cfg.ServerAddr
		}
		return transport.Dial(ctx, cfg.ServerAddr, transport.ClientTLSConfig(host, cfg.AcceptUntrustedCerts))
	}
	c.Voice = newVoicePipeline(c)
	c.Screen = newScreenPipeline(c)
	return c
}

// ConnState returns the current state machine position.
func (c *Connection) ConnState() ConnState { return ConnState(c.state.Load()) }

// ClientID returns the server-assigned id, valid once authenticated.
func (c *Connection) ClientID() uint32 { return c.clientID }

// Username returns the authenticated account name.
func (c *Connection) Username() string { return c.username }

// Connect establishes TCP+TLS. The connection is then unauthenticated;
// follow with Register/Login/TokenLogin.
func (c *Connection) Connect(ctx context.Context) error {
	if c.ConnState() != StateDisconnected {
		return fmt.Errorf("client: connect in state %v", c.ConnState())
	}
	stream, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.stream = stream
	c.state.Store(int32(StateConnectedUnauth))
	c.log.Info("connected", "server", c.cfg.ServerAddr)
	return nil
}

// send writes one framed message under the tcp-send lock. Every module
// that writes to the server goes through here.
func (c *Connection) send(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.stream == nil {
		return transport.ErrConnectionLost
	}
	return c.stream.SendAll(msg)
}

// Register creates an account. On success the connection stays
// unauthenticated; the caller follows with Login.
func (c *Connection) Register(username, password string) (protocol.StatusResp, error) {
	if c.ConnState() != StateConnectedUnauth {
		return protocol.StatusResp{}, fmt.Errorf("client: register in state %v", c.ConnState())
	}
	c.state.Store(int32(StateRegistering))
	defer c.state.Store(int32(StateConnectedUnauth))

	if err := c.send(protocol.MakeAuthRegisterReq(username, password)); err != nil {
		c.teardown()
		return protocol.StatusResp{}, err
	}
	for {
		h, payload, err := transport.ReadMessage(c.stream)
		if err != nil {
			c.teardown()
			return protocol.StatusResp{}, err
		}
		if h.Type != protocol.MsgAuthRegisterResp {
			continue
		}
		return protocol.ParseStatusResp(payload)
	}
}

// Login authenticates with a password. On success the session token is
// saved for later token logins and the post-auth tasks start.
func (c *Connection) Login(username, password string) (protocol.LoginResp, error) {
	return c.authenticate(username, protocol.MakeAuthLoginReq(username, password), protocol.MsgAuthLoginResp)
}

// TokenLogin authenticates with the saved rolling token for this server.
// A token_expired response clears the saved session.
func (c *Connection) TokenLogin() (protocol.LoginResp, error) {
	username, token, ok := c.sessions.Load(c.cfg.ServerAddr)
	if !ok {
		return protocol.LoginResp{}, ErrNoSavedSession
	}
	resp, err := c.authenticate(username, protocol.MakeAuthTokenLoginReq(username, token), protocol.MsgAuthTokenLoginRes)
	if err == nil && resp.Status == protocol.StatusTokenExpired {
		c.sessions.Clear(c.cfg.ServerAddr)
	}
	return resp, err
}

// authenticate drives one login attempt. The server delivers the join
// snapshot (USER_JOINED, SCREEN_START, VOICE_JOINED, UPDATE_AVAILABLE)
// before the typed response, so the loop feeds everything else through
// the normal dispatcher.
func (c *Connection) authenticate(username string, req []byte, respType byte) (protocol.LoginResp, error) {
	if c.ConnState() != StateConnectedUnauth {
		return protocol.LoginResp{}, fmt.Errorf("client: login in state %v", c.ConnState())
	}
	c.state.Store(int32(StateLoggingIn))

	c.State.Reset()
	if err := c.send(req); err != nil {
		c.teardown()
		return protocol.LoginResp{}, err
	}

	for {
		h, payload, err := transport.ReadMessage(c.stream)
		if err != nil {
			c.teardown()
			return protocol.LoginResp{}, err
		}
		if h.Type != respType {
			c.handleMessage(h, payload)
			continue
		}

		resp, err := protocol.ParseLoginResp(payload)
		if err != nil {
			c.teardown()
			return protocol.LoginResp{}, err
		}
		if resp.Status != protocol.StatusOK {
			c.state.Store(int32(StateConnectedUnauth))
			return resp, nil
		}
		if err := c.postAuthSetup(username, resp); err != nil {
			c.teardown()
			return resp, err
		}
		return resp, nil
	}
}

// postAuthSetup finishes a successful login: persist the rolled token,
// open the voice socket, load the chat cache, request history newer than
// it, and start the background tasks.
func (c *Connection) postAuthSetup(username string, resp protocol.LoginResp) error {
	c.clientID = resp.ClientID
	c.username = username

	if err := c.sessions.Save(c.cfg.ServerAddr, username, resp.Token[:]); err != nil {
		c.log.Warn("session save failed", "error", err)
	}

	udp, err := transport.ListenUDP(0)
	if err != nil {
		return fmt.Errorf("open voice socket: %w", err)
	}
	c.udp = udp

	host, _, err := net.SplitHostPort(c.cfg.ServerAddr)
	if err != nil {
		host = c.cfg.ServerAddr
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		udp.Close()
		return fmt.Errorf("resolve server: %w", err)
	}
	c.serverUDP = &net.UDPAddr{IP: net.ParseIP(addrs[0]), Port: int(resp.UDPPort)}

	cachePath := filepath.Join(c.cfg.DataDir, "chat-"+sanitize(c.cfg.ServerAddr)+".jsonl")
	cache, err := chatlog.Open(cachePath)
	if err != nil {
		c.log.Warn("chat cache unavailable", "error", err)
	} else {
		c.chatCache = cache
		for _, r := range cache.Since(0) {
			c.State.AppendChat(r)
		}
		c.lastSeq = cache.LastSeq()
	}

	if err := c.send(protocol.MakeChatSync(c.lastSeq)); err != nil {
		return err
	}

	c.running.Store(true)
	c.state.Store(int32(StateAuthenticated))
	c.wg.Add(1)
	go c.readLoop()
	c.Screen.startReceiver()

	c.log.Info("authenticated", "username", username, "client_id", c.clientID, "udp_port", resp.UDPPort)
	return nil
}

// readLoop is the reliable-stream reader task.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for c.running.Load() {
		h, payload, err := transport.ReadMessage(c.stream)
		if err != nil {
			if c.running.Load() {
				c.State.SystemMessage("Connection to server lost")
				go c.Disconnect()
			}
			return
		}
		c.handleMessage(h, payload)
	}
}

func (c *Connection) handleMessage(h protocol.Header, payload []byte) {
	switch h.Type {
	case protocol.MsgUserJoined:
		if uj, err := protocol.ParseUserJoined(payload); err == nil {
			c.State.UserJoined(uj.ClientID, uj.Username)
		}

	case protocol.MsgUserLeft:
		if id, err := protocol.ParseClientID(payload); err == nil {
			c.State.UserLeft(id)
			c.Voice.removePeer(id)
		}

	case protocol.MsgTextChat:
		cb, err := protocol.ParseChatBroadcast(payload)
		if err != nil {
			return
		}
		c.chatMu.Lock()
		fresh := cb.Seq > c.lastSeq
		if fresh {
			c.lastSeq = cb.Seq
		}
		c.chatMu.Unlock()
		if !fresh {
			return
		}
		rec := chatlog.Record{Seq: cb.Seq, Sender: cb.Sender, Ts: cb.Timestamp, Text: cb.Text}
		if c.chatCache != nil {
			if err := c.chatCache.AppendRecord(rec); err != nil {
				c.log.Warn("chat cache write failed", "error", err)
			}
		}
		c.State.AppendChat(rec)

	case protocol.MsgVoiceJoined:
		if id, err := protocol.ParseClientID(payload); err == nil {
			c.State.SetUserVoice(id, true)
		}

	case protocol.MsgVoiceLeft:
		if id, err := protocol.ParseClientID(payload); err == nil {
			c.State.SetUserVoice(id, false)
			c.Voice.removePeer(id)
		}

	case protocol.MsgScreenStart:
		if id, err := protocol.ParseClientID(payload); err == nil {
			c.State.SetUserSharing(id, true)
		}

	case protocol.MsgScreenStop:
		if id, err := protocol.ParseClientID(payload); err == nil {
			c.State.SetUserSharing(id, false)
			c.Screen.onSharerStopped(id)
		}

	case protocol.MsgScreenFrame:
		if frame, err := protocol.ParseScreenFrameRelay(payload); err == nil {
			c.Screen.onFrame(frame)
		}

	case protocol.MsgScreenAudio:
		if sa, err := protocol.ParseScreenAudioRelay(payload); err == nil {
			c.Voice.onSystemAudio(sa.Opus)
		}

	case protocol.MsgScreenRequestKeyframe:
		c.Screen.ForceKeyframe()

	case protocol.MsgUpdateAvailable:
		if u, err := protocol.ParseUpdateNotice(payload); err == nil {
			c.State.SystemMessage(fmt.Sprintf("Update available: %s (%s)", u.Version, u.URL))
		}

	case protocol.MsgAuthChangePassRes, protocol.MsgAuthDeleteAcctRes:
		if resp, err := protocol.ParseStatusResp(payload); err == nil {
			select {
			case c.authResp <- resp:
			default:
			}
		}
	}
}

// SendChat sends one chat line.
func (c *Connection) SendChat(text string) error {
	if c.ConnState() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return c.send(protocol.MakeTextChat(text))
}

// ChangePassword verifies the old password server-side; success
// invalidates every session including this connection's saved token.
func (c *Connection) ChangePassword(oldPass, newPass string) (protocol.StatusResp, error) {
	if c.ConnState() != StateAuthenticated {
		return protocol.StatusResp{}, ErrNotAuthenticated
	}
	if err := c.send(protocol.MakeAuthChangePassReq(oldPass, newPass)); err != nil {
		return protocol.StatusResp{}, err
	}
	resp, err := c.waitAuthResp()
	if err == nil && resp.Status == protocol.StatusOK {
		c.sessions.Clear(c.cfg.ServerAddr)
	}
	return resp, err
}

// DeleteAccount removes the account; the server disconnects afterwards.
func (c *Connection) DeleteAccount(password string) (protocol.StatusResp, error) {
	if c.ConnState() != StateAuthenticated {
		return protocol.StatusResp{}, ErrNotAuthenticated
	}
	if err := c.send(protocol.MakeAuthDeleteAcctReq(password)); err != nil {
		return protocol.StatusResp{}, err
	}
	resp, err := c.waitAuthResp()
	if err == nil && resp.Status == protocol.StatusOK {
		c.sessions.Clear(c.cfg.ServerAddr)
	}
	return resp, err
}

// Logout invalidates every server-side session and disconnects.
func (c *Connection) Logout() {
	if c.ConnState() == StateAuthenticated {
		_ = c.send(protocol.MakeAuthLogout())
	}
	c.sessions.Clear(c.cfg.ServerAddr)
	c.Disconnect()
}

// Leave announces departure and disconnects.
func (c *Connection) Leave() {
	if c.ConnState() == StateAuthenticated {
		_ = c.send(protocol.MakeLeave())
	}
	c.Disconnect()
}

func (c *Connection) waitAuthResp() (protocol.StatusResp, error) {
	select {
	case resp := <-c.authResp:
		return resp, nil
	case <-time.After(authRespTimeout):
		return protocol.StatusResp{}, errors.New("client: auth response timeout")
	}
}

// Disconnect tears the session down. Idempotent: flags flip first, the
// sockets are shut to preempt blocking reads, every background task is
// joined, and only then are the codec and device handles dropped.
func (c *Connection) Disconnect() {
	if !c.running.CompareAndSwap(true, false) {
		// Never got past auth, or already torn down.
		c.teardown()
		return
	}

	c.Voice.stop()
	c.Screen.stopAll()
	c.teardown()
	c.wg.Wait()

	if c.chatCache != nil {
		c.chatCache.Close()
		c.chatCache = nil
	}
	c.state.Store(int32(StateDisconnected))
	c.log.Info("disconnected")
}

// teardown shuts the sockets; safe to call repeatedly.
func (c *Connection) teardown() {
	c.sendMu.Lock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.sendMu.Unlock()
	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}
	if ConnState(c.state.Load()) != StateAuthenticated {
		c.state.Store(int32(StateDisconnected))
	}
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '.', ch == '-':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
