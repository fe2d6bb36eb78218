package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cm21968/LilyPad/auth"
	"github.com/cm21968/LilyPad/chatlog"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

// Auth-phase messages are tiny; anything larger is a violation.
const maxAuthPayload = 4096

const sessionCleanupInterval = time.Hour

// Config carries the server's file paths and listen addresses.
type Config struct {
	TCPAddr    string // control listener, e.g. ":7777"
	UDPPort    int    // voice port announced in login responses
	TLSCert    tls.Certificate
	DBPath     string
	ChatPath   string
	UpdatePath string // optional two-line file: version, url

	// AllowLegacyJoin enables the unauthenticated JOIN/WELCOME path.
	// Off by default; a connection uses one path or the other, never
	// both.
	AllowLegacyJoin bool
}

// Server owns the process-wide services and their lifecycle: auth store,
// registry, relay scheduler, voice relay, and the acceptor.
type Server struct {
	cfg     Config
	store   *auth.Store
	history *chatlog.History
	reg     *Registry
	sched   *Scheduler
	room    *Room
	limiter *auth.Limiter
	log     *slog.Logger

	updateMsg []byte // prebuilt UPDATE_AVAILABLE, nil when unconfigured

	ready    chan struct{}
	ctrlAddr net.Addr
	udpPort  int
}

// New builds the services in dependency order.
func New(cfg Config) (*Server, error) {
	store, err := auth.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	history, err := chatlog.Open(cfg.ChatPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := NewRegistry()
	sched := NewScheduler(reg)

	s := &Server{
		cfg:     cfg,
		store:   store,
		history: history,
		reg:     reg,
		sched:   sched,
		room:    NewRoom(reg, sched, history, store),
		limiter: auth.NewLimiter(),
		log:     slog.With("component", "server"),
		ready:   make(chan struct{}),
	}
	s.loadUpdateNotice()
	return s, nil
}

// loadUpdateNotice reads the optional two-line update file.
func (s *Server) loadUpdateNotice() {
	if s.cfg.UpdatePath == "" {
		return
	}
	data, err := os.ReadFile(s.cfg.UpdatePath)
	if err != nil {
		return
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return
	}
	version := strings.TrimSpace(lines[0])
	url := strings.TrimSpace(lines[1])
	if version == "" || url == "" {
		return
	}
	s.updateMsg = protocol.MakeUpdateAvailable(version, url)
	s.log.Info("update notice loaded", "version", version)
}

// Run serves until ctx is cancelled, then tears down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	defer s.history.Close()
	defer s.store.Close()

	s.store.CleanupExpiredSessions()

	ln, err := tls.Listen("tcp", s.cfg.TCPAddr, transport.ServerTLSConfig(s.cfg.TLSCert))
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}

	udp, err := transport.ListenUDP(s.cfg.UDPPort)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listen voice: %w", err)
	}

	s.ctrlAddr = ln.Addr()
	s.udpPort = udp.LocalPort()
	close(s.ready)

	s.log.Info("lilypad server listening", "control", s.ctrlAddr, "voice_port", s.udpPort)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.sched.Run(ctx) })
	g.Go(func() error { return NewVoiceRelay(udp, s.reg).Run(ctx) })
	g.Go(func() error { return s.sessionCleanupLoop(ctx) })
	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	g.Go(func() error {
		<-ctx.Done()
		// Closing the sockets preempts blocking accepts and reads.
		ln.Close()
		udp.Close()
		for _, c := range s.reg.Snapshot() {
			c.CloseStream()
		}
		return nil
	})

	return g.Wait()
}

// Addrs blocks until the listeners are bound and returns the control
// address and the voice port.
func (s *Server) Addrs(ctx context.Context) (net.Addr, int, error) {
	select {
	case <-s.ready:
		return s.ctrlAddr, s.udpPort, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (s *Server) sessionCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.store.CleanupExpiredSessions()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection drives one connection: TLS handshake (implicit in the
// tls listener, completed by the first read), the auth phase, then the
// dedicated read task.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		if nc, okNet := tc.NetConn().(*net.TCPConn); okNet {
			_ = nc.SetNoDelay(true)
			_ = nc.SetReadBuffer(1 << 20)
			_ = nc.SetWriteBuffer(1 << 20)
		}
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.log.Debug("tls handshake failed", "peer", conn.RemoteAddr(), "error", err)
			conn.Close()
			return
		}
	}

	stream := transport.NewStream(conn)
	c, ok := s.authPhase(ctx, stream, peerHost(conn.RemoteAddr()))
	if !ok {
		stream.Close()
		return
	}
	s.room.ReadLoop(ctx, c)
}

// authPhase loops over auth messages until a login succeeds or the
// connection is dropped. A client may register and then log in on the
// same connection.
func (s *Server) authPhase(ctx context.Context, stream transport.Stream, peerIP string) (*Client, bool) {
	for ctx.Err() == nil {
		h, payload, err := transport.ReadMessage(stream)
		if err != nil {
			return nil, false
		}
		if h.PayloadLen > maxAuthPayload {
			return nil, false
		}

		switch h.Type {
		case protocol.MsgAuthRegisterReq:
			creds, err := protocol.ParseCredentials(payload)
			if err != nil {
				_ = stream.SendAll(protocol.MakeAuthRegisterResp(protocol.StatusInvalidInput, "Invalid request"))
				continue
			}
			res := s.store.Register(creds.Username, creds.Password)
			_ = stream.SendAll(protocol.MakeAuthRegisterResp(res.Status, res.Message))
			// The client is expected to follow up with a login request.

		case protocol.MsgAuthLoginReq:
			if !s.limiter.Allow(peerIP) {
				_ = stream.SendAll(protocol.MakeAuthLoginResp(protocol.StatusRateLimited, 0, 0, nil,
					"Too many failed attempts. Try again later."))
				continue
			}
			creds, err := protocol.ParseCredentials(payload)
			if err != nil {
				_ = stream.SendAll(protocol.MakeAuthLoginResp(protocol.StatusInvalidInput, 0, 0, nil, "Invalid request"))
				continue
			}
			res := s.store.Login(creds.Username, creds.Password)
			if res.Status != protocol.StatusOK {
				s.limiter.RecordFailure(peerIP)
				_ = stream.SendAll(protocol.MakeAuthLoginResp(res.Status, 0, 0, nil, res.Message))
				continue
			}
			token, err := s.store.CreateSession(res.UserID)
			if err != nil {
				s.log.Error("session mint failed", "error", err)
				_ = stream.SendAll(protocol.MakeAuthLoginResp(protocol.StatusInternal, 0, 0, nil, "Server error"))
				continue
			}
			c := s.setupAuthenticatedClient(stream, creds.Username, res.UserID)
			if err := c.Send(protocol.MakeAuthLoginResp(protocol.StatusOK, c.ID,
				uint16(s.udpPort), token, "Login successful")); err != nil {
				s.room.RemoveClient(c.ID)
				return nil, false
			}
			s.log.Info("client authenticated", "id", c.ID, "username", creds.Username)
			return c, true

		case protocol.MsgAuthTokenLoginReq:
			if !s.limiter.Allow(peerIP) {
				_ = stream.SendAll(protocol.MakeAuthTokenLoginResp(protocol.StatusRateLimited, 0, 0, nil,
					"Too many failed attempts. Try again later."))
				continue
			}
			tl, err := protocol.ParseTokenLogin(payload)
			if err != nil {
				_ = stream.SendAll(protocol.MakeAuthTokenLoginResp(protocol.StatusInvalidInput, 0, 0, nil, "Invalid request"))
				continue
			}
			res := s.store.TokenLogin(tl.Username, tl.Token[:])
			if res.Status != protocol.StatusOK {
				s.limiter.RecordFailure(peerIP)
				_ = stream.SendAll(protocol.MakeAuthTokenLoginResp(res.Status, 0, 0, nil, res.Message))
				continue
			}
			c := s.setupAuthenticatedClient(stream, res.Username, res.UserID)
			if err := c.Send(protocol.MakeAuthTokenLoginResp(protocol.StatusOK, c.ID,
				uint16(s.udpPort), res.NewToken, "Token login successful")); err != nil {
				s.room.RemoveClient(c.ID)
				return nil, false
			}
			s.log.Info("client token-authenticated", "id", c.ID, "username", res.Username)
			return c, true

		case protocol.MsgJoin:
			if !s.cfg.AllowLegacyJoin {
				return nil, false
			}
			name, err := protocol.ParseJoin(payload)
			if err != nil || !protocol.ValidUsername(name) {
				return nil, false
			}
			c := s.setupAuthenticatedClient(stream, name, 0)
			if err := c.Send(protocol.MakeWelcome(c.ID, uint16(s.udpPort))); err != nil {
				s.room.RemoveClient(c.ID)
				return nil, false
			}
			s.log.Info("legacy client joined", "id", c.ID, "username", name)
			return c, true

		default:
			// Anything else before authentication is a violation.
			return nil, false
		}
	}
	return nil, false
}

// setupAuthenticatedClient registers the client and delivers the join
// snapshot atomically with respect to other joins: under the registry
// lock the new client receives the update notice, USER_JOINED for every
// present peer, SCREEN_START per sharer, and VOICE_JOINED per voice
// member, and its own USER_JOINED goes out to everyone else. These are
// small control sends riding on 1 MiB kernel buffers.
func (s *Server) setupAuthenticatedClient(stream transport.Stream, name string, userID int64) *Client {
	r := s.reg
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

	if s.updateMsg != nil {
		_ = stream.SendAll(s.updateMsg)
	}
	for _, existing := range r.clients {
		_ = stream.SendAll(protocol.MakeUserJoined(existing.ID, existing.Name))
	}
	for _, existing := range r.clients {
		if existing.sharing {
			_ = stream.SendAll(protocol.MakeScreenStartBroadcast(existing.ID))
		}
	}
	for _, existing := range r.clients {
		if existing.inVoice {
			_ = stream.SendAll(protocol.MakeVoiceJoined(existing.ID))
		}
	}

	joined := protocol.MakeUserJoined(c.ID, name)
	for _, existing := range r.clients {
		if err := existing.Send(joined); err != nil {
			s.log.Debug("join broadcast failed", "id", existing.ID, "error", err)
		}
	}

	r.clients[c.ID] = c
	return c
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
