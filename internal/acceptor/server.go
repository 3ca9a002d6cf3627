package acceptor

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/logging"
	"github.com/danmuck/fixctl/internal/session"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/rs/zerolog"
)

// Deps are shared by every accepted session.
type Deps struct {
	Repository    store.Repository
	Authenticator session.Authenticator
	Events        session.Publisher
	Logger        *zerolog.Logger
}

// SessionInfo is one repository entry plus whether it is connected here.
type SessionInfo struct {
	ID                string        `json:"id"`
	SenderCompID      string        `json:"sender_comp_id"`
	TargetCompID      string        `json:"target_comp_id"`
	Status            store.Status  `json:"status"`
	NextInbound       int           `json:"next_inbound"`
	NextOutbound      int           `json:"next_outbound"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastReceivedAt    time.Time     `json:"last_received_at"`
	Live              bool          `json:"live"`
}

// Server accepts FIX connections and owns their session goroutines.
type Server struct {
	cfg     Config
	deps    Deps
	log     zerolog.Logger
	started time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]*session.Conn
	wg      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[store.ID]*session.Conn

	clients   atomic.Int64
	listening atomic.Bool
}

func New(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Repository == nil {
		return nil, ErrRepositoryRequired
	}
	logger := logging.Component("acceptor")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		started:  time.Now(),
		conns:    make(map[net.Conn]*session.Conn),
		sessions: make(map[store.ID]*session.Conn),
	}, nil
}

// Run listens on the configured address, starts the admin API when
// configured, and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("acceptor.Server.Run listening")

	adminErr := make(chan error, 1)
	if s.cfg.AdminAddr != "" {
		go func() {
			adminErr <- s.ServeAdmin(ctx, s.cfg.AdminAddr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Listen opens a TCP listener, wrapped in TLS when enabled.
func (s *Server) Listen() (net.Listener, error) {
	tlsCfg, err := s.cfg.Session.TLS.ServerTLS()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts connections on ln until ctx is canceled, then logs out
// live sessions within ShutdownTimeout and closes whatever remains.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.listening.Store(true)
	defer s.listening.Store(false)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleConn(connCtx, conn)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("acceptor.Server.Serve forced shutdown")
	}
	cancelConns()
	s.wg.Wait()
	return nil
}

// Shutdown sends Logout to every live session, drops connections that
// have not logged on, and waits for the rest to finish. When ctx ends first
// the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeIdleConns()
	for _, c := range s.liveConns() {
		if err := c.Logout(ctx, "server shutting down"); err != nil && !errors.Is(err, session.ErrClosed) {
			s.log.Debug().Str("session", c.ID().String()).Err(err).Msg("acceptor.Server.Shutdown logout")
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.closeAllConns()
		return ctx.Err()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	s.log.Debug().Str("remote", remote).Int64("clients", active).Msg("acceptor.Server client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		s.log.Debug().Str("remote", remote).Int64("clients", remaining).Msg("acceptor.Server client disconnected")
	}()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.LogonTimeout))
		if err := tlsConn.Handshake(); err != nil {
			s.log.Warn().Str("remote", remote).Err(err).Msg("acceptor.Server tls handshake failed")
			_ = conn.Close()
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
	}

	logger := s.log.With().Str("remote", remote).Logger()
	tr := session.NewNetTransport(conn, s.cfg.Session)
	var c *session.Conn
	c, err := session.NewConn(s.cfg.Session, session.Deps{
		Repository:    s.deps.Repository,
		Authenticator: s.deps.Authenticator,
		Events:        s.deps.Events,
		Transport:     tr,
		Logger:        &logger,
		OnActive:      func(id store.ID) { s.register(id, c) },
	})
	if err != nil {
		s.log.Error().Err(err).Msg("acceptor.Server session setup failed")
		_ = conn.Close()
		return
	}

	s.bindConn(conn, c)
	go c.Pump(tr)
	err = c.Run(ctx)
	s.unregister(c)
	if err != nil {
		logger.Info().Str("session", c.ID().String()).Err(err).Msg("acceptor.Server session ended")
		return
	}
	logger.Info().Str("session", c.ID().String()).Msg("acceptor.Server session logged out")
}

func (s *Server) register(id store.ID, c *session.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = c
}

func (s *Server) unregister(c *session.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.ID()
	if s.sessions[id] == c {
		delete(s.sessions, id)
	}
}

func (s *Server) lookup(id store.ID) (*session.Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[id]
	return c, ok
}

func (s *Server) liveConns() []*session.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, c)
	}
	return out
}

// Send writes an application message on the live session id.
func (s *Server) Send(ctx context.Context, id store.ID, msg *fix.Message) error {
	c, ok := s.lookup(id)
	if !ok {
		return ErrUnknownSession
	}
	return c.Send(ctx, msg)
}

// Logout starts a graceful logout of the live session id.
func (s *Server) Logout(ctx context.Context, id store.ID, text string) error {
	c, ok := s.lookup(id)
	if !ok {
		return ErrUnknownSession
	}
	return c.Logout(ctx, text)
}

// Live returns the identities of sessions currently logged on here.
func (s *Server) Live() []store.ID {
	s.mu.RLock()
	out := make([]store.ID, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Sessions joins the repository snapshot with the live session set.
func (s *Server) Sessions(ctx context.Context) ([]SessionInfo, error) {
	states, err := s.deps.Repository.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(states))
	for _, st := range states {
		out = append(out, s.info(st))
	}
	return out, nil
}

// Session returns one repository entry.
func (s *Server) Session(ctx context.Context, id store.ID) (SessionInfo, bool, error) {
	st, ok, err := s.deps.Repository.Get(ctx, id)
	if err != nil || !ok {
		return SessionInfo{}, ok, err
	}
	return s.info(st), true, nil
}

func (s *Server) info(st store.State) SessionInfo {
	c, live := s.lookup(st.ID)
	return SessionInfo{
		ID:                st.ID.String(),
		SenderCompID:      st.ID.SenderCompID,
		TargetCompID:      st.ID.TargetCompID,
		Status:            st.Status,
		NextInbound:       st.NextInbound,
		NextOutbound:      st.NextOutbound,
		HeartbeatInterval: st.HeartbeatInterval,
		LastReceivedAt:    st.LastReceivedAt,
		Live:              live && c.Active(),
	}
}

// Clients is the number of open connections, logged on or not.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = nil
}

func (s *Server) bindConn(conn net.Conn, c *session.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if _, ok := s.conns[conn]; ok {
		s.conns[conn] = c
	}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeIdleConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn, c := range s.conns {
		if c == nil || !c.Active() {
			_ = conn.Close()
		}
	}
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
