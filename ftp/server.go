package ftp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/telebroad/ftpd/users"
)

// Server accepts control connections and runs one Session per client.
type Server struct {
	// Addr is the TCP address the control listener binds to, "host:port".
	Addr string

	// WelcomeMessage is the text of the 220 greeting.
	WelcomeMessage string

	// PasvMinPort/PasvMaxPort bound the ports passive-mode listeners may
	// use. Zero means any ephemeral port.
	PasvMinPort int
	PasvMaxPort int

	// PublicIP overrides the address advertised in 227 replies, for servers
	// behind NAT. When nil the control connection's local address is used.
	PublicIP net.IP

	// PasvAcceptTimeout bounds how long a transfer command waits for the
	// client to connect to a passive listener. Defaults to 30s.
	PasvAcceptTimeout time.Duration

	// FS overrides the backing filesystem of every user jail. Nil means the
	// host filesystem; tests hand in an afero.MemMapFs.
	FS afero.Fs

	users    *users.Store
	logger   *slog.Logger
	listener net.Listener
	sessions *sessionRegistry
}

// NewServer returns a server answering authentication queries from store.
func NewServer(addr string, store *users.Store) *Server {
	return &Server{
		Addr:              addr,
		WelcomeMessage:    "Service ready for new user",
		PasvAcceptTimeout: 30 * time.Second,
		users:             store,
		sessions:          newSessionRegistry(),
	}
}

// SetLogger sets the structured log sink. Must be called before serving.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Logger returns the configured logger, or a default one.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger
}

// ListenAndServe binds the control listener and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("ftp: listening on %s: %w", s.Addr, err)
	}
	return s.Serve(ln)
}

// TryListenAndServe starts the server in the background and reports any
// startup error that occurs within d.
func (s *Server) TryListenAndServe(d time.Duration) error {
	errC := make(chan error, 1)
	go func() {
		errC <- s.ListenAndServe()
	}()
	select {
	case err := <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}

// Serve accepts control connections on ln, one session goroutine each.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.Logger().Info("ftp server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.sessions.done:
				return nil
			default:
			}
			return fmt.Errorf("ftp: accepting connection: %w", err)
		}
		session := newSession(s, conn)
		s.sessions.add(session)
		go func() {
			defer s.sessions.remove(session)
			session.serve()
		}()
	}
}

// LocalAddr returns the bound listener address, for tests that listen on an
// ephemeral port.
func (s *Server) LocalAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and disconnects every live session.
func (s *Server) Close() error {
	s.sessions.closeAll()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// sessionRegistry tracks live sessions so Close can disconnect them. This is
// the only piece of cross-session state and it is never touched from command
// handlers.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	done     chan struct{}
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[*Session]struct{}),
		done:     make(chan struct{}),
	}
}

func (r *sessionRegistry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *sessionRegistry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	for s := range r.sessions {
		s.conn.Close()
	}
}
