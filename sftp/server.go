// Package sftp serves the same user jails over the SFTP protocol. It is a
// thin frontend: authentication goes to the shared users.Store and all file
// access goes through a vfs.Jail, same as the FTP side.
package sftp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/telebroad/ftpd/keys"
	"github.com/telebroad/ftpd/users"
	"github.com/telebroad/ftpd/vfs"
)

// Server is the SSH/SFTP listener.
type Server struct {
	Addr string

	// PrivateKey holds the PEM-encoded host key. When nil a fresh RSA key is
	// generated at startup, which means a new host identity on every restart.
	PrivateKey []byte

	// FS overrides the backing filesystem of every user jail, for tests.
	FS afero.Fs

	users     *users.Store
	logger    *slog.Logger
	sshConfig *ssh.ServerConfig
	listener  net.Listener
}

// NewServer returns an SFTP server authenticating against store.
func NewServer(addr string, store *users.Store) *Server {
	return &Server{Addr: addr, users: store}
}

// SetPrivateKeyFile loads the host key from a PEM file.
func (s *Server) SetPrivateKeyFile(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading private key file: %w", err)
	}
	s.PrivateKey = pem
	return nil
}

// SetLogger sets the structured log sink. Must be called before serving.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the configured logger, or a default one.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger
}

// ListenAndServe binds the listener and serves SSH connections until Close.
func (s *Server) ListenAndServe() error {
	if s.PrivateKey == nil {
		pem, err := keys.GenerateRSAKey(2048)
		if err != nil {
			return fmt.Errorf("sftp: generating host key: %w", err)
		}
		s.Logger().Warn("no host key configured, generated an ephemeral RSA key")
		s.PrivateKey = pem
	}
	hostKey, err := ssh.ParsePrivateKey(s.PrivateKey)
	if err != nil {
		return fmt.Errorf("sftp: parsing host key: %w", err)
	}

	s.sshConfig = &ssh.ServerConfig{PasswordCallback: s.authHandler}
	s.sshConfig.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sftp: listening on %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Logger().Info("sftp server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sftp: accepting connection: %w", err)
		}
		go s.handleConn(conn)
	}
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

// LocalAddr returns the bound listener address, for tests that listen on an
// ephemeral port.
func (s *Server) LocalAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// authHandler answers SSH password authentication from the shared store.
func (s *Server) authHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	logger := s.Logger().With("remote", c.RemoteAddr().String(), "user", c.User())
	if _, err := s.users.Authenticate(c.User(), string(pass)); err != nil {
		logger.Info("authentication failed", "reason", err.Error())
		return nil, fmt.Errorf("password rejected for %q", c.User())
	}
	logger.Info("authentication succeeded")
	return nil, nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.Logger().Debug("ssh handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer sshConn.Close()

	logger := s.Logger().With("remote", sshConn.RemoteAddr().String(), "user", sshConn.User())
	logger.Info("ssh connection opened", "clientVersion", string(sshConn.ClientVersion()))
	defer logger.Info("ssh connection closed")

	account, err := s.users.Get(sshConn.User())
	if err != nil {
		// Authentication passed, so this only happens if the store changed
		// underneath us, which it never does.
		logger.Error("account lookup failed after auth", "error", err)
		return
	}
	var jail *vfs.Jail
	if s.FS != nil {
		jail = vfs.NewJailFS(account.Root, s.FS)
	} else {
		jail = vfs.NewJail(account.Root)
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Warn("accepting channel failed", "error", err)
			return
		}
		go acceptSubsystem(requests, logger)

		srv := sftp.NewRequestServer(channel, newHandlers(jail, logger))
		if err := srv.Serve(); err != nil && err != io.EOF {
			logger.Warn("sftp session ended with error", "error", err)
		}
		srv.Close()
	}
}

// acceptSubsystem answers channel requests, accepting only the sftp
// subsystem.
func acceptSubsystem(in <-chan *ssh.Request, logger *slog.Logger) {
	for req := range in {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if err := req.Reply(ok, nil); err != nil {
			logger.Debug("channel request reply failed", "error", err)
			return
		}
	}
}
