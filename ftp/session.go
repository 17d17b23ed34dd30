package ftp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/spf13/afero"
	"github.com/telebroad/ftpd/tools"
	"github.com/telebroad/ftpd/users"
	"github.com/telebroad/ftpd/vfs"
)

// sessionState tracks where a session is in the login sequence.
type sessionState int

const (
	stateLoggedOut        sessionState = iota // before USER
	stateAwaitingPassword                     // USER accepted, PASS pending
	stateLoggedIn                             // authenticated
	stateClosed                               // QUIT or fatal error
)

// transfer types per TYPE command.
const (
	typeBinary = "I"
	typeASCII  = "A"
)

// Session owns one control connection. All fields are confined to the
// goroutine running serve; commands are processed strictly one at a time, a
// running transfer blocks the command loop until it finishes.
type Session struct {
	server *Server
	conn   net.Conn
	rw     *tools.BufTraceReadWriter
	logger *slog.Logger

	state        sessionState
	pendingUser  string         // between USER and PASS
	account      *users.Account // set once logged in
	jail         *vfs.Jail
	workingDir   string // virtual, always "/"-rooted
	transferType string

	data dataChannel // pending data-connection mode, consumed by transfers
}

func newSession(s *Server, conn net.Conn) *Session {
	logger := s.Logger().With("remote", conn.RemoteAddr().String())
	return &Session{
		server:       s,
		conn:         conn,
		rw:           tools.NewBufTraceReadWriter(conn, logger),
		logger:       logger,
		state:        stateLoggedOut,
		workingDir:   "/",
		transferType: typeBinary,
	}
}

// serve runs the command loop until QUIT, a control-channel error, or server
// shutdown. Each command is handled to completion, reply included, before the
// next line is read; pipelining is deliberately not supported.
func (s *Session) serve() {
	defer s.conn.Close()
	defer s.data.clear()

	s.logger.Info("connection opened")
	defer s.logger.Info("connection closed")

	if err := s.reply(reply(StatusServiceReady, s.server.WelcomeMessage)); err != nil {
		return
	}

	for s.state != stateClosed {
		line, err := s.rw.ReadString('\n')
		if err != nil {
			// Control-channel I/O failure is fatal, no reply owed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control channel read failed", "error", err)
			}
			return
		}
		cmd, ok := ParseCommand(line)
		if !ok {
			continue
		}
		s.logCommand(cmd)
		if err := s.dispatch(cmd); err != nil {
			s.logger.Warn("control channel write failed", "error", err)
			return
		}
	}
}

func (s *Session) logCommand(cmd Command) {
	arg := cmd.Arg
	if cmd.Verb == "PASS" {
		arg = "***"
	}
	s.logger.Debug("command received", "verb", cmd.Verb, "arg", arg)
}

// dispatch maps one command to exactly one reply. The returned error is only
// ever a control-channel write failure.
func (s *Session) dispatch(cmd Command) error {
	if !cmd.Known {
		return s.reply(reply(StatusSyntaxError, "Syntax error, command unrecognized"))
	}

	switch cmd.Verb {
	case "USER":
		return s.handleUSER(cmd.Arg)
	case "PASS":
		return s.handlePASS(cmd.Arg)
	case "QUIT":
		s.state = stateClosed
		return s.reply(reply(StatusServiceClosingControlConnection, "Service closing control connection"))
	}

	if s.state != stateLoggedIn {
		return s.reply(reply(StatusNotLoggedIn, "Not logged in"))
	}

	switch cmd.Verb {
	case "NOOP":
		return s.reply(reply(StatusCommandOK, "Command okay"))
	case "PWD":
		return s.reply(pathnameReply(s.workingDir, "is the current directory"))
	case "CWD":
		return s.handleCWD(cmd.Arg)
	case "CDUP":
		return s.handleCWD("..")
	case "TYPE":
		return s.handleTYPE(cmd.Arg)
	case "MODE":
		return s.handleMODE(cmd.Arg)
	case "STRU":
		return s.handleSTRU(cmd.Arg)
	case "PASV":
		return s.handlePASV()
	case "PORT":
		return s.handlePORT(cmd.Arg)
	case "LIST":
		return s.handleLIST(cmd.Arg, false)
	case "NLST":
		return s.handleLIST(cmd.Arg, true)
	case "RETR":
		return s.handleRETR(cmd.Arg)
	case "STOR":
		return s.handleSTOR(cmd.Arg)
	}
	// Unreachable while supportedCommands and this switch agree.
	return s.reply(reply(StatusSyntaxError, "Syntax error, command unrecognized"))
}

// handleUSER starts (or restarts) the login sequence from any state.
func (s *Session) handleUSER(arg string) error {
	if arg == "" {
		return s.reply(reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments"))
	}
	s.state = stateAwaitingPassword
	s.pendingUser = arg
	s.account = nil
	s.jail = nil
	return s.reply(reply(StatusUsernameOK, "User name okay, need password"))
}

func (s *Session) handlePASS(arg string) error {
	if s.state != stateAwaitingPassword {
		return s.reply(reply(StatusNotLoggedIn, "Not logged in"))
	}
	account, err := s.server.users.Authenticate(s.pendingUser, arg)
	if err != nil {
		// Unknown user and bad password are kept apart in the log but share
		// one reply so usernames cannot be probed.
		s.logger.Info("authentication failed", "user", s.pendingUser, "reason", err.Error())
		s.state = stateLoggedOut
		s.pendingUser = ""
		return s.reply(reply(StatusNotLoggedIn, "Not logged in"))
	}
	s.logger.Info("authentication succeeded", "user", account.Username)
	s.state = stateLoggedIn
	s.account = account
	s.workingDir = "/"
	if s.server.FS != nil {
		s.jail = vfs.NewJailFS(account.Root, s.server.FS)
	} else {
		s.jail = vfs.NewJail(account.Root)
	}
	return s.reply(reply(StatusUserLoggedIn, "User logged in, proceed"))
}

func (s *Session) handleCWD(arg string) error {
	target, err := vfs.Resolve(s.workingDir, arg)
	if err != nil {
		return s.replyPathError(arg, err)
	}
	if err := s.jail.CheckDir(target); err != nil {
		return s.reply(reply(StatusFileUnavailable, "Requested action not taken; file unavailable"))
	}
	s.workingDir = target
	return s.reply(reply(StatusFileActionOK, "Requested file action okay, completed"))
}

func (s *Session) handleTYPE(arg string) error {
	switch arg {
	case "I", "i", "L 8":
		s.transferType = typeBinary
	case "A", "a", "A N":
		s.transferType = typeASCII
	default:
		return s.reply(reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments"))
	}
	return s.reply(reply(StatusCommandOK, "Type set to %s", s.transferType))
}

// handleMODE and handleSTRU accept only the values the transfer engine
// implements: stream mode and file structure.
func (s *Session) handleMODE(arg string) error {
	if !strings.EqualFold(arg, "S") {
		return s.reply(reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments"))
	}
	return s.reply(reply(StatusCommandOK, "Command okay"))
}

func (s *Session) handleSTRU(arg string) error {
	if !strings.EqualFold(arg, "F") {
		return s.reply(reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments"))
	}
	return s.reply(reply(StatusCommandOK, "Command okay"))
}

// replyPathError answers a failed path resolution. Escapes are the security
// boundary of the server, so they are logged louder than ordinary misses.
func (s *Session) replyPathError(arg string, err error) error {
	if errors.Is(err, vfs.ErrEscapesRoot) {
		s.logger.Warn("path escape rejected", "user", s.account.Username, "arg", arg)
	}
	return s.reply(reply(StatusFileUnavailable, "Requested action not taken; file unavailable"))
}

func (s *Session) reply(r Reply) error {
	_, err := fmt.Fprintf(s.rw, "%s\r\n", r)
	if err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// openFile and createFile exist so transfer handlers stay free of jail
// plumbing; both expect an already resolved virtual path.
func (s *Session) openFile(virtual string) (afero.File, error) {
	return s.jail.Open(virtual)
}

func (s *Session) createFile(virtual string) (afero.File, error) {
	return s.jail.Create(virtual)
}
