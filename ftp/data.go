package ftp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type dataMode int

const (
	dataNone    dataMode = iota
	dataPassive          // listener open, waiting for the client to dial in
	dataActive           // client address stored, we dial out
)

// dataChannel holds at most one pending data-connection setup. A new PASV or
// PORT replaces the previous one; a transfer command consumes it. Only the
// owning session goroutine touches it.
type dataChannel struct {
	mode     dataMode
	listener net.Listener // passive
	target   string       // active, "host:port"
}

// clear drops any pending setup, closing the passive listener if one is open.
func (d *dataChannel) clear() {
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	d.mode = dataNone
	d.target = ""
}

// handlePASV opens a fresh passive listener and advertises it. Any previously
// pending data channel, passive or active, is discarded first. The 227 reply
// can only carry an IPv4 address, so passive mode is refused on connections
// where no IPv4 address is available to advertise.
func (s *Session) handlePASV() error {
	s.data.clear()

	ip := s.server.PublicIP
	if ip == nil {
		ip = s.conn.LocalAddr().(*net.TCPAddr).IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		s.logger.Warn("passive mode refused, no IPv4 address to advertise", "addr", ip.String())
		return s.reply(reply(StatusCantOpenDataConnection, "Can't open data connection"))
	}

	ln, err := s.listenPassive()
	if err != nil {
		s.logger.Error("passive listener failed", "error", err)
		return s.reply(reply(StatusCantOpenDataConnection, "Can't open data connection"))
	}
	s.data.mode = dataPassive
	s.data.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	return s.reply(passiveReply(ip4, port))
}

// listenPassive binds a listener on the control connection's local IP, inside
// the configured port range when one is set.
func (s *Session) listenPassive() (net.Listener, error) {
	host := s.conn.LocalAddr().(*net.TCPAddr).IP.String()
	lo, hi := s.server.PasvMinPort, s.server.PasvMaxPort
	if lo == 0 && hi == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	for port := lo; port <= hi; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port in %d-%d", lo, hi)
}

// handlePORT records the client's active-mode address from the h1,h2,h3,h4,
// p1,p2 form. The connection is only dialed when a transfer command runs.
func (s *Session) handlePORT(arg string) error {
	target, err := parseHostPort(arg)
	if err != nil {
		return s.reply(reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments"))
	}
	s.data.clear()
	s.data.mode = dataActive
	s.data.target = target
	return s.reply(reply(StatusCommandOK, "Command okay"))
}

// parseHostPort decodes the PORT six-number argument into "host:port".
func parseHostPort(arg string) (string, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("want 6 numbers, got %d", len(parts))
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("bad byte %q", p)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]<<8 | nums[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// openDataConn consumes the pending data channel and returns the established
// connection. Whatever the outcome, the pending setup is gone afterwards: a
// transfer command uses a negotiation exactly once.
func (s *Session) openDataConn() (net.Conn, error) {
	defer s.data.clear()

	switch s.data.mode {
	case dataPassive:
		ln := s.data.listener
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(s.server.PasvAcceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("accepting data connection: %w", err)
		}
		return conn, nil
	case dataActive:
		conn, err := net.DialTimeout("tcp", s.data.target, s.server.PasvAcceptTimeout)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", s.data.target, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("no data connection negotiated")
	}
}
