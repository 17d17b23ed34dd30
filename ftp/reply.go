// Package ftp implements the FTP control-connection protocol: the per-session
// command loop, active/passive data-connection negotiation and the transfer
// engine. Filesystem access is confined to a vfs.Jail per authenticated user;
// authentication queries go to a users.Store.
package ftp

import (
	"fmt"
	"net"
)

// StatusCode is a three-digit FTP reply code.
type StatusCode = int

const (
	StatusFileStatusOK StatusCode = 150 // File status okay; about to open data connection

	StatusCommandOK                       StatusCode = 200 // Command okay
	StatusServiceReady                    StatusCode = 220 // Service ready for new user
	StatusServiceClosingControlConnection StatusCode = 221 // Service closing control connection
	StatusClosingDataConnection           StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode             StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusUserLoggedIn                    StatusCode = 230 // User logged in, proceed
	StatusFileActionOK                    StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated                 StatusCode = 257 // "PATHNAME" created (also carries PWD results)

	StatusUsernameOK StatusCode = 331 // User name okay, need password

	StatusCantOpenDataConnection          StatusCode = 425 // Can't open data connection
	StatusConnectionClosedTransferAborted StatusCode = 426 // Connection closed; transfer aborted
	StatusFileActionNotTaken              StatusCode = 450 // Requested file action not taken

	StatusSyntaxError             StatusCode = 500 // Syntax error, command unrecognized
	StatusSyntaxErrorInParameters StatusCode = 501 // Syntax error in parameters or arguments
	StatusNotLoggedIn             StatusCode = 530 // Not logged in
	StatusFileUnavailable         StatusCode = 550 // Requested action not taken; file unavailable
)

// Reply is one control-channel response line.
type Reply struct {
	Code StatusCode
	Text string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

func reply(code StatusCode, format string, args ...any) Reply {
	if len(args) == 0 {
		return Reply{Code: code, Text: format}
	}
	return Reply{Code: code, Text: fmt.Sprintf(format, args...)}
}

// passiveReply encodes the listener address into the 227 six-number form,
// port split big-endian into two bytes. The caller guarantees ip is IPv4.
func passiveReply(ip net.IP, port int) Reply {
	ip4 := ip.To4()
	return reply(StatusEnteringPassiveMode, "Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip4[0], ip4[1], ip4[2], ip4[3], port>>8, port&0xFF)
}

// pathnameReply formats a 257 reply. Double quotes inside the path are
// doubled per the reply grammar.
func pathnameReply(virtual, text string) Reply {
	quoted := ""
	for _, r := range virtual {
		if r == '"' {
			quoted += `""`
		} else {
			quoted += string(r)
		}
	}
	return reply(StatusPathnameCreated, `"%s" %s`, quoted, text)
}
