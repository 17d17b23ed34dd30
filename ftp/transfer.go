package ftp

import (
	"fmt"
	"io"
	"os"

	"github.com/telebroad/ftpd/vfs"
)

// handleLIST serves LIST and NLST. Path problems are reported before any data
// connection is attempted, so a bad argument never consumes the negotiation.
func (s *Session) handleLIST(arg string, namesOnly bool) error {
	target, err := vfs.Resolve(s.workingDir, arg)
	if err != nil {
		return s.replyPathError(arg, err)
	}
	entries, err := s.jail.ReadDir(target)
	if err != nil {
		return s.reply(reply(StatusFileActionNotTaken, "Requested file action not taken"))
	}

	conn, err := s.openDataConn()
	if err != nil {
		s.logger.Warn("data connection failed", "error", err)
		return s.reply(reply(StatusCantOpenDataConnection, "Can't open data connection"))
	}
	defer conn.Close()

	if err := s.reply(reply(StatusFileStatusOK, "File status okay; about to open data connection")); err != nil {
		return err
	}

	for _, entry := range entries {
		var line string
		if namesOnly {
			line = entry.Name()
		} else {
			line = formatListLine(entry)
		}
		if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
			s.logger.Warn("directory listing aborted", "error", err)
			return s.reply(reply(StatusConnectionClosedTransferAborted, "Connection closed; transfer aborted"))
		}
	}
	return s.reply(reply(StatusClosingDataConnection, "Closing data connection; requested file action successful"))
}

// formatListLine renders one ls-style listing line. Ownership is synthetic,
// the jail has no notion of host users.
func formatListLine(fi os.FileInfo) string {
	mode := "-rw-r--r--"
	if fi.IsDir() {
		mode = "drwxr-xr-x"
	}
	return fmt.Sprintf("%s 1 owner group %12d %s %s",
		mode, fi.Size(), fi.ModTime().Format("Jan _2 15:04"), fi.Name())
}

// handleRETR sends a file to the client. Missing files and directories answer
// 550 before the data channel is touched.
func (s *Session) handleRETR(arg string) error {
	target, err := vfs.Resolve(s.workingDir, arg)
	if err != nil {
		return s.replyPathError(arg, err)
	}
	fi, err := s.jail.Stat(target)
	if err != nil || fi.IsDir() {
		return s.reply(reply(StatusFileUnavailable, "Requested action not taken; file unavailable"))
	}
	file, err := s.openFile(target)
	if err != nil {
		return s.reply(reply(StatusFileUnavailable, "Requested action not taken; file unavailable"))
	}
	defer file.Close()

	conn, err := s.openDataConn()
	if err != nil {
		s.logger.Warn("data connection failed", "error", err)
		return s.reply(reply(StatusCantOpenDataConnection, "Can't open data connection"))
	}
	defer conn.Close()

	if err := s.reply(reply(StatusFileStatusOK, "File status okay; about to open data connection")); err != nil {
		return err
	}

	var src io.Reader = file
	if s.transferType == typeASCII {
		src = newASCIISendReader(file)
	}
	n, err := io.Copy(conn, src)
	if err != nil {
		s.logger.Warn("retrieve aborted", "path", target, "sent", n, "error", err)
		return s.reply(reply(StatusConnectionClosedTransferAborted, "Connection closed; transfer aborted"))
	}
	s.logger.Info("file sent", "user", s.account.Username, "path", target, "bytes", n)
	return s.reply(reply(StatusClosingDataConnection, "Closing data connection; requested file action successful"))
}

// handleSTOR receives a file from the client. The parent directory must
// already exist; an upload never creates directories. An aborted transfer
// leaves whatever was written so far in place.
func (s *Session) handleSTOR(arg string) error {
	target, err := vfs.Resolve(s.workingDir, arg)
	if err != nil {
		return s.replyPathError(arg, err)
	}
	file, err := s.createFile(target)
	if err != nil {
		return s.reply(reply(StatusFileUnavailable, "Requested action not taken; file unavailable"))
	}
	defer file.Close()

	conn, err := s.openDataConn()
	if err != nil {
		s.logger.Warn("data connection failed", "error", err)
		return s.reply(reply(StatusCantOpenDataConnection, "Can't open data connection"))
	}
	defer conn.Close()

	if err := s.reply(reply(StatusFileStatusOK, "File status okay; about to open data connection")); err != nil {
		return err
	}

	var src io.Reader = conn
	if s.transferType == typeASCII {
		src = newASCIIRecvReader(conn)
	}
	n, err := io.Copy(file, src)
	if err != nil {
		s.logger.Warn("store aborted", "path", target, "received", n, "error", err)
		return s.reply(reply(StatusConnectionClosedTransferAborted, "Connection closed; transfer aborted"))
	}
	s.logger.Info("file received", "user", s.account.Username, "path", target, "bytes", n)
	return s.reply(reply(StatusClosingDataConnection, "Closing data connection; requested file action successful"))
}
