// Package tools has small I/O helpers shared by the protocol frontends.
package tools

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
)

// TraceReadWriter logs control traffic at debug level, one whole line per
// record. A line is only logged once its terminator has arrived, and the
// argument of any PASS command is masked, so passwords never reach the log
// sink even at debug verbosity, whatever the chunking of the underlying
// reads.
type TraceReadWriter struct {
	rw      io.ReadWriter
	logger  *slog.Logger
	partial string // unterminated tail of the inbound stream
}

func (t *TraceReadWriter) Read(b []byte) (int, error) {
	n, err := t.rw.Read(b)
	if t.logger != nil && n > 0 {
		for _, line := range t.inboundLines(string(b[:n])) {
			t.logger.Debug("control read", "body", line)
		}
	}
	return n, err
}

// inboundLines returns the whole lines completed by chunk, masked for
// logging. The tail after the last newline is carried to the next call.
func (t *TraceReadWriter) inboundLines(chunk string) []string {
	t.partial += chunk
	var lines []string
	for {
		line, rest, found := strings.Cut(t.partial, "\n")
		if !found {
			return lines
		}
		t.partial = rest
		line = strings.TrimRight(line, "\r")
		if isPassCommand(line) {
			line = "PASS ***"
		}
		lines = append(lines, line)
	}
}

func (t *TraceReadWriter) Write(b []byte) (int, error) {
	if t.logger != nil {
		t.logger.Debug("control write", "body", strings.TrimRight(string(b), "\r\n"))
	}
	return t.rw.Write(b)
}

func isPassCommand(line string) bool {
	if strings.EqualFold(line, "PASS") {
		return true
	}
	return len(line) >= 5 && strings.EqualFold(line[:5], "PASS ")
}

// BufTraceReadWriter is a TraceReadWriter with a buffered reader on top, for
// line-oriented protocols. Writes stay unbuffered so replies hit the wire as
// soon as they are written.
type BufTraceReadWriter struct {
	io.Writer
	*bufio.Reader
}

// NewBufTraceReadWriter wraps rw with tracing and read buffering.
func NewBufTraceReadWriter(rw io.ReadWriter, logger *slog.Logger) *BufTraceReadWriter {
	t := &TraceReadWriter{rw: rw, logger: logger}
	return &BufTraceReadWriter{
		Writer: t,
		Reader: bufio.NewReader(t),
	}
}
