package tools

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceReadWriterRedactsPasswords(t *testing.T) {
	var sink bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var wire bytes.Buffer
	wire.WriteString("PASS donttellbob\r\n")
	rw := NewBufTraceReadWriter(&readWriter{r: &wire, w: &bytes.Buffer{}}, logger)

	if _, err := rw.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	logged := sink.String()
	if strings.Contains(logged, "donttellbob") {
		t.Errorf("password leaked into log: %s", logged)
	}
	if !strings.Contains(logged, "PASS ***") {
		t.Errorf("redaction marker missing from log: %s", logged)
	}
}

// A client may deliver several commands in one TCP segment; the PASS line
// inside the batch must still be masked.
func TestTraceReadWriterRedactsPipelinedCommands(t *testing.T) {
	var sink bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var wire bytes.Buffer
	wire.WriteString("USER alice\r\nPASS donttellbob\r\nNOOP\r\n")
	rw := NewBufTraceReadWriter(&readWriter{r: &wire, w: &bytes.Buffer{}}, logger)

	for i := 0; i < 3; i++ {
		if _, err := rw.ReadString('\n'); err != nil {
			t.Fatal(err)
		}
	}
	logged := sink.String()
	if strings.Contains(logged, "donttellbob") {
		t.Errorf("password leaked into log: %s", logged)
	}
	for _, want := range []string{"USER alice", "PASS ***", "NOOP"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log missing %q: %s", want, logged)
		}
	}
}

// A PASS line arriving split across reads must never be logged piecemeal.
func TestTraceReadWriterRedactsSplitPassword(t *testing.T) {
	var sink bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cr := &chunkReader{chunks: []string{"PA", "SS dontt", "ellbob\r\n"}}
	rw := NewBufTraceReadWriter(&readWriter{r: cr, w: &bytes.Buffer{}}, logger)

	if _, err := rw.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	logged := sink.String()
	for _, leak := range []string{"dontt", "ellbob"} {
		if strings.Contains(logged, leak) {
			t.Errorf("password fragment %q leaked into log: %s", leak, logged)
		}
	}
	if !strings.Contains(logged, "PASS ***") {
		t.Errorf("redaction marker missing from log: %s", logged)
	}
}

func TestTraceReadWriterLogsOtherTraffic(t *testing.T) {
	var sink bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var wire bytes.Buffer
	wire.WriteString("USER alice\r\n")
	rw := NewBufTraceReadWriter(&readWriter{r: &wire, w: &bytes.Buffer{}}, logger)

	if _, err := rw.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	rw.Write([]byte("331 User name okay, need password\r\n"))

	logged := sink.String()
	if !strings.Contains(logged, "USER alice") {
		t.Errorf("read not traced: %s", logged)
	}
	if !strings.Contains(logged, "331 User name okay") {
		t.Errorf("write not traced: %s", logged)
	}
}

type readWriter struct {
	r io.Reader
	w *bytes.Buffer
}

func (rw *readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw *readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

// chunkReader hands out its input one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}
