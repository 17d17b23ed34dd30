package ftp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/telebroad/ftpd/users"
)

// testClient drives the control connection of a running server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startTestServer(t *testing.T) (*Server, afero.Fs) {
	t.Helper()

	store, err := users.New([]users.Account{
		{Username: "alice", Password: "donttellbob", Root: "/srv/alice"},
		{Username: "anonymous", AnyPassword: true, Root: "/srv/pub"},
	})
	if err != nil {
		t.Fatal(err)
	}

	fs := afero.NewMemMapFs()
	for _, dir := range []string{"/srv/alice/docs", "/srv/pub"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := afero.WriteFile(fs, "/srv/alice/hello.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := NewServer("127.0.0.1:0", store)
	srv.FS = fs
	srv.PasvAcceptTimeout = 500 * time.Millisecond
	if err := srv.TryListenAndServe(100 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, fs
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(220)
	return c
}

func (c *testClient) send(format string, args ...any) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, format+"\r\n", args...); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// expect reads one reply line and checks its code, returning the full line.
func (c *testClient) expect(code int) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading reply: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, strconv.Itoa(code)+" ") {
		c.t.Fatalf("got reply %q, want code %d", line, code)
	}
	return line
}

func (c *testClient) login(user, pass string) {
	c.t.Helper()
	c.send("USER %s", user)
	c.expect(331)
	c.send("PASS %s", pass)
	c.expect(230)
}

// pasv negotiates passive mode and dials the advertised address.
func (c *testClient) pasv() net.Conn {
	c.t.Helper()
	c.send("PASV")
	line := c.expect(227)
	lparen := strings.Index(line, "(")
	rparen := strings.Index(line, ")")
	if lparen < 0 || rparen < lparen {
		c.t.Fatalf("malformed 227 reply %q", line)
	}
	parts := strings.Split(line[lparen+1:rparen], ",")
	if len(parts) != 6 {
		c.t.Fatalf("malformed 227 reply %q", line)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	addr := fmt.Sprintf("%s:%d", strings.Join(parts[:4], "."), p1<<8|p2)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.t.Fatalf("dialing data address %s: %v", addr, err)
	}
	return conn
}

func TestLoginAndNavigation(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)

	c.login("alice", "donttellbob")

	c.send("PWD")
	if line := c.expect(257); !strings.Contains(line, `"/"`) {
		t.Errorf("PWD reply %q does not quote the root", line)
	}

	c.send("CWD docs")
	c.expect(250)
	c.send("PWD")
	if line := c.expect(257); !strings.Contains(line, `"/docs"`) {
		t.Errorf("PWD reply %q after CWD", line)
	}

	c.send("CDUP")
	c.expect(250)

	c.send("CWD nosuchdir")
	c.expect(550)

	c.send("CWD ..")
	c.expect(550)

	c.send("NOOP")
	c.expect(200)

	c.send("QUIT")
	c.expect(221)
}

func TestAuthGating(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)

	c.send("PWD")
	c.expect(530)

	c.send("PASS donttellbob")
	c.expect(530)

	c.send("USER alice")
	c.expect(331)
	c.send("PASS wrong")
	c.expect(530)

	c.send("USER nobody")
	c.expect(331)
	c.send("PASS whatever")
	c.expect(530)

	c.login("alice", "donttellbob")
}

func TestAnonymousLogin(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("anonymous", "guest@example.com")
}

func TestUnknownAndMalformedCommands(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	c.send("MKD stuff")
	c.expect(500)

	c.send("TYPE X")
	c.expect(501)

	c.send("TYPE A")
	c.expect(200)
	c.send("TYPE I")
	c.expect(200)

	// Stream mode and file structure are the only accepted values.
	c.send("MODE S")
	c.expect(200)
	c.send("MODE B")
	c.expect(501)
	c.send("STRU F")
	c.expect(200)
	c.send("STRU R")
	c.expect(501)

	// Blank lines are swallowed without a reply.
	c.send("")
	c.send("NOOP")
	c.expect(200)
}

func TestStorRetrRoundTrip(t *testing.T) {
	srv, fs := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	data := c.pasv()
	c.send("STOR upload.bin")
	c.expect(150)
	if _, err := data.Write([]byte("stored bytes")); err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)

	got, err := afero.ReadFile(fs, "/srv/alice/upload.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "stored bytes" {
		t.Errorf("stored %q, want %q", got, "stored bytes")
	}

	data = c.pasv()
	c.send("RETR upload.bin")
	c.expect(150)
	back, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)
	if string(back) != "stored bytes" {
		t.Errorf("retrieved %q, want %q", back, "stored bytes")
	}
}

func TestRetrErrors(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	// Path errors answer before any data connection is required.
	c.send("RETR nosuchfile")
	c.expect(550)
	c.send("RETR docs")
	c.expect(550)
	c.send("RETR ../../etc/passwd")
	c.expect(550)
}

func TestStorNeverCreatesDirectories(t *testing.T) {
	srv, fs := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	c.send("STOR missing/upload.bin")
	c.expect(550)

	if _, err := fs.Stat("/srv/alice/missing"); err == nil {
		t.Error("upload created a directory")
	}
}

func TestTransferWithoutNegotiation(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	c.send("RETR hello.txt")
	c.expect(425)
}

func TestPassiveNegotiationConsumedOnce(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	data := c.pasv()
	c.send("RETR hello.txt")
	c.expect(150)
	body, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	if string(body) != "hello" {
		t.Errorf("retrieved %q, want %q", body, "hello")
	}

	// The negotiation was spent on the first transfer.
	c.send("RETR hello.txt")
	c.expect(425)
}

func TestList(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	data := c.pasv()
	c.send("LIST")
	c.expect(150)
	body, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	listing := string(body)
	if !strings.Contains(listing, "hello.txt") || !strings.Contains(listing, "docs") {
		t.Errorf("listing missing entries:\n%s", listing)
	}

	data = c.pasv()
	c.send("NLST")
	c.expect(150)
	body, _ = io.ReadAll(data)
	data.Close()
	c.expect(226)
	if !strings.Contains(string(body), "hello.txt\r\n") {
		t.Errorf("NLST output %q", body)
	}

	// Listing a file is a 450 and must not consume a negotiation.
	c.send("LIST hello.txt")
	c.expect(450)

	// The earlier NLST spent the last negotiation.
	c.send("LIST")
	c.expect(425)
}

func TestActiveMode(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.send("PORT 127,0,0,1,%d,%d", port>>8, port&0xFF)
	c.expect(200)

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		defer conn.Close()
		body, _ := io.ReadAll(conn)
		accepted <- body
	}()

	c.send("RETR hello.txt")
	c.expect(150)
	c.expect(226)
	if body := <-accepted; string(body) != "hello" {
		t.Errorf("active transfer got %q, want %q", body, "hello")
	}

	c.send("PORT 127,0,0,1,999,1")
	c.expect(501)
}

func TestASCIITransfer(t *testing.T) {
	srv, fs := startTestServer(t)
	if err := afero.WriteFile(fs, "/srv/alice/lines.txt", []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialTestServer(t, srv)
	c.login("alice", "donttellbob")

	c.send("TYPE A")
	c.expect(200)

	data := c.pasv()
	c.send("RETR lines.txt")
	c.expect(150)
	body, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	if string(body) != "one\r\ntwo\r\n" {
		t.Errorf("ASCII download %q", body)
	}

	data = c.pasv()
	c.send("STOR netlines.txt")
	c.expect(150)
	data.Write([]byte("three\r\nfour\r\n"))
	data.Close()
	c.expect(226)
	got, err := afero.ReadFile(fs, "/srv/alice/netlines.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "three\nfour\n" {
		t.Errorf("ASCII upload stored %q", got)
	}
}
