package ftp

import (
	"bufio"
	"io"
)

// asciiSendReader rewrites bare LF to CRLF for ASCII-mode downloads. An LF
// already preceded by CR passes through untouched.
type asciiSendReader struct {
	r       *bufio.Reader
	prevCR  bool
	pending bool // an LF is owed after the CR just emitted
}

func newASCIISendReader(r io.Reader) *asciiSendReader {
	return &asciiSendReader{r: bufio.NewReader(r)}
}

func (a *asciiSendReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if a.pending {
			p[n] = '\n'
			n++
			a.pending = false
			continue
		}
		b, err := a.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b == '\n' && !a.prevCR {
			p[n] = '\r'
			n++
			a.pending = true
			a.prevCR = false
			continue
		}
		a.prevCR = b == '\r'
		p[n] = b
		n++
	}
	return n, nil
}

// asciiRecvReader rewrites CRLF to LF for ASCII-mode uploads, so files land
// with native line endings. A CR not followed by LF is kept as data.
type asciiRecvReader struct {
	r *bufio.Reader
}

func newASCIIRecvReader(r io.Reader) *asciiRecvReader {
	return &asciiRecvReader{r: bufio.NewReader(r)}
}

func (a *asciiRecvReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := a.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b == '\r' {
			next, err := a.r.Peek(1)
			if err == nil && next[0] == '\n' {
				a.r.ReadByte()
				b = '\n'
			}
		}
		p[n] = b
		n++
	}
	return n, nil
}
