package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"
)

// LineMax bounds a single header line (spec.md sec 6 "Size limits").
const LineMax = 64 * 1024

// Outcome is the codec's return discipline for a processed inbound
// message (spec.md sec 4.1 "Return discipline").
type Outcome int

const (
	Processed Outcome = iota
	ProcessedDisconnect
	NotProcessed
	Failure
)

// Conn wraps a net.Conn with line/payload framing and per-call
// deadlines. It does not itself track keepalive timestamps: the
// manager's Worker record is the source of truth for those, updated by
// the caller after each successful Read/Write.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
}

// NewConn wraps an already-accepted connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{raw: c, r: bufio.NewReaderSize(c, 4096)}
}

// RemoteAddr exposes the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// ReadLine reads one '\n'-terminated line within deadline, enforcing
// LineMax.
func (c *Conn) ReadLine(deadline time.Time) (string, error) {
	if err := c.raw.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", err
		}
		// Partial line followed by EOF/timeout: still malformed.
		return "", fmt.Errorf("incomplete line: %w", err)
	}
	if len(line) > LineMax {
		return "", fmt.Errorf("line exceeds LINE_MAX (%d bytes)", LineMax)
	}
	return line, nil
}

// ReadPayload reads exactly n bytes within deadline.
func (c *Conn) ReadPayload(n int64, deadline time.Time) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative payload length %d", n)
	}
	if err := c.raw.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("reading %d-byte payload: %w", n, err)
	}
	return buf, nil
}

// DrainPayload reads and discards n bytes. The manager's connection
// reader does not call it: a `result` stdout payload is read in full,
// whatever its length, and truncated to MaxStdoutBytes only afterwards
// by the manager's result handler.
func (c *Conn) DrainPayload(n int64, deadline time.Time) error {
	if n <= 0 {
		return nil
	}
	if err := c.raw.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	_, err := io.CopyN(io.Discard, c.r, n)
	if err != nil {
		return fmt.Errorf("draining %d-byte payload: %w", n, err)
	}
	return nil
}

// WriteLine writes a header line within deadline.
func (c *Conn) WriteLine(deadline time.Time, line string) error {
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := io.WriteString(c.raw, line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}

// WritePayload writes a framed payload's bytes within deadline.
func (c *Conn) WritePayload(deadline time.Time, payload []byte) error {
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.raw.Write(payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// SetKeepAlive enables TCP keepalive on the underlying socket, when
// supported (spec.md sec 4.5 "Worker admission").
func SetKeepAlive(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
}
