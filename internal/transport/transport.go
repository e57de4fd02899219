// Package transport implements the blocking TCP/TLS session. It mirrors
// the firmware's ota_connect/ota_close pair: blocking sockets, explicit
// read timeouts, TLS 1.2 with peer verification disabled by design (trust
// is rooted in the image signature, not the transport), and an
// outcome-coded teardown ladder that is safe to call from any
// partially-constructed state.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Settle is the delay the firmware holds around the TLS handshake; the
// underlying radio/SSL stack on the original target was sensitive to
// back-to-back I/O immediately after the handshake completes. Kept here
// unconditionally to preserve that model.
const Settle = 50 * time.Millisecond

// Timeout profiles for the two phases a session is used in.
const (
	ProbeTimeout = 2 * time.Second
	BodyTimeout  = 60 * time.Second
)

// outcome mirrors the firmware's ota_conn_result codes so Close's
// fallthrough teardown ladder can be reasoned about the same way.
type outcome int

const (
	outcomeOpen        outcome = 0  // fully open: TCP + TLS attached
	outcomeTLSUnattach outcome = -1 // TLS session created but not attached/handshaked
	outcomeSocketOnly  outcome = -2 // TCP connected, no TLS requested or attempted
	outcomeNothing     outcome = -3 // nothing was ever created
)

// Session is one connected transport, optionally wrapping TLS.
type Session struct {
	conn    net.Conn
	tls     *tls.Conn
	outcome outcome
}

// Dial performs DNS resolution, opens a TCP connection, and -- if useTLS
// is set -- completes a TLS 1.2 handshake with SNI set to host and peer
// verification disabled. Read deadlines are not set here; callers set them
// per-phase via SetDeadline (internal/redirect sets a 2 s deadline per
// probe and internal/download a 60 s deadline per chunk, using their own
// constants; ProbeTimeout and BodyTimeout name the same two values).
func Dial(ctx DialContext, host string, port int, useTLS bool) (*Session, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := ctx.dialer().Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	s := &Session{conn: conn, outcome: outcomeSocketOnly}

	if !useTLS {
		s.outcome = outcomeSocketOnly
		return s, nil
	}

	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // peer verification disabled by design
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
	}

	time.Sleep(Settle)
	tlsConn := tls.Client(conn, cfg)
	s.tls = tlsConn
	s.outcome = outcomeTLSUnattach

	if err := tlsConn.Handshake(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("transport: tls handshake with %s: %w", host, err)
	}
	time.Sleep(Settle)

	s.outcome = outcomeOpen
	return s, nil
}

// DialContext customizes how the underlying TCP dial is performed. It
// exists primarily so tests can point Dial at an in-process listener
// without touching DNS.
type DialContext struct {
	Dialer *net.Dialer
}

func (c DialContext) dialer() *net.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

// SetDeadline forwards to the underlying connection (TLS or plain).
func (s *Session) SetDeadline(t time.Time) error {
	return s.netConn().SetDeadline(t)
}

// Send writes all of b or returns an error.
func (s *Session) Send(b []byte) error {
	_, err := writeFull(s.netConn(), b)
	return err
}

// Recv reads up to len(buf) bytes. It returns (0, nil) on orderly close
// (io.EOF from the connection), matching the firmware's "0 indicates
// orderly close" contract; any other failure is returned as an error.
func (s *Session) Recv(buf []byte) (int, error) {
	n, err := s.netConn().Read(buf)
	if n > 0 {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (s *Session) netConn() net.Conn {
	if s.tls != nil {
		return s.tls
	}
	return s.conn
}

// Close tears down TLS (if attached) before closing the socket. It is
// idempotent and safe to call from any outcome state, mirroring the
// firmware's deliberate switch-fallthrough teardown ladder.
func (s *Session) Close() error {
	var err error
	switch s.outcome {
	case outcomeOpen, outcomeTLSUnattach:
		if s.tls != nil {
			err = s.tls.Close()
		}
		fallthrough
	case outcomeSocketOnly:
		if s.conn != nil {
			if cerr := s.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	case outcomeNothing:
		// nothing to do
	}
	s.outcome = outcomeNothing
	s.tls = nil
	s.conn = nil
	return err
}

func writeFull(w net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("transport: short write after %d/%d bytes: %w", total, len(b), err)
		}
	}
	return total, nil
}
