package transport

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialPlain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("hello"))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	s, err := Dial(DialContext{}, host, port, false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, s.Send([]byte("ping!")))

	buf := make([]byte, 5)
	n, err := s.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestDialTLSNoVerify(t *testing.T) {
	cert, err := selfSignedCert()
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("pong"))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	// The listener's cert is self-signed and for a different name; Dial
	// must still succeed since peer verification is disabled by design.
	s, err := Dial(DialContext{}, host, port, true)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send([]byte("ping")))
	buf := make([]byte, 4)
	n, err := s.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestCloseIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	s, err := Dial(DialContext{}, host, port, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
