package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/store"
)

// refusedAddr returns a loopback address that nothing listens on.
func refusedAddr(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr
}

// A device that rejects the minted certificate gets pinned: the
// failure is recorded as an opaque relay, never as a block, and the
// device's trust flag flips to false.
func TestHandshakeRejectionPinsHost(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	prev := clock.SetClock(mock)
	defer clock.SetClock(prev)

	p, db, devs, _ := newTestProxy(t, allowEval{})

	proxySide, deviceSide := net.Pipe()
	defer proxySide.Close()

	clientErr := make(chan error, 1)
	go func() {
		defer deviceSide.Close()
		// No roots configured, so verification of the minted leaf
		// fails the way a pinned app's would.
		tc := tls.Client(deviceSide, &tls.Config{
			ServerName: "pinned.example.com",
			MaxVersion: tls.VersionTLS12,
		})
		clientErr <- tc.Handshake()
	}()

	p.handleTLS(newPeekConn(proxySide), refusedAddr(t), testMAC)

	require.Error(t, <-clientErr)

	trusted, seen := devs.trusted(testMAC)
	assert.True(t, seen)
	assert.False(t, trusted)

	assert.True(t, p.isPinned(testMAC, "pinned.example.com"))
	assert.Contains(t, p.PinnedHosts(), testMAC+"|pinned.example.com")

	db.Flush()
	txns, err := db.Transactions(store.Filter{})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "pinned.example.com", txns[0].Host)
	assert.False(t, txns[0].Intercepted)
	assert.False(t, txns[0].Blocked)
	assert.True(t, txns[0].Truncated)

	// Pins expire so the host is retried after the suppression window.
	mock.Advance(25 * time.Hour)
	assert.False(t, p.isPinned(testMAC, "pinned.example.com"))
}

// A device that accepts the minted certificate is marked as trusting
// the authority, even when the upstream dial fails afterwards.
func TestHandshakeSuccessMarksCertTrusted(t *testing.T) {
	p, db, devs, ca := newTestProxy(t, allowEval{})

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.CertPEM()))

	proxySide, deviceSide := net.Pipe()
	defer proxySide.Close()

	clientErr := make(chan error, 1)
	go func() {
		defer deviceSide.Close()
		// TLS 1.2 keeps the handshake flights strictly ordered over
		// the synchronous pipe.
		tc := tls.Client(deviceSide, &tls.Config{
			ServerName: "trusted.example.com",
			RootCAs:    pool,
			MaxVersion: tls.VersionTLS12,
		})
		err := tc.Handshake()
		clientErr <- err
		if err == nil {
			io.Copy(io.Discard, tc)
		}
	}()

	p.handleTLS(newPeekConn(proxySide), refusedAddr(t), testMAC)
	proxySide.Close()

	require.NoError(t, <-clientErr)

	trusted, seen := devs.trusted(testMAC)
	assert.True(t, seen)
	assert.True(t, trusted)
	assert.False(t, p.isPinned(testMAC, "trusted.example.com"))

	db.Flush()
	txns, err := db.Transactions(store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

// A denied SNI still gets a completed handshake and a 403 page, not a
// dropped connection.
func TestDeniedHostServedBlockPageOverTLS(t *testing.T) {
	p, db, _, ca := newTestProxy(t, denyEval{reason: "category blocked: gambling"})

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.CertPEM()))

	proxySide, deviceSide := net.Pipe()
	defer proxySide.Close()

	type result struct {
		status int
		body   string
		err    error
	}
	results := make(chan result, 1)
	go func() {
		defer deviceSide.Close()
		tc := tls.Client(deviceSide, &tls.Config{
			ServerName: "blocked.example.com",
			RootCAs:    pool,
			MaxVersion: tls.VersionTLS12,
		})
		if err := tc.Handshake(); err != nil {
			results <- result{err: err}
			return
		}
		if _, err := tc.Write([]byte("GET /slots HTTP/1.1\r\nHost: blocked.example.com\r\n\r\n")); err != nil {
			results <- result{err: err}
			return
		}
		resp, err := http.ReadResponse(bufio.NewReader(tc), nil)
		if err != nil {
			results <- result{err: err}
			return
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		results <- result{status: resp.StatusCode, body: string(body)}
	}()

	p.handleTLS(newPeekConn(proxySide), refusedAddr(t), testMAC)

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Contains(t, res.body, "This site is blocked")
	assert.Contains(t, res.body, "category blocked: gambling")

	db.Flush()
	txns, err := db.Transactions(store.Filter{})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "blocked.example.com", txns[0].Host)
	assert.True(t, txns[0].Blocked)
	assert.Equal(t, "category blocked: gambling", txns[0].BlockReason)
}
