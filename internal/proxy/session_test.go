package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/pki"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/store"
)

const testMAC = "aa:bb:cc:dd:ee:01"

type fakeDevices struct {
	mu    sync.Mutex
	trust map[string]bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{trust: make(map[string]bool)}
}

func (f *fakeDevices) MonitoredMACByIP(ip string) (string, bool) { return testMAC, true }

func (f *fakeDevices) AddBytes(mac string, in, out int64) {}

func (f *fakeDevices) SetCertTrusted(mac string, trusted bool) {
	f.mu.Lock()
	f.trust[mac] = trusted
	f.mu.Unlock()
}

func (f *fakeDevices) trusted(mac string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.trust[mac]
	return v, ok
}

type allowEval struct{}

func (allowEval) Evaluate(mac, host, path string, at time.Time) policy.Decision {
	return policy.Allow()
}

type denyEval struct{ reason string }

func (d denyEval) Evaluate(mac, host, path string, at time.Time) policy.Decision {
	return policy.Decision{Allowed: false, Reason: d.reason}
}

func newTestProxy(t *testing.T, eval Evaluator) (*Proxy, *store.DB, *fakeDevices, *pki.CA) {
	t.Helper()

	db, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alerts := alert.NewEngine(events.NewHub(), nil)
	alerts.SetSink(db.AppendAlert)
	alerts.LoadConfig(&config.Config{
		Interface: "eth0",
		Keywords: []config.KeywordConfig{
			{Word: "casino", Category: "gambling", Severity: "high"},
			{Word: "gambling", Category: "gambling", Severity: "high"},
			{Word: "secret", Category: "privacy", Severity: "critical"},
		},
	})

	ca, err := pki.EnsureCA(t.TempDir(), "default", nil)
	require.NoError(t, err)

	devs := newFakeDevices()
	p := New(Config{}, pki.NewMinter(ca, 8), devs, eval, alerts, db, events.NewHub(), nil)
	return p, db, devs, ca
}

// Keywords in the URL, the request headers, and the request body must
// all raise alerts, not just ones in the response body.
func TestExchangeScansURLHeadersAndRequestBody(t *testing.T) {
	p, db, _, _ := newTestProxy(t, allowEval{})

	proxyClient, deviceSide := net.Pipe()
	proxyUpstream, originSide := net.Pipe()
	defer proxyClient.Close()
	defer proxyUpstream.Close()

	raw := "POST /casino-night?ref=promo HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-Note: gambling den\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 10\r\n" +
		"Connection: close\r\n\r\n" +
		"my secret!"
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	go func() {
		sreq, err := http.ReadRequest(bufio.NewReader(originSide))
		if err != nil {
			return
		}
		io.Copy(io.Discard, sreq.Body)
		originSide.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
		originSide.Close()
	}()
	go io.Copy(io.Discard, deviceSide)

	reuse := p.serveExchange(proxyClient, proxyUpstream, bufio.NewReader(proxyUpstream), req, testMAC, "http", "example.com")
	assert.False(t, reuse)

	db.Flush()
	txns, err := db.Transactions(store.Filter{})
	require.NoError(t, err)
	require.Len(t, txns, 1)

	assert.True(t, txns[0].Alerted)
	terms := strings.Split(txns[0].AlertTerms, ",")
	assert.Contains(t, terms, "casino", "keyword in the URL path")
	assert.Contains(t, terms, "gambling", "keyword in a request header")
	assert.Contains(t, terms, "secret", "keyword in the request body")

	alerts, err := db.Alerts(store.Filter{}, "")
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	for _, a := range alerts {
		assert.Equal(t, txns[0].ID, a.SourceRef)
	}
}

func TestRequestURL(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET /search?q=kittens HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/search?q=kittens", requestURL("https", "example.com", req))

	req, err = http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", requestURL("http", "example.com", req))
}

func TestHeaderText(t *testing.T) {
	h := http.Header{}
	h.Add("X-Note", "one")
	h.Add("X-Note", "two")
	h.Add("Cookie", "a=1")
	assert.Equal(t, "Cookie: a=1\nX-Note: one\nX-Note: two\n", headerText(h))
}
