package dnscap

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/store"
)

type staticLookup struct {
	mac string
}

func (l staticLookup) MonitoredMACByIP(ip string) (string, bool) {
	return l.mac, l.mac != ""
}

type allowAll struct{}

func (allowAll) Evaluate(mac, host, path string, at time.Time) policy.Decision {
	return policy.Allow()
}

func newTestInterceptor(t *testing.T) (*Interceptor, *store.DB, *alert.Engine) {
	t.Helper()

	db, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alerts := alert.NewEngine(events.NewHub(), nil)
	alerts.LoadConfig(&config.Config{
		Interface: "eth0",
		Keywords: []config.KeywordConfig{
			{Word: "casino", Category: "gambling", Severity: "high"},
		},
	})
	alerts.SetSink(db.AppendAlert)

	i := New(Config{
		Iface:     &net.Interface{Index: 1, Name: "eth0"},
		SelfMAC:   mustMAC(t, "02:42:ac:11:00:02"),
		BlockMode: "nxdomain",
	}, staticLookup{mac: "aa:bb:cc:dd:ee:01"}, allowAll{}, alerts, db, events.NewHub(), nil)

	return i, db, alerts
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func testPacket(t *testing.T, srcPort, dstPort uint16) *packetInfo {
	t.Helper()
	return &packetInfo{
		SrcMAC:  mustMAC(t, "aa:bb:cc:dd:ee:01"),
		DstMAC:  mustMAC(t, "02:42:ac:11:00:02"),
		SrcIP:   net.ParseIP("192.168.1.50").To4(),
		DstIP:   net.ParseIP("1.1.1.1").To4(),
		SrcPort: srcPort,
		DstPort: dstPort,
	}
}

// An observed query whose name carries a configured keyword must raise
// an alert referencing the stored query record.
func TestQueryNameRaisesAlert(t *testing.T) {
	i, db, _ := newTestInterceptor(t)

	query := new(dns.Msg)
	query.SetQuestion("casino-royale.example.com.", dns.TypeA)

	i.handleQuery(nil, testPacket(t, 40000, 53), query)

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("203.0.113.7").To4(),
	}}
	i.handleResponse(testPacket(t, 53, 40000), resp)

	db.Flush()
	queries, err := db.DNSQueries(store.Filter{})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "casino-royale.example.com", queries[0].Name)

	alerts, err := db.Alerts(store.Filter{}, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "casino", alerts[0].Keyword)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", alerts[0].DeviceMAC)
	assert.Equal(t, queries[0].ID, alerts[0].SourceRef)
}

// A clean name raises nothing, and an unmonitored source is ignored
// entirely.
func TestQueryNameNoKeywordNoAlert(t *testing.T) {
	i, db, _ := newTestInterceptor(t)

	query := new(dns.Msg)
	query.SetQuestion("weather.example.com.", dns.TypeA)
	i.handleQuery(nil, testPacket(t, 40000, 53), query)

	resp := new(dns.Msg)
	resp.SetReply(query)
	i.handleResponse(testPacket(t, 53, 40000), resp)

	db.Flush()
	alerts, err := db.Alerts(store.Filter{}, "")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

// An expired query (answer never seen) is still recorded and scanned.
func TestExpiredQueryStillScanned(t *testing.T) {
	i, db, _ := newTestInterceptor(t)

	query := new(dns.Msg)
	query.SetQuestion("casino.example.net.", dns.TypeA)
	i.handleQuery(nil, testPacket(t, 40000, 53), query)

	i.mu.Lock()
	for _, p := range i.pending {
		p.at = p.at.Add(-2 * pendingTTL)
	}
	i.mu.Unlock()
	i.expirePending()

	db.Flush()
	alerts, err := db.Alerts(store.Filter{}, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "casino", alerts[0].Keyword)
}
