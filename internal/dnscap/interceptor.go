package dnscap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/packet"
	"github.com/miekg/dns"
	"golang.org/x/net/bpf"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/store"
)

// DeviceLookup resolves a LAN IP to a monitored device MAC. An empty
// second return means the IP belongs to no monitored device.
type DeviceLookup interface {
	MonitoredMACByIP(ip string) (string, bool)
}

// Evaluator decides whether a device may resolve a host.
type Evaluator interface {
	Evaluate(deviceMAC, host, path string, at time.Time) policy.Decision
}

// Config for the interceptor.
type Config struct {
	Iface      *net.Interface
	SelfMAC    net.HardwareAddr
	BlockMode  string // "nxdomain" or "redirect"
	RedirectIP net.IP
}

// Interceptor sniffs DNS over the interception point and forges
// answers for blocked names. Forged replies are injected directly to
// the querying device, beating the real resolver's answer.
type Interceptor struct {
	cfg     Config
	devices DeviceLookup
	eval    Evaluator
	alerts  *alert.Engine
	db      *store.DB
	hub     *events.Hub
	logger  *logging.Logger

	mu      sync.Mutex
	conn    *packet.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending map[uint16]*pendingQuery
}

type pendingQuery struct {
	deviceMAC string
	name      string
	qtype     string
	at        time.Time
}

const pendingTTL = 5 * time.Second

// New creates a DNS interceptor.
func New(cfg Config, devices DeviceLookup, eval Evaluator, alerts *alert.Engine, db *store.DB, hub *events.Hub, logger *logging.Logger) *Interceptor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Interceptor{
		cfg:     cfg,
		devices: devices,
		eval:    eval,
		alerts:  alerts,
		db:      db,
		hub:     hub,
		logger:  logger.WithComponent("dns"),
		pending: make(map[uint16]*pendingQuery),
	}
}

// Start opens the capture socket and begins processing. A socket
// failure disables DNS interception but is not fatal to the caller;
// traffic keeps flowing unfiltered.
func (i *Interceptor) Start(ctx context.Context) error {
	conn, err := packet.Listen(i.cfg.Iface, packet.Raw, etherTypeIPv4, nil)
	if err != nil {
		return fmt.Errorf("failed to open DNS capture socket: %w", err)
	}

	prog, err := bpf.Assemble(dnsFilter())
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to assemble DNS filter: %w", err)
	}
	if err := conn.SetBPF(prog); err != nil {
		conn.Close()
		return fmt.Errorf("failed to attach DNS filter: %w", err)
	}

	i.mu.Lock()
	i.conn = conn
	ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	i.wg.Add(1)
	go i.loop(ctx)

	i.logger.Info("DNS interception started", "iface", i.cfg.Iface.Name, "block_mode", i.cfg.BlockMode)
	return nil
}

// Stop halts capture. Idempotent.
func (i *Interceptor) Stop() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	i.wg.Wait()

	i.mu.Lock()
	if i.conn != nil {
		i.conn.Close()
		i.conn = nil
	}
	i.mu.Unlock()
	i.logger.Info("DNS interception stopped")
}

// dnsFilter matches UDP port 53 in either direction over IPv4.
func dnsFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: etherTypeIPv4, SkipTrue: 10},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 17, SkipTrue: 8},
		// Drop fragments; offsets past the first hold no UDP header.
		bpf.LoadAbsolute{Off: 20, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 6},
		bpf.LoadMemShift{Off: 14},
		bpf.LoadIndirect{Off: 14, Size: 2}, // src port
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 53, SkipTrue: 2},
		bpf.LoadIndirect{Off: 16, Size: 2}, // dst port
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 53, SkipTrue: 1},
		bpf.RetConstant{Val: 262144},
		bpf.RetConstant{Val: 0},
	}
}

func (i *Interceptor) loop(ctx context.Context) {
	defer i.wg.Done()

	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				i.expirePending()
				continue
			}
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			continue
		}

		pkt, err := decodeUDP4(buf[:n])
		if err != nil {
			continue
		}

		var msg dns.Msg
		if err := msg.Unpack(pkt.Payload); err != nil {
			continue
		}

		if !msg.Response && pkt.DstPort == 53 {
			i.handleQuery(conn, pkt, &msg)
		} else if msg.Response && pkt.SrcPort == 53 {
			i.handleResponse(pkt, &msg)
		}
	}
}

func (i *Interceptor) handleQuery(conn *packet.Conn, pkt *packetInfo, msg *dns.Msg) {
	if len(msg.Question) != 1 {
		return
	}
	q := msg.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	mac, monitored := i.devices.MonitoredMACByIP(pkt.SrcIP.String())
	if !monitored {
		return
	}

	dec := i.eval.Evaluate(mac, name, "/", clock.Now())
	if dec.Allowed {
		i.mu.Lock()
		i.pending[msg.Id] = &pendingQuery{
			deviceMAC: mac,
			name:      name,
			qtype:     dns.TypeToString[q.Qtype],
			at:        clock.Now(),
		}
		i.mu.Unlock()
		return
	}

	i.forge(conn, pkt, msg, q)

	id := uuid.NewString()
	i.scanName(mac, id, name)
	i.db.AppendDNSQuery(store.DNSQuery{
		ID:        id,
		Timestamp: clock.Now(),
		DeviceMAC: mac,
		Name:      name,
		QueryType: dns.TypeToString[q.Qtype],
		Blocked:   true,
		Reason:    dec.Reason,
	})
	i.hub.Publish(events.Event{
		Type: events.EventDNSBlock,
		Data: events.DNSQueryData{DeviceMAC: mac, Domain: name, Blocked: true, Reason: dec.Reason},
	})
	metrics.Get().DNSQueries.WithLabelValues("blocked").Inc()
	i.logger.Info("Blocked DNS query", "device", mac, "name", name, "reason", dec.Reason)
}

// forge answers the query per the configured block mode and injects
// the frame back to the device with addressing reversed, so the reply
// appears to come from the device's configured resolver.
func (i *Interceptor) forge(conn *packet.Conn, pkt *packetInfo, query *dns.Msg, q dns.Question) {
	resp := new(dns.Msg)

	if i.cfg.BlockMode == "redirect" && q.Qtype == dns.TypeA && i.cfg.RedirectIP != nil {
		resp.SetReply(query)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 10},
			A:   i.cfg.RedirectIP.To4(),
		}}
	} else {
		resp.SetRcode(query, dns.RcodeNameError)
	}

	payload, err := resp.Pack()
	if err != nil {
		i.logger.Debug("Failed to pack forged response", "error", err)
		return
	}

	frame := encodeUDP4(i.cfg.SelfMAC, pkt.SrcMAC, pkt.DstIP, pkt.SrcIP, 53, pkt.SrcPort, payload)
	if _, err := conn.WriteTo(frame, &packet.Addr{HardwareAddr: pkt.SrcMAC}); err != nil {
		i.logger.Debug("Failed to inject forged response", "error", err)
	}
}

func (i *Interceptor) handleResponse(pkt *packetInfo, msg *dns.Msg) {
	i.mu.Lock()
	p, ok := i.pending[msg.Id]
	if ok {
		delete(i.pending, msg.Id)
	}
	i.mu.Unlock()
	if !ok {
		return
	}
	if len(msg.Question) != 1 || strings.TrimSuffix(strings.ToLower(msg.Question[0].Name), ".") != p.name {
		return
	}

	var addrs []string
	for _, rr := range msg.Answer {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, a.A.String())
		case *dns.AAAA:
			addrs = append(addrs, a.AAAA.String())
		}
	}

	i.record(p, addrs)
}

// expirePending flushes queries whose answer never came back, so the
// log still shows the attempt.
func (i *Interceptor) expirePending() {
	now := clock.Now()

	i.mu.Lock()
	var expired []*pendingQuery
	for id, p := range i.pending {
		if now.Sub(p.at) > pendingTTL {
			expired = append(expired, p)
			delete(i.pending, id)
		}
	}
	i.mu.Unlock()

	for _, p := range expired {
		i.record(p, nil)
	}
}

func (i *Interceptor) record(p *pendingQuery, addrs []string) {
	id := uuid.NewString()
	i.scanName(p.deviceMAC, id, p.name)
	i.db.AppendDNSQuery(store.DNSQuery{
		ID:        id,
		Timestamp: p.at,
		DeviceMAC: p.deviceMAC,
		Name:      p.name,
		QueryType: p.qtype,
		Addresses: addrs,
	})
	i.hub.Publish(events.Event{
		Type: events.EventDNSQuery,
		Data: events.DNSQueryData{DeviceMAC: p.deviceMAC, Domain: p.name, Addresses: addrs},
	})
	metrics.Get().DNSQueries.WithLabelValues("observed").Inc()
}

// scanName runs the keyword engine over the bare query name, tagging
// any hit with the stored query's id.
func (i *Interceptor) scanName(mac, ref, name string) {
	if i.alerts != nil {
		i.alerts.Scan(mac, ref, name)
	}
}
