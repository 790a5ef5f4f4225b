// Package proxy terminates intercepted web traffic: it impersonates
// the origin toward the device, re-originates the request upstream,
// and records the full exchange. Devices that refuse the local
// authority's certificates fall back to an opaque relay.
package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/pki"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/store"
)

// DeviceLookup resolves connection sources, accumulates per-device
// byte counters, and records whether a device accepts the local
// authority's certificates.
type DeviceLookup interface {
	MonitoredMACByIP(ip string) (string, bool)
	AddBytes(mac string, in, out int64)
	SetCertTrusted(mac string, trusted bool)
}

// Evaluator decides whether a device may reach a host and path.
type Evaluator interface {
	Evaluate(deviceMAC, host, path string, at time.Time) policy.Decision
}

// Config for the proxy.
type Config struct {
	ListenAddr   string
	MaxBodyBytes int64
	DialTimeout  time.Duration
}

// pinTTL bounds how long a pinning observation suppresses
// interception before the host is probed again.
const pinTTL = 24 * time.Hour

// Proxy is the transparent interception listener.
type Proxy struct {
	cfg     Config
	minter  *pki.Minter
	devices DeviceLookup
	eval    Evaluator
	alerts  *alert.Engine
	db      *store.DB
	hub     *events.Hub
	logger  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	pinned   map[string]time.Time // deviceMAC|host -> pinned at
	closed   bool
	wg       sync.WaitGroup
}

// New creates a proxy.
func New(cfg Config, minter *pki.Minter, devices DeviceLookup, eval Evaluator, alerts *alert.Engine, db *store.DB, hub *events.Hub, logger *logging.Logger) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Proxy{
		cfg:     cfg,
		minter:  minter,
		devices: devices,
		eval:    eval,
		alerts:  alerts,
		db:      db,
		hub:     hub,
		logger:  logger.WithComponent("proxy"),
		conns:   make(map[net.Conn]struct{}),
		pinned:  make(map[string]time.Time),
	}
}

// Start begins accepting redirected connections.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddr, err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop(ln)

	p.logger.Info("Transparent proxy listening", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port, for building redirect rules.
func (p *Proxy) Port() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return 0
	}
	return uint16(p.listener.Addr().(*net.TCPAddr).Port)
}

// Shutdown stops accepting, severs active connections, and waits for
// handlers to drain their records into the store.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.listener != nil {
		p.listener.Close()
	}
	for c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Proxy shut down")
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			p.logger.Warn("Accept failed", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.conns, conn)
				p.mu.Unlock()
				conn.Close()
			}()
			p.handle(conn)
		}()
	}
}

func (p *Proxy) handle(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	dst, err := originalDst(tcpConn)
	if err != nil {
		p.logger.Debug("No original destination", "error", err)
		return
	}

	srcIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	mac, monitored := p.devices.MonitoredMACByIP(srcIP)
	if !monitored {
		// Not ours to inspect; pass it through untouched.
		p.relayOpaque(conn, dst, "", "")
		return
	}

	pc := newPeekConn(conn)
	first, err := pc.reader.Peek(1)
	if err != nil {
		return
	}

	if first[0] == 0x16 {
		p.handleTLS(pc, dst, mac)
	} else {
		p.handleHTTP(pc, dst, mac)
	}
}

func (p *Proxy) handleTLS(pc *peekConn, dst *net.TCPAddr, mac string) {
	hello, err := peekClientHello(pc.reader)
	if err != nil {
		p.logger.Debug("Failed to peek client hello", "error", err)
		return
	}

	sni, _ := parseSNI(hello)
	host := sni
	if host == "" {
		host = dst.IP.String()
	}

	dec := p.eval.Evaluate(mac, host, "/", clock.Now())
	if !dec.Allowed {
		p.recordBlocked(mac, "https", host, "/", dec)
		p.serveBlockedTLS(pc, dec.Reason)
		return
	}

	if p.isPinned(mac, host) {
		p.relayOpaque(pc, dst, mac, host)
		return
	}

	leafErr := make(chan error, 1)
	tlsConn := tls.Server(pc, &tls.Config{
		GetCertificate: p.minter.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	go func() {
		leafErr <- tlsConn.Handshake()
	}()

	select {
	case err = <-leafErr:
	case <-time.After(10 * time.Second):
		err = fmt.Errorf("handshake timeout")
	}
	if err != nil {
		// The device rejected our certificate: a pinned app or a
		// device without the authority installed. Future connections
		// to this host bypass interception.
		p.devices.SetCertTrusted(mac, false)
		p.pin(mac, host)
		p.recordPinFallback(mac, host, err)
		return
	}
	p.devices.SetCertTrusted(mac, true)

	upstream, err := tls.DialWithDialer(
		&net.Dialer{Timeout: p.cfg.DialTimeout},
		"tcp", dst.String(),
		&tls.Config{ServerName: sni, MinVersion: tls.VersionTLS12},
	)
	if err != nil {
		p.logger.Warn("Upstream TLS dial failed", "host", host, "error", err)
		writeGatewayError(tlsConn, host)
		return
	}
	defer upstream.Close()

	p.serveSession(tlsConn, upstream, mac, "https", host)
}

// serveBlockedTLS completes the handshake with a minted leaf so the
// device sees the block page instead of a dropped connection. A
// certificate rejection here just closes the connection.
func (p *Proxy) serveBlockedTLS(pc *peekConn, reason string) {
	tlsConn := tls.Server(pc, &tls.Config{
		GetCertificate: p.minter.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	req, err := http.ReadRequest(bufio.NewReader(tlsConn))
	if err != nil {
		return
	}
	p.writeBlockPage(tlsConn, req, reason)
}

func (p *Proxy) handleHTTP(pc *peekConn, dst *net.TCPAddr, mac string) {
	upstream, err := net.DialTimeout("tcp", dst.String(), p.cfg.DialTimeout)
	if err != nil {
		p.logger.Warn("Upstream dial failed", "dst", dst.String(), "error", err)
		return
	}
	defer upstream.Close()

	p.serveSession(pc, upstream, mac, "http", dst.IP.String())
}

func (p *Proxy) isPinned(mac, host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.pinned[mac+"|"+host]
	if !ok {
		return false
	}
	if clock.Since(at) > pinTTL {
		delete(p.pinned, mac+"|"+host)
		return false
	}
	return true
}

func (p *Proxy) pin(mac, host string) {
	p.mu.Lock()
	p.pinned[mac+"|"+host] = clock.Now()
	p.mu.Unlock()
	p.logger.Info("Certificate rejected, relaying future connections opaquely", "device", mac, "host", host)
}

// PinnedHosts lists active pinning observations for the status API.
func (p *Proxy) PinnedHosts() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.pinned))
	for k, v := range p.pinned {
		out[k] = v
	}
	return out
}

func (p *Proxy) recordBlocked(mac, scheme, host, path string, dec policy.Decision) {
	txn := store.Transaction{
		ID:          newID(),
		Timestamp:   clock.Now(),
		DeviceMAC:   mac,
		Scheme:      scheme,
		Host:        host,
		Path:        path,
		Blocked:     true,
		BlockReason: dec.Reason,
		Category:    dec.Category,
		Intercepted: true,
	}
	p.db.AppendTransaction(txn)
	p.hub.Publish(events.Event{
		Type: events.EventProxyBlocked,
		Data: events.TransactionData{ID: txn.ID, DeviceMAC: mac, Host: host, Blocked: true, Reason: dec.Reason},
	})
	p.logger.Info("Blocked connection", "device", mac, "host", host, "reason", dec.Reason)
}

func (p *Proxy) recordPinFallback(mac, host string, err error) {
	txn := store.Transaction{
		ID:          newID(),
		Timestamp:   clock.Now(),
		DeviceMAC:   mac,
		Scheme:      "https",
		Host:        host,
		Path:        "/",
		BlockReason: "",
		Intercepted: false,
		Truncated:   true,
	}
	p.db.AppendTransaction(txn)
	p.hub.Publish(events.Event{
		Type: events.EventRelayOnly,
		Data: events.TransactionData{ID: txn.ID, DeviceMAC: mac, Host: host, Intercepted: false},
	})
	p.logger.Debug("Interception handshake failed", "device", mac, "host", host, "error", err)
}
