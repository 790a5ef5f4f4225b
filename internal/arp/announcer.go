package arp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/packet"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
)

// State is the announcer lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateAnnouncing
	StateRestoring
)

func (s State) String() string {
	switch s {
	case StateAnnouncing:
		return "announcing"
	case StateRestoring:
		return "restoring"
	default:
		return "idle"
	}
}

const (
	resolveTimeout  = 2 * time.Second
	resolveAttempts = 3
	restoreRounds   = 3
	restoreSpacing  = 500 * time.Millisecond

	// A target that answers none of this many consecutive probe cycles
	// is reported unreachable.
	missedProbeLimit = 4
)

// Target is one device whose gateway mapping is being overridden.
type Target struct {
	IP  net.IP
	MAC net.HardwareAddr

	missedProbes int
}

// Config for the announcer.
type Config struct {
	Iface      *net.Interface
	SelfIP     net.IP
	GatewayIP  net.IP
	Advertised net.HardwareAddr // MAC advertised in forged replies
	Interval   time.Duration

	// OnUnreachable is called when a target stops answering probes.
	OnUnreachable func(mac string)
}

// Announcer maintains the forged ARP state for a set of targets. All
// exported methods are safe for concurrent use.
type Announcer struct {
	cfg    Config
	hub    *events.Hub
	logger *logging.Logger

	mu         sync.Mutex
	state      State
	conn       *packet.Conn
	targets    map[string]*Target // keyed by normalized MAC
	gatewayMAC net.HardwareAddr
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	neighbors map[string]net.HardwareAddr // IP string -> MAC, learned from replies
	waiters   map[string][]chan net.HardwareAddr
}

// New creates an announcer. Start must be called before targets take
// effect.
func New(cfg Config, hub *events.Hub, logger *logging.Logger) *Announcer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Announcer{
		cfg:       cfg,
		hub:       hub,
		logger:    logger.WithComponent("arp"),
		targets:   make(map[string]*Target),
		neighbors: make(map[string]net.HardwareAddr),
		waiters:   make(map[string][]chan net.HardwareAddr),
	}
}

// State returns the current lifecycle state.
func (a *Announcer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// GatewayMAC returns the resolved hardware address of the real
// gateway. Empty until Start succeeds.
func (a *Announcer) GatewayMAC() net.HardwareAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatewayMAC
}

// Start opens the raw socket, resolves the real gateway's MAC, and
// begins the announce loop. Calling Start while announcing is an
// error.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return fmt.Errorf("announcer is %s, expected idle", a.state)
	}

	conn, err := packet.Listen(a.cfg.Iface, packet.Raw, etherTypeARP, nil)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open ARP socket on %s: %w", a.cfg.Iface.Name, err)
	}
	a.conn = conn

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.readLoop(ctx)
	a.mu.Unlock()

	gwMAC, err := a.resolve(ctx, a.cfg.GatewayIP)
	if err != nil {
		a.teardown()
		return fmt.Errorf("failed to resolve gateway %s: %w", a.cfg.GatewayIP, err)
	}

	a.mu.Lock()
	a.gatewayMAC = gwMAC
	a.state = StateAnnouncing
	a.mu.Unlock()

	a.wg.Add(1)
	go a.announceLoop(ctx)

	a.logger.Info("Gateway impersonation started",
		"gateway_ip", a.cfg.GatewayIP.String(),
		"gateway_mac", gwMAC.String(),
		"interval", a.cfg.Interval)
	a.hub.Publish(events.Event{Type: events.EventSpoofStarted})
	return nil
}

// AddTarget starts overriding the gateway mapping for a device. The
// device's MAC must be known; its first forged replies go out on the
// next announce tick.
func (a *Announcer) AddTarget(mac string, ip net.IP) error {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("invalid target MAC %q: %w", mac, err)
	}
	key := strings.ToLower(hw.String())

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAnnouncing {
		return fmt.Errorf("announcer is %s", a.state)
	}
	a.targets[key] = &Target{IP: ip.To4(), MAC: hw}
	a.logger.Info("Added interception target", "mac", key, "ip", ip.String())
	return nil
}

// RemoveTarget stops overriding a device and immediately restores its
// true gateway mapping.
func (a *Announcer) RemoveTarget(mac string) {
	key := strings.ToLower(mac)

	a.mu.Lock()
	t, ok := a.targets[key]
	if ok {
		delete(a.targets, key)
	}
	gwMAC := a.gatewayMAC
	conn := a.conn
	a.mu.Unlock()

	if !ok || conn == nil || gwMAC == nil {
		return
	}
	a.restoreTarget(conn, t, gwMAC)
	a.logger.Info("Removed interception target", "mac", key)
}

// Targets returns the MACs currently being overridden.
func (a *Announcer) Targets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.targets))
	for mac := range a.targets {
		out = append(out, mac)
	}
	return out
}

// Stop restores every target's true gateway mapping and releases the
// socket. Safe to call more than once and from any state.
func (a *Announcer) Stop() {
	a.mu.Lock()
	if a.state != StateAnnouncing {
		a.mu.Unlock()
		return
	}
	a.state = StateRestoring
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.restoreAll()
	a.teardown()

	a.logger.Info("Gateway impersonation stopped, mappings restored")
	a.hub.Publish(events.Event{Type: events.EventSpoofStopped})
}

func (a *Announcer) teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.state = StateIdle
}

// restoreAll broadcasts the true mappings several times so even
// devices that missed a round converge back.
func (a *Announcer) restoreAll() {
	a.mu.Lock()
	conn := a.conn
	gwMAC := a.gatewayMAC
	targets := make([]*Target, 0, len(a.targets))
	for _, t := range a.targets {
		targets = append(targets, t)
	}
	a.targets = make(map[string]*Target)
	a.mu.Unlock()

	if conn == nil || gwMAC == nil {
		return
	}

	for round := 0; round < restoreRounds; round++ {
		for _, t := range targets {
			a.restoreTarget(conn, t, gwMAC)
		}
		if round < restoreRounds-1 {
			time.Sleep(restoreSpacing)
		}
	}

	if len(targets) > 0 {
		a.hub.Publish(events.Event{Type: events.EventSpoofRestored})
	}
}

// restoreTarget sends the true mappings both ways: the real gateway
// MAC to the target, and the target's real MAC to the gateway.
func (a *Announcer) restoreTarget(conn *packet.Conn, t *Target, gwMAC net.HardwareAddr) {
	a.send(conn, reply(gwMAC, a.cfg.GatewayIP, t.MAC, t.IP))
	a.send(conn, reply(t.MAC, t.IP, gwMAC, a.cfg.GatewayIP))
}

func (a *Announcer) announceLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.announceOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announceOnce()
		}
	}
}

// announceOnce sends one round of forged replies and liveness probes.
func (a *Announcer) announceOnce() {
	a.mu.Lock()
	conn := a.conn
	gwMAC := a.gatewayMAC
	targets := make([]*Target, 0, len(a.targets))
	for _, t := range a.targets {
		targets = append(targets, t)
	}
	a.mu.Unlock()

	if conn == nil {
		return
	}

	for _, t := range targets {
		// Tell the target the gateway's IP lives at our MAC, and tell
		// the gateway the target's IP does too. Return traffic then
		// transits this host in both directions.
		a.send(conn, reply(a.cfg.Advertised, a.cfg.GatewayIP, t.MAC, t.IP))
		a.send(conn, reply(a.cfg.Advertised, t.IP, gwMAC, a.cfg.GatewayIP))

		// Liveness probe; the read loop clears the counter on reply.
		a.send(conn, request(a.cfg.Iface.HardwareAddr, a.cfg.SelfIP, t.IP))
		a.bumpMissed(t)
	}
}

func (a *Announcer) bumpMissed(t *Target) {
	a.mu.Lock()
	key := strings.ToLower(t.MAC.String())
	cur, ok := a.targets[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	cur.missedProbes++
	missed := cur.missedProbes
	a.mu.Unlock()

	if missed == missedProbeLimit && a.cfg.OnUnreachable != nil {
		a.logger.Info("Target stopped answering probes", "mac", key, "missed", missed)
		a.cfg.OnUnreachable(key)
	}
}

func (a *Announcer) send(conn *packet.Conn, f *Frame) {
	dst := f.EthDst
	if dst == nil {
		if f.Op == opReply {
			dst = f.TargetMAC
		} else {
			dst = broadcastMAC
		}
	}
	if _, err := conn.WriteTo(f.Marshal(), &packet.Addr{HardwareAddr: dst}); err != nil {
		a.logger.Debug("Failed to send ARP frame", "error", err)
	}
}

func (a *Announcer) readLoop(ctx context.Context) {
	defer a.wg.Done()

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

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
				continue
			}
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			continue
		}

		f, err := Parse(buf[:n])
		if err != nil {
			continue
		}
		a.handleFrame(conn, f)
	}
}

func (a *Announcer) handleFrame(conn *packet.Conn, f *Frame) {
	a.mu.Lock()

	if f.Op == opReply || f.Op == opRequest {
		ip := f.SenderIP.String()
		a.neighbors[ip] = f.SenderMAC
		for _, ch := range a.waiters[ip] {
			select {
			case ch <- f.SenderMAC:
			default:
			}
		}
		delete(a.waiters, ip)

		if t, ok := a.targets[strings.ToLower(f.SenderMAC.String())]; ok {
			t.missedProbes = 0
		}
	}

	// A target asking who-has the gateway gets re-poisoned right away
	// instead of waiting out the announce interval.
	var repoison *Target
	if a.state == StateAnnouncing && f.Op == opRequest && f.TargetIP.Equal(a.cfg.GatewayIP) {
		if t, ok := a.targets[strings.ToLower(f.SenderMAC.String())]; ok {
			repoison = t
		}
	}
	a.mu.Unlock()

	if repoison != nil {
		a.send(conn, reply(a.cfg.Advertised, a.cfg.GatewayIP, repoison.MAC, repoison.IP))
	}
}

// resolve learns the MAC for ip by broadcasting who-has requests.
func (a *Announcer) resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	key := ip.String()

	a.mu.Lock()
	if mac, ok := a.neighbors[key]; ok {
		a.mu.Unlock()
		return mac, nil
	}
	ch := make(chan net.HardwareAddr, 1)
	a.waiters[key] = append(a.waiters[key], ch)
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("socket not open")
	}

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		a.send(conn, request(a.cfg.Iface.HardwareAddr, a.cfg.SelfIP, ip))

		timer := time.NewTimer(resolveTimeout)
		select {
		case mac := <-ch:
			timer.Stop()
			return mac, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no ARP reply from %s after %d attempts", ip, resolveAttempts)
}

// Resolve exposes neighbor resolution for other components, such as
// the discovery scanner confirming a liveness hit.
func (a *Announcer) Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	return a.resolve(ctx, ip)
}
