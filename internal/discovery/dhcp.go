package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/mdlayher/packet"

	"grimm.is/warden/internal/logging"
)

// DHCPSniffer passively watches DHCP broadcasts. Devices announce
// their hostname (option 12) when they join the network, so joining
// devices identify themselves without being probed.
type DHCPSniffer struct {
	iface    *net.Interface
	observer Observer
	logger   *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDHCPSniffer creates a passive DHCP listener on iface.
func NewDHCPSniffer(iface *net.Interface, observer Observer, logger *logging.Logger) *DHCPSniffer {
	if logger == nil {
		logger = logging.Default()
	}
	return &DHCPSniffer{
		iface:    iface,
		observer: observer,
		logger:   logger.WithComponent("dhcp"),
	}
}

// Start begins listening. AF_PACKET avoids conflicting with any DHCP
// server already bound to port 67.
func (s *DHCPSniffer) Start(ctx context.Context) error {
	conn, err := packet.Listen(s.iface, packet.Raw, 0x0800, nil)
	if err != nil {
		return fmt.Errorf("failed to open DHCP capture socket: %w", err)
	}

	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, conn)

	s.logger.Info("DHCP hostname learning started", "iface", s.iface.Name)
	return nil
}

// Stop halts the listener. Idempotent.
func (s *DHCPSniffer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *DHCPSniffer) run(ctx context.Context, conn *packet.Conn) {
	defer s.wg.Done()
	defer conn.Close()

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

		pkt, err := dhcpFromFrame(buf[:n])
		if err != nil {
			continue
		}
		if pkt.OpCode != dhcpv4.OpcodeBootRequest {
			continue
		}

		hostname := ""
		if opt := pkt.Options.Get(dhcpv4.OptionHostName); opt != nil {
			hostname = string(opt)
		}

		mac := pkt.ClientHWAddr.String()
		ip := pkt.ClientIPAddr.String()
		if pkt.ClientIPAddr == nil || pkt.ClientIPAddr.IsUnspecified() {
			// DISCOVER carries no address yet; still worth learning
			// the hostname once the device shows up by other means.
			ip = ""
		}

		s.observer.Observe(mac, ip, hostname, "dhcp")
		if hostname != "" {
			s.logger.Info("Learned hostname from DHCP", "mac", mac, "hostname", hostname)
		}
	}
}

// dhcpFromFrame extracts the DHCPv4 payload from a raw Ethernet frame
// addressed to the server port.
func dhcpFromFrame(frame []byte) (*dhcpv4.DHCPv4, error) {
	if len(frame) < 42 {
		return nil, fmt.Errorf("frame too short")
	}
	if frame[12] != 0x08 || frame[13] != 0x00 {
		return nil, fmt.Errorf("not ipv4")
	}

	ihl := int(frame[14]&0x0f) * 4
	if ihl < 20 {
		return nil, fmt.Errorf("bad ip header")
	}
	if frame[14+9] != 17 {
		return nil, fmt.Errorf("not udp")
	}

	udpOff := 14 + ihl
	if udpOff+8 > len(frame) {
		return nil, fmt.Errorf("truncated udp header")
	}
	dstPort := int(frame[udpOff+2])<<8 | int(frame[udpOff+3])
	if dstPort != 67 {
		return nil, fmt.Errorf("not bootps")
	}

	return dhcpv4.FromBytes(frame[udpOff+8:])
}
