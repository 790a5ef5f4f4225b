// Package discovery finds devices on the LAN: an active ICMP sweep of
// the subnet and a passive DHCP listener that learns hostnames from
// broadcast requests.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/warden/internal/device"
	"grimm.is/warden/internal/logging"
)

// Observer receives sightings. The device registry implements it.
type Observer interface {
	Observe(mac, ip, hostname, method string) device.Device
}

// Resolver maps an IP that answered a probe to its hardware address.
type Resolver interface {
	Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error)
}

// Scanner sweeps the LAN subnet for live hosts.
type Scanner struct {
	network  *net.IPNet
	selfIP   net.IP
	observer Observer
	resolver Resolver
	logger   *logging.Logger

	// concurrency bounds simultaneous probes so a /16 sweep does not
	// explode the socket count.
	concurrency int
}

// NewScanner creates a subnet scanner.
func NewScanner(network *net.IPNet, selfIP net.IP, observer Observer, resolver Resolver, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scanner{
		network:     network,
		selfIP:      selfIP,
		observer:    observer,
		resolver:    resolver,
		logger:      logger.WithComponent("discovery"),
		concurrency: 32,
	}
}

// Scan probes every address in the subnet once and reports responders
// to the observer. Intended to run as a scheduled job.
func (s *Scanner) Scan(ctx context.Context) error {
	ones, bits := s.network.Mask.Size()
	if bits-ones > 16 {
		return fmt.Errorf("subnet %s too large to sweep", s.network)
	}

	ips := s.hosts()
	s.logger.Debug("Sweeping subnet", "network", s.network.String(), "hosts", len(ips))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	found := 0

	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			if !s.probe(ctx, ip) {
				return
			}
			mac, err := s.resolver.Resolve(ctx, ip)
			if err != nil {
				s.logger.Debug("Responder did not answer ARP", "ip", ip.String())
				return
			}

			hostname := reverseLookup(ctx, ip)
			s.observer.Observe(mac.String(), ip.String(), hostname, "scan")
			mu.Lock()
			found++
			mu.Unlock()
		}(ip)
	}
	wg.Wait()

	s.logger.Info("Subnet sweep complete", "responders", found)
	return nil
}

func (s *Scanner) probe(ctx context.Context, ip net.IP) bool {
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return false
	}
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// hosts enumerates usable addresses in the subnet, skipping network,
// broadcast, and our own address.
func (s *Scanner) hosts() []net.IP {
	base := s.network.IP.To4()
	if base == nil {
		return nil
	}
	ones, bits := s.network.Mask.Size()
	count := 1 << (bits - ones)

	var out []net.IP
	for i := 1; i < count-1; i++ {
		ip := make(net.IP, 4)
		copy(ip, base)
		v := i
		for j := 3; j >= 0 && v > 0; j-- {
			ip[j] += byte(v & 0xff)
			v >>= 8
		}
		if ip.Equal(s.selfIP) {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func reverseLookup(ctx context.Context, ip net.IP) string {
	lookupCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, ip.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[len(name)-1] == '.' {
		name = name[:len(name)-1]
	}
	return name
}
