//go:build linux
// +build linux

package network

import (
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/warden/internal/logging"
)

const tableName = "warden"

// Redirector owns the nftables NAT rules that steer web traffic from
// impersonated devices into the local proxy. Traffic only transits
// this host while its gateway impersonation is active, so the rules
// match on port alone.
type Redirector struct {
	logger *logging.Logger
	selfIP net.IP
	active bool
}

// NewRedirector creates a redirector for the host at selfIP.
func NewRedirector(selfIP net.IP, logger *logging.Logger) *Redirector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Redirector{
		logger: logger.WithComponent("redirect"),
		selfIP: selfIP.To4(),
	}
}

// Setup installs a prerouting NAT chain redirecting TCP 80 and 443 to
// proxyPort. Any stale chain from a previous crash is replaced.
func (r *Redirector) Setup(proxyPort uint16) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to open nftables connection: %w", err)
	}

	// Replace any leftover table from an unclean shutdown.
	r.deleteTable(conn)

	table := conn.AddTable(&nftables.Table{
		Name:   tableName,
		Family: nftables.TableFamilyIPv4,
	})

	prerouting := conn.AddChain(&nftables.Chain{
		Name:     "prerouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})

	for _, port := range []uint16{80, 443} {
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: prerouting,
			Exprs: r.redirectExprs(port, proxyPort),
		})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to install redirect rules: %w", err)
	}

	r.active = true
	r.logger.Info("Installed traffic redirect rules", "proxy_port", proxyPort)
	return nil
}

// redirectExprs matches forwarded TCP traffic to dstPort, excluding
// packets from this host itself, and redirects it to proxyPort.
func (r *Redirector) redirectExprs(dstPort, proxyPort uint16) []expr.Any {
	return []expr.Any{
		// ip protocol tcp
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       9,
			Len:          1,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{unix.IPPROTO_TCP},
		},
		// ip saddr != our own address, so the proxy's upstream
		// connections are not looped back into itself
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     r.selfIP,
		},
		// tcp dport == dstPort
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(dstPort),
		},
		// redirect to :proxyPort
		&expr.Immediate{
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(proxyPort),
		},
		&expr.Redir{
			RegisterProtoMin: 1,
		},
	}
}

// Teardown removes the redirect rules. Safe to call when Setup never
// ran or already failed.
func (r *Redirector) Teardown() error {
	if !r.active {
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to open nftables connection: %w", err)
	}
	r.deleteTable(conn)
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove redirect rules: %w", err)
	}

	r.active = false
	r.logger.Info("Removed traffic redirect rules")
	return nil
}

func (r *Redirector) deleteTable(conn *nftables.Conn) {
	tables, err := conn.ListTables()
	if err != nil {
		return
	}
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyIPv4 {
			conn.DelTable(t)
		}
	}
}
