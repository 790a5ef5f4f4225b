package pki

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
)

// Minter produces leaf certificates on demand, one per server name,
// signed by the local CA. Minted leaves are cached LRU so repeat
// connections to the same host skip the key generation cost.
type Minter struct {
	ca      *CA
	maxSize int

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	name string
	cert *tls.Certificate
}

// NewMinter creates a minter backed by ca with an LRU cache of size
// maxSize.
func NewMinter(ca *CA, maxSize int) *Minter {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Minter{
		ca:      ca,
		maxSize: maxSize,
		cache:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// LeafFor returns a certificate valid for serverName, minting one if
// the cache has no fresh entry. serverName may be a DNS name or an IP
// literal.
func (m *Minter) LeafFor(serverName string) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if name == "" {
		return nil, fmt.Errorf("empty server name")
	}

	m.mu.Lock()
	if el, ok := m.cache[name]; ok {
		entry := el.Value.(*cacheEntry)
		if leafFresh(entry.cert) {
			m.order.MoveToFront(el)
			m.mu.Unlock()
			return entry.cert, nil
		}
		m.order.Remove(el)
		delete(m.cache, name)
	}
	m.mu.Unlock()

	cert, err := m.mint(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if el, ok := m.cache[name]; ok {
		// Lost the race to another connection; keep theirs.
		m.mu.Unlock()
		return el.Value.(*cacheEntry).cert, nil
	}
	el := m.order.PushFront(&cacheEntry{name: name, cert: cert})
	m.cache[name] = el
	for m.order.Len() > m.maxSize {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.cache, oldest.Value.(*cacheEntry).name)
	}
	m.mu.Unlock()

	return cert, nil
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (m *Minter) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := hello.ServerName
	if name == "" {
		// No SNI: fall back to the connection's local address.
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			name = addr.IP.String()
		}
	}
	return m.LeafFor(name)
}

func (m *Minter) mint(name string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(name); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{name}
		// Cover the bare domain when minting for a www host and vice
		// versa, so redirect chains reuse the same leaf.
		if strings.HasPrefix(name, "www.") {
			template.DNSNames = append(template.DNSNames, name[4:])
		} else if strings.Count(name, ".") == 1 {
			template.DNSNames = append(template.DNSNames, "www."+name)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, m.ca.cert, &key.PublicKey, m.ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to mint leaf for %s: %w", name, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func leafFresh(cert *tls.Certificate) bool {
	return cert.Leaf != nil && clock.Now().Add(24*time.Hour).Before(cert.Leaf.NotAfter)
}

// CacheLen reports the number of cached leaves.
func (m *Minter) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
