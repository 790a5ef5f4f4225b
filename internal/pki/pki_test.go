package pki

import (
	"crypto/x509"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCA(t *testing.T) *CA {
	t.Helper()
	ca, err := EnsureCA(t.TempDir(), "default", nil)
	require.NoError(t, err)
	return ca
}

func TestEnsureCAGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	ca, err := EnsureCA(dir, "router", nil)
	require.NoError(t, err)
	assert.Contains(t, ca.Subject(), "Home Gateway Root CA")
	assert.NotEmpty(t, ca.CertPEM())

	// A second call loads the same material rather than regenerating.
	again, err := EnsureCA(dir, "router", nil)
	require.NoError(t, err)
	assert.Equal(t, ca.CertPEM(), again.CertPEM())
}

func TestEnsureCAUnknownProfileFallsBack(t *testing.T) {
	ca, err := EnsureCA(t.TempDir(), "no-such-profile", nil)
	require.NoError(t, err)
	assert.Contains(t, ca.Subject(), "Warden Root CA")
}

func TestLeafForSignsValidChain(t *testing.T) {
	ca := testCA(t)
	m := NewMinter(ca, 8)

	leaf, err := m.LeafFor("example.com")
	require.NoError(t, err)
	require.NotEmpty(t, leaf.Certificate)

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(ca.CertPEM()))
	_, err = cert.Verify(x509.VerifyOptions{Roots: roots, DNSName: "example.com"})
	assert.NoError(t, err)

	// Bare-domain leaves also cover the www variant.
	assert.NoError(t, cert.VerifyHostname("www.example.com"))
}

func TestLeafForIPLiteral(t *testing.T) {
	ca := testCA(t)
	m := NewMinter(ca, 8)

	leaf, err := m.LeafFor("192.168.1.50")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.IPv4(192, 168, 1, 50)))
}

func TestLeafForCachesAndNormalizes(t *testing.T) {
	ca := testCA(t)
	m := NewMinter(ca, 8)

	a, err := m.LeafFor("example.com")
	require.NoError(t, err)
	b, err := m.LeafFor("EXAMPLE.COM.")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, m.CacheLen())

	_, err = m.LeafFor("")
	assert.Error(t, err)
}

func TestMinterLRUEviction(t *testing.T) {
	ca := testCA(t)
	m := NewMinter(ca, 3)

	for i := 0; i < 5; i++ {
		_, err := m.LeafFor(fmt.Sprintf("host%d.example.com", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.CacheLen())

	// The oldest entry was evicted; re-minting produces a new leaf.
	first, err := m.LeafFor("host0.example.com")
	require.NoError(t, err)
	assert.NotNil(t, first)
	assert.Equal(t, 3, m.CacheLen())
}
