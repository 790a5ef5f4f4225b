// Package pki manages the local certificate authority and mints
// per-hostname leaf certificates for intercepted TLS sessions.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
)

const (
	caCertFile = "ca-cert.pem"
	caKeyFile  = "ca-key.pem"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 90 * 24 * time.Hour
	renewMargin  = 30 * 24 * time.Hour
)

// Profile names the CA subject presented to clients. Installing the
// CA on a teenager's device is less conspicuous when the subject looks
// like ordinary infrastructure.
type Profile struct {
	CommonName   string
	Organization string
}

// Profiles available for the ca_profile config setting.
var Profiles = map[string]Profile{
	"default": {CommonName: "Warden Root CA", Organization: "Warden"},
	"router":  {CommonName: "Home Gateway Root CA", Organization: "Gateway Services"},
	"corp":    {CommonName: "Network Security Services CA", Organization: "IT Department"},
}

// CA holds the signing key pair for the interception authority.
type CA struct {
	dir    string
	logger *logging.Logger

	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// EnsureCA loads the CA from dir, generating a fresh one when missing
// or expiring within the renewal margin.
func EnsureCA(dir, profileName string, logger *logging.Logger) (*CA, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ca := &CA{dir: dir, logger: logger.WithComponent("pki")}

	profile, ok := Profiles[profileName]
	if !ok {
		profile = Profiles["default"]
	}

	if err := ca.load(); err == nil {
		if clock.Now().Add(renewMargin).Before(ca.cert.NotAfter) {
			return ca, nil
		}
		ca.logger.Warn("Authority certificate expiring, regenerating",
			"not_after", ca.cert.NotAfter.Format(time.RFC3339))
	}

	if err := ca.generate(profile); err != nil {
		return nil, err
	}
	return ca, nil
}

// CertPEM returns the CA certificate in PEM form for device installs.
func (c *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

// Subject returns the CA's subject common name.
func (c *CA) Subject() string {
	return c.cert.Subject.CommonName
}

func (c *CA) load() error {
	certPEM, err := os.ReadFile(filepath.Join(c.dir, caCertFile))
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(filepath.Join(c.dir, caKeyFile))
	if err != nil {
		return err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	c.cert = cert
	c.key = key
	return nil
}

func (c *CA) generate(profile Profile) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("failed to create CA dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := clock.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   profile.CommonName,
			Organization: []string{profile.Organization},
		},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(caValidity),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	if err := writePEM(filepath.Join(c.dir, caCertFile), "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(c.dir, caKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return err
	}

	c.cert = cert
	c.key = key
	c.logger.Info("Generated new authority certificate",
		"subject", profile.CommonName,
		"not_after", cert.NotAfter.Format(time.RFC3339))
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return serial, nil
}
