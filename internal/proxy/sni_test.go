package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientHelloBytes captures the ClientHello record a real TLS client
// emits for serverName.
func clientHelloBytes(t *testing.T, serverName string) []byte {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	go func() {
		conn := tls.Client(clientEnd, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		})
		conn.Handshake()
	}()

	header := make([]byte, 5)
	_, err := io.ReadFull(serverEnd, header)
	require.NoError(t, err)

	recordLen := int(header[3])<<8 | int(header[4])
	body := make([]byte, recordLen)
	_, err = io.ReadFull(serverEnd, body)
	require.NoError(t, err)

	return append(header, body...)
}

func TestParseSNIRealClientHello(t *testing.T) {
	payload := clientHelloBytes(t, "secure.example.com")

	name, err := parseSNI(payload)
	require.NoError(t, err)
	assert.Equal(t, "secure.example.com", name)
}

func TestParseSNINoServerName(t *testing.T) {
	// Dialing an IP produces a hello without the server_name extension.
	payload := clientHelloBytes(t, "")

	name, err := parseSNI(payload)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestParseSNIRejectsNonHello(t *testing.T) {
	name, err := parseSNI([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\nbody padding to reach length"))
	require.NoError(t, err)
	assert.Empty(t, name)

	name, err = parseSNI(nil)
	require.NoError(t, err)
	assert.Empty(t, name)

	name, err = parseSNI(make([]byte, 20))
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestParseSNITruncated(t *testing.T) {
	payload := clientHelloBytes(t, "secure.example.com")

	// Chopping the extension block mid-way must error, not panic.
	_, err := parseSNI(payload[:len(payload)-10])
	assert.Error(t, err)
}
