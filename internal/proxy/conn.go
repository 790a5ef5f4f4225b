package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
)

func newID() string { return uuid.NewString() }

// peekConn lets handlers inspect initial bytes without consuming them:
// reads go through the buffered reader, writes straight to the socket.
type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func newPeekConn(conn net.Conn) *peekConn {
	return &peekConn{Conn: conn, reader: bufio.NewReaderSize(conn, 16*1024)}
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// peekClientHello returns the first TLS record without consuming it.
func peekClientHello(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(5)
	if err != nil {
		return nil, err
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen > 16*1024-5 {
		return nil, fmt.Errorf("oversized handshake record: %d", recordLen)
	}
	return r.Peek(5 + recordLen)
}

// relayOpaque shuttles bytes both ways without inspection and records
// the connection's existence and volume.
func (p *Proxy) relayOpaque(client net.Conn, dst *net.TCPAddr, mac, host string) {
	upstream, err := net.DialTimeout("tcp", dst.String(), p.cfg.DialTimeout)
	if err != nil {
		p.logger.Debug("Relay dial failed", "dst", dst.String(), "error", err)
		return
	}
	defer upstream.Close()

	start := clock.Now()
	var toServer, toClient int64

	done := make(chan struct{})
	go func() {
		toServer, _ = io.Copy(upstream, client)
		halfCloseWrite(upstream)
		close(done)
	}()
	toClient, _ = io.Copy(client, upstream)
	halfCloseWrite(client)
	<-done

	if mac == "" {
		return
	}

	p.devices.AddBytes(mac, toClient, toServer)
	p.recordRelay(mac, host, dst, toServer, toClient, clock.Since(start))
}

func halfCloseWrite(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		conn = pc.Conn
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
