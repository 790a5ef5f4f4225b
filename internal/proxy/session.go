package proxy

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/store"
)

// serveSession processes HTTP exchanges over an established client
// connection, plaintext or decrypted. It loops over keep-alive
// requests until either side closes.
func (p *Proxy) serveSession(client, upstream net.Conn, mac, scheme, fallbackHost string) {
	clientReader := bufio.NewReader(client)
	upstreamReader := bufio.NewReader(upstream)

	for {
		client.SetReadDeadline(time.Now().Add(2 * time.Minute))
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			return
		}

		host := req.Host
		if host == "" {
			host = fallbackHost
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		keepAlive := !req.Close
		if !p.serveExchange(client, upstream, upstreamReader, req, mac, scheme, host) {
			return
		}
		if !keepAlive {
			return
		}
	}
}

// serveExchange handles one request/response pair. Returns false when
// the connection can no longer be reused.
func (p *Proxy) serveExchange(client, upstream net.Conn, upstreamReader *bufio.Reader, req *http.Request, mac, scheme, host string) bool {
	start := clock.Now()

	dec := p.eval.Evaluate(mac, host, req.URL.Path, start)
	if !dec.Allowed {
		p.writeBlockPage(client, req, dec.Reason)
		txn := store.Transaction{
			ID:          newID(),
			Timestamp:   start,
			DeviceMAC:   mac,
			Method:      req.Method,
			Scheme:      scheme,
			Host:        host,
			Path:        req.URL.Path,
			Query:       req.URL.RawQuery,
			Status:      http.StatusForbidden,
			ReqHeaders:  flattenHeaders(req.Header),
			Blocked:     true,
			BlockReason: dec.Reason,
			Category:    dec.Category,
			Intercepted: true,
		}
		p.db.AppendTransaction(txn)
		p.hub.Publish(events.Event{
			Type: events.EventProxyBlocked,
			Data: events.TransactionData{
				ID: txn.ID, DeviceMAC: mac, Method: req.Method, Host: host,
				URL: txn.URL(), Status: http.StatusForbidden, Blocked: true,
				Reason: dec.Reason, Intercepted: true,
			},
		})
		metrics.Get().Transactions.WithLabelValues("blocked").Inc()
		p.logger.Info("Blocked request", "device", mac, "host", host, "path", req.URL.Path, "reason", dec.Reason)
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
		return true
	}

	sourceRef := newID()

	// Capture the request body while forwarding it. Uncompressed
	// textual request bodies are scanned as they stream, the same way
	// the response side is.
	reqCapture := newBodyCapture(p.cfg.MaxBodyBytes)
	reqContentType := req.Header.Get("Content-Type")
	reqCompressed := req.Header.Get("Content-Encoding") != ""
	var reqSink io.Writer = reqCapture
	if !reqCompressed && isScannable(reqContentType) && p.alerts != nil {
		reqSink = io.MultiWriter(reqCapture, p.alerts.NewStreamScanner(mac, sourceRef))
	}
	req.Body = readCloser{io.TeeReader(req.Body, reqSink), req.Body}

	upstream.SetWriteDeadline(time.Now().Add(time.Minute))
	if err := req.Write(upstream); err != nil {
		p.logger.Debug("Failed to forward request", "host", host, "error", err)
		writeGatewayError(client, host)
		return false
	}

	upstream.SetReadDeadline(time.Now().Add(2 * time.Minute))
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		p.logger.Debug("Failed to read upstream response", "host", host, "error", err)
		writeGatewayError(client, host)
		return false
	}

	respCapture := newBodyCapture(p.cfg.MaxBodyBytes)

	// Scan uncompressed textual bodies as they stream; compressed
	// bodies are decoded and scanned after the fact from the capture.
	contentType := resp.Header.Get("Content-Type")
	compressed := resp.Header.Get("Content-Encoding") != ""
	var scanner io.Writer = io.Discard
	if !compressed && isScannable(contentType) && p.alerts != nil {
		scanner = p.alerts.NewStreamScanner(mac, sourceRef)
	}

	resp.Body = readCloser{io.TeeReader(resp.Body, io.MultiWriter(respCapture, scanner)), resp.Body}

	client.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	writeErr := resp.Write(client)
	resp.Body.Close()

	if compressed && isScannable(contentType) && p.alerts != nil {
		if text := decodeBody(respCapture.Bytes(), resp.Header.Get("Content-Encoding")); text != nil {
			p.alerts.Scan(mac, sourceRef, string(text))
		}
	}

	// The URL and request headers carry keywords too (search queries,
	// form targets, cookies).
	if p.alerts != nil {
		p.alerts.Scan(mac, sourceRef, requestURL(scheme, host, req))
		p.alerts.Scan(mac, sourceRef, headerText(req.Header))
		if reqCompressed && isScannable(reqContentType) {
			if text := decodeBody(reqCapture.Bytes(), req.Header.Get("Content-Encoding")); text != nil {
				p.alerts.Scan(mac, sourceRef, string(text))
			}
		}
	}

	alerted := false
	var terms []string
	if p.alerts != nil {
		terms = p.alerts.MatchedTerms(sourceRef)
		alerted = len(terms) > 0
	}

	txn := store.Transaction{
		ID:              sourceRef,
		Timestamp:       start,
		DeviceMAC:       mac,
		Method:          req.Method,
		Scheme:          scheme,
		Host:            host,
		Path:            req.URL.Path,
		Query:           req.URL.RawQuery,
		Status:          resp.StatusCode,
		ReqHeaders:      flattenHeaders(req.Header),
		RespHeaders:     flattenHeaders(resp.Header),
		ReqBody:         reqCapture.Bytes(),
		RespBody:        respCapture.Bytes(),
		ReqContentType:  req.Header.Get("Content-Type"),
		RespContentType: contentType,
		ReqSize:         reqCapture.Total(),
		RespSize:        respCapture.Total(),
		Duration:        clock.Since(start),
		Alerted:         alerted,
		AlertTerms:      strings.Join(terms, ","),
		Category:        dec.Category,
		Intercepted:     true,
		Truncated:       reqCapture.Truncated() || respCapture.Truncated() || writeErr != nil,
	}
	p.db.AppendTransaction(txn)
	p.devices.AddBytes(mac, respCapture.Total(), reqCapture.Total())
	p.hub.Publish(events.Event{
		Type: events.EventTransaction,
		Data: events.TransactionData{
			ID: txn.ID, DeviceMAC: mac, Method: req.Method, Host: host,
			URL: txn.URL(), Status: resp.StatusCode, Intercepted: true,
		},
	})

	metrics.Get().Transactions.WithLabelValues("allowed").Inc()
	metrics.Get().TransactionTime.Observe(txn.Duration.Seconds())

	if writeErr != nil {
		return false
	}
	return !resp.Close
}

func (p *Proxy) recordRelay(mac, host string, dst *net.TCPAddr, toServer, toClient int64, d time.Duration) {
	txn := store.Transaction{
		ID:          newID(),
		Timestamp:   clock.Now().Add(-d),
		DeviceMAC:   mac,
		Scheme:      "https",
		Host:        host,
		Path:        "/",
		ReqSize:     toServer,
		RespSize:    toClient,
		Duration:    d,
		Intercepted: false,
	}
	p.db.AppendTransaction(txn)
	p.hub.Publish(events.Event{
		Type: events.EventRelayOnly,
		Data: events.TransactionData{ID: txn.ID, DeviceMAC: mac, Host: host, Intercepted: false},
	})
	metrics.Get().Transactions.WithLabelValues("relay").Inc()
}

const blockPage = `<!DOCTYPE html>
<html><head><title>Blocked</title></head>
<body style="font-family:sans-serif;text-align:center;margin-top:4em">
<h1>This site is blocked</h1>
<p>%s</p>
</body></html>`

func (p *Proxy) writeBlockPage(client net.Conn, req *http.Request, reason string) {
	body := fmt.Sprintf(blockPage, htmlEscape(reason))
	resp := http.Response{
		StatusCode:    http.StatusForbidden,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         false,
		Request:       req,
	}
	client.SetWriteDeadline(time.Now().Add(30 * time.Second))
	resp.Write(client)
}

func writeGatewayError(client net.Conn, host string) {
	body := fmt.Sprintf("upstream %s unreachable", host)
	resp := http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	client.SetWriteDeadline(time.Now().Add(30 * time.Second))
	resp.Write(client)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func requestURL(scheme, host string, req *http.Request) string {
	u := scheme + "://" + host + req.URL.Path
	if req.URL.RawQuery != "" {
		u += "?" + req.URL.RawQuery
	}
	return u
}

// headerText renders headers one per line for keyword scanning.
func headerText(h http.Header) string {
	var sb strings.Builder
	for _, hdr := range flattenHeaders(h) {
		sb.WriteString(hdr.Name)
		sb.WriteString(": ")
		sb.WriteString(hdr.Value)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// flattenHeaders converts an http.Header into ordered pairs. Keys are
// sorted since http.Header does not preserve wire order.
func flattenHeaders(h http.Header) []store.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []store.Header
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, store.Header{Name: k, Value: v})
		}
	}
	return out
}

func isScannable(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "javascript") ||
		strings.Contains(ct, "x-www-form-urlencoded")
}

// decodeBody decompresses a captured body for scanning. nil means the
// encoding is unsupported or the data is corrupt; raw bytes were
// already relayed to the client either way.
func decodeBody(body []byte, encoding string) []byte {
	switch strings.ToLower(encoding) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, 4<<20))
		if err != nil && len(out) == 0 {
			return nil
		}
		return out
	case "", "identity":
		return body
	default:
		return nil
	}
}

// bodyCapture buffers up to max bytes and counts the rest.
type bodyCapture struct {
	buf   bytes.Buffer
	max   int64
	total int64
}

func newBodyCapture(max int64) *bodyCapture {
	return &bodyCapture{max: max}
}

func (b *bodyCapture) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if remaining := b.max - int64(b.buf.Len()); remaining > 0 {
		if int64(len(p)) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *bodyCapture) Bytes() []byte    { return b.buf.Bytes() }
func (b *bodyCapture) Total() int64     { return b.total }
func (b *bodyCapture) Truncated() bool  { return b.total > int64(b.buf.Len()) }

type readCloser struct {
	io.Reader
	io.Closer
}
