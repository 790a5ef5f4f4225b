package alert

// StreamScanner scans body content incrementally so memory stays bounded
// regardless of body size. A look-behind overlap window catches keywords
// that straddle a chunk boundary.
type StreamScanner struct {
	engine    *Engine
	deviceMAC string
	sourceRef string

	overlap []byte
	window  int
	alerts  []Alert
}

// maxOverlap caps the look-behind window even for very long keywords.
const maxOverlap = 64

// NewStreamScanner creates a scanner for one source (transaction or
// query). The overlap window is sized to the longest loaded keyword.
func (e *Engine) NewStreamScanner(deviceMAC, sourceRef string) *StreamScanner {
	window := e.MaxKeywordLen() - 1
	if window < 0 {
		window = 0
	}
	if window > maxOverlap {
		window = maxOverlap
	}
	return &StreamScanner{
		engine:    e,
		deviceMAC: deviceMAC,
		sourceRef: sourceRef,
		window:    window,
	}
}

// Write scans one chunk. Engine-level dedupe makes the overlap region
// safe to scan twice. Implements io.Writer so it can sit behind a tee;
// it never returns an error.
func (s *StreamScanner) Write(chunk []byte) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}

	buf := make([]byte, 0, len(s.overlap)+len(chunk))
	buf = append(buf, s.overlap...)
	buf = append(buf, chunk...)

	s.alerts = append(s.alerts, s.engine.Scan(s.deviceMAC, s.sourceRef, string(buf))...)

	if s.window > 0 {
		if len(buf) > s.window {
			buf = buf[len(buf)-s.window:]
		}
		s.overlap = append(s.overlap[:0], buf...)
	}
	return len(chunk), nil
}

// Alerts returns every alert raised so far on this stream.
func (s *StreamScanner) Alerts() []Alert {
	return s.alerts
}
