package alert

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/config"
)

var _ io.Writer = (*StreamScanner)(nil)

func TestStreamScannerWholeChunk(t *testing.T) {
	e := newTestAlertEngine(t)
	s := e.NewStreamScanner("aa:bb", "stream-1")

	n, err := s.Write([]byte("a page about gambling odds"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)
	require.Len(t, s.Alerts(), 1)
	assert.Equal(t, "gambling", s.Alerts()[0].Keyword)
}

func TestStreamScannerChunkStraddle(t *testing.T) {
	e := newTestAlertEngine(t)
	s := e.NewStreamScanner("aa:bb", "stream-straddle")

	// The keyword is split across the chunk boundary; the look-behind
	// window must catch it.
	s.Write([]byte("nothing here yet gamb"))
	require.Empty(t, s.Alerts())

	s.Write([]byte("ling continues"))
	require.Len(t, s.Alerts(), 1)
	assert.Equal(t, "gambling", s.Alerts()[0].Keyword)
}

func TestStreamScannerOverlapNoDoubleCount(t *testing.T) {
	e := newTestAlertEngine(t)
	s := e.NewStreamScanner("aa:bb", "stream-dedupe")

	// A match sitting entirely inside the overlap region gets scanned
	// twice; dedupe keeps it to one alert.
	s.Write([]byte("gambling"))
	s.Write([]byte(" tail"))
	assert.Len(t, s.Alerts(), 1)
}

func TestStreamScannerByteAtATime(t *testing.T) {
	e := newTestAlertEngine(t)
	s := e.NewStreamScanner("aa:bb", "stream-bytes")

	for _, b := range []byte("xx gambling xx") {
		s.Write([]byte{b})
	}
	assert.Len(t, s.Alerts(), 1)
}

func TestStreamScannerEmptyKeywordSet(t *testing.T) {
	e := NewEngine(nil, nil)
	e.LoadConfig(&config.Config{})
	s := e.NewStreamScanner("aa:bb", "stream-empty")

	n, err := s.Write([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Empty(t, s.Alerts())
}
