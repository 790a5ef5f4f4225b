package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneByAge(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.AppendTransaction(sampleTransaction("txn-old", now.Add(-40*24*time.Hour)))
	db.AppendTransaction(sampleTransaction("txn-new", now.Add(-time.Hour)))
	db.AppendDNSQuery(DNSQuery{ID: "dns-old", Timestamp: now.Add(-40 * 24 * time.Hour), DeviceMAC: "aa", Name: "old.com", QueryType: "A"})
	db.AppendDNSQuery(DNSQuery{ID: "dns-new", Timestamp: now, DeviceMAC: "aa", Name: "new.com", QueryType: "A"})

	require.NoError(t, db.Prune(30*24*time.Hour, 0))

	s, err := db.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Transactions)
	assert.EqualValues(t, 1, s.DNSQueries)

	got, err := db.GetTransaction("txn-old")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The FTS rows of pruned records must not surface in search.
	results, err := db.Search("old.com", Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPruneToSize(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	body := make([]byte, 16*1024)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	for i := 0; i < 50; i++ {
		txn := sampleTransaction(fmt.Sprintf("txn-%03d", i), now.Add(time.Duration(i)*time.Minute))
		txn.RespBody = body
		db.AppendTransaction(txn)
	}
	db.Flush()

	before, err := db.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 50, before.Transactions)

	// Force trimming with a ceiling far below the current size.
	require.NoError(t, db.Prune(365*24*time.Hour, 64*1024))

	after, err := db.Stats()
	require.NoError(t, err)
	assert.Less(t, after.Transactions, before.Transactions)

	// Oldest go first.
	got, err := db.GetTransaction("txn-000")
	require.NoError(t, err)
	assert.Nil(t, got)
}
