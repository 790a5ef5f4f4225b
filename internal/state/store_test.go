package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBucketLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBucket("devices"))
	assert.ErrorIs(t, s.CreateBucket("devices"), ErrBucketExists)

	require.NoError(t, s.DeleteBucket("devices"))
	assert.ErrorIs(t, s.DeleteBucket("devices"), ErrBucketNotFound)
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateBucket("b"))

	require.NoError(t, s.Set("b", "k", []byte("v1")))
	got, err := s.Get("b", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Overwrite.
	require.NoError(t, s.Set("b", "k", []byte("v2")))
	got, err = s.Get("b", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete("b", "k"))
	_, err = s.Get("b", "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting a missing key is fine.
	assert.NoError(t, s.Delete("b", "nope"))
}

func TestSetRequiresBucket(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.Set("missing", "k", []byte("v")), ErrBucketNotFound)
}

func TestListAndListKeys(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateBucket("b"))
	require.NoError(t, s.Set("b", "beta", []byte("2")))
	require.NoError(t, s.Set("b", "alpha", []byte("1")))

	all, err := s.List("b")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"alpha": []byte("1"), "beta": []byte("2")}, all)

	keys, err := s.ListKeys("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, keys)

	// Empty bucket lists cleanly.
	require.NoError(t, s.CreateBucket("empty"))
	all, err = s.List("empty")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteBucketRemovesEntries(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateBucket("b"))
	require.NoError(t, s.Set("b", "k", []byte("v")))
	require.NoError(t, s.DeleteBucket("b"))

	// Recreating the bucket must not resurrect old entries.
	require.NoError(t, s.CreateBucket("b"))
	_, err := s.Get("b", "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestJSONRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateBucket("b"))

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.SetJSON("b", "r", record{Name: "tablet", Count: 3}))
	var got record
	require.NoError(t, s.GetJSON("b", "r", &got))
	assert.Equal(t, record{Name: "tablet", Count: 3}, got)

	assert.ErrorIs(t, s.GetJSON("b", "missing", &got), ErrKeyNotFound)
}
