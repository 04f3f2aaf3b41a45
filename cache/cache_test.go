package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/pkg/config"
)

func alwaysEvictable(*Record) bool { return true }

func TestPartitionPutGetRoundTrips(t *testing.T) {
	p := NewPartition(1<<20, &Stats{}, alwaysEvictable)
	r := NewRecord("k1", []byte("hello"), nil)
	require.True(t, p.Put(r))

	got, ok := p.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got.Bytes())
}

func TestPartitionEvictsUnderPressure(t *testing.T) {
	p := NewPartition(10, &Stats{}, alwaysEvictable)
	require.True(t, p.Put(NewRecord("a", make([]byte, 6), nil)))
	require.True(t, p.Put(NewRecord("b", make([]byte, 6), nil)))

	_, ok := p.Get("a")
	require.False(t, ok, "a should have been evicted to make room for b")
	_, ok = p.Get("b")
	require.True(t, ok)
}

func TestPartitionRespectsCanEvict(t *testing.T) {
	pinned := "pinned"
	canEvict := func(r *Record) bool { return r.Key != pinned }
	p := NewPartition(10, &Stats{}, canEvict)

	require.True(t, p.Put(NewRecord(pinned, make([]byte, 8), nil)))
	ok := p.Put(NewRecord("other", make([]byte, 8), nil))
	require.False(t, ok, "eviction should fail since the only candidate is pinned")

	_, stillThere := p.Get(pinned)
	require.True(t, stillThere)
}

func TestPartitionGetOrLoadCallsLoadOnce(t *testing.T) {
	p := NewPartition(1<<20, &Stats{}, alwaysEvictable)

	var loadCount atomic.Int32
	load := func() (*Record, error) {
		loadCount.Add(1)
		return NewRecord("shared", []byte("v"), nil), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetOrLoad("shared", load)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), loadCount.Load())
}

func TestCacheRoutesKeysAcrossPartitions(t *testing.T) {
	cfg := config.Default()
	cfg.CachePartitions = 4
	cfg.CacheMaxBytes = 1 << 20

	c := New(cfg, alwaysEvictable)
	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		_, err := c.GetOrLoad(key, func() (*Record, error) {
			return NewRecord(key, []byte{byte(i)}, nil), nil
		})
		require.NoError(t, err)
	}

	require.Len(t, c.partitions, 4)
	require.Greater(t, c.Size(), int64(0))
}
