package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClock_StartsAtEpoch(t *testing.T) {
	clk := NewClock()
	assert.Equal(t, Epoch, clk.Now())

	clk.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clk.Now())
}

func TestSequence_NextIncrementsMonotonically(t *testing.T) {
	seq := NewSequence("blob")
	assert.Equal(t, int64(0), seq.Current())

	assert.Equal(t, "blob-1", seq.Next())
	assert.Equal(t, "blob-2", seq.Next())
	assert.Equal(t, int64(2), seq.Current())
}

func TestSequence_Reset(t *testing.T) {
	seq := NewSequence("pw")
	seq.Next()
	seq.Next()

	seq.Reset()
	assert.Equal(t, int64(0), seq.Current())
	assert.Equal(t, "pw-1", seq.Next())
}

func TestSequence_ConcurrentNextIsUnique(t *testing.T) {
	seq := NewSequence("x")
	const n = 100

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := seq.Next()
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	assert.Equal(t, int64(n), seq.Current())
}
