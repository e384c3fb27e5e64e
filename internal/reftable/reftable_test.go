package reftable

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMissingReturnsNil(t *testing.T) {
	tb := New()
	assert.Nil(t, tb.Find(1, 2, 3))
}

func TestAddCreatesThenFindsSameEntry(t *testing.T) {
	tb := New()
	e1 := tb.Add(1, 2, 3)
	e2 := tb.Find(1, 2, 3)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, tb.Len())
}

func TestAddIsIdempotentUnderConcurrency(t *testing.T) {
	tb := New()
	const workers = 50
	var wg sync.WaitGroup
	entries := make([]*Entry, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			entries[idx] = tb.Add(5, 5, 5)
		}(i)
	}
	wg.Wait()

	first := entries[0]
	for i, e := range entries {
		assert.Samef(t, first, e, "worker %d got a different entry than worker 0 for the same key", i)
	}
	assert.Equal(t, 1, tb.Len())
}

func TestLockUnlockSerialisesMutation(t *testing.T) {
	tb := New()
	e := tb.Add(1, 1, 1)

	const workers = 20
	const incrementsPerWorker = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerWorker; j++ {
				e.Lock()
				e.Redundancy++
				e.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*incrementsPerWorker, e.Redundancy)
}

func TestIterReturnsAllEntries(t *testing.T) {
	tb := New()
	tb.Add(1, 0, 0)
	tb.Add(0, 1, 0)
	tb.Add(0, 0, 1)

	assert.Len(t, tb.Iter(), 3)
}

// snapshot strips the unexported mutex so cmp.Diff can compare Entry
// values without an IgnoreUnexported option.
type snapshot struct {
	H, K, L    int
	IFull      float64
	Redundancy int
	SigmaFull  float64
	Suppressed bool
	Temp1      float64
	Temp2      float64
	Resolution float64
}

func snap(e *Entry) snapshot {
	return snapshot{e.H, e.K, e.L, e.IFull, e.Redundancy, e.SigmaFull, e.Suppressed, e.Temp1, e.Temp2, e.Resolution}
}

func TestResetClearsAccumulatorsNotKey(t *testing.T) {
	tb := New()
	e := tb.Add(2, 2, 2)
	e.IFull = 10
	e.Redundancy = 5
	e.Temp1 = 1
	e.Temp2 = 2

	e.Reset()

	want := snapshot{H: 2, K: 2, L: 2}
	if diff := cmp.Diff(want, snap(e)); diff != "" {
		t.Fatalf("Reset left unexpected state (-want +got):\n%s", diff)
	}
}
