// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue_test

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/require"

	"github.com/jonahgoldsmith/starlight-go/queue"
)

func TestNewMPMCPanicsOnNonPowerOfTwo(t *testing.T) {
	require.Panics(t, func() { queue.NewMPMC[int](3) })
	require.Panics(t, func() { queue.NewMPMC[int](0) })
	require.Panics(t, func() { queue.NewMPMC[int](1) })
	require.NotPanics(t, func() { queue.NewMPMC[int](2) })
}

func TestMPMCFIFOSingleThreaded(t *testing.T) {
	q := queue.NewMPMC[int](16)

	for cycle := range 1000 {
		for i := range 16 {
			require.NoError(t, q.TryPush(cycle*100+i))
		}
		for i := range 16 {
			v, err := q.TryPop()
			require.NoError(t, err)
			require.Equal(t, cycle*100+i, v)
		}
	}
}

func TestMPMCTryPushFullTryPopEmpty(t *testing.T) {
	q := queue.NewMPMC[int](2)

	require.NoError(t, q.TryPush(1))
	require.NoError(t, q.TryPush(2))
	require.ErrorIs(t, q.TryPush(3), queue.ErrWouldBlock)

	v, err := q.TryPop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = q.TryPop()
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = q.TryPop()
	require.ErrorIs(t, err, queue.ErrWouldBlock)
	require.True(t, queue.IsWouldBlock(err))
}

// TestMPMCStressConcurrent exercises the CAS path under contention with
// multiple producers and consumers racing for a small, fixed capacity.
func TestMPMCStressConcurrent(t *testing.T) {
	const (
		numProducers = 8
		numConsumers = 8
		itemsPerProd = 10000
		timeout      = 10 * time.Second
	)

	q := queue.NewMPMC[int](64)
	expectedTotal := numProducers * itemsPerProd
	seen := make([]atomix.Int32, expectedTotal)

	var wg sync.WaitGroup
	var produced, consumed atomix.Int64
	deadline := time.Now().Add(timeout)

	for p := range numProducers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			backoff := iox.Backoff{}
			for i := range itemsPerProd {
				v := id*itemsPerProd + i
				for q.TryPush(v) != nil {
					if time.Now().After(deadline) {
						return
					}
					backoff.Wait()
				}
				produced.Add(1)
				backoff.Reset()
			}
		}(p)
	}

	for range numConsumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backoff := iox.Backoff{}
			for consumed.Load() < int64(expectedTotal) {
				if time.Now().After(deadline) {
					return
				}
				v, err := q.TryPop()
				if err == nil {
					if v >= 0 && v < expectedTotal {
						seen[v].Add(1)
					}
					consumed.Add(1)
					backoff.Reset()
				} else {
					if produced.Load() == int64(expectedTotal) && consumed.Load() == int64(expectedTotal) {
						return
					}
					backoff.Wait()
				}
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int64(expectedTotal), consumed.Load())

	var duplicates int
	for i := range expectedTotal {
		if seen[i].Load() > 1 {
			duplicates++
		}
	}
	require.Zero(t, duplicates, "linearizability violation: duplicates observed")
}

// TestMPMCBlockingPushPop exercises the spin-until-available Push/Pop pair
// the job system's free-fiber and free-counter pools rely on.
func TestMPMCBlockingPushPop(t *testing.T) {
	q := queue.NewMPMC[uint32](4)
	for i := uint32(0); i < 4; i++ {
		q.Push(i)
	}

	var wg sync.WaitGroup
	results := make([]uint32, 4)
	for i := range 4 {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = q.Pop()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, v := range results {
		seen[v] = true
	}
	require.Len(t, seen, 4)
}
