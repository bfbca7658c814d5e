package cmap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrMap(t *testing.T) {
	m := NewErrMap[int, int](DefaultShardCount, hashInts, nil)
	assert.True(t, m.Add(5, 7))
	assert.True(t, m.Add(7, 5))
	err := fmt.Errorf("it broke")
	m.SetError(7, err)
	v, err2 := m.Get(5)
	assert.Equal(t, 7, v)
	assert.NoError(t, err2)
	_, err2 = m.Get(7)
	assert.Equal(t, err, err2)
}

func TestErrWait(t *testing.T) {
	m := NewErrMap[int, int](DefaultShardCount, hashInts, nil)
	v, ch, first, err := m.GetOrWait(5)
	assert.Equal(t, 0, v) // Should be the zero value
	assert.True(t, first) // We're the first to request it
	assert.NoError(t, err)
	go func() {
		m.SetError(5, fmt.Errorf("it broke"))
	}()
	<-ch
	v, ch, first, err = m.GetOrWait(5)
	assert.Equal(t, 0, v)
	assert.Nil(t, ch)
	assert.False(t, first)
	assert.Error(t, err)
}

// TestGetOrSetRunsOnce exercises the pattern artifactcache.Cache uses to
// dedupe concurrent Pulls: many callers racing on the same key should only
// invoke f once, with everyone else sharing its result.
func TestGetOrSetRunsOnce(t *testing.T) {
	m := NewErrMap[int, int](DefaultShardCount, hashInts, nil)
	var calls int32
	var wg sync.WaitGroup
	results := make([]int, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrSet(1, func() (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

// TestGetOrSetSharesError confirms a failed first call is handed to
// everyone waiting on it rather than being retried per caller.
func TestGetOrSetSharesError(t *testing.T) {
	m := NewErrMap[string, int](DefaultShardCount, XXHash, nil)
	wantErr := fmt.Errorf("remote unreachable")
	_, err := m.GetOrSet("k", func() (int, error) {
		return 0, wantErr
	})
	assert.Equal(t, wantErr, err)

	_, err = m.GetOrSet("k", func() (int, error) {
		t.Fatal("f should not run again for a resolved key")
		return 0, nil
	})
	assert.Equal(t, wantErr, err)
}
