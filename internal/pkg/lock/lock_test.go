package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTryLock(t *testing.T) {
	kl := New()

	assert.True(t, kl.TryLock(1))
	// Same key is held, a second attempt must fail.
	assert.False(t, kl.TryLock(1))
	// A different key is independent.
	assert.True(t, kl.TryLock(2))

	kl.Unlock(1)
	kl.Unlock(2)
	assert.True(t, kl.TryLock(1))
	kl.Unlock(1)
}

func TestWithLock(t *testing.T) {
	kl := New()

	called := false
	err := kl.WithLock(7, func() error {
		called = true
		// The key is held inside the callback.
		assert.False(t, kl.TryLock(7))
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)

	// Released afterwards.
	assert.True(t, kl.TryLock(7))
	kl.Unlock(7)
}

// TestSerializationProperty verifies that for any set of concurrent
// read-modify-write updates under the same key, the result matches
// sequential execution.
func TestSerializationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")
		key := rapid.Int64Range(1, 1_000_000).Draw(t, "key")

		deltas := make([]int64, numOps)
		var expected int64
		for i := range deltas {
			deltas[i] = rapid.Int64Range(-500, 500).Draw(t, "delta")
			expected += deltas[i]
		}

		kl := New()
		var counter int64

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, d := range deltas {
			go func(delta int64) {
				defer wg.Done()
				kl.Lock(key)
				defer kl.Unlock(key)
				counter += delta
			}(d)
		}
		wg.Wait()

		if counter != expected {
			t.Fatalf("lost update under lock: expected %d, got %d", expected, counter)
		}
	})
}

func TestKeysAreIndependent(t *testing.T) {
	kl := New()

	kl.Lock(1)
	done := make(chan struct{})
	go func() {
		// Must not block on a different key.
		kl.Lock(2)
		kl.Unlock(2)
		close(done)
	}()
	<-done
	kl.Unlock(1)
}
