package swap

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "owner")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
	require.Zero(t, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexWaitHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	require.Zero(t, k.size())
}

func TestFileLocksExcludeAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	a, b := NewFileLocks(dir), NewFileLocks(dir)

	release, err := a.LockOwner(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.LockOwner(ctx, "u1")
	assert.Error(t, err)

	other, err := b.LockOwner(context.Background(), "u2")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := b.LockOwner(context.Background(), "u1")
	require.NoError(t, err)
	again()
}

func TestFileLocksHashOwnerIntoFileName(t *testing.T) {
	l := NewFileLocks("/var/lib/solswap/locks")
	p := l.path("../../etc/passwd")
	assert.Equal(t, "/var/lib/solswap/locks", filepath.Dir(p))
	assert.Len(t, filepath.Base(p), 64+len(".lock"))
}
