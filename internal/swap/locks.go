package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// KeyedMutex serializes work per key. Entries are dropped once no holder or
// waiter references them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyLock{}}
}

// Lock blocks until key is free or ctx ends. The returned func releases the
// lock and must be called exactly once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// OwnerLocker serializes swaps for one owner across processes sharing the
// same store.
type OwnerLocker interface {
	LockOwner(ctx context.Context, ownerID string) (func(), error)
}

// FileLocks holds an exclusive flock on <dir>/<sha256(owner)>.lock.
type FileLocks struct {
	dir  string
	poll time.Duration
}

var _ OwnerLocker = (*FileLocks)(nil)

func NewFileLocks(dir string) *FileLocks {
	return &FileLocks{dir: dir, poll: 25 * time.Millisecond}
}

func (f *FileLocks) path(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".lock")
}

// LockOwner waits for the owner's lock file until ctx ends.
func (f *FileLocks) LockOwner(ctx context.Context, ownerID string) (func(), error) {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(f.path(ownerID))
	locked, err := lock.TryLockContext(ctx, f.poll)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("owner lock %s not acquired", lock.Path())
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = lock.Unlock() })
	}, nil
}
