// Package locking provides keyed async mutexes: one logical mutex per
// key, acquired with context cancellation and released by a guard.
// Producers of cached computations use a shared lock set to collapse
// concurrent misses for the same input into a single producer.
package locking

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ReentryMode controls what happens when a caller acquires a key it
// already holds.
type ReentryMode int

const (
	// ReentryCheckedFail detects reentry through the context chain and
	// fails the nested acquire.
	ReentryCheckedFail ReentryMode = iota
	// ReentryUnchecked performs no reentry detection; a nested acquire
	// deadlocks.
	ReentryUnchecked
)

// ErrReentry is returned by Acquire when the calling task already holds
// the lock for the key and the set uses ReentryCheckedFail.
var ErrReentry = errors.New("locking: lock already held by this caller")

type ownerKeyType struct{}

var ownerKey ownerKeyType

// LockSet is a map of async mutexes keyed by K. The zero value is not
// usable; construct with NewLockSet.
type LockSet[K comparable] struct {
	mode ReentryMode

	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	refs  int
	sem   chan struct{}
	owner string
}

// NewLockSet creates an empty lock set.
func NewLockSet[K comparable](mode ReentryMode) *LockSet[K] {
	return &LockSet[K]{
		mode:  mode,
		locks: make(map[K]*keyLock),
	}
}

// Acquire suspends until the lock for key is held. The returned context
// carries the caller's owner token and must be used for any nested
// acquires so reentry can be detected. The returned release function is
// idempotent.
//
// Cancellation is honoured while waiting and surfaces ctx.Err().
func (s *LockSet[K]) Acquire(ctx context.Context, key K) (context.Context, func(), error) {
	token, ok := ctx.Value(ownerKey).(string)
	if !ok {
		token = uuid.NewString()
		ctx = context.WithValue(ctx, ownerKey, token)
	}

	s.mu.Lock()
	l, exists := s.locks[key]
	if !exists {
		l = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	if s.mode == ReentryCheckedFail && l.owner == token {
		s.mu.Unlock()
		return ctx, nil, ErrReentry
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, l)
		return ctx, nil, ctx.Err()
	}

	s.mu.Lock()
	l.owner = token
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			l.owner = ""
			s.mu.Unlock()
			<-l.sem
			s.unref(key, l)
		})
	}
	return ctx, release, nil
}

func (s *LockSet[K]) unref(key K, l *keyLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}
