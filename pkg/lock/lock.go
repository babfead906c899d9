package lock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/store"
)

// Well-known lock names. Compile locks are per package/stemcell pair so
// unrelated compilations never serialize.
func DeploymentLock(name string) string { return "lock:deployment:" + name }
func ReleaseLock() string               { return "lock:release" }
func StemcellsLock() string             { return "lock:stemcells" }
func CompileLock(packageID, stemcellID int64) string {
	return fmt.Sprintf("lock:compile:%d:%d", packageID, stemcellID)
}

// Manager acquires named leases backed by the shared store. Every director
// and worker process gets the same view, so a lock held by one process
// excludes all others until released or expired.
type Manager struct {
	store          store.Store
	ttl            time.Duration
	acquireTimeout time.Duration
	logger         zerolog.Logger
}

// NewManager builds a lock manager. ttl is the lease duration (renewed at
// ttl/3 while held); acquireTimeout bounds how long Acquire blocks.
func NewManager(s store.Store, ttl, acquireTimeout time.Duration) *Manager {
	return &Manager{
		store:          s,
		ttl:            ttl,
		acquireTimeout: acquireTimeout,
		logger:         log.WithComponent("lock"),
	}
}

// Acquire blocks until the named lock is held, the context is done, or the
// acquire timeout passes (lock_busy). The returned Lock renews itself until
// released.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lock, error) {
	uid := uuid.NewString()
	timer := metrics.NewTimer()
	deadline := time.Now().Add(m.acquireTimeout)
	backoff := 250 * time.Millisecond

	for {
		ok, err := m.store.TryAcquireLock(ctx, name, uid, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			metrics.LockTimeouts.WithLabelValues(lockType(name)).Inc()
			return nil, direrrors.LockBusy(name, m.acquireTimeout)
		}

		// jittered backoff so contending workers spread out
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	timer.ObserveDuration(metrics.LockWaitSeconds.WithLabelValues(lockType(name)))
	m.logger.Debug().Str("lock", name).Str("uid", uid).Msg("acquired")

	l := &Lock{
		name:      name,
		uid:       uid,
		mgr:       m,
		lost:      make(chan struct{}),
		stopRenew: make(chan struct{}),
	}
	go l.renewLoop()
	return l, nil
}

// Lock is a held lease. Callers must Release it; a lease that cannot be
// renewed is reported through Lost.
type Lock struct {
	name string
	uid  string
	mgr  *Manager

	lost      chan struct{}
	stopRenew chan struct{}
	once      sync.Once
}

// Name returns the lock's name.
func (l *Lock) Name() string { return l.name }

// Lost is closed when the lease could not be renewed. The holding operation
// must treat this as fatal: its critical section is no longer protected.
func (l *Lock) Lost() <-chan struct{} { return l.lost }

// Guard derives a context that is cancelled when the lease is lost.
func (l *Lock) Guard(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-l.lost:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Release stops renewal and frees the lock. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stopRenew)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, err := l.mgr.store.ReleaseLock(ctx, l.name, l.uid)
		if err != nil {
			// the lease expires on its own, log and move on
			l.mgr.logger.Warn().Err(err).Str("lock", l.name).Msg("failed to release lock")
			return
		}
		if !ok {
			l.mgr.logger.Warn().Str("lock", l.name).Msg("lock already taken over at release")
			return
		}
		l.mgr.logger.Debug().Str("lock", l.name).Msg("released")
	})
}

func (l *Lock) renewLoop() {
	interval := l.mgr.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.mgr.store.RenewLock(ctx, l.name, l.uid, l.mgr.ttl)
			cancel()
			if err != nil {
				// transient store error: the lease survives until ttl,
				// retry on the next tick
				l.mgr.logger.Warn().Err(err).Str("lock", l.name).Msg("lock renewal error")
				continue
			}
			if !ok {
				l.mgr.logger.Error().Str("lock", l.name).Msg("lock lease lost")
				close(l.lost)
				return
			}
		}
	}
}

func lockType(name string) string {
	parts := strings.SplitN(name, ":", 3)
	if len(parts) < 2 {
		return name
	}
	return parts[1]
}
