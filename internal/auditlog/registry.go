package auditlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-modlog/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPredicateTimeout = 3 * time.Second

type SinglePredicate func(ctx context.Context, msg DeletedMessage) bool

type BulkPredicate func(ctx context.Context, msgs []DeletedMessage, channelID string) bool

type SingleListener func(ctx context.Context, res ResolvedDeletion)

type BulkListener func(ctx context.Context, res ResolvedBulkDeletion)

// Subscription identifies a registered predicate or listener.
type Subscription uint64

type singlePredicate struct {
	id Subscription
	fn SinglePredicate
}

type bulkPredicate struct {
	id Subscription
	fn BulkPredicate
}

type singleListener struct {
	id Subscription
	fn SingleListener
}

type bulkListener struct {
	id Subscription
	fn BulkListener
}

// Registry gates audit-log fetches on feature interest and fans resolved
// deletions out to listeners.
type Registry struct {
	mu              sync.RWMutex
	next            Subscription
	single          []singlePredicate
	bulk            []bulkPredicate
	singleListeners []singleListener
	bulkListeners   []bulkListener
	timeout         time.Duration
	logger          *zap.Logger
}

func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultPredicateTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{timeout: timeout, logger: logger}
}

func (r *Registry) RegisterSingle(fn SinglePredicate) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.single = append(r.single, singlePredicate{id: r.next, fn: fn})
	return r.next
}

func (r *Registry) UnregisterSingle(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.single {
		if item.id == id {
			r.single = append(r.single[:i:i], r.single[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) RegisterBulk(fn BulkPredicate) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.bulk = append(r.bulk, bulkPredicate{id: r.next, fn: fn})
	return r.next
}

func (r *Registry) UnregisterBulk(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.bulk {
		if item.id == id {
			r.bulk = append(r.bulk[:i:i], r.bulk[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) OnMessageDelete(fn SingleListener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.singleListeners = append(r.singleListeners, singleListener{id: r.next, fn: fn})
	return r.next
}

func (r *Registry) OnMessageBulkDelete(fn BulkListener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.bulkListeners = append(r.bulkListeners, bulkListener{id: r.next, fn: fn})
	return r.next
}

func (r *Registry) RemoveListener(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.singleListeners {
		if item.id == id {
			r.singleListeners = append(r.singleListeners[:i:i], r.singleListeners[i+1:]...)
			return true
		}
	}
	for i, item := range r.bulkListeners {
		if item.id == id {
			r.bulkListeners = append(r.bulkListeners[:i:i], r.bulkListeners[i+1:]...)
			return true
		}
	}
	return false
}

// SingleNeedsAuditLog evaluates every single-delete predicate concurrently and
// reports whether any of them wants audit-log context.
func (r *Registry) SingleNeedsAuditLog(ctx context.Context, msg DeletedMessage) bool {
	r.mu.RLock()
	checks := make([]func(context.Context) bool, 0, len(r.single))
	for _, item := range r.single {
		fn := item.fn
		checks = append(checks, func(ctx context.Context) bool { return fn(ctx, msg) })
	}
	r.mu.RUnlock()
	return r.anyTrue(ctx, kindSingle, checks)
}

func (r *Registry) BulkNeedsAuditLog(ctx context.Context, msgs []DeletedMessage, channelID string) bool {
	r.mu.RLock()
	checks := make([]func(context.Context) bool, 0, len(r.bulk))
	for _, item := range r.bulk {
		fn := item.fn
		checks = append(checks, func(ctx context.Context) bool { return fn(ctx, msgs, channelID) })
	}
	r.mu.RUnlock()
	return r.anyTrue(ctx, kindBulk, checks)
}

func (r *Registry) EmitMessageDelete(ctx context.Context, res ResolvedDeletion) {
	r.mu.RLock()
	listeners := make([]SingleListener, 0, len(r.singleListeners))
	for _, item := range r.singleListeners {
		listeners = append(listeners, item.fn)
	}
	r.mu.RUnlock()

	for _, fn := range listeners {
		r.deliver(kindSingle, func() { fn(ctx, res) })
	}
}

func (r *Registry) EmitMessageBulkDelete(ctx context.Context, res ResolvedBulkDeletion) {
	r.mu.RLock()
	listeners := make([]BulkListener, 0, len(r.bulkListeners))
	for _, item := range r.bulkListeners {
		listeners = append(listeners, item.fn)
	}
	r.mu.RUnlock()

	for _, fn := range listeners {
		r.deliver(kindBulk, func() { fn(ctx, res) })
	}
}

func (r *Registry) deliver(kind string, call func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("audit log listener panicked", zap.String("kind", kind), zap.Any("panic", rec))
		}
	}()
	call()
}

// anyTrue runs all checks to completion; a check that exceeds the timeout or
// panics counts as false.
func (r *Registry) anyTrue(ctx context.Context, kind string, checks []func(context.Context) bool) bool {
	if len(checks) == 0 {
		return false
	}
	start := time.Now()
	defer func() {
		metrics.PredicateFanout.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	var hit atomic.Bool
	group, groupCtx := errgroup.WithContext(ctx)
	for _, check := range checks {
		check := check
		group.Go(func() error {
			if r.evaluate(groupCtx, kind, check) {
				hit.Store(true)
			}
			return nil
		})
	}
	_ = group.Wait()
	return hit.Load()
}

func (r *Registry) evaluate(ctx context.Context, kind string, check func(context.Context) bool) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("audit log predicate panicked", zap.String("kind", kind), zap.Any("panic", rec))
				result <- false
			}
		}()
		result <- check(ctx)
	}()

	select {
	case value := <-result:
		return value
	case <-ctx.Done():
		metrics.PredicateTimeouts.WithLabelValues(kind).Inc()
		r.logger.Warn("audit log predicate timed out", zap.String("kind", kind), zap.Duration("timeout", r.timeout))
		return false
	}
}
