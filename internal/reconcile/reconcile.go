// Package reconcile keeps the projection converging on ledger truth.
//
// Each (subscriber, entity) pair runs one loop:
//
//	Idle -> Fetching -> Applying -> Idle        (wait SuccessInterval)
//	Idle -> Fetching -> BackingOff -> Idle      (wait FailureInterval)
//
// Cancelling a loop takes the same lock Apply runs under, so once Cancel
// returns no response fetched by that loop can reach the projection.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"repairline/internal/domain"
)

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateApplying   State = "applying"
	StateBackingOff State = "backing_off"
	StateStopped    State = "stopped"
)

const (
	DefaultSuccessInterval = 5 * time.Second
	DefaultFailureInterval = 15 * time.Second
	DefaultMaxStaleness    = 60 * time.Second
)

// Fetcher reads ledger truth for one entity.
type Fetcher func(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error)

// Applier writes a fetched snapshot into the projection.
type Applier func(ctx context.Context, snap domain.Snapshot) error

type Key struct {
	Subscriber string           `json:"subscriber"`
	Ref        domain.EntityRef `json:"ref"`
}

func (k Key) String() string { return k.Subscriber + "@" + k.Ref.String() }

// Status is a point-in-time view of one loop.
type Status struct {
	Key
	State       State     `json:"state"`
	Since       time.Time `json:"since" format:"date-time"`
	LastSuccess time.Time `json:"last_success,omitempty" format:"date-time"`
	LastAttempt time.Time `json:"last_attempt,omitempty" format:"date-time"`
	Failures    int       `json:"consecutive_failures"`
	LastError   string    `json:"last_error,omitempty"`
	Stale       bool      `json:"stale"`
	Applied     int       `json:"applied"`
}

type Options struct {
	SuccessInterval time.Duration
	FailureInterval time.Duration
	MaxStaleness    time.Duration
	Logger          *log.Logger
	// OnStale is called once each time a loop crosses MaxStaleness.
	OnStale func(Status)
	Now     func() time.Time
}

type Reconciler struct {
	fetch Fetcher
	apply Applier
	opts  Options

	mu    sync.Mutex
	loops map[Key]*loop
	wg    sync.WaitGroup
}

type loop struct {
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	status    Status
}

func New(fetch Fetcher, apply Applier, opts Options) *Reconciler {
	if opts.SuccessInterval <= 0 {
		opts.SuccessInterval = DefaultSuccessInterval
	}
	if opts.FailureInterval <= 0 {
		opts.FailureInterval = 3 * opts.SuccessInterval
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = DefaultMaxStaleness
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{fetch: fetch, apply: apply, opts: opts, loops: map[Key]*loop{}}
}

// Subscribe starts a loop for key, cancelling any loop already running for it.
// The first fetch happens immediately.
func (r *Reconciler) Subscribe(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.loops[key]; ok {
		prev.stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, status: Status{Key: key, State: StateIdle, Since: r.opts.Now()}}
	r.loops[key] = l
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, l)
	}()
}

// Unsubscribe cancels the loop for key. It reports false when none was running.
func (r *Reconciler) Unsubscribe(key Key) bool {
	r.mu.Lock()
	l, ok := r.loops[key]
	delete(r.loops, key)
	r.mu.Unlock()
	if ok {
		l.stop()
	}
	return ok
}

// Subscribed reports whether a loop is running for key.
func (r *Reconciler) Subscribed(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[key]
	return ok
}

func (l *loop) stop() {
	l.mu.Lock()
	l.cancelled = true
	l.status.State = StateStopped
	l.mu.Unlock()
	l.cancel()
}

func (l *loop) snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Status returns the loop status for key.
func (r *Reconciler) Status(key Key) (Status, bool) {
	r.mu.Lock()
	l, ok := r.loops[key]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return l.snapshot(), true
}

// Statuses returns every running loop, optionally restricted to one entity.
func (r *Reconciler) Statuses(ref *domain.EntityRef) []Status {
	r.mu.Lock()
	loops := make([]*loop, 0, len(r.loops))
	for k, l := range r.loops {
		if ref == nil || k.Ref == *ref {
			loops = append(loops, l)
		}
	}
	r.mu.Unlock()
	out := make([]Status, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close cancels every loop and waits for them to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	for k, l := range r.loops {
		l.stop()
		delete(r.loops, k)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context, l *loop) {
	key := l.snapshot().Key
	for {
		if !l.transition(StateFetching) {
			return
		}
		snap, err := r.fetch(ctx, key.Ref)
		if err == nil {
			err = checkSnapshot(key.Ref, snap)
		}
		if err == nil {
			err = r.applyLive(ctx, l, snap)
			if errors.Is(err, domain.ErrStaleRead) {
				r.opts.Logger.Printf("dropped response for %s fetched before cancellation", key)
				return
			}
		}
		wait := r.opts.SuccessInterval
		if err != nil {
			wait = r.opts.FailureInterval
			r.recordFailure(l, err)
		} else {
			r.recordSuccess(l)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func checkSnapshot(ref domain.EntityRef, snap domain.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.Ref() != ref {
		return domain.Errorf(domain.CodeInvalidInput, "ledger answered %s for %s", snap.Ref(), ref)
	}
	return nil
}

func (l *loop) transition(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return false
	}
	l.status.State = s
	return true
}

// applyLive runs apply under the loop lock unless the loop was cancelled.
func (r *Reconciler) applyLive(ctx context.Context, l *loop, snap domain.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return domain.ErrStaleRead
	}
	l.status.State = StateApplying
	if err := r.apply(ctx, snap); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	l.status.Applied++
	return nil
}

func (r *Reconciler) recordSuccess(l *loop) {
	now := r.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return
	}
	if l.status.Stale {
		r.opts.Logger.Printf("%s caught up after %d failures", l.status.Key, l.status.Failures)
	}
	l.status.State = StateIdle
	l.status.LastAttempt = now
	l.status.LastSuccess = now
	l.status.Failures = 0
	l.status.LastError = ""
	l.status.Stale = false
}

func (r *Reconciler) recordFailure(l *loop, err error) {
	now := r.opts.Now()
	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		return
	}
	l.status.State = StateBackingOff
	l.status.LastAttempt = now
	l.status.Failures++
	l.status.LastError = err.Error()
	r.opts.Logger.Printf("%s fetch failed (%d in a row): %v", l.status.Key, l.status.Failures, err)
	since := l.status.LastSuccess
	if since.IsZero() {
		since = l.status.Since
	}
	crossed := !l.status.Stale && now.Sub(since) > r.opts.MaxStaleness
	if crossed {
		l.status.Stale = true
		r.opts.Logger.Printf("%s is stale: no ledger confirmation since %s", l.status.Key, since.Format(time.RFC3339))
	}
	st := l.status
	l.mu.Unlock()
	if crossed && r.opts.OnStale != nil {
		r.opts.OnStale(st)
	}
}
