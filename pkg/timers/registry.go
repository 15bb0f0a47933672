// Package timers keeps at most one pending expiry callback per item key.
//
// Callbacks do not run on the clock's goroutine: each fire is handed to a
// fixed pool of workers so a slow callback cannot delay other timers and
// cannot block connection handling.
package timers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/schalter/pkg/clock"
)

type Registry struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64

	jobs chan func()
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type entry struct {
	gen    uint64
	fireAt time.Time
	timer  *clock.Timer
}

// New starts a registry backed by workers callback goroutines.
func New(c clock.Clock, workers int) *Registry {
	if workers <= 0 {
		workers = 1
	}
	r := &Registry{
		clock:   c,
		entries: make(map[string]*entry),
		jobs:    make(chan func(), workers*16),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Schedule arms fn to run once at fireAt, replacing any timer already
// pending for key. A replaced timer never runs, even if it was due at the
// moment of replacement. A fireAt at or before now runs fn immediately.
func (r *Registry) Schedule(key string, fireAt time.Time, fn func()) {
	r.mu.Lock()
	r.stopLocked(key)
	d := fireAt.Sub(r.clock.Now())
	if d <= 0 {
		r.mu.Unlock()
		slog.Debug("timer already due", "key", key, "fire_at", fireAt)
		// Callers may hold locks that a busy worker is waiting on.
		go r.submit(fn)
		return
	}
	r.nextGen++
	e := &entry{gen: r.nextGen, fireAt: fireAt}
	gen := e.gen
	e.timer = r.clock.AfterFunc(d, func() { r.fire(key, gen, fn) })
	r.entries[key] = e
	r.mu.Unlock()
	slog.Debug("timer armed", "key", key, "fire_at", fireAt)
}

// Cancel removes the pending timer for key. It reports whether one existed.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(key)
}

// Pending returns the fire time of the timer armed for key.
func (r *Registry) Pending(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.fireAt, true
	}
	return time.Time{}, false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every pending timer and waits for running callbacks to return.
// Callbacks still queued are dropped.
func (r *Registry) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		for key := range r.entries {
			r.stopLocked(key)
		}
		r.mu.Unlock()
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Registry) stopLocked(key string) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, key)
	return true
}

func (r *Registry) fire(key string, gen uint64, fn func()) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()
	r.submit(fn)
}

func (r *Registry) submit(fn func()) {
	select {
	case r.jobs <- fn:
	case <-r.done:
		slog.Warn("timer registry closed, dropping callback")
	}
}

func (r *Registry) work() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.jobs:
			run(fn)
		case <-r.done:
			return
		}
	}
}

func run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("timer callback panicked", "panic", p)
		}
	}()
	fn()
}
