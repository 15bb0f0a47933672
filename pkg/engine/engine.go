// Package engine applies client messages and timer expiries to the item
// store, keeps the expiry timers in line with what is stored, and fans the
// resulting state out to connected sessions.
//
// Every mutating transition runs under one mutex. The store write always
// happens before the timer is armed or cancelled, so after a crash the store
// is ahead of the timers and Recover brings them back in line.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/astromechza/schalter/pkg/clock"
	"github.com/astromechza/schalter/pkg/protocol"
	"github.com/astromechza/schalter/pkg/session"
	"github.com/astromechza/schalter/pkg/store"
)

var ErrPersistFailed = errors.New("persist failed")

// maxDelayMs keeps now+delay inside both int64 and the range time.Duration
// can express, which the timers need.
const maxDelayMs = int64(math.MaxInt64 / int64(time.Millisecond))

type Store interface {
	Get(ctx context.Context, key string) (store.Item, error)
	Put(ctx context.Context, key, name string, expiryAt int64) error
	Ensure(ctx context.Context, key string) error
	ListAll(ctx context.Context) ([]store.Item, error)
}

type Timers interface {
	Schedule(key string, fireAt time.Time, fn func())
	Cancel(key string) bool
}

type Broadcaster interface {
	SendOne(id string, msg []byte)
	SendAll(msg []byte)
	SendAllExcept(id string, msg []byte)
}

type Options struct {
	Store    Store
	Timers   Timers
	Sessions *session.Registry
	Hub      Broadcaster
	Clock    clock.Clock

	// PersistAttempts bounds the store writes tried per transition.
	PersistAttempts int
	// PersistBackoff is the wait before the second attempt, doubled after
	// each further failure.
	PersistBackoff time.Duration
}

type Engine struct {
	store    Store
	timers   Timers
	sessions *session.Registry
	hub      Broadcaster
	clock    clock.Clock

	attempts int
	backoff  time.Duration

	mu sync.Mutex
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = 1
	}
	return &Engine{
		store:    opts.Store,
		timers:   opts.Timers,
		sessions: opts.Sessions,
		hub:      opts.Hub,
		clock:    opts.Clock,
		attempts: opts.PersistAttempts,
		backoff:  opts.PersistBackoff,
	}
}

// Start seeds the configured item keys and re-arms timers from the store.
func (e *Engine) Start(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := e.store.Ensure(ctx, key); err != nil {
			return errors.Wrapf(err, "seed item %q", key)
		}
	}
	return e.Recover(ctx)
}

// Recover arms a timer for every stored item with a future expiry. Items
// whose expiry has already passed are reset once, straight away, instead of
// being scheduled.
func (e *Engine) Recover(ctx context.Context) error {
	items, err := e.store.ListAll(ctx)
	if err != nil {
		return errors.Wrap(err, "load items")
	}
	now := e.clock.Now().UnixMilli()
	armed, expired := 0, 0
	for _, item := range items {
		switch {
		case item.ExpiryAt == 0:
		case item.ExpiryAt > now:
			e.arm(item.Key, item.ExpiryAt)
			armed++
		default:
			slog.Info("item expired while offline", "item", item.Key, "expiry_at", item.ExpiryAt)
			if err := e.Expire(ctx, item.Key, item.ExpiryAt); err != nil {
				slog.Error("failed to reset overdue item", "item", item.Key, "err", err)
			}
			expired++
		}
	}
	slog.Info("recovered items", "items", len(items), "armed", armed, "expired", expired)
	return nil
}

// Connect registers a newly opened connection.
func (e *Engine) Connect(id string, conn session.Conn) {
	e.sessions.Register(id, conn)
	slog.Info("connection opened", "session", id)
}

// Disconnect forgets a closed connection. Timers belong to items and are
// left alone.
func (e *Engine) Disconnect(id string) {
	if e.sessions.Unregister(id) {
		slog.Info("connection closed", "session", id)
	}
}

// HandleMessage decodes and applies one inbound frame from connection id.
// Malformed frames are dropped and reported as protocol.ErrMalformed.
func (e *Engine) HandleMessage(ctx context.Context, id string, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Warn("dropping malformed message", "session", id, "err", err)
		return err
	}
	switch msg.Type {
	case protocol.TypeJoin:
		return e.Join(ctx, id, msg.Name)
	case protocol.TypeBeingSet:
		e.BeingSet(id, msg.Item)
		return nil
	default:
		e.sessions.Subscribe(id, msg.Name)
		_, err := e.Set(ctx, msg.Set.Item, msg.Set.Name, msg.Set.Expiry)
		return err
	}
}

// Join binds the user name to the session, subscribes it to broadcasts and
// sends it the full item snapshot. It holds the transition lock so the
// snapshot is the first thing the session sees.
func (e *Engine) Join(ctx context.Context, id, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.store.ListAll(ctx)
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}
	if !e.sessions.MarkJoined(id, name) {
		return errors.Errorf("join from unknown session %q", id)
	}
	toggles := make([]protocol.Toggle, 0, len(items))
	for _, item := range items {
		toggles = append(toggles, toToggle(item))
	}
	e.hub.SendOne(id, protocol.EncodeAllItems(toggles))
	slog.Info("user joined", "session", id, "user", name, "items", len(items))
	return nil
}

// Set stores the new owner of key and arms or cancels its expiry timer. A
// positive delayMs expires the item that many milliseconds from now, capped
// at maxDelayMs.
func (e *Engine) Set(ctx context.Context, key, name string, delayMs int64) (store.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setLocked(ctx, key, name, delayMs)
}

// Expire resets key to idle on behalf of a timer armed for armedAt. A fire
// that no longer matches the stored expiry lost a race with a newer set and
// is ignored.
func (e *Engine) Expire(ctx context.Context, key string, armedAt int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "expire %q", key)
	}
	if current.ExpiryAt != armedAt {
		slog.Debug("ignoring stale expiry", "item", key, "armed_at", armedAt, "expiry_at", current.ExpiryAt)
		return nil
	}
	_, err = e.setLocked(ctx, key, "", 0)
	return err
}

// BeingSet tells every other subscribed session that the sender is about to
// change key.
func (e *Engine) BeingSet(id, key string) {
	e.hub.SendAllExcept(id, protocol.EncodeBeingSet(key))
}

func (e *Engine) setLocked(ctx context.Context, key, name string, delayMs int64) (store.Item, error) {
	item := store.Item{Key: key, Name: name}
	if delayMs > 0 {
		item.ExpiryAt = e.clock.Now().UnixMilli() + min(delayMs, maxDelayMs)
	}

	if err := e.persist(ctx, item); err != nil {
		slog.Error("abandoning transition", "item", key, "name", name, "err", err)
		return store.Item{}, err
	}

	if item.ExpiryAt > 0 {
		e.arm(key, item.ExpiryAt)
	} else {
		e.timers.Cancel(key)
	}

	e.hub.SendAll(protocol.EncodeSet(toToggle(item)))
	slog.Info("item set", "item", key, "name", name, "expiry_at", item.ExpiryAt)
	return item, nil
}

func (e *Engine) persist(ctx context.Context, item store.Item) error {
	wait := e.backoff
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err = e.store.Put(ctx, item.Key, item.Name, item.ExpiryAt); err == nil {
			return nil
		}
		slog.Warn("store write failed", "item", item.Key, "attempt", attempt, "err", err)
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrPersistFailed, "%q: %v", item.Key, ctx.Err())
		case <-e.clock.After(wait):
		}
		wait *= 2
	}
	return errors.Wrapf(ErrPersistFailed, "%q after %d attempts: %v", item.Key, e.attempts, err)
}

func (e *Engine) arm(key string, expiryAt int64) {
	e.timers.Schedule(key, time.UnixMilli(expiryAt), func() {
		if err := e.Expire(context.Background(), key, expiryAt); err != nil {
			slog.Error("expiry failed", "item", key, "err", err)
		}
	})
}

func toToggle(item store.Item) protocol.Toggle {
	return protocol.Toggle{Item: item.Key, Name: item.Name, Expiry: item.ExpiryAt}
}
