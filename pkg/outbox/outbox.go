// Package outbox applies optimistic session writes to the backend after the
// caller has already updated its local copy. Writes for one user are
// applied in enqueue order, so the change feed never shows a state the user
// did not pass through. Failures are reported and logged, never rolled back.
package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"studiochat/pkg/domain"
	"studiochat/pkg/store"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"

	opBarrier Op = "barrier"
)

var ErrClosed = errors.New("outbox closed")

// Write is one pending backend mutation.
type Write struct {
	UserID    string
	SessionID string
	Op        Op
	Session   domain.Session
	Patch     domain.SessionPatch

	done chan struct{}
}

// Result reports the outcome of one write. Err == nil is an ack.
type Result struct {
	Write    Write
	Err      error
	Duration time.Duration
}

type Config struct {
	Shards       int
	Buffer       int
	WriteTimeout time.Duration
	DrainTimeout time.Duration
	// OnResult, when set, observes every ack and failure.
	OnResult func(Result)
}

type Outbox struct {
	store        store.SessionStore
	shards       []chan Write
	writeTimeout time.Duration
	drainTimeout time.Duration
	onResult     func(Result)

	mu     sync.RWMutex
	closed bool
}

func New(s store.SessionStore, cfg Config) *Outbox {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 4
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 15 * time.Second
	}
	o := &Outbox{
		store:        s,
		shards:       make([]chan Write, shards),
		writeTimeout: writeTimeout,
		drainTimeout: drainTimeout,
		onResult:     cfg.OnResult,
	}
	for i := range o.shards {
		o.shards[i] = make(chan Write, buffer)
	}
	return o
}

// Enqueue hands a write to its user's shard. It blocks only while the
// shard buffer is full.
func (o *Outbox) Enqueue(ctx context.Context, w Write) error {
	if w.SessionID == "" {
		w.SessionID = w.Session.ID
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.shards[o.shardFor(w)] <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every write enqueued before the call has been applied.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrClosed
	}
	barriers := make([]chan struct{}, len(o.shards))
	for i, shard := range o.shards {
		barriers[i] = make(chan struct{})
		select {
		case shard <- Write{Op: opBarrier, done: barriers[i]}:
		case <-ctx.Done():
			o.mu.RUnlock()
			return ctx.Err()
		}
	}
	o.mu.RUnlock()
	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run applies writes until ctx ends, then drains what is already queued.
func (o *Outbox) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, shard := range o.shards {
		wg.Add(1)
		go func(ch chan Write) {
			defer wg.Done()
			o.consume(ctx, ch)
		}(shard)
	}
	<-ctx.Done()

	o.mu.Lock()
	o.closed = true
	for _, shard := range o.shards {
		close(shard)
	}
	o.mu.Unlock()
	wg.Wait()
	return nil
}

func (o *Outbox) consume(ctx context.Context, ch chan Write) {
	for {
		select {
		case w, ok := <-ch:
			if !ok {
				return
			}
			o.apply(context.Background(), w)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), o.drainTimeout)
			defer cancel()
			for w := range ch {
				o.apply(drainCtx, w)
			}
			return
		}
	}
}

func (o *Outbox) apply(parent context.Context, w Write) {
	if w.Op == opBarrier {
		close(w.done)
		return
	}
	ctx, cancel := context.WithTimeout(parent, o.writeTimeout)
	defer cancel()
	start := time.Now()
	var err error
	switch w.Op {
	case OpUpsert:
		err = o.store.UpsertSession(ctx, w.UserID, w.Session)
	case OpPatch:
		err = o.store.UpdateSessionFields(ctx, w.UserID, w.SessionID, w.Patch)
	case OpDelete:
		err = o.store.DeleteSession(ctx, w.UserID, w.SessionID)
	default:
		err = errors.New("unknown outbox op " + string(w.Op))
	}
	res := Result{Write: w, Err: err, Duration: time.Since(start)}
	if err != nil {
		slog.Error("session write failed", "user_id", w.UserID, "session_id", w.SessionID, "op", w.Op, "err", err)
	} else {
		slog.Debug("session write applied", "user_id", w.UserID, "session_id", w.SessionID, "op", w.Op, "duration_ms", res.Duration.Milliseconds())
	}
	if o.onResult != nil {
		o.onResult(res)
	}
}

func (o *Outbox) shardFor(w Write) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(w.UserID))
	return int(h.Sum32() % uint32(len(o.shards)))
}
