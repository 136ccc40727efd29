package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Synapse-Technology/edulink-sub008/internal/ids"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking; events that do not fit are
	// counted in Dropped. Otherwise Emit waits for room or ctx.
	DropIfFull bool
}

// Dispatcher hands events to a Sink from a single worker goroutine, so a
// sink sees events in the order they were accepted and needs no locking.
type Dispatcher struct {
	sink     Sink
	queue    chan Event
	dropFull bool
	clock    func() time.Time

	// mu guards closing. Emit holds it shared while sending, so Close can
	// close queue once no send is in flight.
	mu      sync.RWMutex
	closing bool
	drained chan struct{}

	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher. It returns nil when cfg.Enabled is
// false; all methods are nil-safe.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan Event, max(cfg.BufferSize, 1)),
		dropFull: cfg.DropIfFull,
		clock:    time.Now,
		drained:  make(chan struct{}),
	}
	go d.deliver()
	return d
}

// deliver runs until queue is closed and empty.
func (d *Dispatcher) deliver() {
	defer close(d.drained)

	ctx := context.Background()
	for event := range d.queue {
		d.sink.Emit(ctx, event)
	}
}

// Emit queues event, filling in EventID and Timestamp when empty. It
// reports whether the event was accepted.
func (d *Dispatcher) Emit(ctx context.Context, event Event) bool {
	if d == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.stamp(&event)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return false
	}

	if d.dropFull {
		select {
		case d.queue <- event:
			return true
		default:
			d.dropped.Add(1)
			return false
		}
	}

	select {
	case d.queue <- event:
		return true
	case <-ctx.Done():
		d.dropped.Add(1)
		return false
	}
}

func (d *Dispatcher) stamp(event *Event) {
	if event.EventID == "" {
		event.EventID = ids.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
}

// Close stops accepting events and returns once everything already queued
// has reached the sink. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if !d.closing {
		d.closing = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.drained
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
