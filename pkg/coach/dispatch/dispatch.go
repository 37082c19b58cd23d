// Package dispatch hands session events to sinks without ever blocking the
// session goroutine.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alignify/alignify/pkg/coach"
)

const defaultQueueSize = 64

type Config struct {
	// QueueSize bounds each sink's backlog. Zero uses 64.
	QueueSize int
	Logger    *slog.Logger
	// OnDrop, when set, is called synchronously for every dropped event.
	OnDrop func(ev coach.Event)
}

// Dispatcher fans events out to one goroutine per sink, each behind its own
// bounded queue, so a slow sink cannot delay another or the publisher.
type Dispatcher struct {
	logger *slog.Logger
	onDrop func(coach.Event)
	queues []chan coach.Event

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func New(cfg Config, sinks ...coach.Sink) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger, onDrop: cfg.OnDrop}
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		q := make(chan coach.Event, size)
		d.queues = append(d.queues, q)
		d.wg.Add(1)
		go d.run(sink, q)
	}
	return d
}

func (d *Dispatcher) run(sink coach.Sink, q <-chan coach.Event) {
	defer d.wg.Done()
	for ev := range q {
		coach.Deliver(sink, ev)
	}
}

// Publish enqueues ev for every sink and reports whether all of them took
// it. A full queue drops the event for that sink only.
func (d *Dispatcher) Publish(ev coach.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	ok := true
	for i, q := range d.queues {
		select {
		case q <- ev:
		default:
			ok = false
			d.dropped.Add(1)
			d.logger.Debug("session event dropped", "kind", string(ev.Kind), "phase", ev.Phase.String(), "sink", i)
			if d.onDrop != nil {
				d.onDrop(ev)
			}
		}
	}
	return ok
}

func (d *Dispatcher) PublishAll(evs []coach.Event) {
	for _, ev := range evs {
		d.Publish(ev)
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, lets every sink drain its queue and waits
// for the sink goroutines to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
