package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher decouples ingest latency from listener latency: committed
// change records enter a bounded queue and a single background task fans
// them out, preserving emission order.
type Dispatcher struct {
	bus     *Bus
	queue   chan ChangeEvent
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewDispatcher builds a dispatcher with the given queue depth.
func NewDispatcher(bus *Bus, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		bus:   bus,
		queue: make(chan ChangeEvent, depth),
		done:  make(chan struct{}),
	}
}

// Start launches the background drain task.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.drain()
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		select {
		case change := <-d.queue:
			d.bus.NotifyChange(ctx, change)
		case <-d.done:
			// Flush what is already queued before exiting.
			for {
				select {
				case change := <-d.queue:
					d.bus.NotifyChange(ctx, change)
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues a committed change. Blocks when the queue is full so
// delivery stays at-least-once.
func (d *Dispatcher) Publish(change ChangeEvent) {
	select {
	case d.queue <- change:
	case <-d.done:
		log.Warn().Int64("seq", change.Seq).Msg("Dispatcher stopped, change dropped")
	}
}

// Stop drains the queue and terminates the background task.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.started = false
	close(d.done)
	d.wg.Wait()
}
