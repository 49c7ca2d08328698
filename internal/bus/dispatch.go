package bus

import (
	"context"
	"sync"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

const dispatchQueueSize = 256

type delivery struct {
	ctx context.Context
	evt protocol.Event
}

// dispatcher owns the goroutine that runs one subscription's handler. The
// queue is never closed; stop signals done instead so late enqueues from a
// transport callback cannot panic.
type dispatcher struct {
	handler  Handler
	queue    chan delivery
	done     chan struct{}
	stopOnce sync.Once
}

func newDispatcher(handler Handler) *dispatcher {
	d := &dispatcher{
		handler: handler,
		queue:   make(chan delivery, dispatchQueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case dl := <-d.queue:
			d.handler(dl.ctx, dl.evt)
		}
	}
}

// enqueue blocks while the queue is full and reports false once stopped.
func (d *dispatcher) enqueue(ctx context.Context, evt protocol.Event) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case <-d.done:
		return false
	case d.queue <- delivery{ctx: ctx, evt: evt}:
		return true
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
