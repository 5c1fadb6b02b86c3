package step

import (
	"sync"

	"tileflow/pkg/logger"
)

const dispatcherQueueSize = 128

// Dispatcher delivers events to step engines one at a time per step. Engines
// hold no locks; this serialization is their concurrency contract.
type Dispatcher struct {
	mu      sync.Mutex
	queues  map[string]*stepQueue
	wg      sync.WaitGroup
	stopped bool
}

// stepQueue is one step's serial event queue. The events channel is never
// closed; done releases the drain goroutine and any sender parked on a full
// buffer, so a late Submit can never hit a closed channel.
type stepQueue struct {
	events chan func()
	done   chan struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queues: make(map[string]*stepQueue),
	}
}

// Submit enqueues fn on the step's serial queue, creating the queue on first
// use. Blocks when the queue is full, which backpressures the event source;
// forgetting the step releases the blocked sender and drops the event.
func (d *Dispatcher) Submit(stepID string, fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		logger.Warnf("dispatcher stopped, dropping event for step %s", stepID)
		return
	}
	queue, ok := d.queues[stepID]
	if !ok {
		queue = &stepQueue{
			events: make(chan func(), dispatcherQueueSize),
			done:   make(chan struct{}),
		}
		d.queues[stepID] = queue
		d.wg.Add(1)
		go d.drain(queue)
	}
	d.mu.Unlock()

	select {
	case queue.events <- fn:
	case <-queue.done:
		logger.Warnf("step %s is forgotten, dropping event", stepID)
	}
}

func (d *Dispatcher) drain(queue *stepQueue) {
	defer d.wg.Done()
	for {
		select {
		case fn := <-queue.events:
			fn()
		case <-queue.done:
			return
		}
	}
}

// Forget releases a terminal step's queue. Events still buffered may be
// dropped; the step is terminal and would ignore them anyway.
func (d *Dispatcher) Forget(stepID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue, ok := d.queues[stepID]; ok {
		close(queue.done)
		delete(d.queues, stepID)
	}
}

// Shutdown releases all queues and waits for the drain goroutines to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	for _, queue := range d.queues {
		close(queue.done)
	}
	d.queues = make(map[string]*stepQueue)
	d.mu.Unlock()
	d.wg.Wait()
}
