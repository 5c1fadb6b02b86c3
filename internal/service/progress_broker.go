package service

import (
	"sync"
)

// ProgressEvent is one progress sample of a running step.
type ProgressEvent struct {
	StepID   string  `json:"stepId"`
	Fraction float64 `json:"estimatedProgress"`
}

// ProgressBroker fans step progress out to live subscribers (the websocket
// endpoint) and keeps the latest fraction per step for polling reads. It
// implements interfaces.ProgressSink.
type ProgressBroker struct {
	mu     sync.RWMutex
	latest map[string]float64
	subs   map[string]map[chan ProgressEvent]struct{}
}

// NewProgressBroker creates an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		latest: make(map[string]float64),
		subs:   make(map[string]map[chan ProgressEvent]struct{}),
	}
}

// SetEstimatedProgress records and publishes a progress sample. A slow
// subscriber misses samples instead of blocking the engine.
func (b *ProgressBroker) SetEstimatedProgress(stepID string, fraction float64) {
	b.mu.Lock()
	b.latest[stepID] = fraction
	subscribers := make([]chan ProgressEvent, 0, len(b.subs[stepID]))
	for ch := range b.subs[stepID] {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	event := ProgressEvent{StepID: stepID, Fraction: fraction}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Latest returns the last published fraction of a step.
func (b *ProgressBroker) Latest(stepID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest[stepID]
}

// Subscribe registers a live listener for a step. The returned cancel
// function must be called when the listener goes away.
func (b *ProgressBroker) Subscribe(stepID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)

	b.mu.Lock()
	if b.subs[stepID] == nil {
		b.subs[stepID] = make(map[chan ProgressEvent]struct{})
	}
	b.subs[stepID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[stepID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, stepID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Forget drops the retained state of a terminal step.
func (b *ProgressBroker) Forget(stepID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, stepID)
}
