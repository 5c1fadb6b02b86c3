// Package resource meters the shared capacity of the database reader and the
// outgoing I/O path. Steps claim virtual units before execution; the pool
// rejects claims that would oversubscribe a resource and the outer scheduler
// retries them later.
package resource

import (
	"fmt"
	"sync"

	"tileflow/pkg/errs"
	"tileflow/pkg/logger"

	"go.uber.org/zap"
)

// Resource names the shared pools a step can claim units from.
type Resource string

const (
	// DBReader meters compute units on the database reader endpoint.
	DBReader Resource = "dbReader"

	// IOOut meters bytes on the outgoing upload path.
	IOOut Resource = "ioOut"
)

// Load is one resource claim: a number of virtual units against a resource.
type Load struct {
	Resource              Resource
	EstimatedVirtualUnits float64
}

// Pool tracks in-use units per resource across all running steps.
type Pool struct {
	mu       sync.Mutex
	capacity map[Resource]float64
	inUse    map[Resource]float64
	claims   map[string][]Load
}

// NewPool creates a pool with the given per-resource capacities. A resource
// without a configured capacity is unmetered.
func NewPool(capacity map[Resource]float64) *Pool {
	return &Pool{
		capacity: capacity,
		inUse:    make(map[Resource]float64),
		claims:   make(map[string][]Load),
	}
}

// Claim reserves the loads for the step. Either all loads are reserved or
// none. A second claim for the same step replaces the first.
func (p *Pool) Claim(stepID string, loads []Load) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(stepID)

	for _, load := range loads {
		limit, metered := p.capacity[load.Resource]
		if !metered {
			continue
		}
		if p.inUse[load.Resource]+load.EstimatedVirtualUnits > limit {
			return errs.New(errs.KindResourceClaimRejected,
				"resource %s exhausted: in use %.1f of %.1f, requested %.1f",
				load.Resource, p.inUse[load.Resource], limit, load.EstimatedVirtualUnits)
		}
	}

	for _, load := range loads {
		p.inUse[load.Resource] += load.EstimatedVirtualUnits
	}
	p.claims[stepID] = loads

	logger.Debug("resource claim accepted",
		zap.String("step_id", stepID),
		zap.Int("loads", len(loads)),
	)
	return nil
}

// Release returns the step's reserved units to the pool.
func (p *Pool) Release(stepID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(stepID)
}

func (p *Pool) releaseLocked(stepID string) {
	loads, ok := p.claims[stepID]
	if !ok {
		return
	}
	for _, load := range loads {
		p.inUse[load.Resource] -= load.EstimatedVirtualUnits
		if p.inUse[load.Resource] < 0 {
			p.inUse[load.Resource] = 0
		}
	}
	delete(p.claims, stepID)
}

// InUse returns the units currently reserved on a resource.
func (p *Pool) InUse(r Resource) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[r]
}

func (l Load) String() string {
	return fmt.Sprintf("%s=%.1f", l.Resource, l.EstimatedVirtualUnits)
}
