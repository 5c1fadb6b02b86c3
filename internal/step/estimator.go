package step

import (
	"tileflow/internal/model"
	"tileflow/pkg/resource"
)

const (
	// bytesPerACU is how many stored bytes one virtual compute unit is
	// expected to scan and serialize within a session.
	bytesPerACU = 1 << 30

	// minACUs is the floor claim of any run, so tiny datasets still reserve a
	// session's worth of capacity.
	minACUs = 0.5

	// ioUnitsPerACU converts the compute claim into upload-path units. The
	// export writes roughly what it scans.
	ioUnitsPerACU = 1.0
)

// Estimator translates a statistics snapshot into the resource claims of a
// run. It is pure with respect to the snapshot; callers memoize the result
// per step instance.
type Estimator struct{}

// NewEstimator creates a resource estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// NeededACUs sizes the overall compute-unit claim from the dataset byte size.
func (e *Estimator) NeededACUs(stats *model.SpaceStatistics) float64 {
	acus := float64(stats.ByteSize) / float64(bytesPerACU)
	if acus < minACUs {
		acus = minACUs
	}
	return acus
}

// Loads expresses an ACU claim as per-resource loads: the full claim on the
// database reader and a proportional claim on the outgoing upload path.
func (e *Estimator) Loads(acus float64) []resource.Load {
	return []resource.Load{
		{Resource: resource.DBReader, EstimatedVirtualUnits: acus},
		{Resource: resource.IOOut, EstimatedVirtualUnits: acus * ioUnitsPerACU},
	}
}
