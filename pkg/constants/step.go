package constants

// Step state constants
type StepState string

const (
	StepStateNew       StepState = "NEW"
	StepStatePrepared  StepState = "PREPARED"
	StepStateRunning   StepState = "RUNNING"
	StepStateCompleted StepState = "COMPLETED"
	StepStateFailed    StepState = "FAILED"
)

func (s StepState) String() string {
	return string(s)
}

// IsTerminal reports whether the step can no longer make progress.
func (s StepState) IsTerminal() bool {
	return s == StepStateCompleted || s == StepStateFailed
}

// Desired action set by the outer job manager on a running step.
type DesiredAction string

const (
	ActionNone   DesiredAction = ""
	ActionCancel DesiredAction = "CANCEL"
)

const (
	// ParallelizationMinThreshold is the feature count a source layer needs
	// to reach before the export fans out to more than one thread.
	ParallelizationMinThreshold = 200_000

	// ParallelizationThreadCount is the default upper bound on export fan-out.
	ParallelizationThreadCount = 8

	// MaxPartitionsPerFile caps how many partition rows a single export file
	// should carry when partitioning by id without filters.
	MaxPartitionsPerFile = 500_000

	// DefaultTargetLevel is the tile level used by changed-tiles exports when
	// the request does not specify one.
	DefaultTargetLevel = 11

	// MinTargetLevel and MaxTargetLevel bound the accepted tile levels.
	MinTargetLevel = 0
	MaxTargetLevel = 12
)

// Output set names produced at step completion.
const (
	OutputStatistics         = "statistics"
	OutputInternalStatistics = "internalStatistics"
	OutputExportedData       = "exportedData"
	OutputTileInvalidations  = "tileInvalidations"
)
