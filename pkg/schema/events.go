package schema

// Event type constants for live run events.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"

	EventItemTerminal = "item.terminal"
	EventItemDropped  = "item.dropped"

	EventRecordCompleted = "record.completed"
	EventRecordFailed    = "record.failed"

	EventMetricsSnapshot = "metrics.snapshot"
)

// RunStatus represents the lifecycle state of an engine run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the status is a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}
