package model

import "time"

// MigrationPhase represents the phase of a range migration
type MigrationPhase string

const (
	// MigrationPhaseIdle indicates a task that has not started yet
	MigrationPhaseIdle MigrationPhase = "idle"
	// MigrationPhaseDualWrite indicates writes go to both source and target
	MigrationPhaseDualWrite MigrationPhase = "dual_write"
	// MigrationPhaseCopy indicates the throttled bulk copy is running
	MigrationPhaseCopy MigrationPhase = "copy"
	// MigrationPhaseCutover indicates the ring swap is being published
	MigrationPhaseCutover MigrationPhase = "cutover"
	// MigrationPhaseCleanup indicates the source is deleting migrated keys
	MigrationPhaseCleanup MigrationPhase = "cleanup"
)

// MigrationStatus represents the terminal status of a migration task
type MigrationStatus string

const (
	// MigrationStatusPending indicates the task is queued
	MigrationStatusPending MigrationStatus = "pending"
	// MigrationStatusRunning indicates the task is executing its phases
	MigrationStatusRunning MigrationStatus = "running"
	// MigrationStatusCompleted indicates cleanup finished
	MigrationStatusCompleted MigrationStatus = "completed"
	// MigrationStatusAborted indicates the target died mid-migration;
	// source data is untouched, so the task is safe to reschedule
	MigrationStatusAborted MigrationStatus = "aborted"
)

// MigrationProgress tracks copy progress for one task.
type MigrationProgress struct {
	KeysCopied int64
	TotalKeys  int64
}

// Fraction returns copied/total in [0, 1]; 0 when the total is unknown.
func (p MigrationProgress) Fraction() float64 {
	if p.TotalKeys <= 0 {
		return 0
	}
	return float64(p.KeysCopied) / float64(p.TotalKeys)
}

// MigrationTask describes the transfer of ownership of one hash range from
// Source to Target. Tasks belonging to the same topology change share a
// PlanID; the ring swap for a node join is published once per plan.
type MigrationTask struct {
	ID        string
	PlanID    string
	Source    NodeID
	Target    NodeID
	Range     TokenRange
	Phase     MigrationPhase
	Status    MigrationStatus
	Progress  MigrationProgress
	StartedAt time.Time
	DoneAt    time.Time
	Err       string
}
