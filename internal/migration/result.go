package migration

import (
	"fmt"
	"strings"
	"time"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
)

type Phase string

const (
	PhaseBackup         Phase = "BACKUP"
	PhaseLoad           Phase = "LOAD"
	PhasePrepareStorage Phase = "PREPARE_STORAGE"
	PhaseBatchTransform Phase = "BATCH_TRANSFORM"
	PhaseValidate       Phase = "VALIDATE"
	PhaseRollback       Phase = "ROLLBACK"
)

type PhaseStatus string

const (
	PhaseDone    PhaseStatus = "done"
	PhaseSkipped PhaseStatus = "skipped"
	PhaseFailed  PhaseStatus = "failed"
)

type PhaseReport struct {
	Phase    Phase         `json:"phase"`
	Status   PhaseStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Statistics struct {
	ByType             map[codec.TypeDigit]int   `json:"byType"`
	ByCapacity         map[capacity.Capacity]int `json:"byCapacity"`
	DuplicatesResolved int                       `json:"duplicatesResolved"`
	AutoDetected       int                       `json:"autoDetected"`
	ManualOverrides    int                       `json:"manualOverrides"`
	AverageConfidence  int                       `json:"averageConfidence"`
}

func newStatistics() Statistics {
	return Statistics{
		ByType:     map[codec.TypeDigit]int{},
		ByCapacity: map[capacity.Capacity]int{},
	}
}

// Result is the full report of a run. It is returned even when the run fails.
type Result struct {
	Success        bool          `json:"success"`
	DryRun         bool          `json:"dryRun"`
	TotalProcessed int           `json:"totalProcessed"`
	TotalMigrated  int           `json:"totalMigrated"`
	Errors         []string      `json:"errors"`
	Warnings       []string      `json:"warnings"`
	BackupRef      string        `json:"backupRef,omitempty"`
	BackupDigest   string        `json:"backupDigest,omitempty"`
	RolledBack     bool          `json:"rolledBack"`
	Statistics     Statistics    `json:"statistics"`
	Phases         []PhaseReport `json:"phases"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
}

func (r *Result) phase(p Phase, status PhaseStatus, started time.Time, err error) {
	report := PhaseReport{Phase: p, Status: status, Duration: time.Since(started)}
	if err != nil {
		report.Error = err.Error()
	}
	r.Phases = append(r.Phases, report)
}

// PhaseStatus returns the status a phase ended with, or "" when it never ran.
func (r Result) PhaseStatus(p Phase) PhaseStatus {
	for _, report := range r.Phases {
		if report.Phase == p {
			return report.Status
		}
	}
	return ""
}

// IntegrityError collects every VALIDATE violation of a run.
type IntegrityError struct {
	Violations []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s", strings.Join(e.Violations, "; "))
}
