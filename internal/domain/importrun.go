package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the ledger-side status of an import attempt.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ImportRun is one append-only import attempt for a dataset.
type ImportRun struct {
	ID                 string
	DatasetID          string
	TeamID             string
	OrchestratorFlowID string
	OrchestratorRunID  string
	RawPrefix          string
	Directory          string
	StatDate           string
	Status             RunStatus
	StateType          string
	Extra              Metadata
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r ImportRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(r.TeamID) == "" {
		return errors.New("team id is required")
	}
	if strings.TrimSpace(r.RawPrefix) == "" {
		return errors.New("raw prefix is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return fmt.Errorf("unknown run status %q", r.Status)
	}
	if strings.TrimSpace(r.StatDate) != "" {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(r.StatDate)); err != nil {
			return fmt.Errorf("stat date must be YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusPaused):
		return RunStatusPaused
	case string(RunStatusSuccess):
		return RunStatusSuccess
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled):
		return RunStatusCancelled
	default:
		return ""
	}
}

// IsTerminalRunStatus reports whether no further transitions are allowed.
// Failed attempts are not terminal: a paused-or-failed run can be resumed
// after its validation issues are resolved.
func IsTerminalRunStatus(status RunStatus) bool {
	return status == RunStatusSuccess || status == RunStatusCancelled
}

// CanTransitionRunStatus reports whether an attempt may move from current
// to next. Writes of the same status are always allowed so status polling
// stays idempotent.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if NormalizeRunStatus(string(current)) == "" || NormalizeRunStatus(string(next)) == "" {
		return false
	}
	if current == next {
		return true
	}
	if IsTerminalRunStatus(current) {
		return false
	}
	return true
}
