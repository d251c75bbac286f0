package postgres

import (
	"strings"
	"testing"
)

func TestImportRunQueriesDatasetScoped(t *testing.T) {
	if !strings.Contains(selectImportRunQuery, "dataset_id = $1 AND run_id = $2") {
		t.Fatalf("expected dataset scope in select query")
	}
	if !strings.Contains(currentImportRunQuery, "ORDER BY created_at DESC") {
		t.Fatalf("expected most-recent-first ordering in current query")
	}
	if !strings.Contains(currentImportRunQuery, "LIMIT 1") {
		t.Fatalf("expected single row in current query")
	}
}

func TestActiveImportRunQuerySkipsTerminalRuns(t *testing.T) {
	if !strings.Contains(activeImportRunQuery, "status NOT IN ('success','cancelled')") {
		t.Fatalf("expected terminal statuses excluded from active query")
	}
	if !strings.Contains(activeImportRunQuery, "LIMIT 1") {
		t.Fatalf("expected single row in active query")
	}
}

func TestSetOrchestratorRunQueryGuardsSetOnce(t *testing.T) {
	if !strings.Contains(setOrchestratorRunQuery, "orchestrator_run_id = ''") {
		t.Fatalf("expected set-once guard in update query")
	}
	if !strings.Contains(setOrchestratorRunQuery, "next_poll_at = $3") {
		t.Fatalf("expected poll schedule arming in update query")
	}
}

func TestTerminalStatusQueryStopsPolling(t *testing.T) {
	if !strings.Contains(updateImportRunStatusTerminalQuery, "next_poll_at = NULL") {
		t.Fatalf("expected terminal update to clear next_poll_at")
	}
	if strings.Contains(updateImportRunStatusQuery, "next_poll_at") {
		t.Fatalf("non-terminal update must leave the poll schedule alone")
	}
}

func TestRefreshRunStateQueriesPreservePollSchedule(t *testing.T) {
	if strings.Contains(refreshRunStateQuery, "next_poll_at") {
		t.Fatalf("non-terminal refresh must leave the poll schedule alone")
	}
	if !strings.Contains(refreshRunStateTerminalQuery, "next_poll_at = NULL") {
		t.Fatalf("terminal refresh must stop polling")
	}
	if !strings.Contains(armPollQuery, "poll_until = NULL") {
		t.Fatalf("arming a poll must clear any trailing window")
	}
}

func TestDuePollCandidatesQueryOrdersByDueTime(t *testing.T) {
	if !strings.Contains(duePollCandidatesQuery, "next_poll_at IS NOT NULL AND next_poll_at <= $1") {
		t.Fatalf("expected due predicate in poll candidates query")
	}
	if !strings.Contains(duePollCandidatesQuery, "ORDER BY next_poll_at ASC") {
		t.Fatalf("expected due-time ordering in poll candidates query")
	}
}

func TestMergeExtraQueryPreservesExisting(t *testing.T) {
	if !strings.Contains(mergeImportRunExtraQuery, "COALESCE(extra, '{}'::jsonb) || $1::jsonb") {
		t.Fatalf("expected jsonb merge in extra update query")
	}
}
