package validation

import (
	"strings"
	"testing"
)

const sampleReport = `{
  "timestamp": "2025-03-01T10:15:00Z",
  "prefix": "team/team-a/dataset/ds-1/raw_extracted/",
  "flow_run_id": "fr-7",
  "status": "pending_user_action",
  "issues": {
    "truncated_codes": [
      {"file": "611.csv", "code": "9.35134E+17", "length": "scientific_notation", "name": "North District Clinic", "row_index": 12, "note": "cell rewritten as scientific notation"},
      {"file": "601.csv", "code": "93511903309457", "length": 14, "name": "Harbor Lab", "row_index": 44}
    ],
    "one_to_many_code": [
      {"code": "935119033094572520", "existing_name": "Harbor Lab", "new_name": "Harbor Laboratory", "file": "601.csv"}
    ],
    "one_to_many_name": [],
    "missing_codes": [
      {"file": "611.csv", "name": "Eastside Depot", "row_index": 3}
    ]
  },
  "authority_table_size": 9421,
  "summary": {"truncated_codes_count": 2, "one_to_many_code_count": 1, "one_to_many_name_count": 0, "missing_codes_count": 1},
  "instructions": {"truncated_codes": "restore the original 18 character code"}
}`

func TestParseReport(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport))
	if err != nil {
		t.Fatalf("ParseReport() err=%v", err)
	}
	if !report.Pending() {
		t.Fatalf("Pending()=false, want true")
	}
	if report.FlowRunID != "fr-7" {
		t.Fatalf("FlowRunID=%q, want fr-7", report.FlowRunID)
	}
	if got := report.TotalIssues(); got != 4 {
		t.Fatalf("TotalIssues()=%d, want 4", got)
	}

	truncated := report.Issues.TruncatedCodes
	if len(truncated) != 2 {
		t.Fatalf("len(truncated)=%d, want 2", len(truncated))
	}
	if truncated[0].Length.Marker != "scientific_notation" {
		t.Fatalf("Length.Marker=%q, want scientific_notation", truncated[0].Length.Marker)
	}
	if truncated[1].Length.Count != 14 {
		t.Fatalf("Length.Count=%d, want 14", truncated[1].Length.Count)
	}
	if truncated[1].Length.String() != "14" {
		t.Fatalf("Length.String()=%q, want 14", truncated[1].Length.String())
	}
	if report.Issues.MissingCodes[0].Name != "Eastside Depot" {
		t.Fatalf("missing name=%q", report.Issues.MissingCodes[0].Name)
	}
}

func TestParseReport_RejectsMissingPrefix(t *testing.T) {
	raw := `{"status": "pending_user_action", "issues": {}}`
	_, err := ParseReport([]byte(raw))
	if err == nil {
		t.Fatalf("expected contract error")
	}
	if !strings.Contains(err.Error(), "prefix") {
		t.Fatalf("err=%v, want missing prefix", err)
	}
}

func TestParseReport_RejectsUnknownStatus(t *testing.T) {
	raw := `{"prefix": "team/team-a/dataset/ds-1/raw_extracted/", "status": "half_done", "issues": {}}`
	if _, err := ParseReport([]byte(raw)); err == nil {
		t.Fatalf("expected status enum error")
	}
}

func TestParseReport_RejectsInvalidJSON(t *testing.T) {
	if _, err := ParseReport([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestReportKeys(t *testing.T) {
	prefix := "team/team-a/dataset/ds-1/raw_extracted/"
	if got := ReportKey(prefix); got != prefix+"validation_report_pending.json" {
		t.Fatalf("ReportKey()=%q", got)
	}
	if got := ResolutionKey("team/team-a/dataset/ds-1/raw_extracted"); got != prefix+"validation_resolutions.json" {
		t.Fatalf("ResolutionKey()=%q, want trailing slash added", got)
	}
}
