package domain

import "testing"

func TestImportRunValidate(t *testing.T) {
	run := ImportRun{
		ID:        "7b0d9a52-9c00-4f8f-9f2b-0f6a7f7a1d10",
		DatasetID: "42",
		TeamID:    "7",
		RawPrefix: "team/7/dataset/42/raw/",
		StatDate:  "2025-11-03",
		Status:    RunStatusQueued,
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	bad := run
	bad.RawPrefix = " "
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty raw prefix")
	}

	bad = run
	bad.StatDate = "03-11-2025"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for malformed stat date")
	}

	bad = run
	bad.Status = "detached"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if got := NormalizeRunStatus(" Running "); got != RunStatusRunning {
		t.Fatalf("NormalizeRunStatus()=%q, want running", got)
	}
	if got := NormalizeRunStatus("detached"); got != "" {
		t.Fatalf("NormalizeRunStatus()=%q, want empty", got)
	}
}

func TestCanTransitionRunStatus(t *testing.T) {
	cases := []struct {
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusRunning, RunStatusPaused, true},
		{RunStatusPaused, RunStatusRunning, true},
		{RunStatusFailed, RunStatusRunning, true},
		{RunStatusRunning, RunStatusRunning, true},
		{RunStatusSuccess, RunStatusRunning, false},
		{RunStatusCancelled, RunStatusQueued, false},
		{RunStatusSuccess, RunStatusSuccess, true},
		{RunStatusRunning, "detached", false},
	}
	for _, tc := range cases {
		if got := CanTransitionRunStatus(tc.current, tc.next); got != tc.want {
			t.Fatalf("CanTransitionRunStatus(%q, %q)=%v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestIsTerminalRunStatus(t *testing.T) {
	if !IsTerminalRunStatus(RunStatusSuccess) {
		t.Fatalf("success should be terminal")
	}
	if !IsTerminalRunStatus(RunStatusCancelled) {
		t.Fatalf("cancelled should be terminal")
	}
	if IsTerminalRunStatus(RunStatusFailed) {
		t.Fatalf("failed should allow resume")
	}
}

func TestDatasetValidate(t *testing.T) {
	d := Dataset{ID: "42", TeamID: "7", Name: "customer-ledger"}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	d.Name = ""
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestMetadataClone(t *testing.T) {
	m := Metadata{"k": "v"}
	c := m.Clone()
	c["k"] = "changed"
	if m["k"] != "v" {
		t.Fatalf("Clone() should not share storage")
	}
	if got := Metadata(nil).Clone(); got == nil {
		t.Fatalf("Clone() of nil should return empty map")
	}
}
