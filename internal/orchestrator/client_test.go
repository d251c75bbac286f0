package orchestrator

import (
	"testing"
	"time"

	"github.com/corral-labs/corral-go/internal/domain"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("ORCH_BASE_URL", "http://orchestrator.test/")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Kind != KindFlow {
		t.Fatalf("Kind=%q, want %q", cfg.Kind, KindFlow)
	}
	if cfg.BaseURL != "http://orchestrator.test" {
		t.Fatalf("BaseURL=%q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.Timeout != 15*time.Second {
		t.Fatalf("Timeout=%v, want 15s", cfg.Timeout)
	}
	if cfg.RateLimit != 10 || cfg.Burst != 5 {
		t.Fatalf("RateLimit=%d Burst=%d, want 10/5", cfg.RateLimit, cfg.Burst)
	}
}

func TestConfigFromEnv_RejectsUnknownKind(t *testing.T) {
	t.Setenv("ORCH_BASE_URL", "http://orchestrator.test")
	t.Setenv("ORCH_KIND", "celery")

	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for unknown ORCH_KIND")
	}
}

func TestNew_SelectsImplementationByKind(t *testing.T) {
	base := Config{
		BaseURL:   "http://orchestrator.test",
		Timeout:   time.Second,
		RateLimit: 10,
		Burst:     5,
	}

	dagCfg := base
	dagCfg.Kind = KindDAG
	client, err := New(dagCfg)
	if err != nil {
		t.Fatalf("New(dag) err=%v", err)
	}
	if _, ok := client.(*dagClient); !ok {
		t.Fatalf("New(dag)=%T, want *dagClient", client)
	}

	flowCfg := base
	flowCfg.Kind = KindFlow
	client, err = New(flowCfg)
	if err != nil {
		t.Fatalf("New(flow) err=%v", err)
	}
	if _, ok := client.(*flowClient); !ok {
		t.Fatalf("New(flow)=%T, want *flowClient", client)
	}
}

func TestPollInterval(t *testing.T) {
	cases := []struct {
		state     string
		interval  time.Duration
		keepGoing bool
	}{
		{StateCancelled, 0, false},
		{StateCrashed, 0, false},
		{StatePaused, 5 * time.Second, true},
		{StateSuspended, 5 * time.Second, true},
		{StateFailed, 5 * time.Second, true},
		{StateCompleted, 10 * time.Second, true},
		{StateRunning, 2 * time.Second, true},
		{StateQueued, 2 * time.Second, true},
		{StatePending, 2 * time.Second, true},
		{"cancelled", 0, false},
		{"SOME_NEW_STATE", 2 * time.Second, true},
		{"", 2 * time.Second, true},
	}
	for _, tc := range cases {
		interval, keepGoing := PollInterval(tc.state)
		if interval != tc.interval || keepGoing != tc.keepGoing {
			t.Fatalf("PollInterval(%q)=(%v,%v), want (%v,%v)", tc.state, interval, keepGoing, tc.interval, tc.keepGoing)
		}
	}
}

func TestLedgerStatus(t *testing.T) {
	cases := []struct {
		state string
		want  domain.RunStatus
	}{
		{StateCompleted, domain.RunStatusSuccess},
		{StateFailed, domain.RunStatusFailed},
		{StateCrashed, domain.RunStatusFailed},
		{StateCancelled, domain.RunStatusCancelled},
		{StateRunning, domain.RunStatusRunning},
		{StatePending, domain.RunStatusQueued},
		{StateScheduled, domain.RunStatusQueued},
		{StateQueued, domain.RunStatusQueued},
		{StatePaused, domain.RunStatusPaused},
		{StateSuspended, domain.RunStatusPaused},
		{"completed", domain.RunStatusSuccess},
		{"SOME_NEW_STATE", domain.RunStatusQueued},
		{"", domain.RunStatusQueued},
	}
	for _, tc := range cases {
		if got := LedgerStatus(tc.state); got != tc.want {
			t.Fatalf("LedgerStatus(%q)=%q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestTriggerConfPayload_OmitsEmptyOptionalFields(t *testing.T) {
	conf := TriggerConf{
		DatasetID: "ds-1",
		TeamID:    "team-a",
		RawPrefix: "team/team-a/dataset/ds-1/raw/",
	}
	payload := conf.payload()
	if payload["dataset"] != "ds-1" || payload["team"] != "team-a" {
		t.Fatalf("payload=%v, want dataset/team set", payload)
	}
	if _, ok := payload["stat_date"]; ok {
		t.Fatalf("payload carries empty stat_date: %v", payload)
	}
	if _, ok := payload["local_dir"]; ok {
		t.Fatalf("payload carries empty local_dir: %v", payload)
	}

	conf.StatDate = "2025-03-01"
	conf.LocalDir = "/tmp/batch"
	payload = conf.payload()
	if payload["stat_date"] != "2025-03-01" {
		t.Fatalf("stat_date=%v, want 2025-03-01", payload["stat_date"])
	}
	if payload["local_dir"] != "/tmp/batch" {
		t.Fatalf("local_dir=%v, want /tmp/batch", payload["local_dir"])
	}
}
