package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/platform/env"
)

// Canonical orchestrator state types. Both API styles normalize into this set.
const (
	StateQueued    = "QUEUED"
	StatePending   = "PENDING"
	StateScheduled = "SCHEDULED"
	StateRunning   = "RUNNING"
	StatePaused    = "PAUSED"
	StateSuspended = "SUSPENDED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateCrashed   = "CRASHED"
	StateCancelled = "CANCELLED"
)

// TriggerConf is the free-form run configuration handed to the pipeline.
// The pipeline reads its team, dataset and storage prefix from here.
type TriggerConf struct {
	DatasetID string
	TeamID    string
	StatDate  string
	RawPrefix string
	LocalDir  string
}

func (c TriggerConf) payload() map[string]any {
	conf := map[string]any{
		"dataset":    strings.TrimSpace(c.DatasetID),
		"team":       strings.TrimSpace(c.TeamID),
		"raw_prefix": strings.TrimSpace(c.RawPrefix),
	}
	if strings.TrimSpace(c.StatDate) != "" {
		conf["stat_date"] = strings.TrimSpace(c.StatDate)
	}
	if strings.TrimSpace(c.LocalDir) != "" {
		conf["local_dir"] = strings.TrimSpace(c.LocalDir)
	}
	return conf
}

// Run identifies a triggered pipeline run.
type Run struct {
	FlowID string
	RunID  string
	State  string
}

// RunStatus is the normalized live status of one run. It is derived fresh on
// every poll and never stored verbatim.
type RunStatus struct {
	StateType string
	StateName string
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// TaskRun is one task inside a run.
type TaskRun struct {
	ID        string
	Name      string
	State     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Client normalizes the two external pipeline API shapes behind one
// interface. Implementations are selected by configuration, never by
// sniffing response shapes.
type Client interface {
	Trigger(ctx context.Context, flowID string, conf TriggerConf) (Run, error)
	Status(ctx context.Context, flowID, runID string) (RunStatus, error)
	Tasks(ctx context.Context, flowID, runID string) ([]TaskRun, error)
	TaskLog(ctx context.Context, flowID, runID, taskID string) (string, error)
	Resume(ctx context.Context, flowID, runID string) error
}

const (
	KindDAG  = "dag"
	KindFlow = "flow"
)

type Config struct {
	Kind      string
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	RateLimit int
	Burst     int
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("ORCH_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	rateLimit, err := env.Int("ORCH_RATE_LIMIT", 10)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("ORCH_BURST", 5)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Kind:      strings.ToLower(strings.TrimSpace(env.String("ORCH_KIND", KindFlow))),
		BaseURL:   strings.TrimRight(strings.TrimSpace(env.String("ORCH_BASE_URL", "")), "/"),
		Username:  env.String("ORCH_USERNAME", ""),
		Password:  env.String("ORCH_PASSWORD", ""),
		Timeout:   timeout,
		RateLimit: rateLimit,
		Burst:     burst,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindDAG, KindFlow:
	default:
		return fmt.Errorf("ORCH_KIND must be one of: dag, flow (got %q)", c.Kind)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("ORCH_BASE_URL is required")
	}
	if c.Timeout <= 0 {
		return errors.New("ORCH_TIMEOUT must be positive")
	}
	if c.RateLimit <= 0 {
		return errors.New("ORCH_RATE_LIMIT must be positive")
	}
	if c.Burst <= 0 {
		return errors.New("ORCH_BURST must be positive")
	}
	return nil
}

func New(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	core := &api{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
	switch cfg.Kind {
	case KindDAG:
		return &dagClient{api: core}, nil
	case KindFlow:
		return &flowClient{api: core}, nil
	default:
		return nil, fmt.Errorf("unsupported orchestrator kind %q", cfg.Kind)
	}
}

// PollInterval returns how long to wait before the next status poll for a
// state type, and whether polling should continue at all.
func PollInterval(stateType string) (time.Duration, bool) {
	switch strings.ToUpper(strings.TrimSpace(stateType)) {
	case StateCancelled, StateCrashed:
		return 0, false
	case StatePaused, StateSuspended, StateFailed:
		return 5000 * time.Millisecond, true
	case StateCompleted:
		return 10000 * time.Millisecond, true
	default:
		return 2000 * time.Millisecond, true
	}
}

// LedgerStatus maps an orchestrator state type to the ledger status. The
// mapping is total: unknown states map to queued.
func LedgerStatus(stateType string) domain.RunStatus {
	switch strings.ToUpper(strings.TrimSpace(stateType)) {
	case StateCompleted:
		return domain.RunStatusSuccess
	case StateFailed, StateCrashed:
		return domain.RunStatusFailed
	case StateCancelled:
		return domain.RunStatusCancelled
	case StateRunning:
		return domain.RunStatusRunning
	case StateQueued, StatePending, StateScheduled:
		return domain.RunStatusQueued
	case StatePaused, StateSuspended:
		return domain.RunStatusPaused
	default:
		return domain.RunStatusQueued
	}
}
