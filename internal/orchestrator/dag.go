package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// dagClient speaks the DAG-run API style: runs are addressed as dag runs
// under a dag id, trigger and resume go through the dagRuns resource, and
// state values arrive lowercase.
type dagClient struct {
	api *api
}

func (c *dagClient) Trigger(ctx context.Context, flowID string, conf TriggerConf) (Run, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return Run{}, fmt.Errorf("flow id is required")
	}
	body := map[string]any{
		"logical_date": time.Now().UTC().Format(time.RFC3339),
		"conf":         conf.payload(),
	}
	var resp struct {
		DagRunID string `json:"dag_run_id"`
		State    string `json:"state"`
	}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns", url.PathEscape(flowID))
	if err := c.api.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return Run{}, err
	}
	return Run{
		FlowID: flowID,
		RunID:  resp.DagRunID,
		State:  normalizeDAGState(resp.State),
	}, nil
}

func (c *dagClient) Status(ctx context.Context, flowID, runID string) (RunStatus, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return RunStatus{}, fmt.Errorf("flow id and run id are required")
	}
	var resp struct {
		DagRunID    string `json:"dag_run_id"`
		State       string `json:"state"`
		LogicalDate string `json:"logical_date"`
		StartDate   string `json:"start_date"`
		EndDate     string `json:"end_date"`
	}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s", url.PathEscape(flowID), url.PathEscape(runID))
	if err := c.api.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return RunStatus{}, err
	}
	status := RunStatus{
		StateType: normalizeDAGState(resp.State),
		StateName: resp.State,
		StartedAt: parseOrchestratorTime(resp.StartDate),
		EndedAt:   parseOrchestratorTime(resp.EndDate),
	}
	if created := parseOrchestratorTime(resp.LogicalDate); created != nil {
		status.CreatedAt = *created
	}
	return status, nil
}

func (c *dagClient) Tasks(ctx context.Context, flowID, runID string) ([]TaskRun, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return nil, fmt.Errorf("flow id and run id are required")
	}
	var resp struct {
		TaskInstances []struct {
			TaskID    string `json:"task_id"`
			State     string `json:"state"`
			StartDate string `json:"start_date"`
			EndDate   string `json:"end_date"`
		} `json:"task_instances"`
	}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s/taskInstances", url.PathEscape(flowID), url.PathEscape(runID))
	if err := c.api.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	tasks := make([]TaskRun, 0, len(resp.TaskInstances))
	for _, item := range resp.TaskInstances {
		tasks = append(tasks, TaskRun{
			ID:        item.TaskID,
			Name:      item.TaskID,
			State:     normalizeDAGState(item.State),
			StartedAt: parseOrchestratorTime(item.StartDate),
			EndedAt:   parseOrchestratorTime(item.EndDate),
		})
	}
	return tasks, nil
}

func (c *dagClient) TaskLog(ctx context.Context, flowID, runID, taskID string) (string, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	taskID = strings.TrimSpace(taskID)
	if flowID == "" || runID == "" || taskID == "" {
		return "", fmt.Errorf("flow id, run id and task id are required")
	}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s/taskInstances/%s/logs/1",
		url.PathEscape(flowID), url.PathEscape(runID), url.PathEscape(taskID))
	raw, err := c.api.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return FlattenLog(raw), nil
}

func (c *dagClient) Resume(ctx context.Context, flowID, runID string) error {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return fmt.Errorf("flow id and run id are required")
	}
	body := map[string]any{"state": "queued"}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s", url.PathEscape(flowID), url.PathEscape(runID))
	return c.api.do(ctx, http.MethodPatch, path, body, nil)
}

func normalizeDAGState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "queued":
		return StateQueued
	case "running":
		return StateRunning
	case "success":
		return StateCompleted
	case "failed":
		return StateFailed
	default:
		return strings.ToUpper(strings.TrimSpace(state))
	}
}

func parseOrchestratorTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
