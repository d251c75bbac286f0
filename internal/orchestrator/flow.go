package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// flowClient speaks the flow-run API style: runs live under a flow id,
// resume is an explicit verb, and states arrive as {type, name} objects
// with uppercase types.
type flowClient struct {
	api *api
}

type flowState struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (c *flowClient) Trigger(ctx context.Context, flowID string, conf TriggerConf) (Run, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return Run{}, fmt.Errorf("flow id is required")
	}
	body := map[string]any{
		"logical_date": time.Now().UTC().Format(time.RFC3339),
		"conf":         conf.payload(),
	}
	var resp struct {
		FlowID string    `json:"flow_id"`
		RunID  string    `json:"run_id"`
		State  flowState `json:"state"`
	}
	path := fmt.Sprintf("/flows/%s/runs", url.PathEscape(flowID))
	if err := c.api.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return Run{}, err
	}
	run := Run{
		FlowID: resp.FlowID,
		RunID:  resp.RunID,
		State:  strings.ToUpper(strings.TrimSpace(resp.State.Type)),
	}
	if run.FlowID == "" {
		run.FlowID = flowID
	}
	return run, nil
}

func (c *flowClient) Status(ctx context.Context, flowID, runID string) (RunStatus, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return RunStatus{}, fmt.Errorf("flow id and run id are required")
	}
	var resp struct {
		ID        string    `json:"id"`
		State     flowState `json:"state"`
		Created   string    `json:"created"`
		StartTime string    `json:"start_time"`
		EndTime   string    `json:"end_time"`
	}
	path := fmt.Sprintf("/flows/%s/runs/%s", url.PathEscape(flowID), url.PathEscape(runID))
	if err := c.api.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return RunStatus{}, err
	}
	status := RunStatus{
		StateType: strings.ToUpper(strings.TrimSpace(resp.State.Type)),
		StateName: resp.State.Name,
		StartedAt: parseOrchestratorTime(resp.StartTime),
		EndedAt:   parseOrchestratorTime(resp.EndTime),
	}
	if created := parseOrchestratorTime(resp.Created); created != nil {
		status.CreatedAt = *created
	}
	return status, nil
}

func (c *flowClient) Tasks(ctx context.Context, flowID, runID string) ([]TaskRun, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return nil, fmt.Errorf("flow id and run id are required")
	}
	var resp []struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		State     flowState `json:"state"`
		StartTime string    `json:"start_time"`
		EndTime   string    `json:"end_time"`
	}
	path := fmt.Sprintf("/flows/%s/runs/%s/tasks", url.PathEscape(flowID), url.PathEscape(runID))
	if err := c.api.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	tasks := make([]TaskRun, 0, len(resp))
	for _, item := range resp {
		tasks = append(tasks, TaskRun{
			ID:        item.ID,
			Name:      item.Name,
			State:     strings.ToUpper(strings.TrimSpace(item.State.Type)),
			StartedAt: parseOrchestratorTime(item.StartTime),
			EndedAt:   parseOrchestratorTime(item.EndTime),
		})
	}
	return tasks, nil
}

func (c *flowClient) TaskLog(ctx context.Context, flowID, runID, taskID string) (string, error) {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	taskID = strings.TrimSpace(taskID)
	if flowID == "" || runID == "" || taskID == "" {
		return "", fmt.Errorf("flow id, run id and task id are required")
	}
	path := fmt.Sprintf("/flows/%s/runs/%s/tasks/%s/logs",
		url.PathEscape(flowID), url.PathEscape(runID), url.PathEscape(taskID))
	raw, err := c.api.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return FlattenLog(raw), nil
}

func (c *flowClient) Resume(ctx context.Context, flowID, runID string) error {
	flowID = strings.TrimSpace(flowID)
	runID = strings.TrimSpace(runID)
	if flowID == "" || runID == "" {
		return fmt.Errorf("flow id and run id are required")
	}
	path := fmt.Sprintf("/flows/%s/runs/%s/resume", url.PathEscape(flowID), url.PathEscape(runID))
	return c.api.do(ctx, http.MethodPost, path, nil, nil)
}
