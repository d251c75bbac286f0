package main

import (
	"io"
	"net/http"
	"time"
)

type flowPayload struct {
	Name           string `json:"name"`
	OrchestratorID string `json:"orchestrator_id"`
	Description    string `json:"description,omitempty"`
}

// handleListFlows exposes the flow catalog so the front end can offer the
// operator a flow picker when registering datasets.
func (api *importConsoleAPI) handleListFlows(w http.ResponseWriter, r *http.Request) {
	out := make([]flowPayload, 0, len(api.registry.Flows))
	for _, flow := range api.registry.Flows {
		out = append(out, flowPayload{
			Name:           flow.Name,
			OrchestratorID: flow.OrchestratorID(),
			Description:    flow.Description,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"flows": out})
}

func (api *importConsoleAPI) handleOrchestratorRun(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	runID := r.PathValue("run_id")

	live, err := api.client.Status(r.Context(), flowID, runID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, liveStatusPayload{
		StateType: live.StateType,
		StateName: live.StateName,
		CreatedAt: live.CreatedAt,
		StartedAt: live.StartedAt,
		EndedAt:   live.EndedAt,
	})
}

type taskRunPayload struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (api *importConsoleAPI) handleOrchestratorTasks(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	runID := r.PathValue("run_id")

	tasks, err := api.client.Tasks(r.Context(), flowID, runID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	out := make([]taskRunPayload, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskRunPayload{
			ID:        task.ID,
			Name:      task.Name,
			State:     task.State,
			StartedAt: task.StartedAt,
			EndedAt:   task.EndedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// handleOrchestratorTaskLog proxies a single task's log text. Logs are
// served as plain text so the front end can render them in a viewer
// without another decode step.
func (api *importConsoleAPI) handleOrchestratorTaskLog(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	runID := r.PathValue("run_id")
	taskID := r.PathValue("task_id")

	logText, err := api.client.TaskLog(r.Context(), flowID, runID, taskID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, logText)
}
