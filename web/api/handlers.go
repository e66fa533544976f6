package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
)

// RunResponse is the API shape of one run
type RunResponse struct {
	ID           string  `json:"id"`
	Repo         string  `json:"repo"`
	Branch       string  `json:"branch,omitempty"`
	Commit       string  `json:"commit"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// StatusResponse summarizes the orchestrator
type StatusResponse struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	InFlight  int `json:"in_flight"`
}

// TaskResponse is the API shape of one task with its steps
type TaskResponse struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	Phase        string         `json:"phase"`
	GroupRank    int            `json:"group_rank"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Steps        []StepResponse `json:"steps"`
}

// StepResponse is the API shape of one step
type StepResponse struct {
	Name     string `json:"name"`
	Command  string `json:"command,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	LogRef   string `json:"log_ref,omitempty"`
}

// GroupResponse is one phase-group rank of a run tree
type GroupResponse struct {
	Rank  int            `json:"rank"`
	Tasks []TaskResponse `json:"tasks"`
}

// RunTreeResponse is the nested view of one run
type RunTreeResponse struct {
	Run    RunResponse     `json:"run"`
	Groups []GroupResponse `json:"groups"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		Repo:         r.Repo,
		Branch:       r.Branch,
		Commit:       r.Commit,
		Status:       string(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func treeToResponse(tree *runstore.RunTree) RunTreeResponse {
	resp := RunTreeResponse{Run: runToResponse(tree.Run)}
	for _, group := range tree.Groups {
		g := GroupResponse{Rank: group.Rank}
		for _, tt := range group.Tasks {
			task := TaskResponse{
				ID:           tt.Task.ID,
				Project:      tt.Task.Project,
				Phase:        tt.Task.Phase,
				GroupRank:    tt.Task.GroupRank,
				Status:       string(tt.Task.Status),
				ErrorMessage: tt.Task.ErrorMessage,
			}
			for _, st := range tt.Steps {
				task.Steps = append(task.Steps, StepResponse{
					Name:     st.Name,
					Command:  st.Command,
					Status:   string(st.Status),
					ExitCode: st.ExitCode,
					LogRef:   st.LogRef,
				})
			}
			g.Tasks = append(g.Tasks, task)
		}
		resp.Groups = append(resp.Groups, g)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Total:     counts.Total,
		Pending:   counts.Pending,
		Active:    counts.Active,
		Succeeded: counts.Succeeded,
		Failed:    counts.Failed,
		Cancelled: counts.Cancelled,
		InFlight:  len(s.tracker.List()),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := runstore.ListOptions{
		Repo:   r.URL.Query().Get("repo"),
		Branch: r.URL.Query().Get("branch"),
		Status: domain.RunStatus(r.URL.Query().Get("status")),
		Limit:  50,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	runs, err := s.store.ListRuns(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req engine.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.orch.Submit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hub.Broadcast(Event{Type: EventRunSubmitted, Data: runToResponse(run)})
	writeJSON(w, http.StatusCreated, runToResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	tree, err := s.store.GetRunTree(runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, treeToResponse(tree))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if !s.orch.Cancel(runID) {
		// Not in flight: either unknown or already terminal
		run, err := s.store.GetRun(runID)
		if err != nil {
			if errors.Is(err, runstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeError(w, http.StatusConflict, "run is already "+string(run.Status))
		return
	}

	s.hub.Broadcast(Event{Type: EventRunCancelled, Data: map[string]string{"run_id": runID}})
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}
