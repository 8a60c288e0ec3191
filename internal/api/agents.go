package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// taskRequest: прямой вызов агента в обход оркестратора.
type taskRequest struct {
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	RequiredCapabilities []domain.Capability `json:"required_capabilities"`
	Input                map[string]any      `json:"input"`
	Priority             domain.Priority     `json:"priority"`
}

type agentView struct {
	domain.AgentProfile
	Stopped bool `json:"stopped"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	stopped := s.stoppedSet()
	profiles := s.deps.Agents.Profiles()
	out := make([]agentView, 0, len(profiles))
	for _, p := range profiles {
		_, st := stopped[p.ID]
		out = append(out, agentView{AgentProfile: p, Stopped: st})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(domain.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, st := s.stoppedSet()[a.ID()]
	writeJSON(w, http.StatusOK, agentView{AgentProfile: a.Profile(), Stopped: st})
}

// executeAgentTask: POST /v1/agents/{id}/tasks. Неизвестный агент дает 404,
// отказ задачи: 200 с TaskResult{success: false}.
func (s *Server) executeAgentTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	a, err := s.deps.Agents.Get(domain.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	tc := tenantOf(r)
	task := domain.TaskDescriptor{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		Input:                req.Input,
		TenantID:             tc.TenantID,
		Priority:             req.Priority,
		Status:               domain.TaskPending,
		CreatedAt:            time.Now().UTC(),
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityNormal
	}
	if task.Input == nil {
		task.Input = map[string]any{}
	}
	if err := task.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, a.ExecuteTask(r.Context(), task, tc))
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	s.switchAgent(w, r, false)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	s.switchAgent(w, r, true)
}

func (s *Server) switchAgent(w http.ResponseWriter, r *http.Request, on bool) {
	id := domain.AgentID(chi.URLParam(r, "id"))
	var err error
	if on {
		err = s.deps.Control.Start(r.Context(), id)
	} else {
		err = s.deps.Control.Stop(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stoppedSet() map[domain.AgentID]struct{} {
	out := map[domain.AgentID]struct{}{}
	if s.deps.Control == nil {
		return out
	}
	for _, id := range s.deps.Control.Stopped() {
		out[id] = struct{}{}
	}
	return out
}
