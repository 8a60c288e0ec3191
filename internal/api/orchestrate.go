package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
)

type planRequest struct {
	Command string         `json:"command"`
	Input   map[string]any `json:"input,omitempty"`
}

// orchestrate: POST /v1/orchestrate. Отказы задач приходят в теле с кодом 200.
func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	res, err := s.deps.Orchestrator.ExecuteWithEvents(r.Context(), req, tenantOf(r), nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// orchestrateStream: тот же вызов, но события переходов уходят клиенту по SSE.
func (s *Server) orchestrateStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	// Невалидный запрос отклоняем до открытия стрима
	if req.Command == "" && len(req.Capabilities) == 0 {
		s.fail(w, r, orchestrator.ErrEmptyCommand)
		return
	}

	sse, ok := s.openStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", nil)
		return
	}
	if _, err := s.deps.Orchestrator.ExecuteWithEvents(r.Context(), req, tenantOf(r), sse.emit); err != nil {
		sse.send("error", map[string]string{"error": err.Error()})
	}
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Command == "" {
		s.fail(w, r, orchestrator.ErrEmptyCommand)
		return
	}
	plan, err := s.deps.Orchestrator.CreatePlan(r.Context(), req.Command, tenantOf(r), req.Input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Orchestrator.GetPlan(r.Context(), chi.URLParam(r, "id"), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// executePlan: POST /v1/plans/{id}/execute[?stream=true]
func (s *Server) executePlan(w http.ResponseWriter, r *http.Request) {
	id, tc := chi.URLParam(r, "id"), tenantOf(r)

	if r.URL.Query().Get("stream") != "true" {
		res, err := s.deps.Orchestrator.ExecutePlan(r.Context(), id, tc, nil)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	// Для стрима проверяем доступ заранее, пока можно ответить кодом
	if _, err := s.deps.Orchestrator.GetPlan(r.Context(), id, tc); err != nil {
		s.fail(w, r, err)
		return
	}
	sse, ok := s.openStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", nil)
		return
	}
	if _, err := s.deps.Orchestrator.ExecutePlan(r.Context(), id, tc, sse.emit); err != nil {
		sse.send("error", map[string]string{"error": err.Error()})
	}
}

// eventStream пишет события в формате text/event-stream. Наблюдатель вызывается
// синхронно из горутины оркестрации, то есть из горутины обработчика.
type eventStream struct {
	w      http.ResponseWriter
	f      http.Flusher
	logger *zap.Logger
}

func (s *Server) openStream(w http.ResponseWriter) (*eventStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &eventStream{w: w, f: f, logger: s.logger}, true
}

func (e *eventStream) emit(ev orchestrator.Event) {
	e.send(string(ev.Type), ev)
}

func (e *eventStream) send(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("encode stream event", zap.String("event", name), zap.Error(err))
		return
	}
	// Клиент мог отключиться, запись в закрытый стрим просто пропускаем
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return
	}
	e.f.Flush()
}
