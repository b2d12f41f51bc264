package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

type eventsResponse struct {
	Events  []session.Event `json:"events"`
	LastSeq int64           `json:"lastSeq"`
}

type saveResponse struct {
	Result *session.FlushResult `json:"result"`
	State  session.Snapshot     `json:"state"`
}

type discardResponse struct {
	Discarded int              `json:"discarded"`
	State     session.Snapshot `json:"state"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps recorder errors to HTTP statuses.
func statusFor(err error) int {
	var dispatchErr *session.UploadDispatchError
	switch {
	case errors.Is(err, session.ErrCaptureInFlight),
		errors.Is(err, session.ErrPoolInFlight),
		errors.Is(err, session.ErrQueueBusy),
		errors.Is(err, session.ErrFlushInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyBatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrUnknownLabel):
		return http.StatusNotFound
	case errors.As(err, &dispatchErr):
		return http.StatusBadGateway
	case session.IsDeviceAccess(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", recorderlog.String("path", r.URL.Path), recorderlog.Error(err))
	} else {
		s.log.Debug("request rejected", recorderlog.String("path", r.URL.Path), recorderlog.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleStart handles POST /api/record/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Queue.Start(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.orch.Snapshot())
}

// handlePool handles POST /api/record/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pool.Start(s.ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.orch.Snapshot())
}

// handleLabel handles POST /api/record/label/{label}
func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Queue.CaptureLabel(r.PathValue("label")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.orch.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.orch.Queue.Pause()
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Queue.Resume(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.orch.StopAll()
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

// handleSave handles POST /api/batch/save. The request waits for the backend.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Flusher.Flush(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{Result: res, State: s.orch.Snapshot()})
}

// handleDiscard handles DELETE /api/batch
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if s.orch.Flusher.InFlight() {
		s.writeError(w, r, session.ErrFlushInProgress)
		return
	}
	n := s.orch.Flusher.Discard()
	writeJSON(w, http.StatusOK, discardResponse{Discarded: n, State: s.orch.Snapshot()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

// handleEvents handles GET /api/events?since=N
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a non-negative integer"})
			return
		}
		since = n
	}
	events := s.orch.Events.Since(since)
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, LastSeq: s.orch.Events.LastSeq()})
}

// handleEventStream pushes events over a websocket as they are published.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", recorderlog.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.orch.Events.Subscribe(64)
	defer cancel()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug("event stream closed", recorderlog.Error(err))
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.checks))
		for name, c := range s.checks {
			if err := c.HealthCheck(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}
