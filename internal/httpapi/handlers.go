package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"analysisd/internal/reports"
	"analysisd/internal/storage"
	"analysisd/internal/task/scheduler"
	"analysisd/pkg/logx"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

type errorBody struct {
	Error string `json:"error"`
}

// httpError carries a status code through a handler's error return.
type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func errStatus(code int, msg string) error { return &httpError{code: code, msg: msg} }

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var he *httpError
		if errors.As(err, &he) {
			writeJSON(w, he.code, errorBody{Error: he.msg})
			return
		}
		s.log.Error("http handler failed",
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) migrationStatus(w http.ResponseWriter, _ *http.Request) error {
	if s.deps.Migrations == nil {
		return errStatus(http.StatusServiceUnavailable, "migrations not configured")
	}
	writeJSON(w, http.StatusOK, s.deps.Migrations.Snapshot())
	return nil
}

// migrate answers 202 when this request dispatched a run and 200 with the
// current status when one was already in flight.
func (s *Server) migrate(w http.ResponseWriter, _ *http.Request) error {
	if s.deps.Migrations == nil {
		return errStatus(http.StatusServiceUnavailable, "migrations not configured")
	}
	code := http.StatusOK
	if s.deps.Migrations.Launch() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, s.deps.Migrations.Snapshot())
	return nil
}

type triggerResponse struct {
	Status   string `json:"status"`
	QueueLen int    `json:"queue_len"`
}

func (s *Server) trigger(w http.ResponseWriter, _ *http.Request) error {
	if s.deps.Computation == nil {
		return errStatus(http.StatusServiceUnavailable, "computation not configured")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		return errStatus(http.StatusTooManyRequests, "trigger rate limited")
	}
	switch err := s.deps.Computation.TriggerNow(); {
	case errors.Is(err, scheduler.ErrQueueFull):
		return errStatus(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return errStatus(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return err
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{Status: "queued", QueueLen: s.deps.Computation.Snapshot().QueueLen})
	return nil
}

func (s *Server) computationStatus(w http.ResponseWriter, _ *http.Request) error {
	if s.deps.Computation == nil {
		return errStatus(http.StatusServiceUnavailable, "computation not configured")
	}
	writeJSON(w, http.StatusOK, s.deps.Computation.Snapshot())
	return nil
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) error {
	if s.deps.Store == nil {
		return errStatus(http.StatusServiceUnavailable, storage.ErrDisabled.Error())
	}
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errStatus(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxRunsLimit)
	}
	out, err := s.deps.Store.RecentRuns(r.Context(), limit)
	if err != nil {
		return err
	}
	if out == nil {
		out = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type submitRequest struct {
	Path string `json:"path"`
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) error {
	if s.deps.Store == nil {
		return errStatus(http.StatusServiceUnavailable, storage.ErrDisabled.Error())
	}
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return errStatus(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	if strings.TrimSpace(req.Path) == "" {
		return errStatus(http.StatusBadRequest, "path required")
	}
	rep, err := reports.Submit(r.Context(), s.deps.Store, req.Path)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) || errors.Is(err, storage.ErrClosed) {
			return errStatus(http.StatusServiceUnavailable, err.Error())
		}
		return errStatus(http.StatusBadRequest, err.Error())
	}
	writeJSON(w, http.StatusCreated, rep)
	return nil
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) error {
	if s.deps.Store == nil {
		return errStatus(http.StatusServiceUnavailable, storage.ErrDisabled.Error())
	}
	rep, err := s.deps.Store.GetReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		return errStatus(http.StatusNotFound, "report not found")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rep)
	return nil
}
