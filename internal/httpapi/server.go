// Package httpapi exposes the run coordinator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/run"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

const maxBodyBytes = 64 << 10

type Server struct {
	coord  *run.Coordinator
	logger *slog.Logger
	router chi.Router
}

func New(coord *run.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{coord: coord, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/environments", s.handleEnvironments)
	r.Post("/generate_invoice", s.handleGenerate)
	r.Post("/test_connection", s.handleTestConnection)
	r.Route("/logs", func(r chi.Router) {
		r.Get("/", s.handleLogList)
		r.Get("/{name}", s.handleLogView)
		r.Get("/{name}/transcript", s.handleTranscript)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).Truncate(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EnvironmentItem is one entry of GET /environments.
type EnvironmentItem struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	reg := s.coord.Registry()
	items := make([]EnvironmentItem, 0)
	for _, key := range reg.Keys() {
		env, err := reg.Lookup(key)
		if err != nil {
			continue
		}
		items = append(items, EnvironmentItem{Key: key, Name: env.DisplayName()})
	}
	writeJSON(w, http.StatusOK, items)
}

// GenerateResponse is the body of POST /generate_invoice.
type GenerateResponse struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Output     string   `json:"output"`
	LogFile    string   `json:"log_file"`
	RunID      string   `json:"run_id,omitempty"`
	Status     string   `json:"status,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
	Artifact   string   `json:"artifact,omitempty"`
	LocalPath  string   `json:"local_path,omitempty"`
	Mirror     string   `json:"mirror,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// GenerateRequest is the body of POST /generate_invoice. The optional fields
// narrow a single run.
type GenerateRequest struct {
	invoice.Request
	NoFetch         bool `json:"no_fetch,omitempty"`
	DeadlineSeconds int  `json:"deadline_seconds,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{Message: "Invalid request body: " + err.Error()})
		return
	}
	opts := run.Options{NoFetch: req.NoFetch}
	if req.DeadlineSeconds > 0 {
		opts.Deadline = time.Duration(req.DeadlineSeconds) * time.Second
		// The server's WriteTimeout is sized for the configured deadline.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(opts.Deadline + 2*time.Minute))
	}
	// A disconnecting client does not abort the run; only its deadline does.
	out := s.coord.Run(context.WithoutCancel(r.Context()), req.Request, opts)
	writeJSON(w, statusFor(out.Err), ResponseFromOutcome(out))
}

// ResponseFromOutcome maps a run outcome onto the wire shape.
func ResponseFromOutcome(out invoice.Outcome) GenerateResponse {
	return GenerateResponse{
		Success:    out.Success,
		Message:    out.Message,
		Output:     out.Output,
		LogFile:    out.LogFile,
		RunID:      out.RunID,
		Status:     out.Status,
		ExitCode:   out.ExitCode,
		Identifier: out.Identifier,
		Artifact:   out.Artifact,
		LocalPath:  out.LocalPath,
		Mirror:     out.Mirror,
		Warnings:   out.Warnings,
	}
}

type connectionRequest struct {
	Environment string `json:"environment"`
}

// ConnectionResponse is the body of POST /test_connection.
type ConnectionResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Host    string  `json:"host,omitempty"`
	Auth    string  `json:"auth,omitempty"`
	Elapsed float64 `json:"elapsed_seconds,omitempty"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ConnectionResponse{Message: "Invalid request body: " + err.Error()})
		return
	}
	res, err := s.coord.TestConnection(r.Context(), req.Environment)
	if err != nil {
		writeJSON(w, statusFor(err), ConnectionResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{
		Success: true,
		Message: "Connection successful!",
		Host:    res.Host,
		Auth:    res.Auth,
		Elapsed: res.Elapsed.Seconds(),
	})
}

func (s *Server) handleLogList(w http.ResponseWriter, r *http.Request) {
	logs := s.coord.Logs()
	if logs == nil {
		writeJSON(w, http.StatusOK, []runlog.Entry{})
		return
	}
	limit := runlog.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := logs.List(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading logs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogView(w http.ResponseWriter, r *http.Request) {
	logs := s.coord.Logs()
	if logs == nil {
		http.Error(w, "Log file not found", http.StatusNotFound)
		return
	}
	data, err := logs.Read(logName(r))
	if err != nil {
		writeLogError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	logs := s.coord.Logs()
	if logs == nil {
		http.Error(w, "Log file not found", http.StatusNotFound)
		return
	}
	text, err := logs.ReadTranscript(logName(r))
	if err != nil {
		writeLogError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}

func logName(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

func writeLogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runlog.ErrForbidden):
		http.Error(w, "Invalid log file", http.StatusForbidden)
	case errors.Is(err, runlog.ErrNotFound):
		http.Error(w, "Log file not found", http.StatusNotFound)
	default:
		http.Error(w, fmt.Sprintf("Error reading log: %v", err), http.StatusInternalServerError)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, invoice.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
