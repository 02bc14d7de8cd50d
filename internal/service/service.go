// Package service assembles a run coordinator from configuration. Both
// binaries share it.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/antonkrylov/xinvoice/internal/artifact"
	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/events"
	"github.com/antonkrylov/xinvoice/internal/remote"
	"github.com/antonkrylov/xinvoice/internal/run"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

// Service owns the coordinator and the connections it depends on.
type Service struct {
	Coordinator *run.Coordinator
	publisher   events.Publisher
}

// Build wires providers, run logs, events and the optional mirror. Optional
// integrations that fail to initialize are logged and skipped.
func Build(cfg *config.File, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &config.File{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var publisher events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.Events.NATSURL) != "" {
		p, err := events.NewNATS(events.Options{
			URL:           cfg.Events.NATSURL,
			User:          cfg.Events.User,
			Password:      cfg.Events.Password,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("run events disabled", "nats_url", cfg.Events.NATSURL, "err", err)
		} else {
			publisher = p
		}
	}

	var mirror artifact.Mirror
	if cfg.ObjectStore.Enabled() {
		m, err := artifact.NewMinioMirror(cfg.ObjectStore)
		if err != nil {
			logger.Warn("artifact mirror disabled", "endpoint", cfg.ObjectStore.Endpoint, "err", err)
		} else {
			mirror = m
		}
	}

	coord, err := run.New(run.Config{
		Registry: cfg.Registry(),
		Provider: remote.Dispatch{
			SSH:   &remote.SSHProvider{Logger: logger},
			Local: &remote.LocalProvider{},
		},
		Logs:        runlog.New(cfg.ResolvedLogDir()),
		DownloadDir: cfg.ResolvedDownloadDir(),
		Publisher:   publisher,
		Mirror:      mirror,
		Logger:      logger,
	})
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	return &Service{Coordinator: coord, publisher: publisher}, nil
}

func (s *Service) Close() {
	if s != nil && s.publisher != nil {
		s.publisher.Close()
	}
}

// ParseLevel maps debug|info|warn|error. Unknown values report ok=false and info.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger builds the process logger on stderr.
func NewLogger(jsonOutput bool, level string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	if !ok {
		logger.Warn("unknown log level (expected debug|info|warn|error); defaulting to info", "level", level)
	}
	return logger
}
