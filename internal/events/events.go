// Package events publishes run outcomes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/xinvoice/internal/invoice"
)

// Event is the JSON payload for one finished run.
type Event struct {
	RunID       string    `json:"run_id"`
	Environment string    `json:"environment"`
	InvoiceType string    `json:"invoice_type"`
	AccountNo   string    `json:"account_no"`
	Success     bool      `json:"success"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Status      string    `json:"status"`
	Artifact    string    `json:"artifact,omitempty"`
	Mirror      string    `json:"mirror,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	LogFile     string    `json:"log_file,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func FromOutcome(o invoice.Outcome) Event {
	return Event{
		RunID:       o.RunID,
		Environment: o.Request.Environment,
		InvoiceType: string(o.Request.Kind),
		AccountNo:   o.Request.AccountNo,
		Success:     o.Success,
		ExitCode:    o.ExitCode,
		Status:      o.Status,
		Artifact:    o.Artifact,
		Mirror:      o.Mirror,
		Warnings:    append([]string(nil), o.Warnings...),
		Error:       o.ErrorText(),
		ErrorKind:   invoice.KindOf(o.Err),
		LogFile:     o.LogFile,
		StartedAt:   o.StartedAt,
		FinishedAt:  o.StartedAt.Add(o.Elapsed),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// Options describe the NATS JetStream target.
type Options struct {
	URL           string
	User          string
	Password      string
	SubjectPrefix string
	Stream        string
	MaxBytes      int64
	DupeWindow    time.Duration
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "events"
	}
	if o.Stream == "" {
		o.Stream = "xinvoice_runs"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NATS publishes events into a JetStream stream keyed by run id.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	opts Options
}

func NewNATS(opts Options) (*NATS, error) {
	opts.setDefaults()
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("xinvoice"), nats.Timeout(5 * time.Second)}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := &NATS{conn: conn, js: js, opts: opts}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}
	return p, nil
}

func (p *NATS) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       p.opts.Stream,
		Subjects:   []string{p.opts.SubjectPrefix + ".invoice.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   p.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: p.opts.DupeWindow,
	}
	if _, err := p.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, err = p.js.AddStream(cfg)
		}
		return err
	}
	_, err := p.js.UpdateStream(cfg)
	return err
}

func (p *NATS) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := Subject(p.opts.SubjectPrefix, ev)
	if _, err := p.js.Publish(subject, payload, nats.MsgId("run:"+ev.RunID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.opts.Logger.Debug("run event published", "subject", subject, "run_id", ev.RunID)
	return nil
}

func (p *NATS) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}

var reSubjectToken = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Subject is <prefix>.invoice.<environment>.<succeeded|failed>.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = "events"
	}
	env := reSubjectToken.ReplaceAllString(ev.Environment, "_")
	if env == "" {
		env = "unknown"
	}
	result := "failed"
	if ev.Success {
		result = "succeeded"
	}
	return fmt.Sprintf("%s.invoice.%s.%s", prefix, env, result)
}
