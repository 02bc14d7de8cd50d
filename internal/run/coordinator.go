// Package run sequences one invoice request end to end: validate, connect,
// drive the script, classify, locate and fetch the artifact, close.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/xinvoice/internal/artifact"
	"github.com/antonkrylov/xinvoice/internal/classify"
	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/driver"
	"github.com/antonkrylov/xinvoice/internal/events"
	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/locator"
	"github.com/antonkrylov/xinvoice/internal/remote"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

// Phase of one coordinated run.
type Phase int

const (
	Validating Phase = iota
	Connecting
	Executing
	Classifying
	Locating
	Fetching
	Closing
	Done
)

func (p Phase) String() string {
	switch p {
	case Validating:
		return "validating"
	case Connecting:
		return "connecting"
	case Executing:
		return "executing"
	case Classifying:
		return "classifying"
	case Locating:
		return "locating"
	case Fetching:
		return "fetching"
	case Closing:
		return "closing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config wires a Coordinator. Registry and Provider are required.
type Config struct {
	Registry    *config.Registry
	Provider    remote.Provider
	Logs        *runlog.Dir
	DownloadDir string
	Publisher   events.Publisher
	Mirror      artifact.Mirror
	Logger      *slog.Logger
}

// Coordinator is safe for concurrent use; runs share no session state.
type Coordinator struct {
	cfg        Config
	defaults   config.Defaults
	classifier *classify.Classifier
	logger     *slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("session provider is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaults := cfg.Registry.Defaults()
	classifier, err := classify.New(defaults.IdentifierPatterns...)
	if err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg, defaults: defaults, classifier: classifier, logger: cfg.Logger}, nil
}

func (c *Coordinator) Registry() *config.Registry { return c.cfg.Registry }

func (c *Coordinator) Logs() *runlog.Dir { return c.cfg.Logs }

// Options adjust a single run.
type Options struct {
	// Deadline overrides the configured drain deadline.
	Deadline time.Duration
	NoFetch  bool
	OnPhase  func(Phase)
}

// Run executes req once. It never retries and always returns an outcome;
// Outcome.Success is true iff the script exited 0.
func (c *Coordinator) Run(ctx context.Context, req invoice.Request, opts Options) invoice.Outcome {
	out := invoice.Outcome{
		RunID:     uuid.NewString(),
		Request:   req.Normalize(),
		StartedAt: time.Now(),
	}
	r := &attempt{c: c, opts: opts, out: &out, log: c.logger.With("run_id", out.RunID)}
	r.openLog()
	r.execute(ctx)
	r.enter(Done)
	out.Elapsed = time.Since(out.StartedAt)
	r.finish(ctx)
	return out
}

type attempt struct {
	c    *Coordinator
	opts Options
	out  *invoice.Outcome
	log  *slog.Logger

	runLog *runlog.Run
	env    config.Environment
	phase  Phase
}

func (r *attempt) enter(p Phase) {
	r.phase = p
	r.log.Debug("run phase", "phase", p.String())
	if r.opts.OnPhase != nil {
		r.opts.OnPhase(p)
	}
}

func (r *attempt) openLog() {
	if r.c.cfg.Logs == nil {
		return
	}
	rl, err := r.c.cfg.Logs.Create(r.c.logger.Handler())
	if err != nil {
		r.c.logger.Warn("run log unavailable", "run_id", r.out.RunID, "err", err)
		return
	}
	r.runLog = rl
	r.log = rl.Logger.With("run_id", r.out.RunID)
	r.out.LogFile = rl.Name
}

func (r *attempt) fail(err error, message string) {
	r.out.Success = false
	r.out.Err = err
	r.out.Message = message
	r.log.Error(message, "kind", invoice.KindOf(err), "err", err)
}

func (r *attempt) execute(ctx context.Context) {
	req := r.out.Request
	r.enter(Validating)
	r.log.Info("invoice generation started", "environment", req.Environment, "invoice_type", string(req.Kind), "account_no", req.AccountNo)
	if err := req.Validate(); err != nil {
		r.fail(err, validationMessage(err))
		r.out.Status = "rejected"
		return
	}
	kind, _ := invoice.ParseKind(string(req.Kind))
	req.Kind = kind
	r.out.Request = req

	env, err := r.c.cfg.Registry.Lookup(req.Environment)
	if err != nil {
		r.fail(invoice.Wrap(invoice.ErrValidation, "resolve environment", fmt.Errorf("%w: %s", invoice.ErrUnknownEnvironment, req.Environment)),
			"Unknown environment: "+req.Environment)
		r.out.Status = "rejected"
		return
	}
	r.env = env
	script, ok := env.ScriptPath(kind)
	if !ok {
		r.fail(invoice.Wrap(invoice.ErrValidation, "resolve script", fmt.Errorf("%w for %s", invoice.ErrScriptNotConfigured, kind)),
			fmt.Sprintf("Script path not configured for %s", kind))
		r.out.Status = "rejected"
		return
	}
	r.log.Info("server connection details",
		"host", env.Host, "port", env.PortOrDefault(), "username", env.Username,
		"auth", env.AuthMethod(), "script", script, "output_path", env.OutputPath)

	r.enter(Connecting)
	if err := env.Validate(); err != nil {
		r.fail(invoice.Wrap(invoice.ErrConnection, "validate target", err), "Script execution failed: "+err.Error())
		r.out.Status = "connection_failed"
		return
	}
	sess, err := r.c.cfg.Provider.Open(ctx, TargetFor(env, r.c.defaults))
	if err != nil {
		if !errors.Is(err, invoice.ErrConnection) {
			err = invoice.Wrap(invoice.ErrConnection, "open session", err)
		}
		r.fail(err, "SSH connection failed: "+err.Error())
		r.out.Status = "connection_failed"
		return
	}
	r.log.Info("session established", "host", env.Host)

	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			r.enter(Closing)
			if err := sess.Close(); err != nil {
				r.log.Warn("session close", "err", err)
				return
			}
			r.log.Info("session closed")
		})
	}
	defer closeSession()
	defer func() {
		if p := recover(); p != nil {
			r.fault(p)
		}
	}()

	r.drive(ctx, sess, script)
}

func (r *attempt) drive(ctx context.Context, sess remote.Session, script string) {
	env, req := r.env, r.out.Request
	r.enter(Executing)
	deadline := r.opts.Deadline
	if deadline <= 0 {
		deadline = r.c.defaults.Deadline.Or(driver.DefaultDeadline)
	}
	d := driver.New(driver.Options{
		PromptGrace: r.c.defaults.PromptGrace.Or(driver.DefaultPromptGrace),
		Deadline:    deadline,
		FinalDrain:  r.c.defaults.FinalDrain.Or(driver.DefaultFinalDrain),
		Logger:      r.log,
	})
	r.log.Info("executing script", "command", driver.LaunchCommand(script), "deadline", deadline)
	tr, st := d.Run(ctx, sess, script, req.AccountNo, deadline)
	r.out.Output = tr.Output
	r.out.Status = st.Kind.String()
	if st.Kind == driver.Completed {
		code := st.ExitCode
		r.out.ExitCode = &code
	}
	r.log.Info("script finished", "status", st.Kind.String(), "exit_code", tr.ExitCode, "elapsed", tr.Elapsed.Truncate(time.Millisecond))
	r.log.Debug("script output", "output", tr.Output)

	r.enter(Classifying)
	res := r.c.classifier.Classify(tr, st)
	r.out.Identifier = res.Identifier
	for _, line := range res.Diagnostics {
		r.log.Warn("script reported", "line", line)
	}
	if !res.Success {
		msg := "Script execution failed: " + st.Err.Error()
		if len(res.Diagnostics) > 0 {
			msg += " (" + res.Diagnostics[0] + ")"
		}
		r.fail(st.Err, msg)
		if st.Kind == driver.Completed && env.LogPath != "" {
			r.tailRemoteLog(ctx, sess)
		}
		return
	}
	r.out.Success = true
	r.out.Message = fmt.Sprintf("%s invoice for %s environment generated successfully. Email sent by script.", req.Kind, req.Environment)
	if res.Identifier != "" {
		r.log.Info("external id extracted", "external_id", res.Identifier)
	} else {
		r.log.Info("no external id in output")
	}

	if r.opts.NoFetch || !r.c.cfg.Registry.FetchArtifact(env) {
		return
	}
	if strings.TrimSpace(env.OutputPath) == "" {
		r.warn("Output path not configured; artifact not downloaded", nil)
		return
	}
	r.enter(Locating)
	loc := locator.New(locator.Options{
		Extension:     r.c.defaults.OutputExtension,
		RecencyWindow: r.c.defaults.RecencyWindow.Or(locator.DefaultRecencyWindow),
		Limit:         r.c.defaults.CandidateLimit,
		Logger:        r.log,
	})
	found, err := loc.Locate(ctx, sess, env.OutputPath, res.Identifier)
	if err != nil {
		r.setback(tag(invoice.ErrLocator, "locate artifact", err), "Invoice file not located: "+err.Error())
		return
	}
	r.out.Artifact = found.Path
	if found.Warning != "" {
		r.warn(found.Warning, nil)
	}

	r.enter(Fetching)
	r.fetch(ctx, sess, found.Path)
}

func (r *attempt) fetch(ctx context.Context, sess remote.Session, remotePath string) {
	if r.c.cfg.DownloadDir == "" {
		return
	}
	f := &artifact.Fetcher{Dir: r.c.cfg.DownloadDir, Logger: r.log}
	var local string
	if r.runLog != nil {
		local = f.LocalPath(r.runLog.Stamp, r.runLog.Seq, remotePath)
	} else {
		// Without a run log there is no sequence; the run id keeps names unique.
		local = f.TaggedPath(time.Now().Format("20060102150405"), r.out.RunID, remotePath)
	}
	if err := f.Fetch(ctx, sess, remotePath, local); err != nil {
		r.setback(tag(invoice.ErrFetch, "fetch artifact", err), "Failed to download file: "+err.Error())
		return
	}
	r.out.LocalPath = local
	if r.c.cfg.Mirror == nil {
		return
	}
	loc, err := r.c.cfg.Mirror.Upload(ctx, r.out.Request.Environment, r.out.RunID, local)
	if err != nil {
		r.setback(tag(invoice.ErrFetch, "mirror artifact", err), "Failed to mirror file: "+err.Error())
		return
	}
	r.out.Mirror = loc
	r.log.Info("artifact mirrored", "location", loc)
}

func (r *attempt) warn(msg string, err error) {
	r.out.Warn(msg)
	if err != nil {
		r.log.Warn(msg, "kind", invoice.KindOf(err))
		return
	}
	r.log.Warn(msg)
}

// setback records err as a failure or, when it cannot flip success, as a
// warning.
func (r *attempt) setback(err error, msg string) {
	if invoice.Fatal(err) {
		r.fail(err, msg)
		return
	}
	r.warn(msg, err)
}

// fault turns a recovered panic into an error of the current phase. Faults
// after a successful script only degrade the outcome.
func (r *attempt) fault(p any) {
	cause := fmt.Errorf("unexpected fault: %v", p)
	var err error
	switch r.phase {
	case Locating:
		err = invoice.Wrap(invoice.ErrLocator, "locate artifact", cause)
	case Fetching:
		err = invoice.Wrap(invoice.ErrFetch, "fetch artifact", cause)
	default:
		err = invoice.Wrap(invoice.ErrExecution, "run", cause)
	}
	r.log.Error("run fault", "phase", r.phase.String(), "panic", fmt.Sprint(p))
	if r.out.Success && !invoice.Fatal(err) {
		r.warn(fmt.Sprintf("Unexpected error while %s: %v", r.phase, p), err)
		return
	}
	r.fail(err, fmt.Sprintf("Unexpected error: %v", p))
	r.out.Status = "fault"
}

// tag gives err the kind unless it already carries it.
func tag(kind error, op string, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return invoice.Wrap(kind, op, err)
}

// tailRemoteLog copies the newest remote script log into the run log.
func (r *attempt) tailRemoteLog(ctx context.Context, sess remote.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	file, tail, err := locator.TailLatestLog(ctx, sess, r.env.LogPath, locator.DefaultTailLines)
	if err != nil {
		r.log.Warn("remote log unavailable", "log_path", r.env.LogPath, "err", err)
		return
	}
	r.log.Info("remote log tail", "file", file, "tail", tail)
}

func (r *attempt) finish(ctx context.Context) {
	if r.out.Success {
		r.log.Info("invoice generation completed", "elapsed", r.out.Elapsed.Truncate(time.Millisecond), "warnings", len(r.out.Warnings))
	} else {
		r.log.Info("invoice generation failed", "elapsed", r.out.Elapsed.Truncate(time.Millisecond))
	}
	if r.runLog != nil {
		if r.out.Output != "" {
			if p, err := r.runLog.ArchiveTranscript(r.out.Output); err != nil {
				r.log.Warn("transcript archive failed", "err", err)
			} else {
				r.log.Debug("transcript archived", "path", p)
			}
		}
		if err := r.runLog.Close(); err != nil {
			r.c.logger.Warn("run log close", "run_id", r.out.RunID, "err", err)
		}
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.c.cfg.Publisher.Publish(pubCtx, events.FromOutcome(*r.out)); err != nil {
		r.c.logger.Warn("run event not published", "run_id", r.out.RunID, "err", err)
	}
}

// validationMessage capitalizes the cause for operators.
func validationMessage(err error) string {
	var ie *invoice.Error
	msg := err.Error()
	if errors.As(err, &ie) && ie.Err != nil {
		msg = ie.Err.Error()
	}
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// TargetFor builds the connection target for env.
func TargetFor(env config.Environment, defaults config.Defaults) remote.Target {
	keyFile := env.KeyFile
	if strings.TrimSpace(keyFile) != "" {
		if p, err := config.ExpandPath(keyFile); err == nil {
			keyFile = p
		}
	}
	return remote.Target{
		Name:           env.Key,
		Host:           env.Host,
		Port:           env.PortOrDefault(),
		Username:       env.Username,
		Password:       env.ResolvedPassword(),
		KeyFile:        keyFile,
		KnownHosts:     env.KnownHosts,
		Local:          env.Local,
		ConnectTimeout: defaults.ConnectTimeout.Or(10 * time.Second),
	}
}
