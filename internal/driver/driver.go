// Package driver runs an interactive remote script non-interactively: it
// launches the script in a shell, waits a fixed grace period for the prompt,
// types one input line and collects output until the process exits or the
// deadline elapses.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/remote"
)

// State of one driven run.
type State int

const (
	Starting State = iota
	AwaitingPrompt
	InputSent
	Draining
	Finished
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case AwaitingPrompt:
		return "awaiting_prompt"
	case InputSent:
		return "input_sent"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatusKind is the terminal classification of the channel.
type StatusKind int

const (
	Completed StatusKind = iota
	TimedOut
	ChannelError
)

func (k StatusKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case ChannelError:
		return "channel_error"
	default:
		return fmt.Sprintf("status(%d)", int(k))
	}
}

// Status is Completed(ExitCode), TimedOut or ChannelError. Err is nil only for
// Completed with exit code 0.
type Status struct {
	Kind     StatusKind
	ExitCode int
	Err      error
}

func (s Status) Succeeded() bool { return s.Kind == Completed && s.ExitCode == 0 }

// Transcript is immutable once Run returns.
type Transcript struct {
	Output    string
	ExitCode  int
	Elapsed   time.Duration
	Truncated int64
}

const (
	DefaultPromptGrace   = 2 * time.Second
	DefaultDeadline      = 10 * time.Minute
	DefaultFinalDrain    = 2 * time.Second
	DefaultMaxTranscript = 16 << 20
)

type Options struct {
	// PromptGrace is how long to wait after launching before typing input.
	// The script's prompt is not detected; see DESIGN.md.
	PromptGrace time.Duration
	// Deadline bounds the draining phase.
	Deadline time.Duration
	// FinalDrain bounds the wait for trailing bytes after the process exits.
	FinalDrain    time.Duration
	MaxTranscript int
	Logger        *slog.Logger
	// OnState observes state transitions.
	OnState func(State)
}

type Driver struct {
	opts Options
}

func New(opts Options) *Driver {
	if opts.PromptGrace <= 0 {
		opts.PromptGrace = DefaultPromptGrace
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.FinalDrain <= 0 {
		opts.FinalDrain = DefaultFinalDrain
	}
	if opts.MaxTranscript <= 0 {
		opts.MaxTranscript = DefaultMaxTranscript
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{opts: opts}
}

// LaunchCommand is the line typed into the shell. The shell exits with the
// script's status so completion is observable on the channel.
func LaunchCommand(scriptPath string) string {
	return "bash " + remote.ShellQuote(scriptPath) + "; exit $?"
}

// Run drives scriptPath on sess. deadline <= 0 uses the configured default.
func (d *Driver) Run(ctx context.Context, sess remote.Session, scriptPath, inputLine string, deadline time.Duration) (Transcript, Status) {
	if deadline <= 0 {
		deadline = d.opts.Deadline
	}
	r := &run{d: d, started: time.Now()}
	status := r.drive(ctx, sess, scriptPath, inputLine, deadline)
	r.enter(Finished)
	return r.transcript(status), status
}

type run struct {
	d       *Driver
	started time.Time
	buf     bytes.Buffer
	dropped int64
}

func (r *run) enter(s State) {
	r.d.opts.Logger.Debug("driver state", "state", s.String(), "elapsed", time.Since(r.started).Truncate(time.Millisecond))
	if r.d.opts.OnState != nil {
		r.d.opts.OnState(s)
	}
}

func (r *run) append(p []byte) {
	room := r.d.opts.MaxTranscript - r.buf.Len()
	if room <= 0 {
		r.dropped += int64(len(p))
		return
	}
	if len(p) > room {
		r.dropped += int64(len(p) - room)
		p = p[:room]
	}
	r.buf.Write(p)
}

func (r *run) transcript(st Status) Transcript {
	out := strings.ToValidUTF8(r.buf.String(), "")
	out = strings.ReplaceAll(out, "\r\n", "\n")
	if r.dropped > 0 {
		out += fmt.Sprintf("\n[output truncated: %d bytes dropped]\n", r.dropped)
	}
	code := st.ExitCode
	if st.Kind != Completed {
		code = -1
	}
	return Transcript{
		Output:    out,
		ExitCode:  code,
		Elapsed:   time.Since(r.started),
		Truncated: r.dropped,
	}
}

func (r *run) drive(ctx context.Context, sess remote.Session, scriptPath, inputLine string, deadline time.Duration) Status {
	r.enter(Starting)
	ch, err := sess.StartShell(ctx)
	if err != nil {
		return channelError("start shell", err)
	}
	// Closing the channel unblocks the reader goroutine on every exit path.
	var closeOnce sync.Once
	closeChannel := func() {
		closeOnce.Do(func() {
			if err := ch.Close(); err != nil {
				r.d.opts.Logger.Debug("channel close", "err", err)
			}
		})
	}
	defer closeChannel()

	stop := make(chan struct{})
	defer close(stop)
	chunks, readErr := pump(ch, stop)

	if _, err := io.WriteString(ch, LaunchCommand(scriptPath)+"\n"); err != nil {
		return channelError("send command", err)
	}

	r.enter(AwaitingPrompt)
	grace := time.NewTimer(r.d.opts.PromptGrace)
	defer grace.Stop()
waitPrompt:
	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			r.append(data)
		case <-grace.C:
			break waitPrompt
		case <-ch.Exited():
			// Script ended before asking for input; report what it said.
			return r.finish(ch, chunks)
		case <-ctx.Done():
			return r.canceled(ctx)
		}
	}

	if _, err := io.WriteString(ch, inputLine+"\n"); err != nil {
		return channelError("send input", err)
	}
	r.enter(InputSent)

	r.enter(Draining)
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				chunks = nil
				if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
					select {
					case <-ch.Exited():
						return r.finish(ch, nil)
					default:
						return channelError("read output", err)
					}
				}
				continue
			}
			r.append(data)
		case <-ch.Exited():
			return r.finish(ch, chunks)
		case <-timer.C:
			closeChannel()
			r.append([]byte(fmt.Sprintf("\n[Timeout: no completion after %s]\n", deadline)))
			return Status{
				Kind:     TimedOut,
				ExitCode: -1,
				Err:      invoice.Wrap(invoice.ErrTimeout, "drain output", fmt.Errorf("script did not complete within %s", deadline)),
			}
		case <-ctx.Done():
			closeChannel()
			return r.canceled(ctx)
		}
	}
}

// finish drains trailing buffered bytes once more, bounded by FinalDrain.
func (r *run) finish(ch remote.Channel, chunks <-chan []byte) Status {
	if chunks != nil {
		t := time.NewTimer(r.d.opts.FinalDrain)
		defer t.Stop()
	drain:
		for {
			select {
			case data, ok := <-chunks:
				if !ok {
					break drain
				}
				r.append(data)
			case <-t.C:
				break drain
			}
		}
	}
	code, err := ch.ExitStatus()
	if err != nil {
		return channelError("exit status", err)
	}
	st := Status{Kind: Completed, ExitCode: code}
	if code != 0 {
		st.Err = invoice.Wrap(invoice.ErrExecution, "run script", fmt.Errorf("script exited with code %d", code))
	}
	return st
}

func (r *run) canceled(ctx context.Context) Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.append([]byte("\n[Timeout: caller deadline exceeded]\n"))
		return Status{Kind: TimedOut, ExitCode: -1, Err: invoice.Wrap(invoice.ErrTimeout, "drain output", ctx.Err())}
	}
	return channelError("drain output", ctx.Err())
}

func channelError(op string, err error) Status {
	return Status{Kind: ChannelError, ExitCode: -1, Err: invoice.Wrap(invoice.ErrExecution, op, err)}
}

// pump copies channel reads onto a chunk stream until EOF, error or stop.
// The terminal read error is sent on the error channel before chunks closes.
func pump(r io.Reader, stop <-chan struct{}) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- data:
				case <-stop:
					errc <- io.EOF
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return chunks, errc
}
