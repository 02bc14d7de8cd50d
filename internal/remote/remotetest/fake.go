// Package remotetest provides in-memory fakes of the remote interfaces.
package remotetest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/antonkrylov/xinvoice/internal/remote"
)

// Channel is a scripted interactive channel. OnInput fires (in its own
// goroutine) when the second line, the scripted input, is written.
type Channel struct {
	OnInput func(c *Channel, line string)

	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	writes []string

	exited   chan struct{}
	exitOnce sync.Once
	code     int

	closes atomic.Int32
}

func NewChannel(onInput func(c *Channel, line string)) *Channel {
	pr, pw := io.Pipe()
	return &Channel{OnInput: onInput, pr: pr, pw: pw, exited: make(chan struct{})}
}

func (c *Channel) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, string(p))
	n := len(c.writes)
	c.mu.Unlock()
	if n == 2 && c.OnInput != nil {
		go c.OnInput(c, strings.TrimSuffix(string(p), "\n"))
	}
	return len(p), nil
}

// Emit makes s readable; it blocks until consumed or the channel is closed.
func (c *Channel) Emit(s string) {
	_, _ = c.pw.Write([]byte(s))
}

// Exit reports completion with code.
func (c *Channel) Exit(code int) {
	c.exitOnce.Do(func() {
		c.code = code
		_ = c.pw.Close()
		close(c.exited)
	})
}

func (c *Channel) Exited() <-chan struct{} { return c.exited }

func (c *Channel) ExitStatus() (int, error) {
	select {
	case <-c.exited:
		return c.code, nil
	default:
		return -1, errors.New("process still running")
	}
}

func (c *Channel) Close() error {
	c.closes.Add(1)
	_ = c.pr.CloseWithError(io.EOF)
	return nil
}

func (c *Channel) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *Channel) Closes() int { return int(c.closes.Load()) }

// Session records every call. Fetch writes FetchContent to the local path
// unless FetchFunc is set.
type Session struct {
	Channel      *Channel
	StartErr     error
	ExecFunc     func(command string) ([]byte, error)
	FetchFunc    func(remotePath, localPath string) error
	FetchContent string
	// PanicOnExec simulates an unexpected fault mid-flow.
	PanicOnExec bool

	mu      sync.Mutex
	execs   []string
	fetches [][2]string
	closes  atomic.Int32
}

func (s *Session) StartShell(ctx context.Context) (remote.Channel, error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	return s.Channel, nil
}

func (s *Session) Exec(ctx context.Context, command string) ([]byte, error) {
	s.mu.Lock()
	s.execs = append(s.execs, command)
	s.mu.Unlock()
	if s.PanicOnExec {
		panic("remotetest: exec fault")
	}
	if s.ExecFunc == nil {
		return nil, nil
	}
	return s.ExecFunc(command)
}

func (s *Session) Fetch(ctx context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	s.fetches = append(s.fetches, [2]string{remotePath, localPath})
	s.mu.Unlock()
	if s.FetchFunc != nil {
		return s.FetchFunc(remotePath, localPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(s.FetchContent), 0o644)
}

func (s *Session) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *Session) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *Session) Fetches() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.fetches...)
}

func (s *Session) Closes() int { return int(s.closes.Load()) }

// Provider hands out Session or fails with OpenErr.
type Provider struct {
	Session *Session
	OpenErr error

	mu      sync.Mutex
	targets []remote.Target
}

func (p *Provider) Open(ctx context.Context, t remote.Target) (remote.Session, error) {
	p.mu.Lock()
	p.targets = append(p.targets, t)
	p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return p.Session, nil
}

func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

func (p *Provider) Targets() []remote.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]remote.Target(nil), p.targets...)
}
