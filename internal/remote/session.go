package remote

import (
	"context"
	"io"
	"time"
)

// Target identifies where and how to connect. Immutable per run.
type Target struct {
	Name           string
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHosts     string
	Local          bool
	ConnectTimeout time.Duration
}

// Provider opens authenticated sessions. A single attempt per call.
type Provider interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// Session is an open channel to one target. Close is safe to call more than once.
type Session interface {
	// StartShell opens an interactive shell on a pseudo-terminal.
	StartShell(ctx context.Context) (Channel, error)
	// Exec runs a non-interactive command and returns combined output.
	Exec(ctx context.Context, command string) ([]byte, error)
	// Fetch copies remotePath to localPath over the same session.
	Fetch(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// Channel is the interactive terminal stream of a running shell.
type Channel interface {
	io.Reader
	io.Writer
	// Exited is closed once the remote process reported completion.
	Exited() <-chan struct{}
	// ExitStatus is meaningful after Exited is closed.
	ExitStatus() (int, error)
	Close() error
}

const defaultConnectTimeout = 10 * time.Second

// Dispatch routes local targets to Local and everything else to SSH.
type Dispatch struct {
	SSH   Provider
	Local Provider
}

func (d Dispatch) Open(ctx context.Context, target Target) (Session, error) {
	if target.Local && d.Local != nil {
		return d.Local.Open(ctx, target)
	}
	return d.SSH.Open(ctx, target)
}
