package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// LocalProvider runs targets on this machine under a pseudo-terminal. Used
// for development environments and for exercising the driver without sshd.
type LocalProvider struct {
	// Shell defaults to /bin/sh.
	Shell string
}

func (p *LocalProvider) Open(ctx context.Context, t Target) (Session, error) {
	shell := p.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &localSession{shell: shell}, nil
}

type localSession struct {
	shell string

	mu       sync.Mutex
	channels []*ptyChannel
	closed   bool
}

func (s *localSession) StartShell(ctx context.Context) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	ws := &pty.Winsize{Cols: 200, Rows: 24}
	cmd := exec.Command(s.shell)
	f, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms/Go versions reject Setctty; a pty without a controlling
		// terminal is enough for scripted input.
		cmd = exec.Command(s.shell)
		f, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	ch := &ptyChannel{cmd: cmd, f: f, exited: make(chan struct{})}
	go ch.wait()
	s.channels = append(s.channels, ch)
	return ch, nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func (s *localSession) Exec(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, s.shell, "-c", command).CombinedOutput()
}

func (s *localSession) Fetch(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()
	return writeFileAtomic(localPath, src)
}

func (s *localSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.channels {
		_ = ch.Close()
	}
	return nil
}

type ptyChannel struct {
	cmd *exec.Cmd
	f   *os.File

	exited   chan struct{}
	exitCode int
	exitErr  error

	closeOnce sync.Once
}

func (c *ptyChannel) wait() {
	err := c.cmd.Wait()
	c.exitCode, c.exitErr = localExitStatus(err)
	close(c.exited)
}

func localExitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (c *ptyChannel) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	// Linux reports EIO on the master once the slave side is gone.
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (c *ptyChannel) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *ptyChannel) Exited() <-chan struct{}     { return c.exited }

func (c *ptyChannel) ExitStatus() (int, error) {
	select {
	case <-c.exited:
		return c.exitCode, c.exitErr
	default:
		return -1, errors.New("process still running")
	}
}

func (c *ptyChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.f.Close()
	})
	return err
}
