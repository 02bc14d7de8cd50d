package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/antonkrylov/xinvoice/internal/invoice"
)

// SSHProvider dials targets with golang.org/x/crypto/ssh.
type SSHProvider struct {
	Logger *slog.Logger
	// Dial defaults to a context-aware TCP dial.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (p *SSHProvider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *SSHProvider) Open(ctx context.Context, t Target) (Session, error) {
	host := strings.TrimSpace(t.Host)
	user := strings.TrimSpace(t.Username)
	if host == "" || user == "" {
		return nil, invoice.Wrap(invoice.ErrConnection, "ssh connect", fmt.Errorf("user or host not configured"))
	}
	auth, method, err := authMethods(t)
	if err != nil {
		return nil, invoice.Wrap(invoice.ErrConnection, "ssh auth", err)
	}
	hostKeys, err := p.hostKeyCallback(t)
	if err != nil {
		return nil, invoice.Wrap(invoice.ErrConnection, "ssh known_hosts", err)
	}
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	port := t.Port
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dial := p.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	}
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, invoice.Wrap(invoice.ErrConnection, "ssh dial "+addr, err)
	}
	// Bound the handshake by the same timeout, then clear it for the session.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, invoice.Wrap(invoice.ErrConnection, "ssh handshake "+addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	p.logger().Debug("ssh connected", "addr", addr, "user", user, "auth", method)
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

// authMethods prefers a key credential over a password.
func authMethods(t Target) ([]ssh.AuthMethod, string, error) {
	if keyFile := strings.TrimSpace(t.KeyFile); keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, "", fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, "", fmt.Errorf("parse key file: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, "key", nil
	}
	password := t.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		// Many enterprise sshd builds only offer keyboard-interactive.
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, "password", nil
}

func (p *SSHProvider) hostKeyCallback(t Target) (ssh.HostKeyCallback, error) {
	if path := strings.TrimSpace(t.KnownHosts); path != "" {
		return knownhosts.New(path)
	}
	p.logger().Warn("known_hosts not configured; accepting host key", "host", t.Host)
	return ssh.InsecureIgnoreHostKey(), nil
}

type sshSession struct {
	client    *ssh.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *sshSession) StartShell(ctx context.Context) (Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 24, 200, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	ch := &sshChannel{sess: sess, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go ch.wait()
	return ch, nil
}

func (s *sshSession) Exec(ctx context.Context, command string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	}
}

func (s *sshSession) Fetch(ctx context.Context, remotePath, localPath string) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()
	if err := writeFileAtomic(localPath, src); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}

type sshChannel struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	exited   chan struct{}
	exitCode int
	exitErr  error

	closeOnce sync.Once
}

func (c *sshChannel) wait() {
	err := c.sess.Wait()
	c.exitCode, c.exitErr = exitStatus(err)
	close(c.exited)
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (c *sshChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *sshChannel) Exited() <-chan struct{}     { return c.exited }

func (c *sshChannel) ExitStatus() (int, error) {
	select {
	case <-c.exited:
		return c.exitCode, c.exitErr
	default:
		return -1, errors.New("process still running")
	}
}

func (c *sshChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		err = c.sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
