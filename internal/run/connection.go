package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antonkrylov/xinvoice/internal/invoice"
)

const (
	connectionProbe   = `echo "Connection successful"`
	connectionMarker  = "Connection successful"
	connectionTimeout = 30 * time.Second
)

// ConnectionResult reports a successful probe.
type ConnectionResult struct {
	Environment string        `json:"environment"`
	Host        string        `json:"host"`
	Auth        string        `json:"auth"`
	Output      string        `json:"output"`
	Elapsed     time.Duration `json:"elapsed"`
}

// TestConnection opens a session to envKey, runs a trivial command and
// closes the session again.
func (c *Coordinator) TestConnection(ctx context.Context, envKey string) (ConnectionResult, error) {
	started := time.Now()
	envKey = strings.TrimSpace(envKey)
	if envKey == "" {
		return ConnectionResult{}, invoice.Wrap(invoice.ErrValidation, "test connection", errors.New("environment is required"))
	}
	env, err := c.cfg.Registry.Lookup(envKey)
	if err != nil {
		return ConnectionResult{}, invoice.Wrap(invoice.ErrValidation, "test connection", fmt.Errorf("%w: %s", invoice.ErrUnknownEnvironment, envKey))
	}
	if err := env.Validate(); err != nil {
		return ConnectionResult{}, invoice.Wrap(invoice.ErrValidation, "test connection", err)
	}
	log := c.logger.With("environment", envKey, "host", env.Host)

	sess, err := c.cfg.Provider.Open(ctx, TargetFor(env, c.defaults))
	if err != nil {
		log.Warn("connection test failed", "err", err)
		if !errors.Is(err, invoice.ErrConnection) {
			err = invoice.Wrap(invoice.ErrConnection, "test connection", err)
		}
		return ConnectionResult{}, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("session close", "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	out, err := sess.Exec(ctx, connectionProbe)
	if err != nil {
		return ConnectionResult{}, invoice.Wrap(invoice.ErrConnection, "test connection", err)
	}
	text := strings.TrimSpace(string(out))
	if !strings.Contains(text, connectionMarker) {
		return ConnectionResult{}, invoice.Wrap(invoice.ErrConnection, "test connection", fmt.Errorf("unexpected probe output %q", text))
	}
	res := ConnectionResult{
		Environment: envKey,
		Host:        env.Host,
		Auth:        env.AuthMethod(),
		Output:      text,
		Elapsed:     time.Since(started),
	}
	log.Info("connection test succeeded", "auth", res.Auth, "elapsed", res.Elapsed.Truncate(time.Millisecond))
	return res, nil
}
