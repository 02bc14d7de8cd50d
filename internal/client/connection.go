package client

import (
	"strings"
	"time"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
)

// DefaultTimeout outlasts the default run deadline.
const DefaultTimeout = 15 * time.Minute

type Connection struct {
	APIAddr    string
	Timeout    time.Duration
	ConfigPath string
	Config     *config.File
}

// ResolveConnection applies, in order of precedence:
// 1) flags (apiAddr, timeout)
// 2) environment (XINVOICE_API_ADDR)
// 3) config file values
// An empty APIAddr afterwards means runs execute in-process.
func ResolveConnection(configPath, apiAddr string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath: configPath,
		APIAddr:    strings.TrimSpace(apiAddr),
		Timeout:    timeout,
	}
	if conn.ConfigPath != "" {
		cfg, err := config.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}
	if conn.Config == nil {
		conn.Config = &config.File{}
	}
	conn.Config.ApplyEnv()
	if conn.APIAddr == "" {
		conn.APIAddr = strings.TrimSpace(conn.Config.APIAddr)
	}
	if conn.Timeout <= 0 {
		conn.Timeout = DefaultTimeout
	}
	return conn, nil
}

// Remote reports whether commands should go through the HTTP API.
func (c *Connection) Remote() bool {
	return c != nil && c.APIAddr != ""
}
