package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/client"
	"github.com/antonkrylov/xinvoice/internal/service"
)

// errRunFailed signals a completed command whose result was a failure. The
// details were already printed.
var errRunFailed = errors.New("run failed")

type rootOptions struct {
	apiAddr    string
	timeout    time.Duration
	configPath string
	local      bool
	logLevel   string
	logJSON    bool
	conn       *client.Connection
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.apiAddr, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	r.apiAddr = resolved.APIAddr
	r.timeout = resolved.Timeout
	return nil
}

func (r *rootOptions) remote() bool {
	return !r.local && r.conn.Remote()
}

func (r *rootOptions) logger() *slog.Logger {
	return service.NewLogger(r.logJSON, r.logLevel)
}

func (r *rootOptions) client() *client.Client {
	return client.New(r.apiAddr, r.timeout)
}

// service builds an in-process coordinator from the resolved config.
func (r *rootOptions) service() (*service.Service, error) {
	return service.Build(r.conn.Config, r.logger())
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "xinvoice",
		Short:         "Generate invoices by driving remote billing scripts over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("XINVOICE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to xinvoice config file")
	rootCmd.PersistentFlags().StringVar(&opts.apiAddr, "api-addr", "", "xinvoice API address (overrides config; empty runs in-process)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "API client timeout; defaults to 15m")
	rootCmd.PersistentFlags().BoolVar(&opts.local, "local", false, "run in-process even when an API address is configured")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "doctor" {
			return nil
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newTestConnectionCmd(opts))
	rootCmd.AddCommand(newEnvsCmd(opts))
	rootCmd.AddCommand(newLogsCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRunFailed) {
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newTestConnectionCmd(root *rootOptions) *cobra.Command {
	var envKey string
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Open a session to an environment and run a trivial command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(envKey) == "" {
				return fmt.Errorf("--env is required")
			}
			ctx, cancel := signalContext()
			defer cancel()
			out := cmd.OutOrStdout()

			if root.remote() {
				resp, _, err := root.client().TestConnection(ctx, envKey)
				if err != nil {
					return err
				}
				if !resp.Success {
					fmt.Fprintf(out, "success=false\nmessage=%s\n", resp.Message)
					return errRunFailed
				}
				fmt.Fprintf(out, "success=true\nmessage=%s\nhost=%s\nauth=%s\nelapsed=%.2fs\n", resp.Message, resp.Host, resp.Auth, resp.Elapsed)
				return nil
			}

			svc, err := root.service()
			if err != nil {
				return err
			}
			defer svc.Close()
			res, err := svc.Coordinator.TestConnection(ctx, envKey)
			if err != nil {
				fmt.Fprintf(out, "success=false\nmessage=%s\n", err.Error())
				return errRunFailed
			}
			fmt.Fprintf(out, "success=true\nmessage=Connection successful!\nhost=%s\nauth=%s\nelapsed=%s\n", res.Host, res.Auth, res.Elapsed.Truncate(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&envKey, "env", "", "environment key")
	return cmd
}

func newEnvsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "envs",
		Short: "List configured environments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if root.remote() {
				ctx, cancel := context.WithTimeout(context.Background(), root.timeout)
				defer cancel()
				items, err := root.client().Environments(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "KEY\tNAME")
				for _, it := range items {
					fmt.Fprintf(tw, "%s\t%s\n", it.Key, it.Name)
				}
				return nil
			}

			reg := root.conn.Config.Registry()
			fmt.Fprintln(tw, "KEY\tNAME\tHOST\tAUTH\tKINDS")
			for _, key := range reg.Keys() {
				env, err := reg.Lookup(key)
				if err != nil {
					continue
				}
				host := env.Host
				if env.Local {
					host = "-"
				} else if host != "" {
					host = fmt.Sprintf("%s@%s:%d", env.Username, host, env.PortOrDefault())
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", key, env.DisplayName(), host, env.AuthMethod(), kindsOf(env))
			}
			return nil
		},
	}
}

func kindsOf(env config.Environment) string {
	var kinds []string
	for k, v := range env.ScriptPaths {
		if strings.TrimSpace(v) != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return "-"
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}
