package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/xinvoice/internal/httpapi"
	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/run"
)

type runFlags struct {
	env         string
	kind        string
	account     string
	noFetch     bool
	deadline    time.Duration
	askPassword bool
	quiet       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one invoice",
		Example: `  xinvoice run --env IT --kind Definitive --account 60784
  xinvoice run --env TEST --kind Proforma --account 60784 --no-fetch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := invoice.ParseKind(flags.kind)
			if err != nil {
				return err
			}
			req := invoice.Request{Environment: flags.env, Kind: kind, AccountNo: flags.account}
			ctx, cancel := signalContext()
			defer cancel()

			var resp httpapi.GenerateResponse
			if root.remote() {
				if flags.askPassword {
					return fmt.Errorf("--ask-password only applies to in-process runs")
				}
				resp, _, err = root.client().Generate(ctx, httpapi.GenerateRequest{
					Request:         req,
					NoFetch:         flags.noFetch,
					DeadlineSeconds: int(flags.deadline / time.Second),
				})
				if err != nil {
					return err
				}
			} else {
				if flags.askPassword {
					if err := promptPassword(root, req.Environment); err != nil {
						return err
					}
				}
				svc, err := root.service()
				if err != nil {
					return err
				}
				defer svc.Close()
				out := svc.Coordinator.Run(ctx, req, run.Options{
					Deadline: flags.deadline,
					NoFetch:  flags.noFetch,
				})
				resp = httpapi.ResponseFromOutcome(out)
			}

			printResult(cmd.OutOrStdout(), resp, flags.quiet)
			if !resp.Success {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.env, "env", "", "environment key")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "invoice type: Proforma|Definitive")
	cmd.Flags().StringVar(&flags.account, "account", "", "customer account number")
	cmd.Flags().BoolVar(&flags.noFetch, "no-fetch", false, "skip locating and downloading the output file")
	cmd.Flags().DurationVar(&flags.deadline, "deadline", 0, "bound on script completion (default from config, 10m)")
	cmd.Flags().BoolVar(&flags.askPassword, "ask-password", false, "prompt for the SSH password instead of reading it from config")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "omit the script transcript")
	return cmd
}

// promptPassword reads a password with echo off and overlays it on the
// environment before the registry is built.
func promptPassword(root *rootOptions, envKey string) error {
	cfg := root.conn.Config
	env, ok := cfg.Envs[strings.TrimSpace(envKey)]
	if !ok || env == nil {
		// Let the coordinator report the unknown environment.
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("--ask-password requires an interactive terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", env.Username, env.Host)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	env.Password = string(pw)
	env.PasswordEnv = ""
	env.KeyFile = ""
	return nil
}

func printResult(w io.Writer, resp httpapi.GenerateResponse, quiet bool) {
	if !quiet && strings.TrimSpace(resp.Output) != "" {
		fmt.Fprintln(w, strings.TrimRight(resp.Output, "\n"))
		fmt.Fprintln(w, "---")
	}
	fmt.Fprintf(w, "success=%t\n", resp.Success)
	fmt.Fprintf(w, "message=%s\n", resp.Message)
	if resp.Status != "" {
		fmt.Fprintf(w, "status=%s\n", resp.Status)
	}
	if resp.ExitCode != nil {
		fmt.Fprintf(w, "exit_code=%d\n", *resp.ExitCode)
	}
	for _, kv := range [][2]string{
		{"run_id", resp.RunID},
		{"log_file", resp.LogFile},
		{"identifier", resp.Identifier},
		{"artifact", resp.Artifact},
		{"local_path", resp.LocalPath},
		{"mirror", resp.Mirror},
	} {
		if kv[1] != "" {
			fmt.Fprintf(w, "%s=%s\n", kv[0], kv[1])
		}
	}
	for _, warn := range resp.Warnings {
		fmt.Fprintf(w, "warning=%s\n", warn)
	}
}
