package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xinvoice/internal/runlog"
)

func newLogsCmd(root *rootOptions) *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect per-run log files",
	}
	logsCmd.AddCommand(newLogsListCmd(root))
	logsCmd.AddCommand(newLogsShowCmd(root))
	return logsCmd
}

func newLogsListCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent run logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var entries []runlog.Entry
			var err error
			if root.remote() {
				ctx, cancel := context.WithTimeout(context.Background(), root.timeout)
				defer cancel()
				entries, err = root.client().Logs(ctx, limit)
			} else {
				entries, err = runlog.New(root.conn.Config.ResolvedLogDir()).List(limit)
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tTRANSCRIPT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%t\n", e.Name, e.Size, e.Modified.Local().Format(time.DateTime), e.HasTranscript)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of logs to list")
	return cmd
}

func newLogsShowCmd(root *rootOptions) *cobra.Command {
	var transcript bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a run log, or the archived script transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			var text string
			if root.remote() {
				ctx, cancel := context.WithTimeout(context.Background(), root.timeout)
				defer cancel()
				s, err := root.client().Log(ctx, name, transcript)
				if err != nil {
					return err
				}
				text = s
			} else {
				dir := runlog.New(root.conn.Config.ResolvedLogDir())
				if transcript {
					s, err := dir.ReadTranscript(name)
					if err != nil {
						return err
					}
					text = s
				} else {
					b, err := dir.Read(name)
					if err != nil {
						return err
					}
					text = string(b)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			if text != "" && !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&transcript, "transcript", false, "show the archived script transcript instead of the run log")
	return cmd
}
