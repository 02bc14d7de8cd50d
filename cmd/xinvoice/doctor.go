package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/invoice"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			fmt.Fprintf(out, "xinvoice_executable=%s\n", strings.TrimSpace(exe))
			if look, _ := exec.LookPath("xinvoice"); strings.TrimSpace(look) != "" {
				fmt.Fprintf(out, "xinvoice_on_path=%s\n", look)
			}

			cfgPath := root.configPath
			if p, err := config.ExpandPath(cfgPath); err == nil {
				cfgPath = p
			}
			fmt.Fprintf(out, "config_path=%s\n", cfgPath)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(out, "config_present=%t\n", cfg != nil)
			if cfg == nil {
				cfg = &config.File{}
			}
			cfg.ApplyEnv()
			if root.apiAddr != "" {
				cfg.APIAddr = root.apiAddr
			}
			fmt.Fprintf(out, "api_addr=%s\n", strings.TrimSpace(cfg.APIAddr))
			reportDir(out, "log_dir", cfg.ResolvedLogDir())
			reportDir(out, "download_dir", cfg.ResolvedDownloadDir())
			fmt.Fprintf(out, "events_enabled=%t\n", strings.TrimSpace(cfg.Events.NATSURL) != "")
			fmt.Fprintf(out, "object_store_enabled=%t\n", cfg.ObjectStore.Enabled())

			reg := cfg.Registry()
			for _, key := range reg.Keys() {
				env, err := reg.Lookup(key)
				if err != nil {
					continue
				}
				fmt.Fprintf(out, "environment=%s host=%s port=%d user=%s auth=%s\n",
					key,
					strings.TrimSpace(env.Host),
					env.PortOrDefault(),
					strings.TrimSpace(env.Username),
					env.AuthMethod(),
				)
				if err := env.Validate(); err != nil {
					fmt.Fprintf(out, "environment=%s problem=%s\n", key, err.Error())
				}
				for _, kind := range invoice.Kinds {
					if _, ok := env.ScriptPath(kind); !ok {
						fmt.Fprintf(out, "environment=%s problem=script path not configured for %s\n", key, kind)
					}
				}
				if kf := strings.TrimSpace(env.KeyFile); kf != "" {
					if p, err := config.ExpandPath(kf); err == nil {
						kf = p
					}
					if _, err := os.Stat(kf); err != nil {
						fmt.Fprintf(out, "environment=%s problem=key file %s: %s\n", key, kf, err.Error())
					}
				}
				if env.AuthMethod() == "password" && env.ResolvedPassword() == "" {
					fmt.Fprintf(out, "environment=%s problem=no password configured (use --ask-password)\n", key)
				}
			}
			return nil
		},
	}
}

func reportDir(w io.Writer, name, dir string) {
	fmt.Fprintf(w, "%s=%s\n", name, dir)
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		fmt.Fprintf(w, "%s_exists=true\n", name)
	case err == nil:
		fmt.Fprintf(w, "%s_problem=not a directory\n", name)
	default:
		// Created on first use.
		fmt.Fprintf(w, "%s_exists=false parent=%s\n", name, filepath.Dir(dir))
	}
}
