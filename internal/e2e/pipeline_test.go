package e2e_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/remote"
	"github.com/antonkrylov/xinvoice/internal/run"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

// billingScript mimics the remote generator: it prompts for an account,
// writes an output file tagged with the external id and reports it.
const billingScript = `#!/bin/bash
printf 'Enter customer account: '
read acct
if [ "$acct" = "00000" ]; then
  echo "ERROR: account $acct not billable"
  exit 3
fi
mkdir -p %[1]s
echo "invoice for $acct" > %[1]s/INV_${acct}_EXT${acct}.txt
echo "external_id found: EXT${acct}"
echo "done"
`

func requireTools(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	// The locator relies on GNU find's -printf.
	if err := exec.Command("find", ".", "-maxdepth", "0", "-printf", "%T@\n").Run(); err != nil {
		t.Skip("GNU find not available")
	}
}

func newLocalCoordinator(t *testing.T) (*run.Coordinator, string, string) {
	t.Helper()
	root := t.TempDir()
	outDir := filepath.Join(root, "remote", "STAMPE")
	script := filepath.Join(root, "remote", "Definitive.sh")
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(script, []byte(fmt.Sprintf(billingScript, outDir)), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	reg := config.NewRegistry(config.Defaults{
		PromptGrace: config.Duration(300 * time.Millisecond),
		FinalDrain:  config.Duration(500 * time.Millisecond),
		Deadline:    config.Duration(20 * time.Second),
	}, config.Environment{
		Key:         "DEV",
		Name:        "Local development",
		Local:       true,
		ScriptPaths: map[string]string{"Definitive": script},
		OutputPath:  outDir,
	})
	download := filepath.Join(root, "downloads")
	coord, err := run.New(run.Config{
		Registry:    reg,
		Provider:    remote.Dispatch{SSH: &remote.SSHProvider{}, Local: &remote.LocalProvider{Shell: "/bin/sh"}},
		Logs:        runlog.New(filepath.Join(root, "logs")),
		DownloadDir: download,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord, outDir, download
}

func TestE2E_LocalPipelineSuccess(t *testing.T) {
	requireTools(t)
	coord, _, download := newLocalCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := coord.Run(ctx, invoice.Request{Environment: "DEV", Kind: invoice.KindDefinitive, AccountNo: "60784"}, run.Options{})
	if !out.Success {
		t.Fatalf("run failed: %s (%v)\n%s", out.Message, out.Err, out.Output)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("exit code = %v", out.ExitCode)
	}
	if out.Identifier != "EXT60784" {
		t.Fatalf("identifier = %q\n%s", out.Identifier, out.Output)
	}
	if filepath.Base(out.Artifact) != "INV_60784_EXT60784.txt" {
		t.Fatalf("artifact = %q warnings=%v", out.Artifact, out.Warnings)
	}
	if !strings.HasPrefix(out.LocalPath, download) {
		t.Fatalf("local path %q not under %q", out.LocalPath, download)
	}
	b, err := os.ReadFile(out.LocalPath)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if strings.TrimSpace(string(b)) != "invoice for 60784" {
		t.Fatalf("download content = %q", b)
	}
	if !strings.Contains(out.Output, "external_id found: EXT60784") {
		t.Fatalf("transcript missing identifier line:\n%s", out.Output)
	}
	if out.LogFile == "" {
		t.Fatalf("expected a run log")
	}
}

func TestE2E_LocalPipelineScriptFailure(t *testing.T) {
	requireTools(t)
	coord, _, _ := newLocalCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := coord.Run(ctx, invoice.Request{Environment: "DEV", Kind: invoice.KindDefinitive, AccountNo: "00000"}, run.Options{})
	if out.Success {
		t.Fatalf("expected failure:\n%s", out.Output)
	}
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Fatalf("exit code = %v", out.ExitCode)
	}
	if out.Artifact != "" || out.LocalPath != "" {
		t.Fatalf("failed run should not fetch: %q %q", out.Artifact, out.LocalPath)
	}
	if !strings.Contains(out.Output, "not billable") {
		t.Fatalf("transcript missing script error:\n%s", out.Output)
	}
}

func TestE2E_LocalConnection(t *testing.T) {
	requireTools(t)
	coord, _, _ := newLocalCoordinator(t)
	res, err := coord.TestConnection(context.Background(), "DEV")
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if res.Auth != "local" {
		t.Fatalf("auth = %q", res.Auth)
	}
}

// TestE2E_SSHRemoteHost drives a real billing host. It needs
// XINVOICE_E2E_CONFIG (a config file) and XINVOICE_E2E_ENV; the account
// defaults to a sandbox customer.
func TestE2E_SSHRemoteHost(t *testing.T) {
	cfgPath := strings.TrimSpace(os.Getenv("XINVOICE_E2E_CONFIG"))
	envKey := strings.TrimSpace(os.Getenv("XINVOICE_E2E_ENV"))
	if cfgPath == "" || envKey == "" {
		t.Skip("set XINVOICE_E2E_CONFIG and XINVOICE_E2E_ENV to run")
	}
	account := strings.TrimSpace(os.Getenv("XINVOICE_E2E_ACCOUNT"))
	if account == "" {
		account = "60784"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil || cfg == nil {
		t.Fatalf("load config %s: %v", cfgPath, err)
	}
	cfg.DownloadDir = t.TempDir()
	cfg.LogDir = t.TempDir()

	coord, err := run.New(run.Config{
		Registry:    cfg.Registry(),
		Provider:    remote.Dispatch{SSH: &remote.SSHProvider{}, Local: &remote.LocalProvider{}},
		Logs:        runlog.New(cfg.ResolvedLogDir()),
		DownloadDir: cfg.ResolvedDownloadDir(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if _, err := coord.TestConnection(ctx, envKey); err != nil {
		t.Fatalf("test connection: %v", err)
	}
	out := coord.Run(ctx, invoice.Request{Environment: envKey, Kind: invoice.KindProforma, AccountNo: account}, run.Options{})
	t.Logf("output:\n%s", out.Output)
	if !out.Success {
		t.Fatalf("run failed: %s", out.Message)
	}
	for _, w := range out.Warnings {
		t.Logf("warning: %s", w)
	}
}
