package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/events"
	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/remote"
	"github.com/antonkrylov/xinvoice/internal/remote/remotetest"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

const listing = "100.0 /LOG/CIF/STAMPE/20240101_BILR_60784_00001_N.txt\n90.0 /LOG/CIF/STAMPE/20240101_BILR_77777_00002_N.txt\n"

func testRegistry() *config.Registry {
	return config.NewRegistry(config.Defaults{
		PromptGrace: config.Duration(10 * time.Millisecond),
		FinalDrain:  config.Duration(100 * time.Millisecond),
		Deadline:    config.Duration(5 * time.Second),
	}, config.Environment{
		Key:      "IT",
		Name:     "IT Environment",
		Host:     "billing01",
		Username: "custbill",
		Password: "secret",
		ScriptPaths: map[string]string{
			"Proforma":   "/appl_sw/custbill/scripts/Proforma.sh",
			"Definitive": "/appl_sw/custbill/scripts/Definitive.sh",
		},
		OutputPath: "/LOG/CIF/STAMPE",
		LogPath:    "/appl_sw/custbill/log",
	})
}

type fixture struct {
	coord    *Coordinator
	provider *remotetest.Provider
	session  *remotetest.Session
	channel  *remotetest.Channel
	events   *recorder
	logs     *runlog.Dir
	download string
}

func newFixture(t *testing.T, exitCode int, output string) *fixture {
	t.Helper()
	ch := remotetest.NewChannel(func(c *remotetest.Channel, line string) {
		c.Emit("Customer ID: " + line + "\r\n" + output)
		c.Exit(exitCode)
	})
	sess := &remotetest.Session{
		Channel:      ch,
		FetchContent: "INVOICE",
		ExecFunc: func(cmd string) ([]byte, error) {
			switch {
			case strings.HasPrefix(cmd, "find "):
				return []byte(listing), nil
			case strings.HasPrefix(cmd, "ls -1t"):
				return []byte("custbill.log\n"), nil
			case strings.HasPrefix(cmd, "tail "):
				return []byte("ORA-00942: table or view does not exist\n"), nil
			}
			return nil, nil
		},
	}
	f := &fixture{
		provider: &remotetest.Provider{Session: sess},
		session:  sess,
		channel:  ch,
		events:   &recorder{},
		logs:     runlog.New(filepath.Join(t.TempDir(), "logs")),
		download: filepath.Join(t.TempDir(), "downloads"),
	}
	coord, err := New(Config{
		Registry:    testRegistry(),
		Provider:    f.provider,
		Logs:        f.logs,
		DownloadDir: f.download,
		Publisher:   f.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.coord = coord
	return f
}

func definitive() invoice.Request {
	return invoice.Request{Environment: "IT", Kind: invoice.KindDefinitive, AccountNo: "60784"}
}

func TestRunRejectsIncompleteRequests(t *testing.T) {
	cases := []invoice.Request{
		{Kind: invoice.KindProforma, AccountNo: "1"},
		{Environment: "IT", AccountNo: "1"},
		{Environment: "IT", Kind: invoice.KindProforma, AccountNo: "  "},
		{Environment: "IT", Kind: "Draft", AccountNo: "1"},
	}
	for _, req := range cases {
		f := newFixture(t, 0, "")
		out := f.coord.Run(context.Background(), req, Options{})
		if out.Success {
			t.Fatalf("%+v: expected failure", req)
		}
		if !errors.Is(out.Err, invoice.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", req, out.Err)
		}
		if f.provider.Opens() != 0 {
			t.Fatalf("%+v: connection attempted for invalid request", req)
		}
		if out.LogFile == "" {
			t.Fatalf("%+v: validation failures must still be logged", req)
		}
		if evs := f.events.all(); len(evs) != 1 || evs[0].Success {
			t.Fatalf("%+v: expected one failed event, got %+v", req, evs)
		}
	}
}

func TestRunUnknownEnvironment(t *testing.T) {
	f := newFixture(t, 0, "")
	out := f.coord.Run(context.Background(), invoice.Request{Environment: "PROD", Kind: invoice.KindProforma, AccountNo: "1"}, Options{})
	if !errors.Is(out.Err, invoice.ErrUnknownEnvironment) || !errors.Is(out.Err, invoice.ErrValidation) {
		t.Fatalf("expected unknown environment, got %v", out.Err)
	}
	if out.Message != "Unknown environment: PROD" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if f.provider.Opens() != 0 {
		t.Fatalf("connection attempted for unknown environment")
	}
}

func TestRunSuccessFetchesMatchingArtifact(t *testing.T) {
	f := newFixture(t, 0, "external_id found: 60784\r\nInvoice mailed\r\n")
	var phases []Phase
	out := f.coord.Run(context.Background(), invoice.Request{Environment: " IT ", Kind: "definitive", AccountNo: "60784"}, Options{
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})
	if !out.Success || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Request.Kind != invoice.KindDefinitive || out.Request.Environment != "IT" {
		t.Fatalf("request not normalized: %+v", out.Request)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("unexpected exit code %v", out.ExitCode)
	}
	if out.Identifier != "60784" {
		t.Fatalf("unexpected identifier %q", out.Identifier)
	}
	if out.Artifact != "/LOG/CIF/STAMPE/20240101_BILR_60784_00001_N.txt" || len(out.Warnings) != 0 {
		t.Fatalf("unexpected artifact %q warnings %v", out.Artifact, out.Warnings)
	}
	if filepath.Dir(out.LocalPath) != f.download || !strings.HasSuffix(out.LocalPath, "_20240101_BILR_60784_00001_N.txt") {
		t.Fatalf("unexpected local path %q", out.LocalPath)
	}
	if data, err := os.ReadFile(out.LocalPath); err != nil || string(data) != "INVOICE" {
		t.Fatalf("artifact not written: %q %v", data, err)
	}
	if !strings.Contains(out.Message, "Definitive invoice for IT environment generated successfully") {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if f.session.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", f.session.Closes())
	}
	want := []Phase{Validating, Connecting, Executing, Classifying, Locating, Fetching, Closing, Done}
	if len(phases) != len(want) {
		t.Fatalf("unexpected phases %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase %d: want %s, got %s", i, want[i], phases[i])
		}
	}
	targets := f.provider.Targets()
	if len(targets) != 1 || targets[0].Host != "billing01" || targets[0].Port != 22 || targets[0].ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected target %+v", targets)
	}

	transcript, err := f.logs.ReadTranscript(out.LogFile)
	if err != nil || !strings.Contains(transcript, "external_id found: 60784") {
		t.Fatalf("transcript not archived: %q %v", transcript, err)
	}
	logText, err := f.logs.Read(out.LogFile)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if strings.Contains(string(logText), "secret") {
		t.Fatalf("run log leaked the password:\n%s", logText)
	}
	if evs := f.events.all(); len(evs) != 1 || !evs[0].Success || evs[0].Artifact != out.Artifact {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestRunSuccessDespiteLocatorFailure(t *testing.T) {
	f := newFixture(t, 0, "done\n")
	f.session.ExecFunc = func(string) ([]byte, error) { return nil, nil }
	out := f.coord.Run(context.Background(), definitive(), Options{})
	if !out.Success {
		t.Fatalf("locator failure must not fail the run: %+v", out)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "no recent output file") {
		t.Fatalf("expected locator warning, got %v", out.Warnings)
	}
	if len(f.session.Fetches()) != 0 {
		t.Fatalf("nothing should be fetched")
	}
	if f.session.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", f.session.Closes())
	}
}

func TestRunSuccessDespiteFetchFailure(t *testing.T) {
	f := newFixture(t, 0, "external_id found: 99999\n")
	f.session.FetchFunc = func(string, string) error { return errors.New("sftp: no such file") }
	out := f.coord.Run(context.Background(), definitive(), Options{})
	if !out.Success {
		t.Fatalf("fetch failure must not fail the run: %+v", out)
	}
	if len(out.Warnings) != 2 {
		t.Fatalf("expected unverified and fetch warnings, got %v", out.Warnings)
	}
	if !strings.Contains(out.Warnings[0], "does not contain external_id '99999'") || !strings.Contains(out.Warnings[1], "sftp: no such file") {
		t.Fatalf("unexpected warnings %v", out.Warnings)
	}
	if out.Artifact == "" || out.LocalPath != "" {
		t.Fatalf("unexpected artifact %q local %q", out.Artifact, out.LocalPath)
	}
}

func TestRunNoFetch(t *testing.T) {
	f := newFixture(t, 0, "external_id found: 60784\n")
	out := f.coord.Run(context.Background(), definitive(), Options{NoFetch: true})
	if !out.Success || out.Artifact != "" || len(f.session.Execs()) != 0 {
		t.Fatalf("expected no locate/fetch, got %+v execs %v", out, f.session.Execs())
	}
}

func TestRunNonzeroExit(t *testing.T) {
	f := newFixture(t, 2, "ERROR: account 60784 has no billable items\n")
	out := f.coord.Run(context.Background(), definitive(), Options{})
	if out.Success {
		t.Fatalf("expected failure")
	}
	if !errors.Is(out.Err, invoice.ErrExecution) {
		t.Fatalf("expected execution error, got %v", out.Err)
	}
	if out.ExitCode == nil || *out.ExitCode != 2 {
		t.Fatalf("unexpected exit code %v", out.ExitCode)
	}
	if !strings.Contains(out.Output, "no billable items") {
		t.Fatalf("transcript must be kept: %q", out.Output)
	}
	if !strings.HasPrefix(out.Message, "Script execution failed: ") {
		t.Fatalf("unexpected message %q", out.Message)
	}
	execs := f.session.Execs()
	if len(execs) != 2 || !strings.HasPrefix(execs[0], "ls -1t /appl_sw/custbill/log") {
		t.Fatalf("expected remote log tail, got %v", execs)
	}
	logText, err := f.logs.Read(out.LogFile)
	if err != nil || !strings.Contains(string(logText), "ORA-00942") {
		t.Fatalf("remote log tail missing from run log: %v\n%s", err, logText)
	}
	if f.session.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", f.session.Closes())
	}
}

func TestRunTimeout(t *testing.T) {
	ch := remotetest.NewChannel(func(c *remotetest.Channel, _ string) { c.Emit("still working\n") })
	f := newFixture(t, 0, "")
	f.session.Channel = ch
	out := f.coord.Run(context.Background(), definitive(), Options{Deadline: 50 * time.Millisecond})
	if out.Success {
		t.Fatalf("expected failure")
	}
	if !errors.Is(out.Err, invoice.ErrTimeout) || errors.Is(out.Err, invoice.ErrExecution) {
		t.Fatalf("expected a distinct timeout error, got %v", out.Err)
	}
	if out.Status != "timed_out" || out.ExitCode != nil {
		t.Fatalf("unexpected status %q exit %v", out.Status, out.ExitCode)
	}
	if ch.Closes() != 1 || f.session.Closes() != 1 {
		t.Fatalf("expected channel and session closed once, got %d and %d", ch.Closes(), f.session.Closes())
	}
	if len(f.session.Execs()) != 0 {
		t.Fatalf("no remote log tail expected on timeout: %v", f.session.Execs())
	}
}

func TestRunConnectionFailure(t *testing.T) {
	f := newFixture(t, 0, "")
	f.provider.OpenErr = errors.New("dial tcp: connection refused")
	out := f.coord.Run(context.Background(), definitive(), Options{})
	if out.Success || !errors.Is(out.Err, invoice.ErrConnection) {
		t.Fatalf("expected connection error, got %+v", out)
	}
	if f.session.Closes() != 0 {
		t.Fatalf("a session that never opened must not be closed")
	}
	if !strings.HasPrefix(out.Message, "SSH connection failed") {
		t.Fatalf("unexpected message %q", out.Message)
	}
}

func TestRunMissingHost(t *testing.T) {
	f := newFixture(t, 0, "")
	reg := config.NewRegistry(config.Defaults{}, config.Environment{
		Key: "UAT", Username: "u", ScriptPaths: map[string]string{"Proforma": "/p.sh"},
	})
	coord, err := New(Config{Registry: reg, Provider: f.provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := coord.Run(context.Background(), invoice.Request{Environment: "UAT", Kind: invoice.KindProforma, AccountNo: "1"}, Options{})
	if !errors.Is(out.Err, invoice.ErrConnection) || f.provider.Opens() != 0 {
		t.Fatalf("expected connection error without dialing, got %v opens %d", out.Err, f.provider.Opens())
	}
	if out.LogFile != "" {
		t.Fatalf("no run log without a log dir, got %q", out.LogFile)
	}
}

func TestRunScriptNotConfigured(t *testing.T) {
	f := newFixture(t, 0, "")
	reg := config.NewRegistry(config.Defaults{}, config.Environment{Key: "ST", Host: "h", Username: "u"})
	coord, err := New(Config{Registry: reg, Provider: f.provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := coord.Run(context.Background(), invoice.Request{Environment: "ST", Kind: invoice.KindProforma, AccountNo: "1"}, Options{})
	if !errors.Is(out.Err, invoice.ErrScriptNotConfigured) || f.provider.Opens() != 0 {
		t.Fatalf("expected script not configured, got %v", out.Err)
	}
}

func TestRunLocatorFaultKeepsSuccess(t *testing.T) {
	f := newFixture(t, 0, "external_id found: 60784\n")
	f.session.PanicOnExec = true
	out := f.coord.Run(context.Background(), definitive(), Options{})
	if !out.Success || out.Err != nil {
		t.Fatalf("a fault after exit 0 must not fail the run: %+v", out)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 || out.Status != "completed" {
		t.Fatalf("unexpected status %q exit %v", out.Status, out.ExitCode)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "while locating") {
		t.Fatalf("expected a locating warning, got %v", out.Warnings)
	}
	if f.session.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", f.session.Closes())
	}
}

type panicMirror struct{}

func (panicMirror) Upload(context.Context, string, string, string) (string, error) {
	panic("mirror fault")
}

func TestRunMirrorFaultKeepsDownload(t *testing.T) {
	f := newFixture(t, 0, "external_id found: 60784\n")
	coord, err := New(Config{
		Registry:    testRegistry(),
		Provider:    f.provider,
		Logs:        f.logs,
		DownloadDir: f.download,
		Mirror:      panicMirror{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := coord.Run(context.Background(), definitive(), Options{})
	if !out.Success {
		t.Fatalf("a mirror fault must not fail the run: %+v", out)
	}
	if out.LocalPath == "" || out.Mirror != "" {
		t.Fatalf("unexpected local %q mirror %q", out.LocalPath, out.Mirror)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "while fetching") {
		t.Fatalf("expected a fetching warning, got %v", out.Warnings)
	}
	if f.session.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", f.session.Closes())
	}
}

// faultyShell panics when the script is launched.
type faultyShell struct {
	*remotetest.Session
}

func (faultyShell) StartShell(context.Context) (remote.Channel, error) {
	panic("shell fault")
}

type fixedProvider struct {
	sess remote.Session
}

func (p fixedProvider) Open(context.Context, remote.Target) (remote.Session, error) {
	return p.sess, nil
}

func TestRunExecutionFaultFails(t *testing.T) {
	sess := &remotetest.Session{}
	coord, err := New(Config{Registry: testRegistry(), Provider: fixedProvider{sess: faultyShell{sess}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := coord.Run(context.Background(), definitive(), Options{})
	if out.Success {
		t.Fatalf("a fault while executing must fail the run")
	}
	if !errors.Is(out.Err, invoice.ErrExecution) || !strings.Contains(out.ErrorText(), "unexpected fault") {
		t.Fatalf("unexpected error %v", out.Err)
	}
	if out.Status != "fault" {
		t.Fatalf("unexpected status %q", out.Status)
	}
	if sess.Closes() != 1 {
		t.Fatalf("expected session closed once, got %d", sess.Closes())
	}
}

func TestRunWithoutRunLogUsesUniqueDownloadNames(t *testing.T) {
	download := filepath.Join(t.TempDir(), "downloads")
	paths := make([]string, 2)
	var wg sync.WaitGroup
	for i := range paths {
		f := newFixture(t, 0, "external_id found: 60784\n")
		coord, err := New(Config{Registry: testRegistry(), Provider: f.provider, DownloadDir: download})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := coord.Run(context.Background(), definitive(), Options{})
			if out.LogFile != "" {
				t.Errorf("unexpected run log %q", out.LogFile)
			}
			if !strings.Contains(filepath.Base(out.LocalPath), out.RunID) {
				t.Errorf("local path %q does not carry run id %s", out.LocalPath, out.RunID)
			}
			paths[i] = out.LocalPath
		}(i)
	}
	wg.Wait()
	if paths[0] == "" || paths[0] == paths[1] {
		t.Fatalf("download names collide: %v", paths)
	}
	for _, p := range paths {
		if data, err := os.ReadFile(p); err != nil || string(data) != "INVOICE" {
			t.Fatalf("artifact %s not written: %q %v", p, data, err)
		}
	}
}

func TestConcurrentRunsUseDistinctLogs(t *testing.T) {
	f := newFixture(t, 0, "")
	var wg sync.WaitGroup
	names := make([]string, 4)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := f.coord.Run(context.Background(), invoice.Request{}, Options{})
			names[i] = out.LogFile
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" || seen[n] {
			t.Fatalf("log names must be unique and set: %v", names)
		}
		seen[n] = true
	}
}

func TestNewRejectsBadIdentifierPattern(t *testing.T) {
	reg := config.NewRegistry(config.Defaults{IdentifierPatterns: []string{"("}})
	if _, err := New(Config{Registry: reg, Provider: &remotetest.Provider{}}); err == nil {
		t.Fatalf("expected pattern compile error")
	}
}

func TestTagRoutesUntaggedErrorsToWarnings(t *testing.T) {
	plain := errors.New("sftp: permission denied")
	tagged := tag(invoice.ErrFetch, "fetch artifact", plain)
	if !errors.Is(tagged, invoice.ErrFetch) || !errors.Is(tagged, plain) || invoice.Fatal(tagged) {
		t.Fatalf("untagged fetch error must become a non-fatal fetch error: %v", tagged)
	}
	already := invoice.Wrap(invoice.ErrLocator, "locate", plain)
	if tag(invoice.ErrLocator, "locate artifact", already) != already {
		t.Fatalf("errors already carrying the kind are returned as is")
	}
	if tag(invoice.ErrFetch, "fetch", nil) != nil {
		t.Fatalf("nil stays nil")
	}
}
