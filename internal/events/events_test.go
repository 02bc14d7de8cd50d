package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/antonkrylov/xinvoice/internal/invoice"
)

func TestSubject(t *testing.T) {
	cases := []struct {
		prefix string
		ev     Event
		want   string
	}{
		{prefix: "billing", ev: Event{Environment: "UAT", Success: true}, want: "billing.invoice.UAT.succeeded"},
		{prefix: "", ev: Event{Environment: "System Test.2"}, want: "events.invoice.System_Test_2.failed"},
		{prefix: "x", ev: Event{}, want: "x.invoice.unknown.failed"},
	}
	for _, tc := range cases {
		if got := Subject(tc.prefix, tc.ev); got != tc.want {
			t.Fatalf("Subject(%q, %+v) = %q, want %q", tc.prefix, tc.ev, got, tc.want)
		}
	}
}

func TestFromOutcome(t *testing.T) {
	code := 3
	started := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	o := invoice.Outcome{
		RunID:     "run-1",
		Request:   invoice.Request{Environment: "IT", Kind: invoice.KindDefinitive, AccountNo: "60784"},
		ExitCode:  &code,
		Status:    "completed",
		Err:       invoice.Wrap(invoice.ErrExecution, "run script", errors.New("script exited with code 3")),
		Warnings:  []string{"w1"},
		LogFile:   "invoice_20240102120000_00001.log",
		StartedAt: started,
		Elapsed:   90 * time.Second,
	}
	ev := FromOutcome(o)
	if ev.Success || ev.InvoiceType != "Definitive" || ev.AccountNo != "60784" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ErrorKind != invoice.ErrExecution.Error() {
		t.Fatalf("unexpected error kind %q", ev.ErrorKind)
	}
	if !ev.FinishedAt.Equal(started.Add(90 * time.Second)) {
		t.Fatalf("unexpected finished_at %v", ev.FinishedAt)
	}
	o.Warnings[0] = "mutated"
	if ev.Warnings[0] != "w1" {
		t.Fatalf("event shares warnings with outcome")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"run_id", "environment", "invoice_type", "account_no", "success", "exit_code", "error", "log_file", "started_at", "finished_at"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("payload missing %q: %s", key, data)
		}
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("Nop.Publish: %v", err)
	}
	p.Close()
}

func TestNewNATSUnreachable(t *testing.T) {
	if _, err := NewNATS(Options{URL: "nats://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected connect error")
	}
}
