package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/httpapi"
)

func TestPrintResultSuccess(t *testing.T) {
	code := 0
	var buf bytes.Buffer
	printResult(&buf, httpapi.GenerateResponse{
		Success:   true,
		Message:   "Definitive invoice for IT environment generated successfully. Email sent by script.",
		Output:    "Enter customer: 60784\nexternal_id found: ABC123\n",
		LogFile:   "invoice_20260101120000_00001.log",
		ExitCode:  &code,
		Artifact:  "/LOG/CIF/STAMPE/inv_60784.txt",
		LocalPath: "/tmp/dl/inv_60784.txt",
		Warnings:  []string{"mirror failed"},
	}, false)
	got := buf.String()
	for _, want := range []string{
		"external_id found: ABC123\n---\n",
		"success=true\n",
		"exit_code=0\n",
		"log_file=invoice_20260101120000_00001.log\n",
		"artifact=/LOG/CIF/STAMPE/inv_60784.txt\n",
		"local_path=/tmp/dl/inv_60784.txt\n",
		"warning=mirror failed\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "mirror=") {
		t.Fatalf("empty fields should be omitted:\n%s", got)
	}
}

func TestPrintResultQuiet(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, httpapi.GenerateResponse{Message: "Customer ID is required", Output: "noise"}, true)
	got := buf.String()
	if strings.Contains(got, "noise") {
		t.Fatalf("quiet output should omit transcript:\n%s", got)
	}
	if !strings.HasPrefix(got, "success=false\nmessage=Customer ID is required\n") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestKindsOf(t *testing.T) {
	env := config.Environment{ScriptPaths: map[string]string{"Proforma": "/a.sh", "Definitive": "/b.sh", "Other": " "}}
	if got := kindsOf(env); got != "Definitive,Proforma" {
		t.Fatalf("kindsOf = %q", got)
	}
	if got := kindsOf(config.Environment{}); got != "-" {
		t.Fatalf("kindsOf(empty) = %q", got)
	}
}
