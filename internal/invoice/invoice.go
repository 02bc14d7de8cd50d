package invoice

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which remote script (and output layout) applies.
type Kind string

const (
	KindProforma   Kind = "Proforma"
	KindDefinitive Kind = "Definitive"
)

// Kinds lists every supported invoice kind.
var Kinds = []Kind{KindProforma, KindDefinitive}

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, error) {
	trimmed := strings.TrimSpace(s)
	for _, k := range Kinds {
		if strings.EqualFold(trimmed, string(k)) {
			return k, nil
		}
	}
	return "", &Error{Kind: ErrValidation, Op: "parse invoice type", Err: fmt.Errorf("unsupported invoice type %q (use Proforma|Definitive)", s)}
}

// Request is one user action: generate an invoice of Kind for AccountNo in Environment.
type Request struct {
	Environment string `json:"environment"`
	Kind        Kind   `json:"invoice_type"`
	AccountNo   string `json:"account_no"`
}

// Normalize trims all fields.
func (r Request) Normalize() Request {
	return Request{
		Environment: strings.TrimSpace(r.Environment),
		Kind:        Kind(strings.TrimSpace(string(r.Kind))),
		AccountNo:   strings.TrimSpace(r.AccountNo),
	}
}

// Validate rejects requests with an empty field or an unknown kind.
func (r Request) Validate() error {
	switch {
	case r.Environment == "":
		return &Error{Kind: ErrValidation, Op: "validate", Err: fmt.Errorf("environment is required")}
	case r.Kind == "":
		return &Error{Kind: ErrValidation, Op: "validate", Err: fmt.Errorf("invoice type is required")}
	case r.AccountNo == "":
		return &Error{Kind: ErrValidation, Op: "validate", Err: fmt.Errorf("customer ID is required")}
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	return nil
}

// Outcome is the terminal value of one run. Success is true iff the script exited 0.
type Outcome struct {
	RunID      string        `json:"run_id"`
	Request    Request       `json:"request"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Output     string        `json:"output"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Status     string        `json:"status"`
	Identifier string        `json:"identifier,omitempty"`
	Artifact   string        `json:"artifact,omitempty"`
	LocalPath  string        `json:"local_path,omitempty"`
	Mirror     string        `json:"mirror,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Err        error         `json:"-"`
	LogFile    string        `json:"log_file,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Warn appends a non-fatal diagnostic.
func (o *Outcome) Warn(msg string) {
	if strings.TrimSpace(msg) == "" {
		return
	}
	o.Warnings = append(o.Warnings, msg)
}

// ErrorText returns the error text or "".
func (o *Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
