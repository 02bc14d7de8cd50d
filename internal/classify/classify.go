// Package classify decides the outcome of a driven script from its exit
// status and pulls the external identifier out of the transcript.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antonkrylov/xinvoice/internal/driver"
)

// DefaultPatterns are tried in order; the first capture group is the
// identifier. The "found:" form must come before the generic one, which would
// otherwise capture the word "found".
var DefaultPatterns = []string{
	`external_id\s+found:\s*([A-Z0-9_]+)`,
	`external_id[:\s=]+([A-Z0-9_]+)`,
}

var reErrorLine = regexp.MustCompile(`(?i)^\s*(error|fatal|ora-\d+|sp2-\d+)\b`)

const maxDiagnostics = 20

type Classifier struct {
	patterns []*regexp.Regexp
}

// New compiles patterns case-insensitively. No patterns means DefaultPatterns.
func New(patterns ...string) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	c := &Classifier{}
	for _, p := range patterns {
		if !strings.HasPrefix(p, "(?i)") {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile identifier pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("identifier pattern %q has no capture group", p)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Default returns a classifier over DefaultPatterns.
func Default() *Classifier {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Identifier returns the first non-empty match across the pattern list.
func (c *Classifier) Identifier(transcript string) (string, bool) {
	for _, re := range c.patterns {
		m := re.FindStringSubmatch(transcript)
		if len(m) < 2 {
			continue
		}
		if id := strings.TrimSpace(m[1]); id != "" {
			return id, true
		}
	}
	return "", false
}

// Result is the classification of one run.
type Result struct {
	Success    bool
	Identifier string
	// Diagnostics are error-looking lines from the transcript, kept for the
	// run log and the failure message. They never decide success.
	Diagnostics []string
}

// Classify is a pure function of its inputs. Success is exit code 0 and
// nothing else.
func (c *Classifier) Classify(tr driver.Transcript, st driver.Status) Result {
	res := Result{Success: st.Succeeded()}
	res.Identifier, _ = c.Identifier(tr.Output)
	for _, line := range strings.Split(tr.Output, "\n") {
		line = strings.TrimRight(line, "\r")
		if reErrorLine.MatchString(line) {
			res.Diagnostics = append(res.Diagnostics, strings.TrimSpace(line))
			if len(res.Diagnostics) >= maxDiagnostics {
				break
			}
		}
	}
	return res
}
