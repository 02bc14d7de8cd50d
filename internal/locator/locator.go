// Package locator finds the output file a remote run produced.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/remote"
)

const (
	DefaultRecencyWindow = 10 * time.Minute
	DefaultLimit         = 5
	DefaultExtension     = ".txt"
	listTimeout          = 10 * time.Second
)

// ErrNoRecentFile means the listing was empty for the recency window.
var ErrNoRecentFile = errors.New("no recent output file")

type Candidate struct {
	Path    string
	ModTime time.Time
}

// Result of a successful Locate. Warning is set when the identifier hint
// matched no candidate and the most recent file was chosen instead.
type Result struct {
	Path       string
	Warning    string
	Candidates []Candidate
}

type Options struct {
	Extension     string
	RecencyWindow time.Duration
	Limit         int
	Logger        *slog.Logger
}

type Locator struct {
	opts Options
}

func New(opts Options) *Locator {
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{opts: opts}
}

// ListCommand lists recent files as "<epoch> <path>" lines, newest first.
// The window is evaluated against the remote clock.
func (l *Locator) ListCommand(dir string) string {
	minutes := int(math.Ceil(l.opts.RecencyWindow.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("find %s -name %s -type f -mmin -%d -printf '%%T@ %%p\\n' 2>/dev/null | sort -rn | head -%d",
		remote.ShellQuote(dir), remote.ShellQuote("*"+l.opts.Extension), minutes, l.opts.Limit)
}

// Locate lists candidates in dir over sess and selects one for hint.
func (l *Locator) Locate(ctx context.Context, sess remote.Session, dir, hint string) (Result, error) {
	if strings.TrimSpace(dir) == "" {
		return Result{}, invoice.Wrap(invoice.ErrLocator, "locate artifact", errors.New("output path not configured"))
	}
	cmd := l.ListCommand(dir)
	l.opts.Logger.Debug("locate command", "command", cmd)

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	out, err := sess.Exec(ctx, cmd)
	if err != nil {
		return Result{}, invoice.Wrap(invoice.ErrLocator, "list output directory", err)
	}
	cands := ParseListing(string(out))
	if len(cands) > l.opts.Limit {
		cands = cands[:l.opts.Limit]
	}
	l.opts.Logger.Info("recent output files", "dir", dir, "count", len(cands), "hint", hint)

	p, warning, err := Select(cands, hint)
	if err != nil {
		return Result{Candidates: cands}, err
	}
	if warning != "" {
		l.opts.Logger.Warn("output file not verified", "path", p, "hint", hint)
	} else {
		l.opts.Logger.Info("output file selected", "path", p)
	}
	return Result{Path: p, Warning: warning, Candidates: cands}, nil
}

// ParseListing parses "<epoch> <path>" lines, skipping malformed ones, and
// returns the candidates newest first.
func ParseListing(out string) []Candidate {
	var cands []Candidate
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stamp, p, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		p = strings.TrimSpace(p)
		secs, err := strconv.ParseFloat(stamp, 64)
		if err != nil || p == "" {
			continue
		}
		whole, frac := math.Modf(secs)
		cands = append(cands, Candidate{Path: p, ModTime: time.Unix(int64(whole), int64(frac*1e9))})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].ModTime.After(cands[j].ModTime) })
	return cands
}

// Select picks the first candidate whose file name contains hint, else the
// most recent one with a warning. An empty hint selects the most recent
// candidate without a warning. cands must be ordered newest first.
func Select(cands []Candidate, hint string) (string, string, error) {
	if len(cands) == 0 {
		return "", "", invoice.Wrap(invoice.ErrLocator, "select artifact", ErrNoRecentFile)
	}
	if hint == "" {
		return cands[0].Path, "", nil
	}
	for _, c := range cands {
		if strings.Contains(path.Base(c.Path), hint) {
			return c.Path, "", nil
		}
	}
	return cands[0].Path, fmt.Sprintf("Warning: Most recent file found but does not contain external_id '%s'. Proceeding with most recent file.", hint), nil
}
