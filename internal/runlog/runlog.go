// Package runlog owns the local per-run log files: naming with a daily
// sequence, listing, safe reads and compressed transcripts.
package runlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	stampLayout      = "20060102150405"
	dayLayout        = "20060102"
	DefaultListLimit = 10
	maxCreateTries   = 1000
)

var (
	ErrForbidden = errors.New("invalid log file")
	ErrNotFound  = errors.New("log file not found")

	reSeq = regexp.MustCompile(`_(\d{5})\.log$`)
)

// Dir is a directory of invoice_<YYYYMMDDHHMMSS>_<NNNNN>.log files.
type Dir struct {
	root string
	now  func() time.Time

	mu sync.Mutex
}

func New(root string) *Dir {
	return &Dir{root: filepath.Clean(root), now: time.Now}
}

func (d *Dir) Root() string { return d.root }

// Run is one open run log. Logger writes DEBUG and above to the file.
type Run struct {
	Name   string
	Path   string
	Stamp  string
	Seq    int
	Logger *slog.Logger

	file      *os.File
	closeOnce sync.Once
	closeErr  error
}

// Create allocates the next name for today and opens it exclusively. Records
// at INFO and above are also passed to console when it is non-nil.
func (d *Dir) Create(console slog.Handler) (*Run, error) {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	stamp := now.Format(stampLayout)
	seq, err := d.nextSeq(now.Format(dayLayout))
	if err != nil {
		return nil, err
	}
	for i := 0; i < maxCreateTries; i, seq = i+1, seq+1 {
		name := fmt.Sprintf("invoice_%s_%05d.log", stamp, seq)
		path := filepath.Join(d.root, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create run log: %w", err)
		}
		var h slog.Handler = slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
		if console != nil {
			h = withConsole(h, console)
		}
		return &Run{
			Name:   name,
			Path:   path,
			Stamp:  stamp,
			Seq:    seq,
			Logger: slog.New(h).With("log_file", name),
			file:   f,
		}, nil
	}
	return nil, fmt.Errorf("create run log: no free sequence for %s", stamp)
}

// nextSeq is max(existing sequence for day)+1, starting at 1.
func (d *Dir) nextSeq(day string) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("scan log dir: %w", err)
	}
	max := 0
	prefix := "invoice_" + day
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		m := reSeq.FindStringSubmatch(name)
		if len(m) != 2 {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (r *Run) Close() error {
	r.closeOnce.Do(func() {
		if err := r.file.Sync(); err != nil {
			r.closeErr = err
		}
		if err := r.file.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}

// Entry describes one log file.
type Entry struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	Modified      time.Time `json:"modified"`
	HasTranscript bool      `json:"has_transcript"`
}

// List returns the newest limit logs by modification time.
func (d *Dir) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	matches, err := filepath.Glob(filepath.Join(d.root, "invoice_*.log"))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		_, terr := os.Stat(transcriptPath(p))
		out = append(out, Entry{
			Name:          filepath.Base(p),
			Size:          info.Size(),
			Modified:      info.ModTime(),
			HasTranscript: terr == nil,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Modified.Equal(out[j].Modified) {
			return out[i].Name > out[j].Name
		}
		return out[i].Modified.After(out[j].Modified)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Read returns the content of a log inside the directory.
func (d *Dir) Read(name string) ([]byte, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// resolve rejects names that escape the directory.
func (d *Dir) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrForbidden, name)
	}
	p := filepath.Clean(filepath.Join(d.root, name))
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrForbidden, name)
	}
	return p, nil
}
