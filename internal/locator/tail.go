package locator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/antonkrylov/xinvoice/internal/remote"
)

const DefaultTailLines = 50

// TailLatestLog returns the last lines of the newest file in logDir.
func TailLatestLog(ctx context.Context, sess remote.Session, logDir string, lines int) (string, string, error) {
	if lines <= 0 {
		lines = DefaultTailLines
	}
	out, err := sess.Exec(ctx, fmt.Sprintf("ls -1t %s 2>/dev/null | head -1", remote.ShellQuote(logDir)))
	if err != nil {
		return "", "", fmt.Errorf("list remote logs: %w", err)
	}
	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", "", fmt.Errorf("no log files in %s", logDir)
	}
	file := path.Join(logDir, path.Base(name))
	out, err = sess.Exec(ctx, fmt.Sprintf("tail -n %d %s", lines, remote.ShellQuote(file)))
	if err != nil {
		return file, "", fmt.Errorf("tail %s: %w", file, err)
	}
	return file, string(out), nil
}
