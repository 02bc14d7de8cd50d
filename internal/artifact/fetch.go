// Package artifact pulls located output files to local storage and
// optionally mirrors them to an object store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/antonkrylov/xinvoice/internal/invoice"
	"github.com/antonkrylov/xinvoice/internal/remote"
)

type Fetcher struct {
	Dir    string
	Logger *slog.Logger
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LocalPath names the download for a run: <dir>/<stamp>_<seq>_<remote base>.
func (f *Fetcher) LocalPath(stamp string, seq int, remotePath string) string {
	return filepath.Join(f.Dir, LocalName(stamp, seq, remotePath))
}

func LocalName(stamp string, seq int, remotePath string) string {
	return fmt.Sprintf("%s_%05d_%s", stamp, seq, baseName(remotePath))
}

// TaggedPath names a download by stamp and a caller-unique tag instead of a
// sequence: <dir>/<stamp>_<tag>_<remote base>.
func (f *Fetcher) TaggedPath(stamp, tag, remotePath string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%s_%s_%s", stamp, tag, baseName(remotePath)))
}

func baseName(remotePath string) string {
	base := path.Base(strings.ReplaceAll(remotePath, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "artifact"
	}
	return base
}

// Fetch copies remotePath to localPath over sess. One attempt; the local
// file appears only when the transfer completed.
func (f *Fetcher) Fetch(ctx context.Context, sess remote.Session, remotePath, localPath string) error {
	if strings.TrimSpace(remotePath) == "" {
		return invoice.Wrap(invoice.ErrFetch, "fetch artifact", errors.New("remote path is empty"))
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return invoice.Wrap(invoice.ErrFetch, "fetch artifact", err)
	}
	if err := sess.Fetch(ctx, remotePath, localPath); err != nil {
		f.logger().Warn("artifact download failed", "remote", remotePath, "err", err)
		return invoice.Wrap(invoice.ErrFetch, "fetch artifact", err)
	}
	f.logger().Info("artifact downloaded", "remote", remotePath, "local", localPath)
	return nil
}
