package runlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const transcriptExt = ".transcript.zst"

func transcriptPath(logPath string) string {
	return strings.TrimSuffix(logPath, ".log") + transcriptExt
}

// ArchiveTranscript writes the transcript next to the log, zstd-compressed.
func (r *Run) ArchiveTranscript(text string) (string, error) {
	p := transcriptPath(r.Path)
	tmp, err := os.CreateTemp(filepath.Dir(p), ".transcript-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = tmp.Close()
		return "", err
	}
	if _, err := io.WriteString(enc, text); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return "", fmt.Errorf("compress transcript: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("compress transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, p); err != nil {
		return "", err
	}
	return p, nil
}

// ReadTranscript decompresses the transcript archived for log name.
func (d *Dir) ReadTranscript(name string) (string, error) {
	p, err := d.resolve(name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(transcriptPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: transcript for %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return "", err
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return "", fmt.Errorf("decompress transcript: %w", err)
	}
	return string(data), nil
}
