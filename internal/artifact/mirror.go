package artifact

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/invoice"
)

// Mirror uploads a downloaded artifact and returns its object location.
type Mirror interface {
	Upload(ctx context.Context, environment, runID, localPath string) (string, error)
}

type MinioMirror struct {
	client *minio.Client
	bucket string
	region string
	prefix string

	mu      sync.Mutex
	ensured bool
}

func NewMinioMirror(cfg config.ObjectStore) (*MinioMirror, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("object store endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &MinioMirror{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (m *MinioMirror) Upload(ctx context.Context, environment, runID, localPath string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", invoice.Wrap(invoice.ErrFetch, "mirror artifact", err)
	}
	key := ObjectKey(m.prefix, environment, runID, filepath.Base(localPath))
	if _, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
		return "", invoice.Wrap(invoice.ErrFetch, "mirror artifact", err)
	}
	return m.bucket + "/" + key, nil
}

func (m *MinioMirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket: %w", err)
		}
	}
	m.ensured = true
	return nil
}

// ObjectKey is <prefix>/<environment>/<run id>/<name> with empty parts dropped.
func ObjectKey(prefix, environment, runID, name string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{prefix, environment, runID, name} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
