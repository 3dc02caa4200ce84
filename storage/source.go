package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/sony/gobreaker"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// source opens dataset paths. Local paths are read from disk; gs:// paths
// are read from Google Cloud Storage behind a circuit breaker.
type source struct {
	breaker    *gobreaker.CircuitBreaker
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client *gcs.Client
}

func newSource(breaker *gobreaker.CircuitBreaker, opts []option.ClientOption) *source {
	return &source{breaker: breaker, clientOpts: opts}
}

// modTime returns the last modification time of path.
func (s *source) modTime(ctx context.Context, path string) (time.Time, error) {
	if !isGCS(path) {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		return info.ModTime(), nil
	}

	obj, err := s.object(ctx, path)
	if err != nil {
		return time.Time{}, err
	}
	attrs, err := s.breaker.Execute(func() (interface{}, error) {
		return obj.Attrs(ctx)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return attrs.(*gcs.ObjectAttrs).Updated, nil
}

// open returns a reader over the raw bytes at path.
func (s *source) open(ctx context.Context, path string) (io.ReadCloser, error) {
	if !isGCS(path) {
		return os.Open(path)
	}

	obj, err := s.object(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := s.breaker.Execute(func() (interface{}, error) {
		return obj.NewReader(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return r.(*gcs.Reader), nil
}

func (s *source) object(ctx context.Context, path string) (*gcs.ObjectHandle, error) {
	bucket, name, err := parseGCSPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, err := gcs.NewClient(ctx, s.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.client = client
	}
	return s.client.Bucket(bucket).Object(name), nil
}

func (s *source) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func isGCS(path string) bool {
	return strings.HasPrefix(path, gcsScheme)
}

// parseGCSPath splits gs://bucket/object into its parts.
func parseGCSPath(path string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(path, gcsScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS path %q: want gs://bucket/object", path)
	}
	return bucket, object, nil
}
