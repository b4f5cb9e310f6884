package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
)

const (
	gcsScheme       = "gs://"
	defaultMaxBytes = 4 << 20
)

var (
	errInvalidLocation = errors.New("storage: location is required")
	errObjectTooLarge  = errors.New("storage: object exceeds size limit")
)

// Location identifies a Cloud Storage object. Path is set instead for local files.
type Location struct {
	Bucket string
	Object string
	Path   string
}

// Remote reports whether the location points at Cloud Storage.
func (l Location) Remote() bool { return l.Bucket != "" }

func (l Location) String() string {
	if l.Remote() {
		return gcsScheme + l.Bucket + "/" + l.Object
	}
	return l.Path
}

// ParseLocation accepts gs://bucket/object URIs and plain filesystem paths.
func ParseLocation(raw string) (Location, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Location{}, errInvalidLocation
	}
	if !strings.HasPrefix(trimmed, gcsScheme) {
		return Location{Path: trimmed}, nil
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(trimmed, gcsScheme), "/")
	bucket = strings.TrimSpace(bucket)
	object = strings.Trim(strings.TrimSpace(object), "/")
	if !ok || bucket == "" || object == "" {
		return Location{}, fmt.Errorf("storage: %q must look like gs://bucket/object", raw)
	}
	return Location{Bucket: bucket, Object: object}, nil
}

// Reader loads small documents from Cloud Storage or the local filesystem.
type Reader struct {
	client   *gcs.Client
	maxBytes int64
}

// ReaderOption customises Reader.
type ReaderOption func(*Reader)

// WithMaxBytes caps how much of an object is read.
func WithMaxBytes(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewReader constructs a Reader. client may be nil when only local paths are read.
func NewReader(client *gcs.Client, opts ...ReaderOption) *Reader {
	r := &Reader{client: client, maxBytes: defaultMaxBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Read returns the full content at loc.
func (r *Reader) Read(ctx context.Context, loc Location) ([]byte, error) {
	if !loc.Remote() {
		if strings.TrimSpace(loc.Path) == "" {
			return nil, errInvalidLocation
		}
		f, err := os.Open(loc.Path)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", loc.Path, err)
		}
		defer f.Close()
		return r.readAll(f, loc)
	}

	if r.client == nil {
		return nil, fmt.Errorf("storage: client is required to read %s", loc)
	}
	obj, err := r.client.Bucket(loc.Bucket).Object(loc.Object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", loc, err)
	}
	defer obj.Close()
	return r.readAll(obj, loc)
}

func (r *Reader) readAll(src io.Reader, loc Location) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", loc, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s", errObjectTooLarge, loc)
	}
	return data, nil
}
