package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Object is a stored object's name and size in bytes.
type Object struct {
	Name string
	Size int64
}

// Store is the datastore shared between this service and the platform's
// compute. Input chunks are uploaded here and scoring jobs write their
// predictions back here.
type Store interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

// URI renders a datastore location the platform understands.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURI splits an s3:// URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid datastore URI %q: %w", uri, err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid scheme in datastore URI %q, expected s3", uri)
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}
