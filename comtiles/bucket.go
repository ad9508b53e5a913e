package comtiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
)

// Bucket abstracts a range-capable object store: local files, plain HTTP,
// or a gocloud.dev/blob-backed bucket (S3/GCS/Azure). Every ArchiveReader
// fetch goes through this interface so the core library never imports a
// cloud SDK directly.
type Bucket interface {
	Close() error
	NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// FileBucket serves archives from a directory on disk.
type FileBucket struct {
	Path string
}

func (b FileBucket) NewRangeReader(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(b.Path, key))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(buf[:n])), nil
}

func (b FileBucket) Close() error { return nil }

// HTTPClient lets tests swap in a mock client in place of http.DefaultClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBucket serves archives over plain HTTP range requests.
type HTTPBucket struct {
	BaseURL string
	Client  HTTPClient
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("comtiles: http range request failed: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (b HTTPBucket) Close() error { return nil }

// BucketAdapter wraps a gocloud.dev/blob.Bucket, the mechanism by which
// this package gains S3/GCS/Azure support without importing any cloud SDK
// directly — callers blank-import the relevant gocloud driver package
// (e.g. "gocloud.dev/blob/s3blob") the way main.go does for pmtiles.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (a BucketAdapter) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return a.Bucket.NewRangeReader(ctx, key, offset, length, nil)
}

func (a BucketAdapter) Close() error { return a.Bucket.Close() }

// mockBucket is an in-memory Bucket for tests, mirroring pmtiles/bucket.go's
// mockBucket: archives are pre-built byte slices keyed by name.
type mockBucket struct {
	items map[string][]byte
}

func newMockBucket() *mockBucket { return &mockBucket{items: map[string][]byte{}} }

func (m *mockBucket) put(key string, data []byte) { m.items[key] = data }

func (m *mockBucket) Close() error { return nil }

func (m *mockBucket) NewRangeReader(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	bs, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("comtiles: mock bucket: not found %q", key)
	}
	end := offset + length
	if end > int64(len(bs)) {
		end = int64(len(bs))
	}
	if offset > end {
		return nil, fmt.Errorf("comtiles: mock bucket: offset %d beyond length %d", offset, len(bs))
	}
	return io.NopCloser(bytes.NewReader(bs[offset:end])), nil
}

// OpenBucket dispatches on URL scheme exactly like pmtiles.OpenBucket:
// "http(s)://" for plain ranged HTTP, "file://" for local directories, and
// anything else through gocloud.dev/blob.
func OpenBucket(ctx context.Context, bucketURL, prefix string) (Bucket, error) {
	switch {
	case strings.HasPrefix(bucketURL, "http"):
		return HTTPBucket{BaseURL: strings.TrimSuffix(bucketURL, "/"), Client: http.DefaultClient}, nil
	case strings.HasPrefix(bucketURL, "file://"):
		return FileBucket{Path: filepath.FromSlash(strings.TrimPrefix(bucketURL, "file://"))}, nil
	default:
		b, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, err
		}
		if prefix != "" && prefix != "/" && prefix != "." {
			b = blob.PrefixedBucket(b, path.Clean(prefix)+"/")
		}
		return BucketAdapter{Bucket: b}, nil
	}
}
