package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 5 * time.Second
)

// Fetcher resolves model URIs to local files. Supported forms are a local
// path (or file://), gs://<bucket>/<object>, http(s):// URLs and
// blob:<hash> for content served by a blob server. Remote models are
// downloaded once into CacheDir.
type Fetcher struct {
	CacheDir string

	// BlobServer serves blob:<hash> URIs.
	BlobServer BlobReader
	// HTTP serves http and https URIs; defaults to an HTTPReader.
	HTTP BlobReader
	// Bucket returns the reader for a GCS bucket; defaults to a GCSBlobstore.
	Bucket func(name string) BlobReader

	MaxAttempts int
	RetryDelay  time.Duration
}

// Resolve returns a local path for uri, downloading it if needed. Local paths
// are returned without checking they exist.
func (f *Fetcher) Resolve(ctx context.Context, uri string) (string, error) {
	log := klog.FromContext(ctx)

	reader, info, err := f.source(uri)
	if err != nil {
		return "", err
	}
	if reader == nil {
		return ExpandHome(strings.TrimPrefix(uri, "file://"))
	}

	if f.CacheDir == "" {
		return "", fmt.Errorf("a cache directory is required to fetch %q", uri)
	}
	cacheDir, err := ExpandHome(f.CacheDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	localPath := filepath.Join(cacheDir, cacheName(uri))
	if _, err := os.Stat(localPath); err == nil {
		log.Info("using cached model", "uri", uri, "path", localPath)
		return localPath, nil
	}

	if err := f.download(ctx, reader, info, localPath); err != nil {
		return "", fmt.Errorf("fetching %q: %w", uri, err)
	}
	return localPath, nil
}

// source picks the reader for uri. A nil reader means uri is a local path.
func (f *Fetcher) source(uri string) (BlobReader, BlobInfo, error) {
	if hash, ok := strings.CutPrefix(uri, "blob:"); ok {
		if hash == "" {
			return nil, BlobInfo{}, fmt.Errorf("blob uri %q has no hash", uri)
		}
		if f.BlobServer == nil {
			return nil, BlobInfo{}, fmt.Errorf("cannot fetch %q: no blob server configured", uri)
		}
		return f.BlobServer, BlobInfo{Hash: hash}, nil
	}

	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return nil, BlobInfo{}, nil
	}
	switch scheme {
	case "file":
		return nil, BlobInfo{}, nil

	case "gs":
		bucket, object, _ := strings.Cut(rest, "/")
		if bucket == "" || object == "" {
			return nil, BlobInfo{}, fmt.Errorf("invalid GCS uri %q (expected gs://<bucket>/<object>)", uri)
		}
		newBucket := f.Bucket
		if newBucket == nil {
			newBucket = func(name string) BlobReader {
				return &GCSBlobstore{Bucket: name}
			}
		}
		return newBucket(bucket), BlobInfo{Location: object}, nil

	case "http", "https":
		reader := f.HTTP
		if reader == nil {
			reader = &HTTPReader{}
		}
		return reader, BlobInfo{Location: uri}, nil
	}
	return nil, BlobInfo{}, fmt.Errorf("unsupported scheme %q in %q", scheme, uri)
}

// cacheName keys the cache by the uri's sha256, keeping the extension so
// cached files stay recognizable.
func cacheName(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(uri); err == nil {
		name += path.Ext(u.Path)
	}
	return name
}

func (f *Fetcher) download(ctx context.Context, reader BlobReader, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryDelay := f.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		// A missing blob will not appear by retrying.
		if errors.Is(err, os.ErrNotExist) || attempt >= maxAttempts {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
