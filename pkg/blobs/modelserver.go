package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads content-addressed blobs from a blob server.
type ModelServer struct {
	// BlobserverURL is the base URL of a model-store instance.
	BlobserverURL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModelServer{}

func (m *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	return downloadURL(ctx, m.HTTPClient, m.BlobserverURL.JoinPath(info.Hash).String(), destPath)
}

// HTTPReader downloads blobs whose Location is an http or https URL.
type HTTPReader struct {
	HTTPClient *http.Client
}

var _ BlobReader = &HTTPReader{}

func (r *HTTPReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	return downloadURL(ctx, r.HTTPClient, info.Location, destPath)
}

func downloadURL(ctx context.Context, client *http.Client, rawURL string, destPath string) error {
	if client == nil {
		client = http.DefaultClient
	}
	log := klog.FromContext(ctx).WithValues("url", rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %q: %w", rawURL, err)
	}

	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("fetching %q: %w", rawURL, os.ErrNotExist)
	default:
		return fmt.Errorf("fetching %q: unexpected status %s", rawURL, resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", rawURL, err)
	}
	log.Info("downloaded", "bytes", n, "duration", time.Since(startedAt))
	return nil
}
