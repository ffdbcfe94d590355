package blobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFetcher(t *testing.T) *Fetcher {
	return &Fetcher{
		CacheDir:    filepath.Join(t.TempDir(), "cache"),
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
}

func TestResolveLocalPath(t *testing.T) {
	f := newFetcher(t)
	ctx := context.Background()

	p, err := f.Resolve(ctx, "/models/dense.onnx")
	require.NoError(t, err)
	assert.Equal(t, "/models/dense.onnx", p)

	p, err = f.Resolve(ctx, "file:///models/dense.pb")
	require.NoError(t, err)
	assert.Equal(t, "/models/dense.pb", p)

	_, err = os.Stat(f.CacheDir)
	assert.True(t, os.IsNotExist(err), "local paths must not create the cache")
}

func TestResolveHTTPCaches(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/models/dense.tflite", r.URL.Path)
		w.Write([]byte("model bytes"))
	}))
	defer server.Close()

	f := newFetcher(t)
	uri := server.URL + "/models/dense.tflite?version=2"

	p, err := f.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, f.CacheDir, filepath.Dir(p))
	assert.True(t, strings.HasSuffix(p, ".tflite"), "cached file %q lost its extension", p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "model bytes", string(data))

	again, err := f.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, int32(1), requests.Load(), "second resolve should hit the cache")

	entries, err := os.ReadDir(f.CacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestResolveRetries(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := newFetcher(t)
	p, err := f.Resolve(context.Background(), server.URL+"/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	f = newFetcher(t)
	f.MaxAttempts = 2
	requests.Store(0)
	_, err = f.Resolve(context.Background(), server.URL+"/model.onnx")
	assert.Error(t, err)
	assert.Equal(t, int32(2), requests.Load())
}

func TestResolveNotFoundIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newFetcher(t)
	_, err := f.Resolve(context.Background(), server.URL+"/missing.pb")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, int32(1), requests.Load())
}

func TestResolveBlob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blobs/abc123" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("blob"))
	}))
	defer server.Close()

	base, err := url.Parse(server.URL + "/blobs")
	require.NoError(t, err)

	f := newFetcher(t)
	f.BlobServer = &ModelServer{BlobserverURL: base}

	p, err := f.Resolve(context.Background(), "blob:abc123")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))
}

type recordingReader struct {
	bucket string
	infos  []BlobInfo
}

func (r *recordingReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	r.infos = append(r.infos, info)
	return os.WriteFile(destPath, []byte(r.bucket+"/"+info.Location), 0644)
}

func TestResolveGCS(t *testing.T) {
	reader := &recordingReader{}
	f := newFetcher(t)
	f.Bucket = func(name string) BlobReader {
		reader.bucket = name
		return reader
	}

	p, err := f.Resolve(context.Background(), "gs://models/vision/dense.tflite")
	require.NoError(t, err)
	assert.Equal(t, []BlobInfo{{Location: "vision/dense.tflite"}}, reader.infos)
	assert.Equal(t, ".tflite", filepath.Ext(p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "models/vision/dense.tflite", string(data))
}

func TestResolveRejects(t *testing.T) {
	f := newFetcher(t)
	for _, uri := range []string{
		"gs://bucket-only",
		"gs:///object",
		"ftp://host/model.onnx",
		"blob:",
		"blob:abc",
	} {
		_, err := f.Resolve(context.Background(), uri)
		assert.Error(t, err, "Resolve(%q)", uri)
	}

	f.CacheDir = ""
	_, err := f.Resolve(context.Background(), "https://example.com/model.onnx")
	assert.ErrorContains(t, err, "cache directory")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p, err := ExpandHome("~/.cache/models")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache/models"), p)

	p, err = ExpandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", p)
}
