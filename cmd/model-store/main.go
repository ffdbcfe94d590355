package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/modelrunner/pkg/blobs"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "~/.cache/model-store/blobs"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory holding downloaded blobs")
	flag.StringVar(&cacheBucket, "bucket", cacheBucket, "GCS bucket holding model blobs, as gs://<bucket>")
	klog.InitFlags(nil)
	flag.Parse()

	bucket, err := parseBucket(cacheBucket)
	if err != nil {
		return err
	}
	cacheDir, err = blobs.ExpandHome(cacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	log.Info("serving model blobs", "listen", listen, "bucket", bucket, "cacheDir", cacheDir)
	srv := &http.Server{
		Addr:    listen,
		Handler: &httpServer{blobCache: newBlobCache(cacheDir, &blobs.GCSBlobstore{Bucket: bucket})},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutting down http server")
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

// parseBucket extracts the bucket name from a gs://<bucket> URL.
func parseBucket(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("must specify -bucket or the CACHE_BUCKET env var")
	}
	bucket, ok := strings.CutPrefix(s, "gs://")
	if !ok || bucket == "" || strings.Contains(strings.TrimSuffix(bucket, "/"), "/") {
		return "", fmt.Errorf("bucket %q must be a GCS bucket URL (gs://<bucket>)", s)
	}
	return strings.TrimSuffix(bucket, "/"), nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/")
	if strings.Contains(hash, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveBlob(w, r, hash)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *httpServer) serveBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	log := klog.FromContext(ctx).WithValues("hash", hash)

	if !validHash(hash) {
		http.Error(w, "invalid blob hash", http.StatusBadRequest)
		return
	}

	f, err := s.blobCache.GetBlob(ctx, hash)
	switch {
	case status.Code(err) == codes.NotFound:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error(err, "getting blob")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	log.V(2).Info("serving blob", "path", f.Name())
	http.ServeFile(w, r, f.Name())
}

// validHash accepts lowercase hex digests of sha256 length.
func validHash(hash string) bool {
	if len(hash) != 64 || strings.ToLower(hash) != hash {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

type blobCache struct {
	BaseDir   string
	blobstore blobs.BlobReader

	// fetching serializes downloads of the same blob.
	mutex    sync.Mutex
	fetching map[string]*sync.Mutex
}

func newBlobCache(baseDir string, blobstore blobs.BlobReader) *blobCache {
	return &blobCache{
		BaseDir:   baseDir,
		blobstore: blobstore,
		fetching:  make(map[string]*sync.Mutex),
	}
}

func (c *blobCache) lockFor(hash string) *sync.Mutex {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	m := c.fetching[hash]
	if m == nil {
		m = &sync.Mutex{}
		c.fetching[hash] = m
	}
	return m
}

// GetBlob opens the cached blob, downloading it from the blobstore on a
// miss. A blob the blobstore does not have is a codes.NotFound error.
func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	log := klog.FromContext(ctx)

	localPath := filepath.Join(c.BaseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	m := c.lockFor(hash)
	m.Lock()
	defer m.Unlock()

	// Another request may have fetched it while we waited.
	if f, err := os.Open(localPath); err == nil {
		return f, nil
	}

	log.Info("blob not in local cache, fetching from blobstore", "hash", hash)
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Hash: hash}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return nil, fmt.Errorf("fetching blob %q: %w", hash, err)
	}

	f, err = os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}
	return f, nil
}
