package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSBlobstore reads blobs stored as objects in a GCS bucket.
type GCSBlobstore struct {
	Bucket string
}

var _ BlobReader = (*GCSBlobstore)(nil)

func (g *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	objectKey := info.key()
	log := klog.FromContext(ctx).WithValues("bucket", g.Bucket, "object", objectKey)

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	r, err := client.Bucket(g.Bucket).Object(objectKey).NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("gs://%s/%s: %w", g.Bucket, objectKey, os.ErrNotExist)
	case err != nil:
		return fmt.Errorf("opening gs://%s/%s: %w", g.Bucket, objectKey, err)
	}
	defer r.Close()

	log.Info("downloading object", "destination", destinationPath, "size", r.Attrs.Size)
	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading gs://%s/%s: %w", g.Bucket, objectKey, err)
	}

	log.Info("downloaded object", "bytes", n, "duration", time.Since(startedAt))
	return nil
}
