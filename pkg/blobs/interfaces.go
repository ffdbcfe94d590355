package blobs

import "context"

// BlobReader copies a single blob to a local path.
type BlobReader interface {
	// Download writes the blob to destPath. A blob the reader does not have
	// is reported as an error matching os.ErrNotExist.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

// BlobInfo identifies a blob. Content-addressed blobs set Hash; blobs that
// live at a fixed location (a bucket object, a URL) set Location instead.
type BlobInfo struct {
	Hash     string
	Location string
}

// key is the object name or URL the blob is stored under.
func (i BlobInfo) key() string {
	if i.Location != "" {
		return i.Location
	}
	return i.Hash
}
