package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
)

// fetchTimeout bounds a single remote legacy-region download.
const fetchTimeout = 30 * time.Second

// RemoteSource retrieves archived legacy region files from a GCS bucket,
// for deployments that keep cold/archived regions off local disk. It is
// optional: MigrateWorld and Convert work entirely against the local
// filesystem without one.
type RemoteSource struct {
	client *storage.Client
	bucket string
}

// NewRemoteSource returns a RemoteSource reading legacy region objects
// from bucket.
func NewRemoteSource(client *storage.Client, bucket string) *RemoteSource {
	return &RemoteSource{client: client, bucket: bucket}
}

// FetchLegacyRegion downloads the legacy region object at objectPath into
// localPath, so Convert can operate on it as if it were already local.
// The local copy is left in place on success for Convert to consume and
// is the caller's responsibility to remove afterward.
func (rs *RemoteSource) FetchLegacyRegion(ctx context.Context, objectPath, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	obj := rs.client.Bucket(rs.bucket).Object(objectPath)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return fmt.Errorf("opening gs://%s/%s: %w", rs.bucket, objectPath, err)
	}
	defer reader.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating local copy %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("downloading gs://%s/%s: %w", rs.bucket, objectPath, err)
	}

	return nil
}
