package rates

import (
	"context"
	"fmt"

	"github.com/forgecommerce/vatcalc/internal/storage"
)

// Open builds a table from the snapshot at location, a filesystem path or
// an s3://bucket/key address. An empty location uses the embedded snapshot.
func Open(ctx context.Context, location string, s3cfg storage.S3Config, opts ...Option) (*Table, error) {
	if location == "" {
		return Default(opts...)
	}

	snap, err := ReadSnapshot(ctx, location, s3cfg)
	if err != nil {
		return nil, err
	}
	return New(snap, opts...)
}

// ReadSnapshot reads and decodes the snapshot at location.
func ReadSnapshot(ctx context.Context, location string, s3cfg storage.S3Config) (Snapshot, error) {
	rc, err := storage.Read(ctx, location, s3cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading rate snapshot %s: %w", location, err)
	}
	defer rc.Close()

	snap, err := Load(rc)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", location, err)
	}
	return snap, nil
}
