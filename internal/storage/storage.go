package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage abstracts where rate snapshots live: the local filesystem or an
// S3-compatible bucket (AWS, CEPH, MinIO).
type Storage interface {
	// Get opens the object at key. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads content to key.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Location is a parsed snapshot address.
type Location struct {
	Bucket string // empty for local paths
	Key    string
}

// IsS3 reports whether the location refers to a bucket.
func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsS3() {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Key
}

// ParseLocation parses "s3://bucket/key" or a local filesystem path.
func ParseLocation(s string) (Location, error) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		if s == "" {
			return Location{}, errors.New("empty snapshot location")
		}
		return Location{Key: s}, nil
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("invalid s3 location %q: want s3://bucket/key", s)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Open returns the Storage that serves loc. S3 locations use cfg with the
// bucket taken from loc.
func Open(ctx context.Context, loc Location, cfg S3Config) (Storage, error) {
	if !loc.IsS3() {
		return NewLocal(""), nil
	}
	cfg.Bucket = loc.Bucket
	return NewS3(ctx, cfg)
}

// Read opens the snapshot at the given location string.
func Read(ctx context.Context, location string, cfg S3Config) (io.ReadCloser, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	store, err := Open(ctx, loc, cfg)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, loc.Key)
}
