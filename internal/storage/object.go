package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/example/collab-sync/internal/types"
)

// ObjectBackend stores snapshots as objects under snapshots/{id}.bin in an
// S3 compatible bucket.
type ObjectBackend struct {
	client *minio.Client
	bucket string
}

// NewObjectBackend constructs a backend writing to bucket.
func NewObjectBackend(client *minio.Client, bucket string) *ObjectBackend {
	return &ObjectBackend{client: client, bucket: bucket}
}

func objectPath(docID types.DocumentID) string {
	return fmt.Sprintf("snapshots/%s.bin", docID)
}

// EnsureBucket creates the bucket when it is missing.
func (o *ObjectBackend) EnsureBucket(ctx context.Context, region string) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("stat bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (o *ObjectBackend) Fetch(ctx context.Context, docID types.DocumentID) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, objectPath(docID), minio.GetObjectOptions{})
	if err != nil {
		return nil, o.translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxSnapshotSize+1))
	if err != nil {
		return nil, o.translate(err)
	}
	if len(data) > maxSnapshotSize {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxSnapshotSize)
	}
	return data, nil
}

func (o *ObjectBackend) Store(ctx context.Context, docID types.DocumentID, snapshot []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, objectPath(docID), bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

func (o *ObjectBackend) translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return fmt.Errorf("download snapshot: %w", err)
}
