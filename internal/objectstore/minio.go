// Package objectstore mirrors flushed file content into an S3-compatible
// bucket so other services can read workspace files without going through the
// database.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Mirror struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

func (m *Mirror) PutContent(ctx context.Context, key, content string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// ContentKey is the object key of one file: <document>/<name>_<file id>.
func ContentKey(documentID, name, fileID string) string {
	return documentID + "/" + name + "_" + fileID
}
