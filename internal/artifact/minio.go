package artifact

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperjump/stylematch/internal/config"
)

// maxObjectRead caps objects read fully into memory (the manifest).
const maxObjectRead = 1 << 20

// MinioBucket implements Bucket for MinIO and other S3-compatible storage.
type MinioBucket struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBucket connects to the bucket described by cfg.
func NewMinioBucket(cfg config.ArtifactConfig) (*MinioBucket, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio artifact source requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewMinioBucketWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioBucketWithClient wraps an existing client. prefix is prepended to
// every object name.
func NewMinioBucketWithClient(client *minio.Client, bucket, prefix string) *MinioBucket {
	return &MinioBucket{client: client, bucket: bucket, prefix: prefix}
}

func (b *MinioBucket) key(name string) string { return objectKey(b.prefix, name) }

// Get reads a whole object.
func (b *MinioBucket) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, name)
	}
	defer obj.Close()
	data, err := io.ReadAll(io.LimitReader(obj, maxObjectRead+1))
	if err != nil {
		return nil, mapError(err, name)
	}
	if len(data) > maxObjectRead {
		return nil, fmt.Errorf("object %s larger than %d bytes", name, maxObjectRead)
	}
	return data, nil
}

// Download writes an object to dest.
func (b *MinioBucket) Download(ctx context.Context, name, dest string) error {
	if err := b.client.FGetObject(ctx, b.bucket, b.key(name), dest, minio.GetObjectOptions{}); err != nil {
		return mapError(err, name)
	}
	return nil
}

// Upload stores src under name.
func (b *MinioBucket) Upload(ctx context.Context, name, src string) error {
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	_, err := b.client.FPutObject(ctx, b.bucket, b.key(name), src, minio.PutObjectOptions{ContentType: ct})
	return err
}

func mapError(err error, name string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}
