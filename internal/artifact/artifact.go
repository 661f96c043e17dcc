// Package artifact moves snapshot artifact sets between the local artifact
// directory and an S3-compatible bucket.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/catalog"
	"github.com/hyperjump/stylematch/internal/config"
	"github.com/hyperjump/stylematch/internal/storage"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// ErrNotFound is returned when an object does not exist in the bucket.
var ErrNotFound = errors.New("artifact: object not found")

// Bucket is the object storage an artifact set is published to.
type Bucket interface {
	// Get returns the whole object.
	Get(ctx context.Context, name string) ([]byte, error)
	// Download writes the object to the local file dest.
	Download(ctx context.Context, name, dest string) error
	// Upload stores the local file src under name.
	Upload(ctx context.Context, name, src string) error
}

// NewSource returns the snapshot source described by cfg. Local sources read
// dir directly; remote sources use dir as their download cache.
func NewSource(cfg config.ArtifactConfig, dir string, logger *zap.Logger) (catalog.Source, error) {
	switch cfg.Source {
	case "", "local":
		return catalog.DirSource(dir), nil
	case "minio":
		b, err := NewMinioBucket(cfg)
		if err != nil {
			return nil, err
		}
		return NewRemoteSource(b, dir, logger), nil
	default:
		return nil, fmt.Errorf("unknown artifact source %q (supported: local, minio)", cfg.Source)
	}
}

// RemoteSource mirrors the latest artifact set of a bucket into a local
// cache directory.
type RemoteSource struct {
	bucket Bucket
	dir    string
	logger *zap.Logger
}

// NewRemoteSource creates a source caching into dir.
func NewRemoteSource(b Bucket, dir string, logger *zap.Logger) *RemoteSource {
	return &RemoteSource{bucket: b, dir: dir, logger: utils.LoggerOrNop(logger)}
}

// Sync downloads the bucket's current artifact set unless the cache already
// holds it, and returns the cache directory. Artifacts are verified before
// the manifest is written, so a failed sync leaves the previous manifest in
// place.
func (s *RemoteSource) Sync(ctx context.Context) (string, error) {
	data, err := s.bucket.Get(ctx, storage.ManifestFile)
	if err != nil {
		return "", fmt.Errorf("failed to fetch manifest: %w", err)
	}
	remote, err := storage.ParseManifest(data)
	if err != nil {
		return "", err
	}
	if local, err := storage.ReadManifest(s.dir); err == nil && local.Version == remote.Version {
		return s.dir, nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact cache: %w", err)
	}
	sums := map[string]string{remote.IndexFile: remote.IndexSHA256, remote.MetadataFile: remote.MetadataSHA256}
	for _, name := range remote.Files() {
		dest := filepath.Join(s.dir, name)
		if storage.VerifyChecksum(dest, sums[name]) == nil {
			continue
		}
		if err := s.bucket.Download(ctx, name, dest); err != nil {
			return "", fmt.Errorf("failed to download %s: %w", name, err)
		}
		if err := storage.VerifyChecksum(dest, sums[name]); err != nil {
			_ = os.Remove(dest)
			return "", err
		}
	}
	if err := storage.WriteManifest(s.dir, remote); err != nil {
		return "", err
	}
	if removed, err := storage.Prune(s.dir, remote); err != nil {
		s.logger.Warn("failed to prune artifact cache", zap.Error(err))
	} else if len(removed) > 0 {
		s.logger.Debug("pruned artifact cache", zap.Strings("files", removed))
	}
	s.logger.Info("artifacts synced", zap.String("version", remote.Version), zap.String("dir", s.dir))
	return s.dir, nil
}

// Publish uploads the artifact set in dir. The manifest goes last so readers
// of the bucket never see a manifest whose artifacts are missing.
func Publish(ctx context.Context, b Bucket, dir string) (*storage.Manifest, error) {
	m, err := storage.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := storage.VerifyArtifacts(dir, m); err != nil {
		return nil, err
	}
	for _, name := range m.Files() {
		if err := b.Upload(ctx, name, filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}
	if err := b.Upload(ctx, storage.ManifestFile, filepath.Join(dir, storage.ManifestFile)); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}
	return m, nil
}

// objectKey joins prefix and name with forward slashes.
func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
