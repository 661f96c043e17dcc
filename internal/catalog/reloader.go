package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/storage"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// Source makes the latest artifact set available in a local directory and
// returns that directory.
type Source interface {
	Sync(ctx context.Context) (string, error)
}

// DirSource is a Source for artifacts already on local disk.
type DirSource string

// Sync returns the directory unchanged.
func (d DirSource) Sync(context.Context) (string, error) { return string(d), nil }

// Reloader loads new snapshots from a Source into a Holder. Concurrent
// reloads are serialised; queries are never blocked.
type Reloader struct {
	holder *Holder
	source Source
	opts   LoadOptions
	logger *zap.Logger

	mu sync.Mutex
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithLogger sets the reloader logger.
func WithLogger(l *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = l }
}

// WithLoadOptions sets the validation options used for every load.
func WithLoadOptions(o LoadOptions) ReloaderOption {
	return func(r *Reloader) { r.opts = o }
}

// NewReloader returns a reloader publishing into holder.
func NewReloader(holder *Holder, source Source, opts ...ReloaderOption) *Reloader {
	r := &Reloader{holder: holder, source: source}
	for _, o := range opts {
		o(r)
	}
	r.logger = utils.LoggerOrNop(r.logger)
	return r
}

// Holder returns the holder the reloader publishes into.
func (r *Reloader) Holder() *Holder { return r.holder }

// Reload syncs the source and, if its manifest names a different version from
// the active snapshot, loads and publishes it. It reports whether a swap
// happened. On any error the active snapshot stays in place.
func (r *Reloader) Reload(ctx context.Context) (*Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.holder.Load()
	dir, err := r.source.Sync(ctx)
	if err != nil {
		r.logger.Warn("artifact sync failed", zap.Error(err))
		return current, false, err
	}
	m, err := storage.ReadManifest(dir)
	if err != nil {
		r.logger.Warn("manifest unreadable, keeping active snapshot", zap.String("dir", dir), zap.Error(err))
		return current, false, err
	}
	if current != nil && current.Version() == m.Version {
		r.logger.Debug("snapshot already active", zap.String("version", m.Version))
		return current, false, nil
	}

	next, err := LoadSnapshot(ctx, dir, r.opts)
	if err != nil {
		r.logger.Error("snapshot load failed, keeping active snapshot",
			zap.String("version", m.Version),
			zap.Error(err),
		)
		return current, false, err
	}
	r.holder.Store(next)

	fields := []zap.Field{
		zap.String("version", next.Version()),
		zap.Int("items", next.Size()),
		zap.Int("dimension", next.Dimension()),
		zap.Int("trees", next.Index().Trees()),
	}
	if current != nil {
		fields = append(fields, zap.String("previous", current.Version()))
	}
	r.logger.Info("snapshot loaded", fields...)
	return next, true, nil
}
