// Package versioning archives replaced source documents and prunes old
// archives by count.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
)

// ErrNotArchived is returned when a restore names a key outside the archive.
var ErrNotArchived = errors.New("key is not an archived version")

// Config controls snapshot retention.
type Config struct {
	Enabled       bool
	MaxVersions   int
	ArchivePrefix string
}

// DefaultConfig keeps five versions under archive/versions/.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxVersions: 5, ArchivePrefix: "archive/versions/"}
}

// Controller snapshots documents before they are overwritten.
type Controller struct {
	store objectstore.Store
	cfg   Config
	now   func() time.Time
}

// New creates a Controller. Missing config values fall back to defaults.
func New(store objectstore.Store, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = def.MaxVersions
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = def.ArchivePrefix
	}
	if !strings.HasSuffix(cfg.ArchivePrefix, "/") {
		cfg.ArchivePrefix += "/"
	}
	return &Controller{store: store, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source used for archive keys.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

var timestampReplacer = strings.NewReplacer(":", "-", ".", "-")

// ArchiveKey builds the snapshot key for key taken at t.
func (c *Controller) ArchiveKey(courseID, ownerID, key string, t time.Time) string {
	ts := timestampReplacer.Replace(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	return c.ownerPrefix(courseID, ownerID) + ts + "/" + key
}

func (c *Controller) ownerPrefix(courseID, ownerID string) string {
	return c.cfg.ArchivePrefix + courseID + "/" + ownerID + "/"
}

// OnDocumentReplaced snapshots the current object at key, if any, and prunes
// old snapshots. It returns a nil snapshot when versioning is disabled or the
// object does not exist yet. Callers on the upload path log and drop the error.
func (c *Controller) OnDocumentReplaced(ctx context.Context, key, ownerID, courseID string) (*model.VersionSnapshot, error) {
	if !c.cfg.Enabled {
		slog.Debug("version control disabled, skipping snapshot", "key", key)
		return nil, nil
	}

	info, err := c.store.Stat(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		slog.Debug("first upload, no snapshot needed", "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	now := c.now()
	archiveKey := c.ArchiveKey(courseID, ownerID, key, now)
	if err := c.store.Copy(ctx, key, archiveKey); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	slog.Info("created version snapshot", "key", key, "archive_key", archiveKey)

	snap := &model.VersionSnapshot{
		ArchiveKey: archiveKey,
		SourceKey:  key,
		Timestamp:  now,
		SizeBytes:  info.Size,
	}

	if _, err := c.Cleanup(ctx, key, ownerID, courseID); err != nil {
		return snap, fmt.Errorf("cleanup old versions: %w", err)
	}
	return snap, nil
}

// Cleanup deletes snapshots of key beyond MaxVersions, oldest first.
func (c *Controller) Cleanup(ctx context.Context, key, ownerID, courseID string) (int, error) {
	versions, err := c.ListVersions(ctx, key, ownerID, courseID)
	if err != nil {
		return 0, err
	}
	if len(versions) <= c.cfg.MaxVersions {
		return 0, nil
	}

	deleted := 0
	for _, v := range versions[c.cfg.MaxVersions:] {
		if err := c.store.Delete(ctx, v.ArchiveKey); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return deleted, fmt.Errorf("delete %s: %w", v.ArchiveKey, err)
		}
		deleted++
	}
	slog.Info("pruned old versions", "key", key, "deleted", deleted, "kept", c.cfg.MaxVersions)
	return deleted, nil
}

// ListVersions returns the snapshots of key, newest first.
func (c *Controller) ListVersions(ctx context.Context, key, ownerID, courseID string) ([]model.VersionSnapshot, error) {
	objs, err := c.store.List(ctx, c.ownerPrefix(courseID, ownerID))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	suffix := "/" + key
	var out []model.VersionSnapshot
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, suffix) {
			continue
		}
		out = append(out, model.VersionSnapshot{
			ArchiveKey: o.Key,
			SourceKey:  key,
			Timestamp:  o.Updated,
			SizeBytes:  o.Size,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ArchiveKey > out[j].ArchiveKey
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Restore copies an archived version back onto currentKey.
func (c *Controller) Restore(ctx context.Context, currentKey, versionKey string) error {
	if !strings.HasPrefix(versionKey, c.cfg.ArchivePrefix) || !strings.HasSuffix(versionKey, "/"+currentKey) {
		return fmt.Errorf("restore %s: %w", versionKey, ErrNotArchived)
	}
	if err := c.store.Copy(ctx, versionKey, currentKey); err != nil {
		slog.Error("failed to restore version", "key", currentKey, "version_key", versionKey, "error", err)
		return fmt.Errorf("restore %s: %w", versionKey, err)
	}
	slog.Info("restored version", "key", currentKey, "version_key", versionKey)
	return nil
}
