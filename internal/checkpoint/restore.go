package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vk/forgeline/internal/checkpoint/backend"
	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/fsutil"
)

// Restore materializes the checkpoint named by a Decision into the
// point's targets, downloading the artifacts first for remote hits.
func (s *Store) Restore(ctx context.Context, d Decision) error {
	point, ok := s.cfg.Point(d.PointID)
	if !ok {
		return fmt.Errorf("checkpoint: unknown point %q", d.PointID)
	}
	if !d.Restore {
		return fmt.Errorf("checkpoint: decision for %q is not a restore", d.PointID)
	}
	log := ctxlog.FromContext(ctx).With("point", d.PointID, "fingerprint", d.Fingerprint)

	if d.Remote {
		if err := s.fetchRemote(ctx, point, d.Fingerprint); err != nil {
			return err
		}
	}

	manifest, err := s.loadManifest(point.ID, d.Fingerprint)
	if err != nil {
		return err
	}
	if manifest == nil {
		return fmt.Errorf("checkpoint: manifest missing for %s/%s", point.ID, d.Fingerprint)
	}
	if s.cfg.TrustMode == TrustVerify {
		if manifest.Lineage != LineageDigest(point.AnchorTask, d.Fingerprint) {
			return fmt.Errorf("checkpoint: lineage mismatch for %s/%s", point.ID, d.Fingerprint)
		}
	}

	dir := s.pointDir(point.ID, d.Fingerprint)
	payload := filepath.Join(dir, payloadDir)
	if _, err := os.Stat(payload); os.IsNotExist(err) {
		if err := untarDir(s.payloadTarPath(point.ID, d.Fingerprint), payload); err != nil {
			return err
		}
	}

	targetNames := make([]string, 0, len(point.Targets))
	for name := range point.Targets {
		targetNames = append(targetNames, name)
	}
	sort.Strings(targetNames)

	for _, name := range targetNames {
		src := filepath.Join(payload, name)
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("checkpoint: payload is missing target %q: %w", name, err)
		}
		dest, err := s.ws.Resolve(point.Targets[name])
		if err != nil {
			return fmt.Errorf("checkpoint: target %q: %w", name, err)
		}
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("checkpoint: clearing target %q: %w", name, err)
		}
		if err := fsutil.CopyTree(src, dest); err != nil {
			return fmt.Errorf("checkpoint: restoring target %q: %w", name, err)
		}
	}
	log.Info("Checkpoint restored.", "targets", len(targetNames))

	return s.withLock(func() error {
		idx, err := s.loadIndex()
		if err != nil {
			return err
		}
		entry, ok := idx.Entries[point.ID]
		if !ok || entry.Fingerprint != d.Fingerprint {
			entry = &IndexEntry{
				PointID:     point.ID,
				Fingerprint: d.Fingerprint,
				CapturedAt:  manifest.CreatedAt,
			}
			idx.Entries[point.ID] = entry
		}
		entry.LastUsedAt = time.Now().UTC()
		if err := s.saveIndex(idx); err != nil {
			return err
		}

		// upload_policy=always keeps the backend populated even when
		// the artifacts came from a local hit.
		if point.UploadPolicy == UploadAlways && point.Backend != "" && !d.Remote {
			if err := s.ensureUploaded(ctx, point, d.Fingerprint); err != nil {
				log.Warn("Backend sync after restore failed, queued for retry.", "error", err)
				return s.recordUpload(point, d.Fingerprint, err)
			}
		}
		return nil
	})
}

// fetchRemote downloads manifest and payload into the local store. The
// payload lands first so a present manifest marks a complete entry.
func (s *Store) fetchRemote(ctx context.Context, point PointConfig, fp string) error {
	b, err := s.backendFor(point.Backend)
	if err != nil {
		return err
	}
	dir := s.pointDir(point.ID, fp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: preparing point dir: %w", err)
	}
	if err := b.Download(ctx, point.ID, fp, backend.PayloadName, s.payloadTarPath(point.ID, fp)); err != nil {
		return fmt.Errorf("checkpoint: fetching payload: %w", err)
	}
	if err := b.Download(ctx, point.ID, fp, backend.ManifestName, s.manifestPath(point.ID, fp)); err != nil {
		return fmt.Errorf("checkpoint: fetching manifest: %w", err)
	}
	return nil
}

// ensureUploaded probes the backend and uploads the entry when absent.
// Must be called with the store lock held.
func (s *Store) ensureUploaded(ctx context.Context, point PointConfig, fp string) error {
	b, err := s.backendFor(point.Backend)
	if err != nil {
		return err
	}
	found, err := b.Probe(ctx, point.ID, fp)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	if err := s.uploadArtifacts(ctx, point, fp); err != nil {
		return err
	}
	return s.recordUpload(point, fp, nil)
}
