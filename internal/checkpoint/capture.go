package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vk/forgeline/internal/checkpoint/backend"
	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/fsutil"
)

// Capture snapshots the point's targets into the store under the current
// fingerprint and, per upload policy, pushes the artifacts to the
// backend. Upload failures are recorded in the queue, never returned.
func (s *Store) Capture(ctx context.Context, pointID string) error {
	point, ok := s.cfg.Point(pointID)
	if !ok {
		return fmt.Errorf("checkpoint: unknown point %q", pointID)
	}
	log := ctxlog.FromContext(ctx).With("point", pointID)

	fp, inputs, err := ComputeFingerprint(s.doc, point)
	if err != nil {
		return err
	}

	return s.withLock(func() error {
		finalDir := s.pointDir(point.ID, fp)
		parent := filepath.Dir(finalDir)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("checkpoint: preparing point dir: %w", err)
		}

		// Stage the whole entry in a temp dir, then swap it into
		// place so a crash mid-capture leaves no half entry.
		tmpDir, err := os.MkdirTemp(parent, ".capture-*")
		if err != nil {
			return fmt.Errorf("checkpoint: creating staging dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		stagePayload := filepath.Join(tmpDir, payloadDir)
		targetNames := make([]string, 0, len(point.Targets))
		for name := range point.Targets {
			targetNames = append(targetNames, name)
		}
		sort.Strings(targetNames)

		for _, name := range targetNames {
			src, err := s.ws.Resolve(point.Targets[name])
			if err != nil {
				return fmt.Errorf("checkpoint: target %q: %w", name, err)
			}
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("checkpoint: target %q (%s): %w", name, src, err)
			}
			if err := fsutil.CopyTree(src, filepath.Join(stagePayload, name)); err != nil {
				return fmt.Errorf("checkpoint: capturing target %q: %w", name, err)
			}
		}

		if err := tarDir(stagePayload, filepath.Join(tmpDir, backend.PayloadName)); err != nil {
			return err
		}

		manifest := &Manifest{
			PointID:     point.ID,
			AnchorTask:  point.AnchorTask,
			Fingerprint: fp,
			Lineage:     LineageDigest(point.AnchorTask, fp),
			Inputs:      inputs,
			Targets:     targetNames,
			CreatedAt:   time.Now().UTC(),
		}
		data, err := manifestJSON(manifest)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(tmpDir, backend.ManifestName), data, 0o644); err != nil {
			return err
		}

		if err := os.RemoveAll(finalDir); err != nil {
			return fmt.Errorf("checkpoint: clearing previous entry: %w", err)
		}
		if err := os.Rename(tmpDir, finalDir); err != nil {
			return fmt.Errorf("checkpoint: committing entry: %w", err)
		}

		idx, err := s.loadIndex()
		if err != nil {
			return err
		}
		idx.Entries[point.ID] = &IndexEntry{
			PointID:     point.ID,
			Fingerprint: fp,
			CapturedAt:  manifest.CreatedAt,
		}
		if err := s.saveIndex(idx); err != nil {
			return err
		}
		log.Info("Checkpoint captured.", "fingerprint", fp)

		if point.UploadPolicy == UploadOff || point.Backend == "" {
			return nil
		}
		uploadErr := s.uploadArtifacts(ctx, point, fp)
		if uploadErr != nil {
			log.Warn("Checkpoint upload failed, queued for retry.", "error", uploadErr)
		}
		return s.recordUpload(point, fp, uploadErr)
	})
}

func manifestJSON(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshaling manifest: %w", err)
	}
	return data, nil
}

// uploadArtifacts pushes the payload first and the manifest last, so a
// remote manifest implies a complete entry.
func (s *Store) uploadArtifacts(ctx context.Context, point PointConfig, fp string) error {
	b, err := s.backendFor(point.Backend)
	if err != nil {
		return err
	}
	if err := b.Upload(ctx, point.ID, fp, backend.PayloadName, s.payloadTarPath(point.ID, fp)); err != nil {
		return err
	}
	return b.Upload(ctx, point.ID, fp, backend.ManifestName, s.manifestPath(point.ID, fp))
}

// recordUpload writes the queue entry for an upload attempt. Must be
// called with the store lock held.
func (s *Store) recordUpload(point PointConfig, fp string, uploadErr error) error {
	q, err := s.loadQueue()
	if err != nil {
		return err
	}
	entry := &UploadEntry{
		PointID:     point.ID,
		Fingerprint: fp,
		BackendRef:  point.Backend,
		Attempts:    1,
		UpdatedAt:   time.Now().UTC(),
	}
	for _, e := range q.Entries {
		if e.PointID == point.ID && e.Fingerprint == fp && e.BackendRef == point.Backend {
			entry.Attempts = e.Attempts + 1
		}
	}
	switch {
	case uploadErr == nil:
		entry.State = UploadDone
	case backend.IsTransient(uploadErr):
		entry.State = UploadPending
		entry.LastError = uploadErr.Error()
	default:
		entry.State = UploadFailed
		entry.LastError = uploadErr.Error()
	}
	q.upsert(entry)
	return s.saveQueue(q)
}
