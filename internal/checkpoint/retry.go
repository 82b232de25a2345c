package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/forgeline/internal/checkpoint/backend"
	"github.com/vk/forgeline/internal/ctxlog"
)

// RetryResult summarizes one RetryUploads pass.
type RetryResult struct {
	Attempted int
	Uploaded  int
	Remaining int
}

// RetryUploads re-attempts pending and failed queue entries whose
// artifacts still exist locally, at most max of them (0 or negative
// means no limit). Entries that succeed flip to done; transient
// failures stay pending with an incremented attempt count.
func (s *Store) RetryUploads(ctx context.Context, max int) (*RetryResult, error) {
	log := ctxlog.FromContext(ctx)
	result := &RetryResult{}

	err := s.withLock(func() error {
		q, err := s.loadQueue()
		if err != nil {
			return err
		}

		for _, entry := range q.Entries {
			if entry.State == UploadDone {
				continue
			}
			if max > 0 && result.Attempted >= max {
				result.Remaining++
				continue
			}
			result.Attempted++

			point, ok := s.cfg.Point(entry.PointID)
			if !ok {
				entry.State = UploadFailed
				entry.LastError = fmt.Sprintf("point %q no longer configured", entry.PointID)
				entry.UpdatedAt = time.Now().UTC()
				result.Remaining++
				continue
			}
			// The queue entry pins the backend it was enqueued for,
			// surviving later config edits.
			target := point
			target.Backend = entry.BackendRef

			uploadErr := s.uploadArtifacts(ctx, target, entry.Fingerprint)
			entry.Attempts++
			entry.UpdatedAt = time.Now().UTC()
			switch {
			case uploadErr == nil:
				entry.State = UploadDone
				entry.LastError = ""
				result.Uploaded++
				log.Info("Queued upload completed.", "point", entry.PointID, "fingerprint", entry.Fingerprint)
			case backend.IsTransient(uploadErr):
				entry.State = UploadPending
				entry.LastError = uploadErr.Error()
				result.Remaining++
				log.Warn("Queued upload still failing.", "point", entry.PointID, "error", uploadErr)
			default:
				entry.State = UploadFailed
				entry.LastError = uploadErr.Error()
				result.Remaining++
				log.Warn("Queued upload failed permanently.", "point", entry.PointID, "error", uploadErr)
			}
		}
		return s.saveQueue(q)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Queue returns a copy of the upload queue entries.
func (s *Store) Queue() ([]UploadEntry, error) {
	q, err := s.loadQueue()
	if err != nil {
		return nil, err
	}
	out := make([]UploadEntry, 0, len(q.Entries))
	for _, e := range q.Entries {
		out = append(out, *e)
	}
	return out, nil
}
