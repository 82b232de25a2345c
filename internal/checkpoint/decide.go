package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/forgeline/internal/ctxlog"
)

// Decision reasons. inputs_changed carries the changed key-paths after
// the colon.
const (
	ReasonHit                 = "hit"
	ReasonHitPermissive       = "hit_permissive"
	ReasonMissing             = "missing"
	ReasonFingerprintChanged  = "fingerprint_changed"
	ReasonInputsChangedPrefix = "inputs_changed:"
	ReasonLineageMismatch     = "lineage_mismatch"
	ReasonRemoteHit           = "remote_hit"
	ReasonRemoteMissing       = "remote_missing"
	ReasonRemoteProbeError    = "remote_probe_error"
	ReasonPolicyOff           = "policy_off"
	ReasonRequiredMissing     = "required_missing"
)

// Decision is the resolved outcome for one point before the run starts.
type Decision struct {
	PointID     string
	AnchorTask  string
	Fingerprint string
	// Restore is true when a matching checkpoint can satisfy the
	// anchor task.
	Restore bool
	// Remote is true when the hit lives on the backend and must be
	// downloaded during restore.
	Remote bool
	Reason string
}

// RequiredMissError fails the run when points with use_policy=required
// cannot be restored.
type RequiredMissError struct {
	Points []string
}

func (e *RequiredMissError) Error() string {
	return fmt.Sprintf("checkpoint: required restore not possible for %s", strings.Join(e.Points, ", "))
}

// Decide resolves every configured point to a restore decision. It reads
// the store and probes backends but never mutates state, so calling it
// twice in a row yields the same decisions. The returned error is a
// *RequiredMissError when a required point has no usable checkpoint.
func (s *Store) Decide(ctx context.Context) (map[string]Decision, error) {
	log := ctxlog.FromContext(ctx)
	decisions := make(map[string]Decision, len(s.cfg.Points))

	type probeTarget struct {
		point PointConfig
		fp    string
	}
	var probes []probeTarget

	for _, point := range s.cfg.Points {
		if !s.cfg.Enabled || point.UsePolicy == UseOff {
			decisions[point.ID] = Decision{
				PointID:    point.ID,
				AnchorTask: point.AnchorTask,
				Reason:     ReasonPolicyOff,
			}
			continue
		}

		d, err := s.decideLocal(point)
		if err != nil {
			return nil, err
		}
		if !d.Restore && point.Backend != "" {
			probes = append(probes, probeTarget{point: point, fp: d.Fingerprint})
		}
		decisions[point.ID] = d
	}

	// Remote probes fan out concurrently; a probe failure downgrades
	// the point to a miss instead of failing the run.
	if len(probes) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range probes {
			g.Go(func() error {
				b, err := s.backendFor(target.point.Backend)
				if err != nil {
					mu.Lock()
					d := decisions[target.point.ID]
					d.Reason = ReasonRemoteProbeError
					decisions[target.point.ID] = d
					mu.Unlock()
					log.Warn("Backend unavailable for probe.", "point", target.point.ID, "error", err)
					return nil
				}
				found, err := b.Probe(gctx, target.point.ID, target.fp)
				mu.Lock()
				defer mu.Unlock()
				d := decisions[target.point.ID]
				switch {
				case err != nil:
					d.Reason = ReasonRemoteProbeError
					log.Warn("Remote probe failed.", "point", target.point.ID, "error", err)
				case found:
					d.Restore = true
					d.Remote = true
					d.Reason = ReasonRemoteHit
				default:
					d.Reason = ReasonRemoteMissing
				}
				decisions[target.point.ID] = d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var requiredMisses []string
	for _, point := range s.cfg.Points {
		if point.UsePolicy == UseRequired && !decisions[point.ID].Restore {
			requiredMisses = append(requiredMisses, point.ID)
			d := decisions[point.ID]
			d.Reason = ReasonRequiredMissing
			decisions[point.ID] = d
		}
	}
	if len(requiredMisses) > 0 {
		sort.Strings(requiredMisses)
		return decisions, &RequiredMissError{Points: requiredMisses}
	}
	return decisions, nil
}

// decideLocal checks the on-disk store for a usable checkpoint.
func (s *Store) decideLocal(point PointConfig) (Decision, error) {
	d := Decision{PointID: point.ID, AnchorTask: point.AnchorTask}

	fp, inputs, err := ComputeFingerprint(s.doc, point)
	if err != nil {
		return d, err
	}
	d.Fingerprint = fp

	manifest, err := s.loadManifest(point.ID, fp)
	if err != nil {
		return d, err
	}
	if manifest != nil {
		if _, err := os.Stat(s.payloadTarPath(point.ID, fp)); err == nil {
			if s.cfg.TrustMode == TrustPermissive {
				d.Restore = true
				d.Reason = ReasonHitPermissive
				return d, nil
			}
			if manifest.Lineage == LineageDigest(point.AnchorTask, fp) {
				d.Restore = true
				d.Reason = ReasonHit
				return d, nil
			}
			d.Reason = ReasonLineageMismatch
			return d, nil
		}
	}

	// No local hit: refine the miss reason from the previous capture.
	idx, err := s.loadIndex()
	if err != nil {
		return d, err
	}
	prev, ok := idx.Entries[point.ID]
	if !ok || prev.Fingerprint == fp {
		d.Reason = ReasonMissing
		return d, nil
	}

	prevManifest, err := s.loadManifest(point.ID, prev.Fingerprint)
	if err != nil || prevManifest == nil {
		d.Reason = ReasonFingerprintChanged
		return d, nil
	}
	if changed := DiffInputs(prevManifest.Inputs, inputs); len(changed) > 0 {
		d.Reason = FormatInputsChanged(changed)
	} else {
		d.Reason = ReasonFingerprintChanged
	}
	return d, nil
}
