package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PointListing enumerates the checkpoints known for one point.
type PointListing struct {
	PointID     string
	AnchorTask  string
	Current     string   // fingerprint the index points at, if any
	Local       []string // fingerprints present on disk
	Remote      []string // fingerprints present on the backend
	RemoteError string   // non-empty when the backend listing failed
}

// List enumerates local checkpoints per point and, when includeRemote is
// set, fans out to the backends for their listings. Backend failures are
// reported per point, not returned.
func (s *Store) List(ctx context.Context, includeRemote bool) ([]PointListing, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	listings := make([]PointListing, len(s.cfg.Points))
	for i, point := range s.cfg.Points {
		listing := PointListing{PointID: point.ID, AnchorTask: point.AnchorTask}
		if entry, ok := idx.Entries[point.ID]; ok {
			listing.Current = entry.Fingerprint
		}
		listing.Local, err = s.localFingerprints(point.ID)
		if err != nil {
			return nil, err
		}
		listings[i] = listing
	}

	if includeRemote {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for i, point := range s.cfg.Points {
			if point.Backend == "" {
				continue
			}
			g.Go(func() error {
				b, err := s.backendFor(point.Backend)
				if err != nil {
					mu.Lock()
					listings[i].RemoteError = err.Error()
					mu.Unlock()
					return nil
				}
				fps, err := b.List(gctx, point.ID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					listings[i].RemoteError = err.Error()
					return nil
				}
				sort.Strings(fps)
				listings[i].Remote = fps
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	sort.Slice(listings, func(i, j int) bool { return listings[i].PointID < listings[j].PointID })
	return listings, nil
}

// localFingerprints reads the fingerprint directories of a point.
func (s *Store) localFingerprints(pointID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pointsDirName, pointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var fps []string
	for _, entry := range entries {
		if entry.IsDir() {
			// A manifest marks a complete entry.
			if _, err := os.Stat(s.manifestPath(pointID, entry.Name())); err == nil {
				fps = append(fps, entry.Name())
			}
		}
	}
	sort.Strings(fps)
	return fps, nil
}
