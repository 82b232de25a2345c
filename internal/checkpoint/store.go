package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/forgeline/internal/checkpoint/backend"
	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/fsutil"
	"github.com/vk/forgeline/internal/workspace"
)

const (
	storeDirName  = "checkpoints"
	pointsDirName = "points"
	indexFileName = "index.json"
	queueFileName = "upload-queue.json"
	lockFileName  = ".store.lock"
	payloadDir    = "payload"
)

// Manifest describes one captured checkpoint.
type Manifest struct {
	PointID     string         `json:"id"`
	AnchorTask  string         `json:"anchor_task"`
	Fingerprint string         `json:"fingerprint"`
	Lineage     string         `json:"lineage"`
	Inputs      map[string]any `json:"inputs"`
	Targets     []string       `json:"targets"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IndexEntry records the current checkpoint for a point.
type IndexEntry struct {
	PointID     string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	CapturedAt  time.Time `json:"captured_at"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
}

type index struct {
	Entries map[string]*IndexEntry `json:"entries"`
}

// UploadState tracks an upload queue entry through its lifecycle.
type UploadState string

const (
	UploadPending UploadState = "pending"
	UploadDone    UploadState = "done"
	UploadFailed  UploadState = "failed"
)

// UploadEntry is one queued or completed backend upload.
type UploadEntry struct {
	PointID     string      `json:"id"`
	Fingerprint string      `json:"fingerprint"`
	BackendRef  string      `json:"backend_ref"`
	State       UploadState `json:"state"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type uploadQueue struct {
	Entries []*UploadEntry `json:"entries"`
}

// Store owns the on-disk checkpoint layout under <build>/checkpoints and
// the configured remote backends.
type Store struct {
	cfg      *Config
	doc      *config.Document
	ws       *workspace.Paths
	root     string
	backends map[string]backend.Backend
}

// NewStore decodes the checkpoints config and binds the store to the
// workspace build directory. Nothing is created on disk until the first
// mutation.
func NewStore(doc *config.Document, ws *workspace.Paths) (*Store, error) {
	cfg, err := LoadConfig(doc)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:      cfg,
		doc:      doc,
		ws:       ws,
		root:     filepath.Join(ws.Build, storeDirName),
		backends: map[string]backend.Backend{},
	}, nil
}

// Config exposes the decoded checkpoints config.
func (s *Store) Config() *Config {
	return s.cfg
}

// Enabled reports whether any checkpointing should happen.
func (s *Store) Enabled() bool {
	return s.cfg.Enabled && len(s.cfg.Points) > 0
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) pointDir(pointID, fingerprint string) string {
	return filepath.Join(s.root, pointsDirName, pointID, fingerprint)
}

func (s *Store) manifestPath(pointID, fingerprint string) string {
	return filepath.Join(s.pointDir(pointID, fingerprint), backend.ManifestName)
}

func (s *Store) payloadTarPath(pointID, fingerprint string) string {
	return filepath.Join(s.pointDir(pointID, fingerprint), backend.PayloadName)
}

func (s *Store) ensureLayout() error {
	return os.MkdirAll(filepath.Join(s.root, pointsDirName), 0o755)
}

// loadManifest reads a manifest from disk, nil when absent.
func (s *Store) loadManifest(pointID, fingerprint string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(pointID, fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("checkpoint: parsing manifest for %s/%s: %w", pointID, fingerprint, err)
	}
	return &m, nil
}

func (s *Store) loadIndex() (*index, error) {
	idx := &index{Entries: map[string]*IndexEntry{}}
	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("checkpoint: reading index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("checkpoint: parsing index: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]*IndexEntry{}
	}
	return idx, nil
}

func (s *Store) saveIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling index: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.root, indexFileName), data, 0o644)
}

func (s *Store) loadQueue() (*uploadQueue, error) {
	q := &uploadQueue{}
	data, err := os.ReadFile(filepath.Join(s.root, queueFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("checkpoint: reading upload queue: %w", err)
	}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, fmt.Errorf("checkpoint: parsing upload queue: %w", err)
	}
	return q, nil
}

func (s *Store) saveQueue(q *uploadQueue) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling upload queue: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.root, queueFileName), data, 0o644)
}

// upsert replaces the entry for (point, fingerprint, backend) or appends
// a new one.
func (q *uploadQueue) upsert(entry *UploadEntry) {
	for i, e := range q.Entries {
		if e.PointID == entry.PointID && e.Fingerprint == entry.Fingerprint && e.BackendRef == entry.BackendRef {
			q.Entries[i] = entry
			return
		}
	}
	q.Entries = append(q.Entries, entry)
}

// backendFor builds (and caches) the backend client for a reference.
func (s *Store) backendFor(refStr string) (backend.Backend, error) {
	if b, ok := s.backends[refStr]; ok {
		return b, nil
	}
	ref, err := backend.ParseRef(refStr)
	if err != nil {
		return nil, err
	}

	var b backend.Backend
	switch ref.Kind {
	case "s3":
		cfg, ok := s.cfg.S3[ref.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown s3 backend %q", ref.Name)
		}
		b, err = backend.NewS3(cfg)
	case "http":
		cfg, ok := s.cfg.HTTP[ref.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown http backend %q", ref.Name)
		}
		b, err = backend.NewHTTP(cfg)
	case "ssh":
		cfg, ok := s.cfg.SSH[ref.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown ssh backend %q", ref.Name)
		}
		b, err = backend.NewSSH(cfg)
	}
	if err != nil {
		return nil, err
	}
	s.backends[refStr] = b
	return b, nil
}

// setBackend overrides a backend client. Tests use it to script remotes.
func (s *Store) setBackend(refStr string, b backend.Backend) {
	s.backends[refStr] = b
}
