// Package checkpoint persists and restores the expensive anchor points
// of a build: fingerprinted snapshots of task outputs kept in a local
// store under the build directory, optionally mirrored to a remote
// backend.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/vk/forgeline/internal/checkpoint/backend"
	"github.com/vk/forgeline/internal/config"
)

// UsePolicy controls whether a point's checkpoints are consulted.
type UsePolicy string

const (
	// UseAuto restores when a matching checkpoint exists.
	UseAuto UsePolicy = "auto"
	// UseOff disables the point entirely.
	UseOff UsePolicy = "off"
	// UseRequired fails the run when no restore is possible.
	UseRequired UsePolicy = "required"
)

// UploadPolicy controls when captures are pushed to the backend.
type UploadPolicy string

const (
	UploadOff       UploadPolicy = "off"
	UploadOnSuccess UploadPolicy = "on_success"
	UploadAlways    UploadPolicy = "always"
)

// TrustMode controls lineage verification on restore.
type TrustMode string

const (
	// TrustVerify rejects checkpoints whose lineage digest does not
	// match the recomputed one.
	TrustVerify TrustMode = "verify"
	// TrustPermissive accepts any checkpoint with a matching
	// fingerprint.
	TrustPermissive TrustMode = "permissive"
)

// PointConfig declares one checkpointable anchor.
type PointConfig struct {
	ID              string
	AnchorTask      string
	FingerprintFrom []string
	// Targets maps payload entry names to workspace path references
	// captured and restored for this point.
	Targets      map[string]string
	Backend      string // "kind:name" reference, empty for local-only
	UsePolicy    UsePolicy
	UploadPolicy UploadPolicy
}

// Config is the decoded checkpoints block.
type Config struct {
	Enabled   bool
	TrustMode TrustMode
	Points    []PointConfig

	S3   map[string]backend.S3Config
	HTTP map[string]backend.HTTPConfig
	SSH  map[string]backend.SSHConfig
}

// Point returns the config for a point id.
func (c *Config) Point(id string) (PointConfig, bool) {
	for _, p := range c.Points {
		if p.ID == id {
			return p, true
		}
	}
	return PointConfig{}, false
}

func parseUsePolicy(s string) (UsePolicy, error) {
	switch UsePolicy(s) {
	case UseAuto, UseOff, UseRequired:
		return UsePolicy(s), nil
	case "":
		return UseAuto, nil
	}
	return "", fmt.Errorf("checkpoint: unknown use_policy %q (want auto, off, or required)", s)
}

func parseUploadPolicy(s string) (UploadPolicy, error) {
	switch UploadPolicy(s) {
	case UploadOff, UploadOnSuccess, UploadAlways:
		return UploadPolicy(s), nil
	case "":
		return UploadOff, nil
	}
	return "", fmt.Errorf("checkpoint: unknown upload_policy %q (want off, on_success, or always)", s)
}

func parseTrustMode(s string) (TrustMode, error) {
	switch TrustMode(s) {
	case TrustVerify, TrustPermissive:
		return TrustMode(s), nil
	case "":
		return TrustVerify, nil
	}
	return "", fmt.Errorf("checkpoint: unknown trust_mode %q (want verify or permissive)", s)
}

// LoadConfig decodes the checkpoints block of the document. A document
// without one yields a disabled config.
func LoadConfig(doc *config.Document) (*Config, error) {
	cfg := &Config{
		TrustMode: TrustVerify,
		S3:        map[string]backend.S3Config{},
		HTTP:      map[string]backend.HTTPConfig{},
		SSH:       map[string]backend.SSHConfig{},
	}
	if !doc.Has("checkpoints") {
		return cfg, nil
	}

	cfg.Enabled = doc.BoolOr("checkpoints.enabled", true)

	var err error
	if cfg.TrustMode, err = parseTrustMode(doc.StringOr("checkpoints.trust_mode", "")); err != nil {
		return nil, err
	}
	defaultUse, err := parseUsePolicy(doc.StringOr("checkpoints.use_policy", ""))
	if err != nil {
		return nil, err
	}
	defaultUpload, err := parseUploadPolicy(doc.StringOr("checkpoints.upload_policy", ""))
	if err != nil {
		return nil, err
	}

	if err := loadBackends(doc, cfg); err != nil {
		return nil, err
	}

	for _, id := range doc.Keys("checkpoints.point") {
		base := "checkpoints.point." + id
		point := PointConfig{
			ID:           id,
			AnchorTask:   doc.StringOr(base+".anchor_task", ""),
			Backend:      doc.StringOr(base+".backend", ""),
			UsePolicy:    defaultUse,
			UploadPolicy: defaultUpload,
		}
		if point.AnchorTask == "" {
			return nil, fmt.Errorf("checkpoint: point %q: anchor_task is required", id)
		}
		if from, ok := doc.GetStringSlice(base + ".fingerprint_from"); ok {
			point.FingerprintFrom = from
		}
		if targets, ok := doc.GetStringMap(base + ".targets"); ok {
			point.Targets = targets
		}
		if len(point.Targets) == 0 {
			return nil, fmt.Errorf("checkpoint: point %q: at least one target is required", id)
		}
		if s, ok := doc.GetString(base + ".use_policy"); ok {
			if point.UsePolicy, err = parseUsePolicy(s); err != nil {
				return nil, fmt.Errorf("checkpoint: point %q: %w", id, err)
			}
		}
		if s, ok := doc.GetString(base + ".upload_policy"); ok {
			if point.UploadPolicy, err = parseUploadPolicy(s); err != nil {
				return nil, fmt.Errorf("checkpoint: point %q: %w", id, err)
			}
		}
		if point.Backend != "" {
			ref, err := backend.ParseRef(point.Backend)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: point %q: %w", id, err)
			}
			if !cfg.hasBackend(ref) {
				return nil, fmt.Errorf("checkpoint: point %q references unknown backend %q", id, point.Backend)
			}
		}
		cfg.Points = append(cfg.Points, point)
	}
	return cfg, nil
}

func (c *Config) hasBackend(ref backend.Ref) bool {
	switch ref.Kind {
	case "s3":
		_, ok := c.S3[ref.Name]
		return ok
	case "http":
		_, ok := c.HTTP[ref.Name]
		return ok
	case "ssh":
		_, ok := c.SSH[ref.Name]
		return ok
	}
	return false
}

func loadBackends(doc *config.Document, cfg *Config) error {
	for _, name := range doc.Keys("checkpoints.backend.s3") {
		base := "checkpoints.backend.s3." + name
		cfg.S3[name] = backend.S3Config{
			Endpoint:     doc.StringOr(base+".endpoint", ""),
			Bucket:       doc.StringOr(base+".bucket", ""),
			Prefix:       doc.StringOr(base+".prefix", ""),
			Region:       doc.StringOr(base+".region", ""),
			UseSSL:       doc.BoolOr(base+".use_ssl", true),
			AccessKeyEnv: doc.StringOr(base+".access_key_env", ""),
			SecretKeyEnv: doc.StringOr(base+".secret_key_env", ""),
		}
	}
	for _, name := range doc.Keys("checkpoints.backend.http") {
		base := "checkpoints.backend.http." + name
		hc := backend.HTTPConfig{
			BaseURL:  doc.StringOr(base+".base_url", ""),
			TokenEnv: doc.StringOr(base+".token_env", ""),
		}
		if secs, ok := doc.GetInt(base + ".timeout_seconds"); ok {
			hc.Timeout = time.Duration(secs) * time.Second
		}
		cfg.HTTP[name] = hc
	}
	for _, name := range doc.Keys("checkpoints.backend.ssh") {
		base := "checkpoints.backend.ssh." + name
		sc := backend.SSHConfig{
			Host:           doc.StringOr(base+".host", ""),
			User:           doc.StringOr(base+".user", ""),
			IdentityFile:   doc.StringOr(base+".identity_file", ""),
			RemotePath:     doc.StringOr(base+".remote_path", ""),
			StrictHostKey:  doc.BoolOr(base+".strict_host_key", true),
			KnownHostsFile: doc.StringOr(base+".known_hosts_file", ""),
		}
		if port, ok := doc.GetInt(base + ".port"); ok {
			sc.Port = int(port)
		}
		cfg.SSH[name] = sc
	}
	return nil
}
