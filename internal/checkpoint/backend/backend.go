// Package backend abstracts the remote stores checkpoint artifacts can
// be uploaded to and restored from.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Artifact names shared by every backend. The remote layout mirrors the
// local store: <point>/<fingerprint>/{manifest.json,payload.tar}.
const (
	ManifestName = "manifest.json"
	PayloadName  = "payload.tar"
)

// ErrNotFound reports that the requested object does not exist remotely.
var ErrNotFound = errors.New("object not found")

// TransientError wraps failures worth retrying (network, 5xx, timeouts)
// so the upload queue can distinguish them from permanent ones.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Backend stores checkpoint artifacts keyed by point id and fingerprint.
type Backend interface {
	// Probe reports whether a manifest exists for the fingerprint.
	Probe(ctx context.Context, pointID, fingerprint string) (bool, error)
	// Download fetches one artifact into destPath.
	Download(ctx context.Context, pointID, fingerprint, name, destPath string) error
	// Upload sends one artifact from srcPath.
	Upload(ctx context.Context, pointID, fingerprint, name, srcPath string) error
	// List returns the fingerprints available for a point.
	List(ctx context.Context, pointID string) ([]string, error)
}

// Ref identifies a configured backend, e.g. "s3:main".
type Ref struct {
	Kind string
	Name string
}

// ParseRef splits a "kind:name" backend reference.
func ParseRef(s string) (Ref, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || kind == "" || name == "" {
		return Ref{}, fmt.Errorf("backend: invalid reference %q (want \"kind:name\")", s)
	}
	switch kind {
	case "s3", "http", "ssh":
	default:
		return Ref{}, fmt.Errorf("backend: unknown kind %q in reference %q", kind, s)
	}
	return Ref{Kind: kind, Name: name}, nil
}

func (r Ref) String() string {
	return r.Kind + ":" + r.Name
}
