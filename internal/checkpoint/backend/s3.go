package backend

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible object store backend. Credentials
// are read from the environment via the *_env field names so secrets
// never live in config files.
type S3Config struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	Region       string
	UseSSL       bool
	AccessKeyEnv string
	SecretKeyEnv string
}

// Validate checks the fields required to build a client.
func (c *S3Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("s3 backend: endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 backend: bucket is required")
	}
	return nil
}

// S3 talks to an S3-compatible object store through the minio client.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 resolves credentials from the environment and builds the client.
func NewS3(cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	accessEnv := cfg.AccessKeyEnv
	if accessEnv == "" {
		accessEnv = "AWS_ACCESS_KEY_ID"
	}
	secretEnv := cfg.SecretKeyEnv
	if secretEnv == "" {
		secretEnv = "AWS_SECRET_ACCESS_KEY"
	}
	accessKey := os.Getenv(accessEnv)
	secretKey := os.Getenv(secretEnv)
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 backend: credentials missing from environment (%s, %s)", accessEnv, secretEnv)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 backend: creating client: %w", err)
	}

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3) key(pointID, fingerprint, name string) string {
	return path.Join(s.prefix, pointID, fingerprint, name)
}

// Probe stats the manifest object.
func (s *S3) Probe(ctx context.Context, pointID, fingerprint string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(pointID, fingerprint, ManifestName), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return false, nil
	}
	return false, Transient(fmt.Errorf("probing %s/%s: %w", pointID, fingerprint, err))
}

// Download fetches one artifact into destPath.
func (s *S3) Download(ctx context.Context, pointID, fingerprint, name, destPath string) error {
	err := s.client.FGetObject(ctx, s.bucket, s.key(pointID, fingerprint, name), destPath, minio.GetObjectOptions{})
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return fmt.Errorf("downloading %s: %w", name, ErrNotFound)
	}
	return Transient(fmt.Errorf("downloading %s: %w", name, err))
}

// Upload sends one artifact from srcPath.
func (s *S3) Upload(ctx context.Context, pointID, fingerprint, name, srcPath string) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if name == ManifestName {
		opts.ContentType = "application/json"
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, s.key(pointID, fingerprint, name), srcPath, opts); err != nil {
		return Transient(fmt.Errorf("uploading %s: %w", name, err))
	}
	return nil
}

// List returns the fingerprints stored for a point.
func (s *S3) List(ctx context.Context, pointID string) ([]string, error) {
	prefix := path.Join(s.prefix, pointID) + "/"
	var fingerprints []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, Transient(fmt.Errorf("listing %s: %w", pointID, obj.Err))
		}
		// Non-recursive listing yields directory keys like
		// "<prefix>/<point>/<fp>/".
		rel := strings.TrimPrefix(obj.Key, prefix)
		if fp := strings.TrimSuffix(rel, "/"); fp != "" && !strings.Contains(fp, "/") {
			fingerprints = append(fingerprints, fp)
		}
	}
	return fingerprints, nil
}
