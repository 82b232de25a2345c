package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	t.Run("valid refs", func(t *testing.T) {
		for _, tc := range []struct {
			in   string
			want Ref
		}{
			{"s3:main", Ref{Kind: "s3", Name: "main"}},
			{"http:mirror", Ref{Kind: "http", Name: "mirror"}},
			{"ssh:buildhost", Ref{Kind: "ssh", Name: "buildhost"}},
		} {
			ref, err := ParseRef(tc.in)
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, ref)
			assert.Equal(t, tc.in, ref.String())
		}
	})

	t.Run("invalid refs", func(t *testing.T) {
		for _, in := range []string{"", "s3", "s3:", ":main", "ftp:server"} {
			_, err := ParseRef(in)
			assert.Error(t, err, in)
		}
	})
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransient(fmt.Errorf("uploading: %w", err)), "survives wrapping")

	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(ErrNotFound))
	assert.Nil(t, Transient(nil))
}

func TestS3ConfigValidate(t *testing.T) {
	assert.ErrorContains(t, (&S3Config{}).Validate(), "endpoint is required")
	assert.ErrorContains(t, (&S3Config{Endpoint: "minio:9000"}).Validate(), "bucket is required")
	assert.NoError(t, (&S3Config{Endpoint: "minio:9000", Bucket: "b"}).Validate())
}

func TestNewSSHValidation(t *testing.T) {
	_, err := NewSSH(SSHConfig{})
	assert.ErrorContains(t, err, "host is required")
	_, err = NewSSH(SSHConfig{Host: "h"})
	assert.ErrorContains(t, err, "user is required")
	_, err = NewSSH(SSHConfig{Host: "h", User: "u"})
	assert.ErrorContains(t, err, "remote_path is required")

	s, err := NewSSH(SSHConfig{Host: "h", User: "u", RemotePath: "/srv/ckpt"})
	require.NoError(t, err)
	assert.Equal(t, 22, s.cfg.Port)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'/srv/a b'`, quote("/srv/a b"))
	assert.Equal(t, `'it'\''s'`, quote("it's"))
}
