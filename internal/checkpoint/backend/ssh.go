package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures a checkpoint mirror reachable over SSH. The
// remote layout under RemotePath mirrors the local store:
// <point>/<fingerprint>/{manifest.json,payload.tar}.
type SSHConfig struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	RemotePath   string
	// StrictHostKey enables known_hosts verification. Lenient mode
	// accepts any host key and is meant for throwaway CI hosts.
	StrictHostKey  bool
	KnownHostsFile string
}

// SSH runs remote commands over a lazily established connection.
type SSH struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH validates the config. The connection is dialed on first use.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh backend: host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh backend: user is required")
	}
	if cfg.RemotePath == "" {
		return nil, fmt.Errorf("ssh backend: remote_path is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSH{cfg: cfg}, nil
}

func (s *SSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !s.cfg.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := s.cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("ssh backend: resolving known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("ssh backend: loading known_hosts %s: %w", file, err)
	}
	return cb, nil
}

func (s *SSH) connect() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	keyData, err := os.ReadFile(s.cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("ssh backend: reading identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("ssh backend: parsing identity file: %w", err)
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, Transient(fmt.Errorf("ssh backend: dialing %s: %w", addr, err))
	}
	s.client = client
	return client, nil
}

// Close tears down the cached connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// run executes a remote command, optionally wiring stdin and capturing
// stdout.
func (s *SSH) run(ctx context.Context, command string, stdin *os.File, stdout *os.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := s.connect()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return Transient(fmt.Errorf("ssh backend: opening session: %w", err))
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	if stdout != nil {
		session.Stdout = stdout
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ssh backend: %s: %w", msg, err)
		}
		return err
	}
	return nil
}

// quote single-quotes a remote path for the shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSH) remote(pointID, fingerprint, name string) string {
	return path.Join(s.cfg.RemotePath, pointID, fingerprint, name)
}

// Probe tests for the remote manifest.
func (s *SSH) Probe(ctx context.Context, pointID, fingerprint string) (bool, error) {
	err := s.run(ctx, "test -f "+quote(s.remote(pointID, fingerprint, ManifestName)), nil, nil)
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if IsTransient(err) {
		return false, err
	}
	return false, Transient(err)
}

// Download cats the remote artifact into destPath.
func (s *SSH) Download(ctx context.Context, pointID, fingerprint, name, destPath string) error {
	remote := s.remote(pointID, fingerprint, name)

	exists, err := s.Probe(ctx, pointID, fingerprint)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("downloading %s: %w", name, ErrNotFound)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	defer f.Close()
	if err := s.run(ctx, "cat "+quote(remote), nil, f); err != nil {
		return Transient(fmt.Errorf("downloading %s: %w", name, err))
	}
	return nil
}

// Upload streams the artifact to the remote path, creating parents.
func (s *SSH) Upload(ctx context.Context, pointID, fingerprint, name, srcPath string) error {
	remote := s.remote(pointID, fingerprint, name)
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	defer f.Close()

	cmd := "mkdir -p " + quote(path.Dir(remote)) + " && cat > " + quote(remote)
	if err := s.run(ctx, cmd, f, nil); err != nil {
		return Transient(fmt.Errorf("uploading %s: %w", name, err))
	}
	return nil
}

// List enumerates fingerprint directories for a point.
func (s *SSH) List(ctx context.Context, pointID string) ([]string, error) {
	dir := path.Join(s.cfg.RemotePath, pointID)
	tmp, err := os.CreateTemp("", "forgeline-ssh-list-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	err = s.run(ctx, "ls -1 "+quote(dir)+" 2>/dev/null || true", nil, tmp)
	if err != nil {
		return nil, Transient(fmt.Errorf("listing %s: %w", pointID, err))
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, err
	}

	var fingerprints []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			fingerprints = append(fingerprints, line)
		}
	}
	return fingerprints, nil
}
