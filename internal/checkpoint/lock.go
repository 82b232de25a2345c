package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	lockDeadline = 15 * time.Second
	lockRetry    = 50 * time.Millisecond
)

// acquireLock takes the store-wide lock file with bounded retry. The
// returned release func removes it. O_EXCL makes creation the atomic
// claim.
func (s *Store) acquireLock() (func(), error) {
	if err := s.ensureLayout(); err != nil {
		return nil, fmt.Errorf("checkpoint: preparing store: %w", err)
	}
	path := filepath.Join(s.root, lockFileName)
	deadline := time.Now().Add(lockDeadline)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("checkpoint: acquiring store lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("checkpoint: store lock %s held too long (is another run active?)", path)
		}
		time.Sleep(lockRetry)
	}
}

// withLock runs fn while holding the store lock.
func (s *Store) withLock(fn func() error) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
