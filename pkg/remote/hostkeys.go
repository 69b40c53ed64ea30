package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// lockTimeout is how long to wait for the known_hosts lock before
// proceeding without it.
const lockTimeout = 2 * time.Second

// HostKeyStore implements a trust-on-first-use host key policy. This is a
// convenience for lab targets, not a security control: the first key a host
// presents is accepted without verification.
//
// With a backing file, accepted keys are appended in known_hosts format and
// a later different key for the same host is rejected. Without a file every
// presented key is accepted.
type HostKeyStore struct {
	path string
	mu   sync.Mutex
}

// NewHostKeyStore creates a store backed by path, which may be empty.
func NewHostKeyStore(path string) *HostKeyStore {
	return &HostKeyStore{path: path}
}

// Path returns the backing known_hosts file, if any.
func (s *HostKeyStore) Path() string {
	return s.path
}

// Callback returns the ssh.HostKeyCallback enforcing the policy.
func (s *HostKeyStore) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if s.path == "" {
			return nil
		}
		return s.verifyOrAdd(hostname, remote, key)
	}
}

func (s *HostKeyStore) verifyOrAdd(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}

	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Unlock()
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	check, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("parse known_hosts %s: %w", s.path, err)
	}

	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
		return err
	}

	return s.appendKey(hostname, key)
}

func (s *HostKeyStore) appendKey(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts for append: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// acquireLock takes an exclusive lock next to the known_hosts file so
// concurrent harness processes do not interleave writes. On timeout it
// returns nil and the caller proceeds unlocked.
func (s *HostKeyStore) acquireLock() (*flock.Flock, error) {
	fl := flock.New(s.path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("lock known_hosts: %w", err)
	}
	if !locked {
		return nil, nil
	}
	return fl, nil
}
