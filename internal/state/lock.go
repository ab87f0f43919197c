package state

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Locks older than this are treated as leftovers from a crashed run.
const staleLockAge = 10 * time.Minute

// Lock acquires an advisory per-scope lock file so two processes never
// mutate the same scope partition concurrently. The release func must
// be called even when the run fails.
func (s *FileStore) Lock(ctx context.Context, scope string) (func() error, error) {
	lockPath := s.scopePath(scope) + ".lock"

	// A stale lock from a crashed process is removed, once.
	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
		} else {
			return nil, fmt.Errorf("scope %q is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", scope, lockPath)
		}
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("scope %q is locked by another process (lock file: %s)", scope, lockPath)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	}
	return release, nil
}
