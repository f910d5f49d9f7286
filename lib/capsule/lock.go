// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/memvid-foundation/memvid/lib/clock"
)

// lockSchemaVersion is the schema tag written into lock metadata so
// future writers can evolve the format without confusing old readers.
const lockSchemaVersion = 1

// lockPollInterval is how often a blocked acquire re-checks the lock
// before its deadline expires.
const lockPollInterval = 100 * time.Millisecond

// LockMetadata identifies the writer holding a capsule lock. It is
// stored as JSON in the <capsule>.lock sidecar so contending processes
// can report who is in the way.
type LockMetadata struct {
	PID  int    `json:"pid"`
	Host string `json:"host"`
	User string `json:"user"`

	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Context is a free-form description of what the holder is doing
	// (e.g. "intake:S-1 run/3").
	Context string `json:"context,omitempty"`

	SchemaVersion int `json:"schema_version"`
}

// Summary formats the metadata for contention error messages.
func (m LockMetadata) Summary() string {
	line := fmt.Sprintf("pid %d (%s@%s), acquired %s", m.PID, m.User, m.Host,
		m.AcquiredAt.UTC().Format(time.RFC3339))
	if m.Context != "" {
		line += fmt.Sprintf(" [%s]", m.Context)
	}
	return line
}

// Stale reports whether the lock looks abandoned: the heartbeat is
// older than the threshold AND the holding process is no longer alive
// on this host. Cross-host locks are never considered stale — we
// cannot probe a remote pid, so we err on the side of contention.
func (m LockMetadata) Stale(now time.Time, threshold time.Duration) bool {
	newest := m.LastHeartbeat
	if m.AcquiredAt.After(newest) {
		newest = m.AcquiredAt
	}
	if now.Sub(newest) < threshold {
		return false
	}
	host, err := os.Hostname()
	if err != nil || host != m.Host {
		return false
	}
	return !processAlive(m.PID)
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}

// currentLockMetadata builds metadata for this process.
func currentLockMetadata(clk clock.Clock, context string) LockMetadata {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	now := clk.Now()
	return LockMetadata{
		PID:           os.Getpid(),
		Host:          host,
		User:          username,
		AcquiredAt:    now,
		LastHeartbeat: now,
		Context:       context,
		SchemaVersion: lockSchemaVersion,
	}
}

// writerLock is a held exclusive lock on a capsule. The lock file is
// created O_EXCL, flocked, and filled with JSON metadata; a heartbeat
// goroutine refreshes last_heartbeat until Release.
type writerLock struct {
	file     *os.File
	path     string
	metadata LockMetadata
	clk      clock.Clock
	logger   *slog.Logger

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}

	releaseOnce sync.Once
}

// lockPathFor returns the lock sidecar path for a capsule file.
func lockPathFor(capsulePath string) string { return capsulePath + ".lock" }

// latestPathFor returns the "latest checkpoint" sidecar path.
func latestPathFor(capsulePath string) string { return capsulePath + ".latest" }

// readLockMetadata reads the metadata of an existing lock file.
// Returns fs.ErrNotExist if no lock is held.
func readLockMetadata(lockPath string) (LockMetadata, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return LockMetadata{}, err
	}
	if len(data) == 0 {
		// Released lock whose file removal lost a race; treat as free.
		return LockMetadata{}, fs.ErrNotExist
	}
	var metadata LockMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return LockMetadata{}, fmt.Errorf("parsing lock metadata in %s: %w", lockPath, err)
	}
	return metadata, nil
}

// acquireWriterLock takes the exclusive writer lock, polling until the
// deadline. A stale lock (old heartbeat, dead pid on this host) is
// removed and acquisition retried. On contention past the deadline the
// returned error is a *LockedByWriterError carrying the holder.
func acquireWriterLock(capsulePath string, clk clock.Clock, logger *slog.Logger,
	context string, timeout, heartbeatInterval time.Duration) (*writerLock, error) {

	lockPath := lockPathFor(capsulePath)
	staleThreshold := 5 * heartbeatInterval
	deadline := clk.Now().Add(timeout)

	for {
		lock, holder, err := tryAcquire(lockPath, clk, context)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			lock.logger = logger
			lock.startHeartbeat(heartbeatInterval)
			return lock, nil
		}

		if holder.Stale(clk.Now(), staleThreshold) {
			logger.Warn("removing stale capsule lock",
				"path", lockPath, "pid", holder.PID, "host", holder.Host)
			if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("removing stale lock %s: %w", lockPath, err)
			}
			continue
		}

		if !clk.Now().Add(lockPollInterval).Before(deadline) {
			return nil, &LockedByWriterError{Metadata: holder}
		}
		clk.Sleep(lockPollInterval)
	}
}

// tryAcquire makes one attempt. Returns (lock, _, nil) on success,
// (nil, holder, nil) on contention, or (nil, _, err) on IO failure.
func tryAcquire(lockPath string, clk clock.Clock, context string) (*writerLock, LockMetadata, error) {
	file, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			holder, readErr := readLockMetadata(lockPath)
			if errors.Is(readErr, fs.ErrNotExist) {
				// The holder released between our open and read; retry
				// by reporting an already-stale holder.
				return nil, LockMetadata{}, nil
			}
			if readErr != nil {
				// Unreadable metadata still means someone holds the file.
				return nil, LockMetadata{PID: 0, Host: "unknown", User: "unknown", SchemaVersion: lockSchemaVersion}, nil
			}
			return nil, holder, nil
		}
		return nil, LockMetadata{}, fmt.Errorf("creating lock file %s: %w", lockPath, err)
	}

	// Advisory OS lock on top of O_EXCL creation: if this process dies
	// without cleanup, the flock vanishes with it even though the file
	// remains (and is then detected as stale by metadata).
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, LockMetadata{}, fmt.Errorf("flocking %s: %w", lockPath, err)
	}

	metadata := currentLockMetadata(clk, context)
	lock := &writerLock{
		file:          file,
		path:          lockPath,
		metadata:      metadata,
		clk:           clk,
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	if err := lock.writeMetadata(metadata); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, LockMetadata{}, err
	}
	return lock, LockMetadata{}, nil
}

// writeMetadata rewrites the lock file with the given metadata and
// syncs it.
func (l *writerLock) writeMetadata(metadata LockMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock metadata: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock metadata: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing lock file: %w", err)
	}
	l.metadata = metadata
	return nil
}

// startHeartbeat launches the goroutine that refreshes last_heartbeat.
func (l *writerLock) startHeartbeat(interval time.Duration) {
	ticker := l.clk.NewTicker(interval)
	go func() {
		defer close(l.heartbeatDone)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopHeartbeat:
				return
			case <-ticker.C:
				metadata := l.metadata
				metadata.LastHeartbeat = l.clk.Now()
				if err := l.writeMetadata(metadata); err != nil && l.logger != nil {
					l.logger.Warn("lock heartbeat failed", "path", l.path, "error", err)
				}
			}
		}
	}()
}

// Release stops the heartbeat, truncates the metadata, drops the
// advisory lock, and removes the lock file. Idempotent.
func (l *writerLock) Release() error {
	var releaseErr error
	l.releaseOnce.Do(func() {
		close(l.stopHeartbeat)
		<-l.heartbeatDone

		if err := l.file.Truncate(0); err != nil {
			releaseErr = fmt.Errorf("truncating lock file: %w", err)
		}
		if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil && releaseErr == nil {
			releaseErr = fmt.Errorf("unlocking %s: %w", l.path, err)
		}
		if err := l.file.Close(); err != nil && releaseErr == nil {
			releaseErr = fmt.Errorf("closing lock file: %w", err)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && releaseErr == nil {
			releaseErr = fmt.Errorf("removing lock file: %w", err)
		}
	})
	return releaseErr
}

// InspectLock reports the metadata of the current lock holder, if any.
// Used by doctor and by read paths that want contention diagnostics
// without acquiring anything.
func InspectLock(capsulePath string) (LockMetadata, bool, error) {
	metadata, err := readLockMetadata(lockPathFor(capsulePath))
	if errors.Is(err, fs.ErrNotExist) {
		return LockMetadata{}, false, nil
	}
	if err != nil {
		return LockMetadata{}, false, err
	}
	return metadata, true, nil
}
