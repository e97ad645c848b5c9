// Package atomicfile implements locked read-modify-write of a JSON document
// shared between processes on the same filesystem.
//
// A writer holds an exclusive flock on a sidecar "<path>.lock" file for the
// whole cycle, writes the new content to a unique temp file in the target
// directory, fsyncs it, renames it over the target and fsyncs the directory.
// Readers of the target therefore only ever observe a complete document. The
// previous good content is kept in "<path>.bak" and used as the base when the
// primary fails to parse. Without a usable backup the corrupt bytes are kept
// in "<path>.corrupt-<ts>" and the next write starts from an empty document.
package atomicfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

const (
	DefaultLockTimeout   = 10 * time.Second
	defaultRetryInterval = 20 * time.Millisecond
)

var (
	// ErrCorruption is returned when a corrupt file without a valid backup
	// could not be moved aside.
	ErrCorruption = fmt.Errorf("%w: shared file is not valid JSON", errdefs.ErrCorruption)
	// ErrLockTimeout is returned when the lock could not be acquired in time.
	ErrLockTimeout = fmt.Errorf("%w: timed out acquiring file lock", errdefs.ErrTransient)
	// ErrInvalidContent is returned when a mutation produced invalid JSON.
	ErrInvalidContent = errors.New("mutation produced invalid JSON")
)

// MutateFunc receives the current content (nil when the file does not exist
// yet) and returns the content to write.
type MutateFunc func(current []byte) ([]byte, error)

// File is a JSON document guarded by a sidecar lock.
type File struct {
	path          string
	perm          os.FileMode
	lockTimeout   time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// Option configures a File.
type Option func(*File)

// WithLockTimeout bounds how long Update waits for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.lockTimeout = d
		}
	}
}

// WithPerm sets the mode of the written file.
func WithPerm(perm os.FileMode) Option {
	return func(f *File) { f.perm = perm }
}

// WithLogger sets the logger used for corruption events.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *File) { f.logger = logger }
}

// New returns a File for path. The file itself may not exist yet.
func New(path string, opts ...Option) *File {
	f := &File{
		path:          path,
		perm:          0o644,
		lockTimeout:   DefaultLockTimeout,
		retryInterval: defaultRetryInterval,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the target path.
func (f *File) Path() string { return f.path }

func (f *File) lockPath() string   { return f.path + ".lock" }
func (f *File) backupPath() string { return f.path + ".bak" }

// Update runs mutate under the exclusive lock and atomically replaces the
// file with its result. If mutate or any write step fails the file is left
// untouched.
func (f *File) Update(ctx context.Context, mutate MutateFunc) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", f.path, err)
	}

	unlock, err := f.lock(ctx, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := f.readValid(true)
	if err != nil {
		return err
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}
	if !json.Valid(next) {
		return fmt.Errorf("%s: %w", f.path, ErrInvalidContent)
	}
	if current != nil && bytes.Equal(current, next) {
		if _, statErr := os.Stat(f.path); statErr == nil {
			return nil
		}
	}

	if current != nil {
		if err := f.writeAtomic(f.backupPath(), current); err != nil {
			return fmt.Errorf("writing backup of %s: %w", f.path, err)
		}
	}
	if err := f.writeAtomic(f.path, next); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	return nil
}

// Read returns the current content under a shared lock, or nil when the file
// does not exist or is empty. A corrupt file is reported and the backup is
// returned in its place, or nil when there is no valid backup.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	if _, err := os.Stat(filepath.Dir(f.path)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	unlock, err := f.lock(ctx, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return f.readValid(false)
}

// Restore replaces a corrupt file with its backup. It is a no-op when the
// file parses.
func (f *File) Restore(ctx context.Context) error {
	return f.Update(ctx, func(current []byte) ([]byte, error) {
		if current == nil {
			return []byte("{}"), nil
		}
		return current, nil
	})
}

// readValid returns the content of the file, falling back to the backup when
// the primary does not parse. An empty file is treated as missing. With
// restore set the backup is also written back over the primary, which
// requires the exclusive lock.
//
// When neither the file nor its backup parse the content is treated as
// missing so writers can continue. Under the exclusive lock the bad bytes
// are first moved aside to "<path>.corrupt-<unix nanos>".
func (f *File) readValid(restore bool) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if json.Valid(data) {
		return data, nil
	}

	backup, berr := os.ReadFile(f.backupPath())
	if berr == nil && json.Valid(backup) {
		f.logger.Error().
			Str("event", "corruption_detected").
			Str("path", f.path).
			Int("size", len(data)).
			Bool("restore", restore).
			Msg("shared file is corrupt, using backup")
		if restore {
			if err := f.writeAtomic(f.path, backup); err != nil {
				return nil, fmt.Errorf("restoring %s from backup: %w", f.path, err)
			}
		}
		return backup, nil
	}

	event := f.logger.Error().
		Str("event", "corruption_detected").
		Str("path", f.path).
		Int("size", len(data)).
		AnErr("backup_error", berr)
	if !restore {
		event.Msg("shared file is corrupt and no valid backup exists, reading as empty")
		return nil, nil
	}
	kept, err := f.preserveCorrupt()
	if err != nil {
		event.Err(err).Msg("shared file is corrupt and could not be moved aside")
		return nil, fmt.Errorf("%s: %w: %v", f.path, ErrCorruption, err)
	}
	event.Str("preserved", kept).Msg("shared file is corrupt and no valid backup exists, starting from empty")
	return nil, nil
}

// preserveCorrupt renames the primary out of the way and returns its new
// path.
func (f *File) preserveCorrupt() (string, error) {
	kept := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().UnixNano())
	if err := os.Rename(f.path, kept); err != nil {
		return "", err
	}
	return kept, syncDir(filepath.Dir(f.path))
}

// writeAtomic writes data to a temp file next to target, fsyncs it, renames
// it into place and fsyncs the directory.
func (f *File) writeAtomic(target string, data []byte) (err error) {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, f.perm); err != nil {
		return err
	}
	if err = os.Rename(tmpName, target); err != nil {
		return err
	}
	return syncDir(dir)
}

// lock blocks until the sidecar lock is held in the given mode, the context
// is done, or the lock timeout elapses.
func (f *File) lock(ctx context.Context, how int) (func(), error) {
	lf, err := os.OpenFile(f.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(f.lockTimeout)
	for {
		err = unix.Flock(int(lf.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = lf.Close()
			return nil, fmt.Errorf("locking %s: %w", f.lockPath(), err)
		}
		if time.Now().After(deadline) {
			_ = lf.Close()
			return nil, fmt.Errorf("%s: %w", f.lockPath(), ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			_ = lf.Close()
			return nil, fmt.Errorf("waiting for %s: %w", f.lockPath(), ctx.Err())
		case <-time.After(f.retryInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		_ = lf.Close()
	}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}
