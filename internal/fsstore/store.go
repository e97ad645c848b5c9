// Package fsstore owns the on-disk tree of uploaded agent code:
//
//	<root>/stacks/<stack_id>/agents/<agent_id>/agent.zip
//	<root>/stacks/<stack_id>/agents/<agent_id>/extracted/...
//
// and the graph registry file read by the agent runtime.
package fsstore

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/naming"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
)

const (
	DefaultMaxArchiveBytes   int64 = 20 << 20
	DefaultMaxFiles          int   = 2000
	DefaultMaxExtractedBytes int64 = 200 << 20

	// fallbackSlug is used when no graph.py is found in the archive.
	fallbackSlug = "agent"
)

var (
	ErrInvalidArchive  = fmt.Errorf("%w: invalid archive", errdefs.ErrValidation)
	ErrArchiveTooLarge = fmt.Errorf("%w: archive too large", errdefs.ErrValidation)
	ErrDirNotEmpty     = fmt.Errorf("%w: directory already exists and is not empty", errdefs.ErrConflict)
)

// Limits bounds what StoreAndExtract accepts.
type Limits struct {
	MaxArchiveBytes   int64
	MaxFiles          int
	MaxExtractedBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	if l.MaxExtractedBytes <= 0 {
		l.MaxExtractedBytes = DefaultMaxExtractedBytes
	}
	return l
}

// Extracted describes an agent directory after a successful StoreAndExtract.
type Extracted struct {
	Dir          string
	ArchivePath  string
	ExtractedDir string
	// GraphSlug is the top-level directory holding graph.py, or "" when
	// graph.py is at the archive root.
	GraphSlug string
	HasGraph  bool
	Files     int
	Bytes     int64
}

// Store manages the agent code tree under root.
type Store struct {
	root    string
	limits  Limits
	workers *semaphore.Weighted
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// Options configures a Store.
type Options struct {
	Limits Limits
	// Workers bounds concurrent extractions. Defaults to 2.
	Workers int64
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// New returns a Store rooted at root.
func New(root string, opts Options) *Store {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	return &Store{
		root:    root,
		limits:  opts.Limits.withDefaults(),
		workers: semaphore.NewWeighted(workers),
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "fsstore").Logger(),
	}
}

// Root returns the base directory of the tree.
func (s *Store) Root() string { return s.root }

// Limits returns the effective archive limits.
func (s *Store) Limits() Limits { return s.limits }

// StackDir returns the directory of a stack.
func (s *Store) StackDir(stackID string) (string, error) {
	return naming.StackDir(s.root, stackID)
}

// AgentDir returns the directory of an agent.
func (s *Store) AgentDir(stackID, agentID string) (string, error) {
	return naming.AgentDir(s.root, stackID, agentID)
}

// CreateStackDir creates the directory tree of a stack. It fails with
// ErrDirNotEmpty if the directory already holds anything besides an empty
// agents directory, which guards against id reuse.
func (s *Store) CreateStackDir(stackID string) (string, error) {
	dir, err := s.StackDir(stackID)
	if err != nil {
		return "", err
	}
	empty, err := stackDirEmpty(dir)
	if err != nil {
		return "", err
	}
	if !empty {
		return "", fmt.Errorf("%s: %w", dir, ErrDirNotEmpty)
	}
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		return "", fmt.Errorf("creating stack directory: %w", err)
	}
	return dir, nil
}

// DeleteStackDir removes a stack's tree. A missing directory is not an error.
func (s *Store) DeleteStackDir(stackID string) error {
	dir, err := s.StackDir(stackID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing stack directory: %w", err)
	}
	return nil
}

// DeleteAgentDir removes an agent's tree. A missing directory is not an error.
func (s *Store) DeleteAgentDir(stackID, agentID string) error {
	dir, err := s.AgentDir(stackID, agentID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing agent directory: %w", err)
	}
	return nil
}

// StoreAndExtract reads an archive from r, validates it and materialises the
// agent directory. The archive is fully validated in memory before anything
// is written, and extraction happens in a temp directory that is renamed
// into place, so on failure no agent directory exists.
func (s *Store) StoreAndExtract(ctx context.Context, stackID, agentID string, r io.Reader) (Extracted, error) {
	final, err := s.AgentDir(stackID, agentID)
	if err != nil {
		return Extracted{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.limits.MaxArchiveBytes+1))
	if err != nil {
		return Extracted{}, fmt.Errorf("reading archive: %w", err)
	}
	if int64(len(data)) > s.limits.MaxArchiveBytes {
		return Extracted{}, fmt.Errorf("%w: exceeds %d bytes", ErrArchiveTooLarge, s.limits.MaxArchiveBytes)
	}

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return Extracted{}, err
	}
	defer s.workers.Release(1)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	entries, err := s.checkEntries(zr)
	if err != nil {
		return Extracted{}, err
	}

	if _, err := os.Stat(final); err == nil {
		return Extracted{}, fmt.Errorf("%s: %w", final, ErrDirNotEmpty)
	}
	agentsDir := filepath.Dir(final)
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		return Extracted{}, fmt.Errorf("creating agents directory: %w", err)
	}

	tmp, err := os.MkdirTemp(agentsDir, "."+filepath.Base(final)+".tmp-")
	if err != nil {
		return Extracted{}, fmt.Errorf("creating temp directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := os.WriteFile(filepath.Join(tmp, naming.ArchiveFile), data, 0o644); err != nil {
		return Extracted{}, fmt.Errorf("writing archive: %w", err)
	}
	extractDir := filepath.Join(tmp, naming.ExtractedDir)
	if err := os.Mkdir(extractDir, 0o755); err != nil {
		return Extracted{}, err
	}

	var written int64
	for _, f := range entries {
		if err := ctx.Err(); err != nil {
			return Extracted{}, err
		}
		n, err := s.extractEntry(extractDir, f, s.limits.MaxExtractedBytes-written)
		if err != nil {
			return Extracted{}, err
		}
		written += n
	}

	if err := os.Rename(tmp, final); err != nil {
		return Extracted{}, fmt.Errorf("moving extracted agent into place: %w", err)
	}
	committed = true

	slug, found := detectGraphSlug(entries)
	if !found {
		s.logger.Warn().Str("agent_id", agentID).Str("slug", slug).Msg("no graph.py found in archive")
	}
	s.metrics.RecordArchive(ctx, int64(len(data)))

	return Extracted{
		Dir:          final,
		ArchivePath:  filepath.Join(final, naming.ArchiveFile),
		ExtractedDir: filepath.Join(final, naming.ExtractedDir),
		GraphSlug:    slug,
		HasGraph:     found,
		Files:        len(entries),
		Bytes:        written,
	}, nil
}

// checkEntries rejects unsafe or oversized archives before anything is written.
func (s *Store) checkEntries(zr *zip.Reader) ([]*zip.File, error) {
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("%w: archive is empty", ErrInvalidArchive)
	}
	if len(zr.File) > s.limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrArchiveTooLarge, len(zr.File), s.limits.MaxFiles)
	}

	var total uint64
	seen := make(map[string]struct{}, len(zr.File))
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: symlink entry %q", ErrInvalidArchive, f.Name)
		}
		if !mode.IsDir() && !mode.IsRegular() {
			return nil, fmt.Errorf("%w: unsupported entry type for %q", ErrInvalidArchive, f.Name)
		}
		clean := strings.TrimSuffix(path.Clean(f.Name), "/")
		if _, dup := seen[clean]; dup && !mode.IsDir() {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrInvalidArchive, f.Name)
		}
		seen[clean] = struct{}{}
		total += f.UncompressedSize64
		if total > uint64(s.limits.MaxExtractedBytes) {
			return nil, fmt.Errorf("%w: extracted size exceeds %d bytes", ErrArchiveTooLarge, s.limits.MaxExtractedBytes)
		}
	}
	return zr.File, nil
}

func checkEntryName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty entry name", ErrInvalidArchive)
	case strings.ContainsAny(name, "\\\x00"):
		return fmt.Errorf("%w: illegal character in entry %q", ErrInvalidArchive, name)
	case strings.HasPrefix(name, "/"), filepath.IsAbs(name), filepath.VolumeName(name) != "":
		return fmt.Errorf("%w: absolute path entry %q", ErrInvalidArchive, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path traversal entry %q", ErrInvalidArchive, name)
		}
	}
	return nil
}

// extractEntry writes one entry below dir and returns the bytes written.
// budget is the remaining extracted-size allowance; declared sizes in the
// zip header are not trusted.
func (s *Store) extractEntry(dir string, f *zip.File, budget int64) (int64, error) {
	target := filepath.Join(dir, filepath.FromSlash(f.Name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return 0, fmt.Errorf("%w: entry %q escapes extraction directory", ErrInvalidArchive, f.Name)
	}

	if f.Mode().IsDir() {
		return 0, entryConflict(f.Name, os.MkdirAll(target, 0o755))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, entryConflict(f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, entryConflict(f.Name, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	closeErr := out.Close()
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return n, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
		}
		return n, err
	}
	if n > budget {
		return n, fmt.Errorf("%w: extracted size exceeds %d bytes", ErrArchiveTooLarge, s.limits.MaxExtractedBytes)
	}
	return n, closeErr
}

// entryConflict classifies errors caused by entries that clash with each
// other, such as a file "a" followed by "a/b".
func entryConflict(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) || errors.Is(err, syscall.ENOTDIR) {
		return fmt.Errorf("%w: conflicting entry %q", ErrInvalidArchive, name)
	}
	return err
}

// detectGraphSlug finds the shallowest graph.py. The slug is its parent
// directory when that is a top-level directory, "" for a root graph.py. With
// no graph.py the single top-level directory, or "agent", is used.
func detectGraphSlug(entries []*zip.File) (string, bool) {
	best, bestDepth := "", -1
	tops := map[string]struct{}{}
	for _, f := range entries {
		name := strings.TrimSuffix(f.Name, "/")
		if strings.HasPrefix(name, "__MACOSX") {
			continue
		}
		parts := strings.Split(name, "/")
		if len(parts) > 1 || f.Mode().IsDir() {
			tops[parts[0]] = struct{}{}
		}
		if parts[len(parts)-1] != naming.GraphFile || f.Mode().IsDir() || len(parts) > 2 {
			continue
		}
		depth := len(parts) - 1
		if bestDepth == -1 || depth < bestDepth {
			bestDepth = depth
			best = strings.Join(parts[:depth], "/")
		}
	}
	if bestDepth >= 0 {
		return best, true
	}
	if len(tops) == 1 {
		for top := range tops {
			return top, false
		}
	}
	return fallbackSlug, false
}

func stackDirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading stack directory: %w", err)
	}
	if len(entries) == 0 {
		return true, nil
	}
	if len(entries) == 1 && entries[0].Name() == "agents" && entries[0].IsDir() {
		sub, err := os.ReadDir(filepath.Join(dir, "agents"))
		if err != nil {
			return false, fmt.Errorf("reading agents directory: %w", err)
		}
		return len(sub) == 0, nil
	}
	return false, nil
}
