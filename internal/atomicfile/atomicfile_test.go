package atomicfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

type registry struct {
	Graphs map[string]string `json:"graphs"`
}

func put(key, value string) func(*registry) error {
	return func(r *registry) error {
		if r.Graphs == nil {
			r.Graphs = map[string]string{}
		}
		r.Graphs[key] = value
		return nil
	}
}

func newTestFile(t *testing.T, opts ...Option) *File {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "aegra", "aegra.json"), opts...)
}

func readRegistry(t *testing.T, path string) registry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var r registry
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestUpdateCreatesFile(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()

	require.NoError(t, UpdateJSON(ctx, f, put("a", "./graphs/a/graph.py:graph")))

	r := readRegistry(t, f.Path())
	assert.Equal(t, map[string]string{"a": "./graphs/a/graph.py:graph"}, r.Graphs)

	_, err := os.Stat(f.Path() + ".bak")
	assert.True(t, errors.Is(err, os.ErrNotExist), "first write has nothing to back up")
}

func TestUpdateKeepsBackupOfPreviousContent(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()

	require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
	require.NoError(t, UpdateJSON(ctx, f, put("b", "2")))

	backup := readRegistry(t, f.Path()+".bak")
	assert.Equal(t, map[string]string{"a": "1"}, backup.Graphs)
	assert.Len(t, readRegistry(t, f.Path()).Graphs, 2)
}

func TestMutateErrorLeavesFileUntouched(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()
	require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
	before, err := os.ReadFile(f.Path())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = UpdateJSON(ctx, f, func(r *registry) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = f.Update(ctx, func([]byte) ([]byte, error) { return []byte(`{"graphs":`), nil })
	assert.ErrorIs(t, err, ErrInvalidContent)

	after, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assertNoTempFiles(t, filepath.Dir(f.Path()))
}

func TestCorruptFileIsRestoredFromBackup(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()
	require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
	require.NoError(t, UpdateJSON(ctx, f, put("b", "2")))

	// Simulate a torn write from a process that did not use the protocol.
	require.NoError(t, os.WriteFile(f.Path(), []byte(`{"graphs": {"a": "1", "b`), 0o644))

	got, err := ReadJSON[registry](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got.Graphs)

	require.NoError(t, UpdateJSON(ctx, f, put("c", "3")))
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, readRegistry(t, f.Path()).Graphs)
}

func TestRestore(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()
	require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
	require.NoError(t, UpdateJSON(ctx, f, put("b", "2")))
	require.NoError(t, os.WriteFile(f.Path(), []byte("garbage"), 0o644))

	require.NoError(t, f.Restore(ctx))
	assert.Equal(t, map[string]string{"a": "1"}, readRegistry(t, f.Path()).Graphs)
}

func TestCorruptFileWithoutBackupIsPreserved(t *testing.T) {
	f := newTestFile(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path()), 0o755))
	require.NoError(t, os.WriteFile(f.Path(), []byte("not json"), 0o644))

	got, err := ReadJSON[registry](ctx, f)
	require.NoError(t, err)
	assert.Empty(t, got.Graphs)

	require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
	assert.Equal(t, map[string]string{"a": "1"}, readRegistry(t, f.Path()).Graphs)

	kept, err := filepath.Glob(f.Path() + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	data, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "not json", string(data))
	assertNoTempFiles(t, filepath.Dir(f.Path()))
}

func TestEmptyFileStartsFresh(t *testing.T) {
	for name, content := range map[string]string{
		"zero bytes": "",
		"whitespace": " \n\t\n",
	} {
		t.Run(name, func(t *testing.T) {
			f := newTestFile(t)
			ctx := context.Background()
			require.NoError(t, os.MkdirAll(filepath.Dir(f.Path()), 0o755))
			require.NoError(t, os.WriteFile(f.Path(), []byte(content), 0o644))

			got, err := ReadJSON[registry](ctx, f)
			require.NoError(t, err)
			assert.Empty(t, got.Graphs)

			require.NoError(t, UpdateJSON(ctx, f, put("a", "1")))
			assert.Equal(t, map[string]string{"a": "1"}, readRegistry(t, f.Path()).Graphs)

			kept, err := filepath.Glob(f.Path() + ".corrupt-*")
			require.NoError(t, err)
			assert.Empty(t, kept, "an empty file is not corruption")
		})
	}
}

func TestCorruptFileThatCannotBeMovedIsReported(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	f := newTestFile(t)
	ctx := context.Background()
	dir := filepath.Dir(f.Path())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(f.Path(), []byte("not json"), 0o644))
	// Create the lock file up front so only the rename needs a writable dir.
	require.NoError(t, os.WriteFile(f.Path()+".lock", nil, 0o644))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err := UpdateJSON(ctx, f, put("a", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruption)
	assert.True(t, errdefs.IsCorruption(err))
}

func TestConcurrentWritersLoseNoUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	ctx := context.Background()

	const writers = 8
	const perWriter = 15

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Each writer has its own File and lock descriptor, as separate
			// processes would.
			f := New(path, WithLockTimeout(30*time.Second))
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				errs <- UpdateJSON(ctx, f, put(key, key))
			}
		}(w)
	}

	// A reader polling during the writes must always see valid JSON.
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(path)
			if err == nil {
				assert.True(t, json.Valid(data), "reader saw partial content")
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r := readRegistry(t, path)
	assert.Len(t, r.Graphs, writers*perWriter)
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d-%d", w, i)
			assert.Equal(t, key, r.Graphs[key])
		}
	}
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestLockTimeout(t *testing.T) {
	f := newTestFile(t, WithLockTimeout(100*time.Millisecond))
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path()), 0o755))

	holder := New(f.Path())
	unlock, err := holder.lock(context.Background(), unix.LOCK_EX)
	require.NoError(t, err)
	defer unlock()

	err = UpdateJSON(context.Background(), f, put("a", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, errdefs.IsTransient(err))
}

func TestLockHonoursContext(t *testing.T) {
	f := newTestFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path()), 0o755))

	unlock, err := New(f.Path()).lock(context.Background(), unix.LOCK_EX)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = UpdateJSON(ctx, f, put("a", "1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}
