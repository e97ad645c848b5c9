package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplatform/stack-agent-manager/internal/atomicfile"
	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
)

func TestGraphRegistryRegisterAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra", "aegra.json")
	reg := NewGraphRegistry(path).WithMetrics(telemetry.Noop())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "s__a", "./graphs/s/agents/a/extracted/bot/graph.py:graph"))
	require.NoError(t, reg.Register(ctx, "s__b", "./graphs/s/agents/b/extracted/graph.py:graph"))

	graphs, err := reg.Graphs(ctx)
	require.NoError(t, err)
	assert.Len(t, graphs, 2)
	assert.Equal(t, "./graphs/s/agents/a/extracted/bot/graph.py:graph", graphs["s__a"])

	require.NoError(t, reg.Remove(ctx, "s__a"))
	require.NoError(t, reg.Remove(ctx, "s__a"), "removing a missing entry is a no-op")

	graphs, err = reg.Graphs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s__b": "./graphs/s/agents/b/extracted/graph.py:graph"}, graphs)
}

func TestGraphRegistryPreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dependencies": ["."], "graphs": {"existing": "./x.py:graph"}}`), 0o644))

	reg := NewGraphRegistry(path)
	require.NoError(t, reg.Register(context.Background(), "new", "./y.py:graph"))

	var doc map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `["."]`, string(doc["dependencies"]))
	assert.JSONEq(t, `{"existing": "./x.py:graph", "new": "./y.py:graph"}`, string(doc["graphs"]))
}

func TestGraphRegistryWrongShapeIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"graphs": ["not", "a", "map"]}`), 0o644))

	err := NewGraphRegistry(path).Register(context.Background(), "x", "./x.py:graph")
	assert.True(t, errdefs.IsCorruption(err))
}

func TestGraphRegistryConcurrentRegistrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			reg := NewGraphRegistry(path, atomicfile.WithLockTimeout(30*time.Second))
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("stack%d__agent%d", w, i)
				assert.NoError(t, reg.Register(ctx, id, "./graphs/"+id+"/graph.py:graph"))
			}
		}(w)
	}
	wg.Wait()

	graphs, err := NewGraphRegistry(path).Graphs(ctx)
	require.NoError(t, err)
	assert.Len(t, graphs, 60)
}

func TestGraphRegistryMissingFile(t *testing.T) {
	graphs, err := NewGraphRegistry(filepath.Join(t.TempDir(), "nope", "aegra.json")).Graphs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, graphs)
}

func TestGraphRegistryEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	reg := NewGraphRegistry(path)
	ctx := context.Background()

	graphs, err := reg.Graphs(ctx)
	require.NoError(t, err)
	assert.Empty(t, graphs)

	require.NoError(t, reg.Register(ctx, "s__a", "./a/graph.py:graph"))
	require.NoError(t, reg.Remove(ctx, "s__b"))
	graphs, err = reg.Graphs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s__a": "./a/graph.py:graph"}, graphs)
}

func TestGraphRegistryInvalidJSONStartsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegra.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"graphs": {"a": `), 0o644))
	reg := NewGraphRegistry(path)

	require.NoError(t, reg.Register(context.Background(), "s__a", "./a/graph.py:graph"))
	graphs, err := reg.Graphs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s__a": "./a/graph.py:graph"}, graphs)

	kept, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
