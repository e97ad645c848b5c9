package fsstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/atomicfile"
	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/telemetry"
)

const graphsKey = "graphs"

// GraphRegistry maintains the runtime's graph registry document:
//
//	{"graphs": {"<graph_id>": "<path>/graph.py:graph"}}
//
// Other top-level keys are preserved.
type GraphRegistry struct {
	file    *atomicfile.File
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewGraphRegistry returns a registry stored at path.
func NewGraphRegistry(path string, opts ...atomicfile.Option) *GraphRegistry {
	return &GraphRegistry{file: atomicfile.New(path, opts...), logger: zerolog.Nop()}
}

// WithMetrics sets the metrics recorder.
func (g *GraphRegistry) WithMetrics(m *telemetry.Metrics) *GraphRegistry {
	g.metrics = m
	return g
}

// WithLogger sets the registry's logger.
func (g *GraphRegistry) WithLogger(logger zerolog.Logger) *GraphRegistry {
	g.logger = logger.With().Str("component", "graph-registry").Logger()
	return g
}

// Path returns the registry file path.
func (g *GraphRegistry) Path() string { return g.file.Path() }

// Register sets the entry for graphID.
func (g *GraphRegistry) Register(ctx context.Context, graphID, graphPath string) error {
	err := g.update(ctx, func(graphs map[string]string) {
		graphs[graphID] = graphPath
	})
	if err == nil {
		g.logger.Info().Str("graph_id", graphID).Str("graph_path", graphPath).Msg("registered graph")
	}
	return err
}

// Remove deletes the entry for graphID. A missing entry is not an error.
func (g *GraphRegistry) Remove(ctx context.Context, graphID string) error {
	err := g.update(ctx, func(graphs map[string]string) {
		delete(graphs, graphID)
	})
	if err == nil {
		g.logger.Info().Str("graph_id", graphID).Msg("removed graph")
	}
	return err
}

// Graphs returns a snapshot of the registered graphs.
func (g *GraphRegistry) Graphs(ctx context.Context) (map[string]string, error) {
	data, err := g.file.Read(ctx)
	if err != nil {
		return nil, err
	}
	_, graphs, err := decodeRegistry(data)
	return graphs, err
}

func (g *GraphRegistry) update(ctx context.Context, mutate func(map[string]string)) error {
	err := g.file.Update(ctx, func(current []byte) ([]byte, error) {
		doc, graphs, err := decodeRegistry(current)
		if err != nil {
			return nil, err
		}
		mutate(graphs)
		raw, err := json.Marshal(graphs)
		if err != nil {
			return nil, err
		}
		doc[graphsKey] = raw
		return json.MarshalIndent(doc, "", "  ")
	})
	result := "ok"
	if err != nil {
		result = errdefs.Class(err)
	}
	g.metrics.RecordRegistryWrite(ctx, result)
	return err
}

func decodeRegistry(data []byte) (map[string]json.RawMessage, map[string]string, error) {
	doc := map[string]json.RawMessage{}
	graphs := map[string]string{}
	if len(data) == 0 {
		return doc, graphs, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: graph registry is not an object: %v", errdefs.ErrCorruption, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	if raw, ok := doc[graphsKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &graphs); err != nil {
			return nil, nil, fmt.Errorf("%w: graph registry %q is not a string map: %v", errdefs.ErrCorruption, graphsKey, err)
		}
	}
	return doc, graphs, nil
}
