package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitExportsToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, shutdown, err := Init(reg, "test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	m.RecordOperation(ctx, "agent", "create", "ok", 150*time.Millisecond)
	m.RecordRegistryWrite(ctx, "ok")
	m.RecordStatusChange(ctx, "agent", "failed")
	m.RecordArchive(ctx, 1024)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "sam_lifecycle_operations_total")
	assert.Contains(t, joined, "sam_registry_writes_total")
	assert.Contains(t, joined, "sam_poller_status_changes_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation(context.Background(), "stack", "delete", "ok", time.Second)
		m.RecordRegistryWrite(context.Background(), "error")
		m.RecordStatusChange(context.Background(), "stack", "ready")
		m.RecordArchive(context.Background(), 1)
	})
	assert.NotNil(t, Noop())
}
