package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionVariables_Defaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "unknown", GitCommit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestString(t *testing.T) {
	origVersion, origCommit, origDate := Version, GitCommit, BuildDate
	defer func() { Version, GitCommit, BuildDate = origVersion, origCommit, origDate }()

	// Simulate build-time injection
	Version = "1.0.0"
	GitCommit = "abc123"
	BuildDate = "2026-01-01"

	assert.Equal(t, "1.0.0 (commit abc123, built 2026-01-01)", String())
}
