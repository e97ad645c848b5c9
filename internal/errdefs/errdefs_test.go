package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"validation", Validationf("bad %s", "name"), "validation"},
		{"wrapped transient", fmt.Errorf("ensure namespace: %w", fmt.Errorf("%w: dial", ErrTransient)), "transient"},
		{"forbidden", Forbiddenf("nope"), "forbidden"},
		{"conflict", Conflictf("dup"), "conflict"},
		{"not found", NotFoundf("stack x"), "not_found"},
		{"corruption", fmt.Errorf("%w: aegra.json", ErrCorruption), "corruption"},
		{"plain", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Class(tt.err))
		})
	}
}

func TestMultiWrapKeepsBothClasses(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrConflict, ErrValidation)
	assert.True(t, IsConflict(err))
	assert.True(t, IsValidation(err))
}

func TestReason(t *testing.T) {
	assert.Empty(t, Reason(nil))
	assert.Equal(t, "internal: boom", Reason(errors.New("boom")))

	long := Reason(errors.New(strings.Repeat("x", 5000)))
	assert.LessOrEqual(t, len(long), 1000+len("internal: "))
}
