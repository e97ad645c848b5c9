package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/internal/fsstore"
)

// Response is a generic response wrapper
type Response[T any] struct {
	Body T
}

// ListMeta carries pagination data for list responses.
type ListMeta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

type subjectKey struct{}

// WithSubject returns a context carrying the authenticated subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the subject stored by the auth middleware.
func SubjectFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

func subject(ctx context.Context) (string, error) {
	s, ok := SubjectFrom(ctx)
	if !ok {
		return "", huma.Error401Unauthorized("Not authenticated")
	}
	return s, nil
}

// toHTTPError maps a classified error onto an HTTP status. Unclassified
// errors are logged and hidden behind a generic message.
func toHTTPError(logger zerolog.Logger, err error) error {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return err
	}

	msg := detail(err)
	switch {
	case errors.Is(err, fsstore.ErrArchiveTooLarge):
		return huma.NewError(http.StatusRequestEntityTooLarge, msg)
	case errdefs.IsValidation(err):
		return huma.Error422UnprocessableEntity(msg)
	case errdefs.IsNotFound(err):
		return huma.Error404NotFound(msg)
	case errdefs.IsConflict(err):
		return huma.Error409Conflict(msg)
	case errdefs.IsForbidden(err):
		return huma.Error403Forbidden(msg)
	case errdefs.IsNotAuthorized(err):
		return huma.Error401Unauthorized(msg)
	}

	logger.Error().Err(err).Msg("request failed")
	return huma.Error500InternalServerError("Internal server error")
}

var sentinelPrefixes = []string{
	errdefs.ErrValidation.Error() + ": ",
	errdefs.ErrNotFound.Error() + ": ",
	errdefs.ErrConflict.Error() + ": ",
	errdefs.ErrForbidden.Error() + ": ",
	errdefs.ErrNotAuthorized.Error() + ": ",
}

// detail strips the class prefix so clients see the human message only.
func detail(err error) string {
	msg := err.Error()
	for _, p := range sentinelPrefixes {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func pages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
