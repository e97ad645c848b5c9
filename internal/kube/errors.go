package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

var (
	// ErrClusterUnreachable marks network failures, timeouts and 5xx
	// responses. It is transient.
	ErrClusterUnreachable = fmt.Errorf("%w: cluster unreachable", errdefs.ErrTransient)
	// ErrForbidden marks RBAC refusals from the API server.
	ErrForbidden = fmt.Errorf("%w: cluster refused request", errdefs.ErrForbidden)
	// ErrNamespaceTerminating is returned while a namespace is still being deleted.
	ErrNamespaceTerminating = fmt.Errorf("%w: namespace is terminating", errdefs.ErrTransient)
)

// Classify maps an API error onto the errdefs classes. Errors that are
// already classified, and nil, pass through unchanged.
func Classify(err error) error {
	if err == nil || alreadyClassified(err) {
		return err
	}

	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case apierrors.HasStatusCause(err, corev1.NamespaceTerminatingCause):
		return fmt.Errorf("%w: %w", ErrNamespaceTerminating, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %w", errdefs.ErrConflict, err)
	case apierrors.IsConflict(err):
		// Optimistic concurrency failure; a fresh read and retry converges.
		return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return fmt.Errorf("%w: %w", errdefs.ErrValidation, err)
	case apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code >= 500 {
		return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}

	if isNetworkError(err) {
		return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}
	return err
}

func alreadyClassified(err error) bool {
	for _, class := range []error{
		errdefs.ErrValidation, errdefs.ErrNotFound, errdefs.ErrConflict,
		errdefs.ErrForbidden, errdefs.ErrNotAuthorized, errdefs.ErrTransient,
	} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
