// Package services is the authorization-aware operations surface consumed
// by the HTTP and WebSocket layers: app lifecycle calls, task queries,
// notification settings and policy administration.
package services

import (
	"errors"
	"fmt"

	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// Failure kinds surfaced to callers. The API layer maps each onto a
// stable HTTP status.
var (
	// ErrNotFound is returned for unknown app, task, stream or session ids.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when no valid credentials are presented.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the authenticated user lacks permission.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is returned when a request body rejects.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when an operation races another: a lifecycle
	// operation already running, a shell cap reached, a duplicate app.
	ErrConflict = errors.New("conflict")

	// ErrLegacyApp is returned for management operations on apps without a
	// settings file.
	ErrLegacyApp = errors.New("operation not supported for legacy app")

	// ErrRateLimited is returned when a limiter tier denies the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream is returned when the engine, the OAuth provider or a
	// secret provider fails.
	ErrUpstream = errors.New("upstream failure")
)

// mapLifecycleError folds lifecycle sentinels into the service taxonomy.
func mapLifecycleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrAppNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, lifecycle.ErrAppBusy), errors.Is(err, lifecycle.ErrAppExists):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, lifecycle.ErrUnsupportedApp):
		return fmt.Errorf("%w: %v", ErrLegacyApp, err)
	case errors.Is(err, lifecycle.ErrInvalidRequest), errors.Is(err, lifecycle.ErrUnknownAction):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, tasks.ErrTaskNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}
