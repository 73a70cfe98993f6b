// Package controlplane commands playback devices through the home-automation
// control-plane API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
)

// Client is the boundary between the session engine and the control plane.
// Implementations must not retry on their own; see WithRetry.
type Client interface {
	// Play tells the device to pull audio from url.
	Play(ctx context.Context, deviceID, url string) error
	// Stop tells the device to stop playback.
	Stop(ctx context.Context, deviceID string) error
}

// StatusError is returned when the control plane answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("controlplane: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("controlplane: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

// IsTemporary reports whether err is worth retrying. Transport errors are
// treated as temporary, 4xx answers other than 429 are not.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
