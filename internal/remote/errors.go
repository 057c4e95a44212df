package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaystate/internal/syncstatus"
)

var (
	ErrConflict      = errors.New("revision conflict")
	ErrAuthRequired  = errors.New("authentication required")
	ErrConfiguration = errors.New("remote gateway not configured")
)

// ConflictError is returned when the server rejects a push because the
// caller's revision is no longer current.
type ConflictError struct {
	ExpectedRevision Revision
	CurrentRevision  Revision
	UpdatedAt        string
	UpdatedBy        string
	Details          map[string]any
}

func (e *ConflictError) Error() string {
	if e.CurrentRevision.IsZero() && e.ExpectedRevision.IsZero() {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict: expected %s, current %s", e.ExpectedRevision.display(), e.CurrentRevision.display())
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type AuthRequiredError struct {
	StatusCode int
	Message    string
}

func (e *AuthRequiredError) Error() string {
	if e.StatusCode == 0 {
		if e.Message == "" {
			return "authentication required"
		}
		return "authentication required: " + e.Message
	}
	return fmt.Sprintf("authentication required (http %d): %s", e.StatusCode, e.Message)
}

func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) == 0 {
		return "remote gateway not configured"
	}
	return "remote gateway not configured: missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Failure is the status-relevant class of a gateway error.
type Failure int

const (
	FailureNone Failure = iota
	FailureConflict
	FailureAuth
	FailureConfig
	FailureOffline
)

func (f Failure) String() string {
	switch f {
	case FailureConflict:
		return "conflict"
	case FailureAuth:
		return "auth"
	case FailureConfig:
		return "config"
	case FailureOffline:
		return "offline"
	default:
		return "none"
	}
}

// Classify maps a gateway error onto one Failure. Anything that is not a
// conflict, auth or configuration error counts as the remote being unreachable.
func Classify(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.Canceled):
		return FailureNone
	case errors.Is(err, ErrConfiguration):
		return FailureConfig
	case errors.Is(err, ErrAuthRequired):
		return FailureAuth
	case errors.Is(err, ErrConflict):
		return FailureConflict
	default:
		return FailureOffline
	}
}

// ApplyFailure records err on flags. Conflict is sticky until the caller
// resolves it; the transport flags are reset first so only one is set.
func ApplyFailure(flags *syncstatus.Flags, err error) {
	failure := Classify(err)
	if failure == FailureNone {
		return
	}
	*flags = flags.ClearRemoteErrors()
	switch failure {
	case FailureConfig:
		flags.ConfigError = true
	case FailureAuth:
		flags.AuthRequired = true
	case FailureConflict:
		flags.Conflict = true
	case FailureOffline:
		flags.Offline = true
	}
}
