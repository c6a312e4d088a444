package syndicate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a local dataset or group does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProfileNotFound is returned by Profiles.Get for an unknown id.
	ErrProfileNotFound = errors.New("profile not found")
)

// RemoteNotFoundError reports that the remote catalog has no record for the
// requested id or name.
type RemoteNotFoundError struct {
	Action  string
	Message string
}

func (e *RemoteNotFoundError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: remote record not found", e.Action)
	}
	return fmt.Sprintf("%s: remote record not found: %s", e.Action, e.Message)
}

// ValidationError reports that the remote catalog rejected a payload.
// Fields maps each offending field to the remote's messages.
type ValidationError struct {
	Action string
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return fmt.Sprintf("%s: validation error: %s", e.Action, strings.Join(parts, ", "))
}

// HasMessage reports whether field carries exactly msg among its messages.
func (e *ValidationError) HasMessage(field, msg string) bool {
	for _, m := range e.Fields[field] {
		if m == msg {
			return true
		}
	}
	return false
}

// AuthorizationError reports that the remote refused the credentials.
type AuthorizationError struct {
	Action  string
	Message string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: not authorized: %s", e.Action, e.Message)
}

// RemoteError covers every other remote failure: transport errors,
// unexpected status codes and malformed responses.
type RemoteError struct {
	Action     string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: remote unavailable: %v", e.Action, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: remote error (status %d): %s", e.Action, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: remote error: %s", e.Action, e.Message)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRemoteNotFound reports whether err is, or wraps, a RemoteNotFoundError.
func IsRemoteNotFound(err error) bool {
	var nf *RemoteNotFoundError
	return errors.As(err, &nf)
}
