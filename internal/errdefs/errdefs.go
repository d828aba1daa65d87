// Package errdefs holds the error kinds shared by the FCP pool, the store and
// the volume orchestration. Callers add context with errors.Wrapf and test
// the kind with errors.Is.
package errdefs

import "github.com/pkg/errors"

var (
	// ErrConfiguration is returned for a malformed fcp_list or other bad settings.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotFound is returned for an unknown guest or FCP record.
	ErrNotFound = errors.New("not found")

	// ErrOperationFailed is returned when a dedicate, configure or undedicate
	// action failed on the remote side.
	ErrOperationFailed = errors.New("operation failed")

	// ErrAlreadyInDesiredState marks a remote failure that only says the
	// requested state already holds, e.g. a device that is already undedicated.
	ErrAlreadyInDesiredState = errors.New("already in desired state")
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration reports whether err is, or wraps, ErrConfiguration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
