package volume

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// OperationError is the error returned by a failed attach or detach after
// its rollback ran. It unwraps to both the error kind and the cause, so
// errors.Is(err, errdefs.ErrOperationFailed) and errors.As(err, &reqErr)
// both hold for a remote failure.
type OperationError struct {
	Op         string
	AssignerID string
	Kind       error
	Err        error
	// Suppressed holds the compensating steps that failed during rollback
	Suppressed []error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s for %s failed: %v", e.Op, e.AssignerID, e.Err)
	if len(e.Suppressed) > 0 {
		parts := make([]string, 0, len(e.Suppressed))
		for _, s := range e.Suppressed {
			parts = append(parts, s.Error())
		}
		msg += fmt.Sprintf(" (rollback errors: %s)", strings.Join(parts, "; "))
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// rollback collects the failures of best-effort compensating steps
type rollback struct {
	fields     log.Fields
	suppressed []error
}

func newRollback(fields log.Fields) *rollback {
	return &rollback{fields: fields}
}

// attempt runs one compensating step. A failure is logged and kept, and
// never stops the steps that follow.
func (r *rollback) attempt(step string, fn func() error) {
	if err := fn(); err != nil {
		log.WithFields(r.fields).WithError(err).Warnf("rollback step failed: %s", step)
		r.suppressed = append(r.suppressed, fmt.Errorf("%s: %w", step, err))
	}
}

func (r *rollback) errors() []error {
	return r.suppressed
}
