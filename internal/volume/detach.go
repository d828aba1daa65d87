package volume

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/smt"
)

// Detach detaches the volume described by info from the guest.
//
// Usage is released for every device first; a device that had no
// connection left is taken as already detached. Root volumes, connections
// only requests and guests that no longer exist stop after that. Otherwise
// the guest is deconfigured and devices without connection are
// undedicated; a device that is already undedicated is not an error. Any
// other failure restores the usage, rededicates what was undedicated,
// reconfigures the guest and is returned as *OperationError.
func (m *Manager) Detach(info *ConnectionInfo) error {
	return m.detach(uuid.NewString(), info.Normalize())
}

func (m *Manager) detach(op string, req *Request) error {
	fields := log.Fields{"op": op, "userid": req.AssignerID, "fcps": req.FCPs}
	log.WithFields(fields).Info("start to detach volume from FCP devices")

	remaining := make(map[string]int, len(req.FCPs))
	needRollback := make(map[string]bool, len(req.FCPs))
	for _, fcpID := range req.FCPs {
		n, err := m.pool.DecreaseUsage(fcpID, req.AssignerID)
		switch {
		case errdefs.IsNotFound(err):
			log.WithFields(fields).WithField("fcp", fcpID).Warn("connections of FCP device are already 0")
		case err != nil:
			suppressed := m.restoreUsage(op, req, needRollback)
			return &OperationError{Op: "detach", AssignerID: req.AssignerID, Err: err, Suppressed: suppressed}
		default:
			needRollback[fcpID] = true
		}
		remaining[fcpID] = n
	}

	done := func(reason string) error {
		for _, fcpID := range req.FCPs {
			m.recordEvent(op, req.AssignerID, fcpID, db.EventDetached, map[string]interface{}{"reason": reason})
		}
		log.WithFields(fields).Infof("%s, deleting FCP records is done", reason)
		return nil
	}
	if req.UpdateConnectionsOnly {
		return done("update connections only")
	}
	if req.IsRootVolume {
		return done("root volume")
	}

	exists, err := m.client.UserIDExists(req.AssignerID)
	if err == nil && !exists {
		log.WithFields(fields).Warn("guest does not exist when detaching volumes from it")
		return done("guest not found")
	}

	var undedicated []string
	if err == nil {
		undedicated, err = m.deconfigureAndUndedicate(req, remaining, fields)
	} else {
		err = errors.Wrapf(err, "check guest %s", req.AssignerID)
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("detach failed, rolling back")
		suppressed := m.rollbackDetach(op, req, needRollback, undedicated)
		return &OperationError{
			Op:         "detach",
			AssignerID: req.AssignerID,
			Kind:       errdefs.ErrOperationFailed,
			Err:        err,
			Suppressed: suppressed,
		}
	}

	for _, fcpID := range req.FCPs {
		m.recordEvent(op, req.AssignerID, fcpID, db.EventDetached, map[string]interface{}{"lun": req.TargetLUN})
	}
	log.WithFields(fields).Info("detaching volume from FCP devices is done")
	return nil
}

// deconfigureAndUndedicate returns the devices it undedicated, also on error
func (m *Manager) deconfigureAndUndedicate(req *Request, remaining map[string]int, fields log.Fields) ([]string, error) {
	connections := 0
	for _, n := range remaining {
		if n > connections {
			connections = n
		}
	}
	if err := m.config.ConfigDetach(req, connections); err != nil {
		return nil, err
	}

	var undedicated []string
	for _, fcpID := range req.FCPs {
		if remaining[fcpID] > 0 {
			log.WithFields(fields).WithField("fcp", fcpID).Info("FCP still has volumes, skip undedicating")
			continue
		}
		log.WithFields(fields).WithField("fcp", fcpID).Info("undedicating FCP")
		err := m.client.UndedicateDevice(req.AssignerID, fcpID)
		if smt.IsAlreadyUndedicated(err) {
			log.WithFields(fields).WithField("fcp", fcpID).Warn("FCP device has already been undedicated")
			continue
		}
		if err != nil {
			return undedicated, errors.Wrapf(err, "undedicate FCP %s", fcpID)
		}
		undedicated = append(undedicated, fcpID)
	}
	return undedicated, nil
}

// restoreUsage adds back a connection to every device in eligible
func (m *Manager) restoreUsage(op string, req *Request, eligible map[string]bool) []error {
	rb := newRollback(log.Fields{"op": op, "userid": req.AssignerID})
	m.restoreUsageWith(rb, op, req, eligible)
	return rb.errors()
}

func (m *Manager) restoreUsageWith(rb *rollback, op string, req *Request, eligible map[string]bool) {
	for _, fcpID := range req.FCPs {
		if !eligible[fcpID] {
			continue
		}
		log.WithFields(rb.fields).WithField("fcp", fcpID).Info("rolling back usage of FCP")
		rb.attempt("increase usage of "+fcpID, func() error {
			_, err := m.pool.IncreaseUsage(fcpID, req.AssignerID)
			return err
		})
		m.recordEvent(op, req.AssignerID, fcpID, db.EventRolledBack, map[string]interface{}{"operation": "detach"})
	}
}

// rollbackDetach restores the usage, dedicates again the devices this
// detach undedicated and configures the volume in the guest again. A guest
// that cannot be reconfigured is left as it is.
func (m *Manager) rollbackDetach(op string, req *Request, eligible map[string]bool, undedicated []string) []error {
	rb := newRollback(log.Fields{"op": op, "userid": req.AssignerID})
	m.restoreUsageWith(rb, op, req, eligible)

	for _, fcpID := range undedicated {
		rb.attempt("dedicate "+fcpID, func() error {
			return m.client.DedicateDevice(req.AssignerID, fcpID, fcpID, 0)
		})
	}
	rb.attempt("reconfigure guest", func() error {
		return m.config.ConfigAttach(req)
	})
	return rb.errors()
}
