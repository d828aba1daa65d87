package volume

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/smt"
)

// Attach attaches the volume described by info to the guest.
//
// Usage is registered for every device first. A root volume stops there,
// its devices are defined in the user directory by the boot map refresh.
// Otherwise the devices used for the first time are dedicated and the guest
// is configured. When dedicate or configure fails the usage is released
// again, devices left without connection are undedicated and get back the
// reservation they had before, and the error is returned as *OperationError.
func (m *Manager) Attach(info *ConnectionInfo) error {
	req := info.Normalize()

	if !req.IsRootVolume {
		exists, err := m.client.UserIDExists(req.AssignerID)
		if err != nil {
			return errors.Wrapf(err, "check guest %s", req.AssignerID)
		}
		if !exists {
			log.WithField("userid", req.AssignerID).Error("user directory does not exist")
			return errors.Wrapf(errdefs.ErrNotFound, "guest %s", req.AssignerID)
		}
	}
	return m.attach(uuid.NewString(), req)
}

func (m *Manager) attach(op string, req *Request) error {
	fields := log.Fields{"op": op, "userid": req.AssignerID, "fcps": req.FCPs}
	log.WithFields(fields).Info("start to attach volume to FCP devices")

	if err := m.pool.InitFCP(req.AssignerID); err != nil {
		return err
	}

	before := m.reservations(req.FCPs)
	firstUse := make(map[string]bool, len(req.FCPs))
	for i, fcpID := range req.FCPs {
		first, err := m.pool.AddFCPForAssigner(fcpID, req.AssignerID)
		if err != nil {
			log.WithFields(fields).WithField("fcp", fcpID).WithError(err).Error("failed to add FCP usage")
			suppressed := m.rollbackAttach(op, req, req.FCPs[:i], before)
			return &OperationError{Op: "attach", AssignerID: req.AssignerID, Err: err, Suppressed: suppressed}
		}
		firstUse[fcpID] = first
	}

	if req.IsRootVolume {
		for _, fcpID := range req.FCPs {
			m.recordEvent(op, req.AssignerID, fcpID, db.EventAttached, map[string]interface{}{"root": true})
		}
		log.WithFields(fields).Info("root volume, adding FCP records is done")
		return nil
	}
	log.WithFields(fields).WithField("first_use", firstUse).Debug("FCP status before dedicating")

	if err := m.dedicateAndConfigure(req, firstUse, fields); err != nil {
		log.WithFields(fields).WithError(err).Error("attach failed, rolling back")
		suppressed := m.rollbackAttach(op, req, req.FCPs, before)
		return &OperationError{
			Op:         "attach",
			AssignerID: req.AssignerID,
			Kind:       errdefs.ErrOperationFailed,
			Err:        err,
			Suppressed: suppressed,
		}
	}

	for _, fcpID := range req.FCPs {
		m.recordEvent(op, req.AssignerID, fcpID, db.EventAttached, map[string]interface{}{
			"lun":       req.TargetLUN,
			"first_use": firstUse[fcpID],
		})
	}
	log.WithFields(fields).Info("attaching volume to FCP devices is done")
	return nil
}

func (m *Manager) dedicateAndConfigure(req *Request, firstUse map[string]bool, fields log.Fields) error {
	for _, fcpID := range req.FCPs {
		if !firstUse[fcpID] {
			log.WithFields(fields).WithField("fcp", fcpID).Info("not the first volume on FCP, skip dedicating")
			continue
		}
		log.WithFields(fields).WithField("fcp", fcpID).Info("dedicating FCP")
		if err := m.client.DedicateDevice(req.AssignerID, fcpID, fcpID, 0); err != nil {
			return errors.Wrapf(err, "dedicate FCP %s", fcpID)
		}
	}
	return m.config.ConfigAttach(req)
}

// reservations returns the reserved flag of each device before the attach.
// Unknown devices count as unreserved.
func (m *Manager) reservations(fcps []string) map[string]bool {
	out := make(map[string]bool, len(fcps))
	for _, fcpID := range fcps {
		if u, err := m.store.GetUsage(fcpID); err == nil {
			out[fcpID] = u.Reserved
		}
	}
	return out
}

// rollbackAttach releases the usage added for counted, undedicates devices
// that are left without connection and clears the reservation of every
// unused device of the request that was not reserved before.
func (m *Manager) rollbackAttach(op string, req *Request, counted []string, before map[string]bool) []error {
	rb := newRollback(log.Fields{"op": op, "userid": req.AssignerID})

	for _, fcpID := range counted {
		log.WithFields(rb.fields).WithField("fcp", fcpID).Info("rolling back FCP usage")
		rb.attempt("decrease usage of "+fcpID, func() error {
			n, err := m.pool.DecreaseUsage(fcpID, req.AssignerID)
			if err != nil || n > 0 || req.IsRootVolume {
				return err
			}
			err = m.client.UndedicateDevice(req.AssignerID, fcpID)
			if smt.IsAlreadyUndedicated(err) {
				return nil
			}
			return err
		})
	}

	for _, fcpID := range req.FCPs {
		rb.attempt("unreserve "+fcpID, func() error {
			n, err := m.store.GetConnections(fcpID)
			if errdefs.IsNotFound(err) {
				return nil
			}
			if err != nil || n != 0 || before[fcpID] {
				return err
			}
			log.WithFields(rb.fields).WithField("fcp", fcpID).Info("unreserving FCP")
			return m.store.Unreserve(fcpID)
		})
		m.recordEvent(op, req.AssignerID, fcpID, db.EventRolledBack, map[string]interface{}{"operation": "attach"})
	}
	return rb.errors()
}
