package volume

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/smt"
)

// CheckFCPExistInDB reports whether fcp has a record. With raiseErr a
// missing record is returned as ErrNotFound.
func (m *Manager) CheckFCPExistInDB(fcpID string, raiseErr bool) (bool, error) {
	records, err := m.store.GetAll()
	if err != nil {
		return false, err
	}
	fcpID = strings.ToLower(fcpID)
	for _, r := range records {
		if strings.ToLower(r.FCPID) == fcpID {
			return true, nil
		}
	}
	if raiseErr {
		log.WithField("fcp", fcpID).Error("FCP does not exist in database")
		return false, errors.Wrapf(errdefs.ErrNotFound, "FCP %s", fcpID)
	}
	log.WithField("fcp", fcpID).Warn("FCP does not exist in database")
	return false, nil
}

// GetAllFCPUsage returns the records of assigner, or of every device when
// assigner is empty, keyed by device number.
func (m *Manager) GetAllFCPUsage(assigner string) (map[string]*db.FCPRecord, error) {
	records, err := m.store.GetAllOfAssigner(assigner)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*db.FCPRecord, len(records))
	for _, r := range records {
		out[r.FCPID] = r
	}
	log.WithFields(log.Fields{"userid": assigner, "count": len(out)}).Info("got all FCP usage")
	return out, nil
}

// GetAllFCPUsageGroupedByPath is GetAllFCPUsage keyed by path index
func (m *Manager) GetAllFCPUsageGroupedByPath(assigner string) (map[int][]*db.FCPRecord, error) {
	records, err := m.store.GetAllOfAssigner(assigner)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]*db.FCPRecord)
	for _, r := range records {
		out[r.Path] = append(out[r.Path], r)
	}
	log.WithFields(log.Fields{"userid": assigner, "paths": len(out)}).Info("got all FCP usage grouped by path")
	return out, nil
}

// GetFCPUsage returns the usage tuple of one device
func (m *Manager) GetFCPUsage(fcpID string) (*db.Usage, error) {
	u, err := m.store.GetUsage(strings.ToLower(fcpID))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"fcp":         fcpID,
		"userid":      u.AssignerID,
		"reserved":    u.Reserved,
		"connections": u.Connections,
	}).Debug("got FCP usage")
	return u, nil
}

// SetFCPUsage overwrites the usage tuple of one device
func (m *Manager) SetFCPUsage(fcpID, assigner string, reserved bool, connections int) error {
	fcpID = strings.ToLower(fcpID)
	u := db.Usage{AssignerID: strings.ToUpper(assigner), Reserved: reserved, Connections: connections}
	if err := m.store.UpdateUsage(fcpID, u); err != nil {
		return err
	}
	m.recordEvent("", u.AssignerID, fcpID, db.EventUsageSet, nil)
	log.WithFields(log.Fields{
		"fcp":         fcpID,
		"userid":      u.AssignerID,
		"reserved":    reserved,
		"connections": connections,
	}).Info("set FCP usage")
	return nil
}

// RefreshBootmap rebuilds the boot map of a root volume. Calls are
// serialized since they share the boot configuration on the host.
func (m *Manager) RefreshBootmap(req *smt.BootmapRequest) ([]string, error) {
	m.bootmapMu.Lock()
	defer m.bootmapMu.Unlock()

	log.WithField("request", req).Debug("enter lock scope of refresh bootmap")
	out, err := m.client.RefreshBootmap(req)
	log.WithField("output", out).Debug("exit lock scope of refresh bootmap")
	return out, err
}
