package fcp

import (
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
)

// InitFCP rebuilds the pool from the live inventory and reconciles the store
// with it. It is safe to call on every attach, detach or connector request; a
// second run without outside changes does not touch the store.
//
// An empty fcp_list disables volume functions: InitFCP logs and returns nil.
func (m *Manager) InitFCP(assigner string) error {
	if m.opts.FCPList == "" {
		log.Info("fcp_list is empty, no volume functions available")
		return nil
	}

	mapping, err := ExpandFCPList(m.opts.FCPList)
	if err != nil {
		return err
	}
	lines, err := m.allFCPInfo(assigner)
	if err != nil {
		return err
	}

	configured := mapping.PathOf()
	pool := make(map[string]*Device)
	for _, dev := range ParseInventory(lines) {
		if _, ok := configured[dev.DevNo]; !ok {
			log.WithField("fcp", dev.DevNo).Debug("found FCP not in fcp_list")
			continue
		}
		pool[dev.DevNo] = dev
	}

	m.mu.Lock()
	m.pool = pool
	m.mapping = mapping
	m.mu.Unlock()

	return m.syncDB(pool, mapping)
}

// syncDB removes orphan records, adds new free devices and moves records to
// their current path.
func (m *Manager) syncDB(pool map[string]*Device, mapping PathMapping) error {
	records, err := m.store.GetAll()
	if err != nil {
		return err
	}

	existing := make(map[string]int, len(records))
	for _, rec := range records {
		existing[rec.FCPID] = rec.Path
		if _, ok := pool[rec.FCPID]; ok {
			continue
		}

		fields := log.Fields{"fcp": rec.FCPID, "fcp_list": m.opts.FCPList}
		log.WithFields(fields).Warn("FCP found in database but not usable: not in fcp_list or not free/active in inventory")
		if rec.Reserved || rec.Connections > 0 {
			log.WithFields(fields).WithField("assigner", rec.AssignerID).Warn("keeping orphan FCP record because it is still in use")
			continue
		}
		if err := m.store.Delete(rec.FCPID); err != nil {
			return err
		}
		m.recordEvent(rec.FCPID, db.EventRemoved, map[string]interface{}{"path": rec.Path})
		log.WithFields(fields).Info("removed FCP from database")
	}

	for _, path := range mapping.Paths() {
		for _, fcp := range mapping[path] {
			dev, ok := pool[fcp]
			if !ok {
				continue
			}
			oldPath, known := existing[fcp]
			switch {
			case !known:
				m.addFCP(dev, path)
			case oldPath != path:
				log.WithFields(log.Fields{"fcp": fcp, "old_path": oldPath, "path": path}).Info("updating path of FCP")
				if err := m.store.UpdatePath(fcp, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addFCP adds a device found in fcp_list but missing from the database. Only
// free devices are added; failures are logged so one bad device does not
// block the rest of the pool.
func (m *Manager) addFCP(dev *Device, path int) {
	fields := log.Fields{"fcp": dev.DevNo, "path": path, "status": dev.Status}
	if dev.Status != StatusFree {
		log.WithFields(fields).Warn("FCP was not added into database because it is not in free status")
		return
	}
	if err := m.store.New(dev.DevNo, path); err != nil {
		log.WithFields(fields).WithError(err).Warn("failed to add FCP into database")
		return
	}
	m.recordEvent(dev.DevNo, db.EventAdded, map[string]interface{}{"path": path})
	log.WithFields(fields).Info("FCP found in fcp_list, added to database")
}

func (m *Manager) recordEvent(fcp, eventType string, details map[string]interface{}) {
	if err := m.store.RecordEvent(&db.Event{FCPID: fcp, EventType: eventType}, details); err != nil {
		log.WithField("fcp", fcp).WithError(err).Warn("failed to record FCP event")
	}
}
