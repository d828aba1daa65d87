package fcp

import (
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
)

// allocateAttempts bounds how often a fresh allocation is retried when
// another guest takes one of the picked devices first.
const allocateAttempts = 3

// FindAndReserve reserves one device for assigner. A device the assigner
// already holds is reserved again and reused. It returns "" when the pool
// is exhausted.
func (m *Manager) FindAndReserve(assigner string) (string, error) {
	allocated, err := m.store.GetAllocatedFromAssigner(assigner)
	if err != nil {
		return "", err
	}

	if len(allocated) > 0 {
		fcp := allocated[0].FCPID
		if err := m.store.Reserve(fcp); err != nil {
			return "", err
		}
		return fcp, nil
	}

	fcp, err := m.store.FindAndReserve(assigner)
	if err != nil {
		return "", err
	}
	if fcp == "" {
		log.WithField("userid", assigner).Info("no more FCP to be allocated")
		return "", nil
	}
	log.WithFields(log.Fields{"fcp": fcp, "userid": assigner}).Debug("allocated FCP")
	return fcp, nil
}

// GetAvailableFCP returns the devices assigner should use, one per path.
//
// Without reserve (detach) it returns the devices assigner has reserved and
// never allocates. With reserve (attach) devices the assigner already holds
// are reused; otherwise a fresh set is picked with the configured pairing
// policy and reserved for assigner at once, so the root and data volumes of
// one guest end up on the same devices. An empty result means no device is
// available.
func (m *Manager) GetAvailableFCP(assigner string, reserve bool) ([]string, error) {
	fields := log.Fields{"userid": assigner}

	if !reserve {
		reserved, err := m.store.GetReservedFromAssigner(assigner)
		if err != nil {
			return nil, err
		}
		log.WithFields(fields).WithField("fcps", fcpIDs(reserved)).Info("got FCP records in unreserve mode")
		return fcpIDs(reserved), nil
	}

	allocated, err := m.store.GetAllocatedFromAssigner(assigner)
	if err != nil {
		return nil, err
	}
	if len(allocated) > 0 {
		fcps := fcpIDs(allocated)
		log.WithFields(fields).WithField("fcps", fcps).Info("found allocated FCPs, reusing them")
		pathCount, err := m.store.PathCount()
		if err != nil {
			return nil, err
		}
		if len(fcps) != pathCount {
			log.WithFields(fields).WithFields(log.Fields{
				"fcps":       fcps,
				"path_count": pathCount,
			}).Warn("FCPs previously assigned do not match the path count")
		}
		return fcps, nil
	}

	log.WithFields(fields).Info("no allocated FCPs, allocating new ones")
	for attempt := 1; attempt <= allocateAttempts; attempt++ {
		pair, err := m.pickPair()
		if err != nil {
			return nil, err
		}
		if len(pair) == 0 {
			log.WithFields(fields).Error("not enough free FCPs to allocate one per path")
			return nil, nil
		}

		ok, err := m.store.AllocateFCPs(assigner, pair)
		if err != nil {
			return nil, err
		}
		if ok {
			log.WithFields(fields).WithField("fcps", pair).Info("newly allocated FCPs")
			return pair, nil
		}
		log.WithFields(fields).WithFields(log.Fields{"fcps": pair, "attempt": attempt}).Debug("picked FCPs were taken, retrying")
	}
	return nil, nil
}

func (m *Manager) pickPair() ([]string, error) {
	if m.opts.SameIndex {
		return m.store.FCPPairWithSameIndex()
	}
	return m.store.FCPPair()
}

// IncreaseUsage adds a connection to fcp and reports whether this was the
// first one, i.e. whether the device still has to be dedicated. A device
// in use by another assigner is refused.
func (m *Manager) IncreaseUsage(fcp, assigner string) (bool, error) {
	n, err := m.store.IncreaseUsage(fcp, assigner)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddFCPForAssigner binds fcp to assigner and adds a connection, see
// IncreaseUsage.
func (m *Manager) AddFCPForAssigner(fcp, assigner string) (bool, error) {
	first, err := m.IncreaseUsage(fcp, assigner)
	if err != nil {
		log.WithFields(log.Fields{"fcp": fcp, "userid": assigner}).WithError(err).Debug("failed to add FCP usage")
		return false, err
	}
	return first, nil
}

// DecreaseUsage removes a connection assigner holds on fcp and returns what
// is left. At zero the device may be undedicated.
func (m *Manager) DecreaseUsage(fcp, assigner string) (int, error) {
	return m.store.DecreaseUsage(fcp, assigner)
}

// Unreserve clears the reservation of fcp without touching its connections
func (m *Manager) Unreserve(fcp string) error {
	return m.store.Unreserve(fcp)
}

// IsReserved reports whether fcp is reserved
func (m *Manager) IsReserved(fcp string) (bool, error) {
	return m.store.IsReserved(fcp)
}

func fcpIDs(records []*db.FCPRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.FCPID)
	}
	return ids
}
