package volume

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/cache"
	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/fcp"
)

const hostCacheKey = "host"

// Connector is what a storage backend needs to export a volume to a guest
type Connector struct {
	FCPs  []string `json:"zvm_fcp"`
	WWPNs []string `json:"wwpns"`
	// PhyToVirtInitiators maps each virtual (NPIV) WWPN to the physical
	// port it runs on. Zoning is done on the physical ports because the
	// virtual ones are not logged in to the fabric yet.
	PhyToVirtInitiators map[string]string `json:"phy_to_virt_initiators"`
	Host                string            `json:"host"`
}

func emptyConnector() *Connector {
	return &Connector{
		FCPs:                []string{},
		WWPNs:               []string{},
		PhyToVirtInitiators: map[string]string{},
	}
}

// GetVolumeConnector returns the FCP devices, their WWPNs and the host name
// for assigner. With reserve the devices are reserved for the guest
// (attach), otherwise they are unreserved when no volume uses them any more
// (detach). An empty connector is returned when no device or no WWPN is
// available.
func (m *Manager) GetVolumeConnector(assigner string, reserve bool) (*Connector, error) {
	assigner = strings.ToUpper(assigner)
	fields := log.Fields{"userid": assigner, "reserve": reserve}

	host, err := m.hostCache.GetOrFetch(hostCacheKey, cache.TTLStatic, m.hostName)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("failed to get z/VM host")
		return nil, err
	}

	if err := m.pool.InitFCP(assigner); err != nil {
		return nil, err
	}
	fcps, err := m.pool.GetAvailableFCP(assigner, reserve)
	if err != nil {
		return nil, err
	}
	if len(fcps) == 0 {
		log.WithFields(fields).Error("no available FCP device found")
		return emptyConnector(), nil
	}

	wwpns := make([]string, 0, len(fcps))
	phyToVirt := make(map[string]string, len(fcps))
	for _, fcpID := range fcps {
		wwpn, phy := m.pool.WWPN(fcpID), m.pool.PhysicalWWPN(fcpID)
		if _, pooled := m.pool.Device(fcpID); !pooled {
			// devices reserved before fcp_list changed are only in the full inventory
			dev, ok, err := m.liveDevice(assigner, fcpID)
			if err != nil {
				return nil, err
			}
			if ok {
				wwpn, phy = dev.WWPN(), dev.PhysicalPort
			}
		}
		if wwpn == "" {
			log.WithFields(fields).WithField("fcp", fcpID).Error("FCP device has no available WWPN")
			continue
		}
		wwpns = append(wwpns, wwpn)
		phyToVirt[wwpn] = phy
	}
	if len(wwpns) == 0 {
		log.WithFields(fields).Error("no available WWPN found")
		return emptyConnector(), nil
	}

	for _, fcpID := range fcps {
		if err := m.updateReservation(fcpID, assigner, reserve); err != nil {
			return nil, err
		}
	}

	connector := &Connector{
		FCPs:                fcps,
		WWPNs:               wwpns,
		PhyToVirtInitiators: phyToVirt,
		Host:                host,
	}
	log.WithFields(fields).WithField("connector", connector).Info("got volume connector")
	return connector, nil
}

// liveDevice looks fcp up in the full inventory of assigner. The inventory
// is cached for a few seconds and queried again when it misses the device.
func (m *Manager) liveDevice(assigner, fcpID string) (*fcp.Device, bool, error) {
	m.inventoryCache.Cleanup()

	fetched := false
	fetch := func() (map[string]*fcp.Device, error) {
		fetched = true
		return m.pool.AllPool(assigner)
	}
	all, err := m.inventoryCache.GetOrFetch(assigner, cache.TTLFast, fetch)
	if err != nil {
		return nil, false, err
	}
	if dev, ok := all[fcpID]; ok || fetched {
		return dev, ok, nil
	}

	m.inventoryCache.Delete(assigner)
	if all, err = m.inventoryCache.GetOrFetch(assigner, cache.TTLFast, fetch); err != nil {
		return nil, false, err
	}
	dev, ok := all[fcpID]
	return dev, ok, nil
}

// hostName fails on an empty name so that it is never cached
func (m *Manager) hostName() (string, error) {
	host, err := m.client.HostName()
	if err != nil {
		return "", errors.Wrap(err, "get z/VM host name")
	}
	if host == "" {
		return "", errors.Wrap(errdefs.ErrOperationFailed, "failed to get z/VM host")
	}
	return host, nil
}

func (m *Manager) updateReservation(fcpID, assigner string, reserve bool) error {
	fields := log.Fields{"fcp": fcpID, "userid": assigner}
	if reserve {
		if err := m.store.Reserve(fcpID); err != nil {
			return err
		}
		m.recordEvent("", assigner, fcpID, db.EventReserved, nil)
		log.WithFields(fields).Info("reserved FCP device")
		return nil
	}

	reserved, err := m.pool.IsReserved(fcpID)
	if err != nil || !reserved {
		return err
	}
	n, err := m.store.GetConnections(fcpID)
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	if err := m.store.Unreserve(fcpID); err != nil {
		return err
	}
	m.recordEvent("", assigner, fcpID, db.EventUnreserved, nil)
	log.WithFields(fields).Info("unreserved FCP device")
	return nil
}
