// Package fcp keeps the pool of FCP devices configured for volume use in line
// with the live inventory and the persisted usage records, and hands devices
// out to guests.
package fcp

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/db"
)

// Store is the persisted side of the pool. All counter updates are expected
// to be atomic per device.
type Store interface {
	GetAll() ([]*db.FCPRecord, error)
	GetAllocatedFromAssigner(assigner string) ([]*db.FCPRecord, error)
	GetReservedFromAssigner(assigner string) ([]*db.FCPRecord, error)

	FindAndReserve(assigner string) (string, error)
	Reserve(fcp string) error
	Unreserve(fcp string) error
	IsReserved(fcp string) (bool, error)
	AllocateFCPs(assigner string, fcps []string) (bool, error)

	IncreaseUsage(fcp, assigner string) (int, error)
	DecreaseUsage(fcp, assigner string) (int, error)

	New(fcp string, path int) error
	UpdatePath(fcp string, path int) error
	Delete(fcp string) error
	PathCount() (int, error)

	FCPPairWithSameIndex() ([]string, error)
	FCPPair() ([]string, error)

	RecordEvent(e *db.Event, details map[string]interface{}) error
}

// Inventory lists the FCP devices the hypervisor reports for a status filter,
// LinesPerDevice lines per device.
type Inventory interface {
	FCPInfoByStatus(userid, status string) ([]string, error)
}

// Options configures a Manager
type Options struct {
	// FCPList is the fcp_list expression; empty disables volume functions
	FCPList string
	// SameIndex selects same-index pairing instead of free combinations
	SameIndex bool
}

// Manager owns the in-memory pool snapshot and the path mapping. The
// snapshot is replaced on every InitFCP and is only a cache of the live
// inventory; the store stays the source of truth for usage.
type Manager struct {
	opts      Options
	store     Store
	inventory Inventory

	mu      sync.RWMutex
	pool    map[string]*Device
	mapping PathMapping
}

// NewManager creates a Manager. The pool stays empty until InitFCP runs.
func NewManager(opts Options, store Store, inventory Inventory) *Manager {
	return &Manager{
		opts:      opts,
		store:     store,
		inventory: inventory,
		pool:      make(map[string]*Device),
		mapping:   PathMapping{},
	}
}

// Enabled reports whether an fcp_list is configured
func (m *Manager) Enabled() bool {
	return m.opts.FCPList != ""
}

// Device returns the pooled device with number fcp
func (m *Manager) Device(fcp string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.pool[fcp]
	return dev, ok
}

// Pool returns a copy of the current pool snapshot
func (m *Manager) Pool() map[string]*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Device, len(m.pool))
	for k, v := range m.pool {
		out[k] = v
	}
	return out
}

// Mapping returns the path mapping computed by the last InitFCP
func (m *Manager) Mapping() PathMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapping
}

// WWPN returns the connector WWPN of a pooled device, "" when the device is
// unknown or has no port.
func (m *Manager) WWPN(fcp string) string {
	dev, ok := m.Device(fcp)
	if !ok {
		return ""
	}
	return dev.WWPN()
}

// PhysicalWWPN returns the physical port of a pooled device
func (m *Manager) PhysicalWWPN(fcp string) string {
	dev, ok := m.Device(fcp)
	if !ok {
		return ""
	}
	return dev.PhysicalPort
}

// AllPool queries the live inventory and returns every device, including the
// ones outside fcp_list.
func (m *Manager) AllPool(assigner string) (map[string]*Device, error) {
	lines, err := m.allFCPInfo(assigner)
	if err != nil {
		return nil, err
	}
	all := make(map[string]*Device)
	for _, dev := range ParseInventory(lines) {
		all[dev.DevNo] = dev
	}
	return all, nil
}

func (m *Manager) allFCPInfo(assigner string) ([]string, error) {
	var lines []string
	for _, status := range []string{StatusFree, StatusActive} {
		info, err := m.inventory.FCPInfoByStatus(assigner, status)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"userid": assigner,
			"status": status,
			"lines":  len(info),
		}).Debug("got FCP inventory")
		lines = append(lines, info...)
	}
	return lines, nil
}
