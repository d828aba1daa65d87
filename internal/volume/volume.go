// Package volume attaches and detaches FCP volumes to guests. It drives the
// FCP pool bookkeeping, the device dedication on the hypervisor and the
// configuration inside the guest, and undoes its own side effects when one
// of those steps fails.
package volume

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/haoxy000/feilong/internal/cache"
	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/fcp"
	"github.com/haoxy000/feilong/internal/smt"
)

// Store is the part of the persisted FCP table the orchestration reads and
// writes directly. Counter updates go through the fcp.Manager.
type Store interface {
	GetAll() ([]*db.FCPRecord, error)
	GetAllOfAssigner(assigner string) ([]*db.FCPRecord, error)
	GetUsage(fcp string) (*db.Usage, error)
	UpdateUsage(fcp string, u db.Usage) error
	GetConnections(fcp string) (int, error)
	Reserve(fcp string) error
	Unreserve(fcp string) error
	RecordEvent(e *db.Event, details map[string]interface{}) error
}

// Manager is the volume API. One Manager is built at start-up and shared by
// all requests; concurrent requests are arbitrated by the store.
type Manager struct {
	pool   *fcp.Manager
	store  Store
	client smt.Client
	config Configurator

	hostCache      *cache.Cache[string]
	inventoryCache *cache.Cache[map[string]*fcp.Device]

	bootmapMu sync.Mutex
}

// NewManager wires a Manager. A nil configurator uses the script based
// guest configurator with punch class "X".
func NewManager(pool *fcp.Manager, store Store, client smt.Client, config Configurator) *Manager {
	if config == nil {
		config = NewScriptConfigurator(client, "")
	}
	return &Manager{
		pool:           pool,
		store:          store,
		client:         client,
		config:         config,
		hostCache:      cache.New[string](),
		inventoryCache: cache.New[map[string]*fcp.Device](),
	}
}

// Pool returns the FCP pool the manager allocates from
func (m *Manager) Pool() *fcp.Manager {
	return m.pool
}

// recordEvent stores an audit event for fcp. Failures are logged only.
func (m *Manager) recordEvent(op, assigner, fcpID, eventType string, details map[string]interface{}) {
	e := &db.Event{
		FCPID:      fcpID,
		AssignerID: assigner,
		EventType:  eventType,
		OpID:       op,
	}
	if u, err := m.store.GetUsage(fcpID); err == nil {
		e.Connections = u.Connections
		e.Reserved = u.Reserved
	}
	if err := m.store.RecordEvent(e, details); err != nil {
		log.WithFields(log.Fields{"op": op, "fcp": fcpID}).WithError(err).Warn("failed to record FCP event")
	}
}
