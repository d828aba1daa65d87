package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/fcp"
	"github.com/haoxy000/feilong/internal/smt"
)

const guest = "GUEST1"

// fakeClient is an in-memory hypervisor: it keeps the dedicated devices per
// guest and fails the calls it is told to fail.
type fakeClient struct {
	mu sync.Mutex

	inventory      map[string][]string
	inventoryCalls int
	users     map[string]bool
	host      string
	tempDir   string

	dedicated      map[string]bool
	dedicateErr    map[string]error
	undedicateErr  map[string]error
	dedicateCalls  []string
	undedicateCall []string

	pwdErr     error
	directRC   map[string]int
	directOut  map[string][]string
	executed   []string
	punched    []string
	punchClass []string

	bootmapActive int
	bootmapMax    int
	bootmapCalls  int
}

func newFakeClient(t *testing.T) *fakeClient {
	return &fakeClient{
		inventory: map[string][]string{
			fcp.StatusFree: concat(
				deviceLines("1A00", "Free", "C05076DE33000A00", "59", "20076D8500005181"),
				deviceLines("1A01", "Free", "C05076DE33000A01", "59", "20076D8500005181"),
				deviceLines("1B00", "Free", "C05076DE33000B00", "5A", "20076D8500005182"),
				deviceLines("1B01", "Free", "NONE", "5A", "20076D8500005182"),
			),
		},
		users:         map[string]bool{guest: true},
		host:          "BOEM5401",
		tempDir:       t.TempDir(),
		dedicated:     map[string]bool{},
		dedicateErr:   map[string]error{},
		undedicateErr: map[string]error{},
		directRC:      map[string]int{},
		directOut:     map[string][]string{},
	}
}

func deviceLines(devNo, status, npiv, chpid, phy string) []string {
	return []string{
		"opnstk1: FCP device number: " + devNo,
		"opnstk1:   Status: " + status,
		"opnstk1:   NPIV world wide port number: " + npiv,
		"opnstk1:   Channel path ID: " + chpid,
		"opnstk1:   Physical world wide port number: " + phy,
	}
}

func concat(blocks ...[]string) []string {
	var out []string
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

func (f *fakeClient) FCPInfoByStatus(userid, status string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventoryCalls++
	return f.inventory[status], nil
}

func (f *fakeClient) DedicateDevice(userid, vaddr, raddr string, mode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedicateCalls = append(f.dedicateCalls, vaddr)
	if err := f.dedicateErr[vaddr]; err != nil {
		return err
	}
	f.dedicated[vaddr] = true
	return nil
}

func (f *fakeClient) UndedicateDevice(userid, vaddr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undedicateCall = append(f.undedicateCall, vaddr)
	if err := f.undedicateErr[vaddr]; err != nil {
		return err
	}
	if !f.dedicated[vaddr] {
		return &smt.RequestError{Cmd: "Image_Device_Undedicate_DM", RC: 404, RS: 8}
	}
	delete(f.dedicated, vaddr)
	return nil
}

func (f *fakeClient) ExecuteCmd(userid, cmd string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	if f.pwdErr != nil {
		return nil, f.pwdErr
	}
	return []string{"/root"}, nil
}

func (f *fakeClient) ExecuteCmdDirect(userid, cmd string) (*smt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	return &smt.Result{RC: f.directRC[cmd], Output: f.directOut[cmd]}, nil
}

func (f *fakeClient) PunchFile(userid, path, class string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.punched = append(f.punched, string(data))
	f.punchClass = append(f.punchClass, class)
	return nil
}

func (f *fakeClient) GuestTempPath(userid string) (string, error) {
	base := filepath.Join(f.tempDir, userid)
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "")
}

func (f *fakeClient) UserIDExists(userid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userid], nil
}

func (f *fakeClient) HostName() (string, error) {
	return f.host, nil
}

func (f *fakeClient) RefreshBootmap(req *smt.BootmapRequest) ([]string, error) {
	f.mu.Lock()
	f.bootmapCalls++
	f.bootmapActive++
	if f.bootmapActive > f.bootmapMax {
		f.bootmapMax = f.bootmapActive
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)

	defer func() {
		f.mu.Lock()
		f.bootmapActive--
		f.mu.Unlock()
	}()
	return req.WWPNs[:1], nil
}

// fakeConfigurator records guest configuration calls
type fakeConfigurator struct {
	attachErr   error
	detachErr   error
	attaches    int
	detaches    int
	connections []int
}

func (f *fakeConfigurator) ConfigAttach(req *Request) error {
	f.attaches++
	return f.attachErr
}

func (f *fakeConfigurator) ConfigDetach(req *Request, connections int) error {
	f.detaches++
	f.connections = append(f.connections, connections)
	return f.detachErr
}

type fixture struct {
	mgr    *Manager
	store  *db.DB
	client *fakeClient
	config *fakeConfigurator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "fcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := newFakeClient(t)
	pool := fcp.NewManager(fcp.Options{FCPList: "1a00-1a01;1b00-1b01", SameIndex: true}, store, client)
	config := &fakeConfigurator{}
	return &fixture{
		mgr:    NewManager(pool, store, client, config),
		store:  store,
		client: client,
		config: config,
	}
}

func (f *fixture) usage(t *testing.T, fcpID string) db.Usage {
	t.Helper()
	u, err := f.store.GetUsage(fcpID)
	require.NoError(t, err)
	return *u
}

func connection(fcps ...string) *ConnectionInfo {
	return &ConnectionInfo{
		FCPs:        fcps,
		TargetWWPNs: []string{"5005076802100C1B", "5005076802200C1B"},
		TargetLUN:   "0000000000000000",
		AssignerID:  "guest1",
		Multipath:   "True",
		OSVersion:   "rhel7.2",
		MountPoint:  "/dev/sdz",
	}
}

func remoteErr(rc, rs int) error {
	return &smt.RequestError{Cmd: "fake", RC: rc, RS: rs, Output: []string{fmt.Sprintf("rc=%d", rc)}}
}
