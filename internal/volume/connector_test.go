package volume

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/fcp"
	"github.com/haoxy000/feilong/internal/smt"
)

var wwpnOf = map[string]string{
	"1a00": "c05076de33000a00",
	"1a01": "c05076de33000a01",
	"1b00": "c05076de33000b00",
	"1b01": "20076d8500005182",
}

func TestGetVolumeConnectorReserve(t *testing.T) {
	f := newFixture(t)

	conn, err := f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.Equal(t, "BOEM5401", conn.Host)
	require.Len(t, conn.FCPs, 2)
	require.Len(t, conn.WWPNs, 2)

	for i, fcpID := range conn.FCPs {
		assert.Equal(t, wwpnOf[fcpID], conn.WWPNs[i])
		u := f.usage(t, fcpID)
		assert.True(t, u.Reserved)
		assert.Equal(t, guest, u.AssignerID)
	}
	assert.Len(t, conn.PhyToVirtInitiators, 2)

	again, err := f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, conn.FCPs, again.FCPs, "a guest keeps its devices")

	released, err := f.mgr.GetVolumeConnector(guest, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, conn.FCPs, released.FCPs)
	for _, fcpID := range conn.FCPs {
		assert.False(t, f.usage(t, fcpID).Reserved, fcpID)
	}
}

func TestGetVolumeConnectorKeepsReservationInUse(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Attach(connection("1a00", "1b00")))

	conn, err := f.mgr.GetVolumeConnector(guest, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1a00", "1b00"}, conn.FCPs)
	assert.Equal(t, map[string]string{
		"c05076de33000a00": "20076d8500005181",
		"c05076de33000b00": "20076d8500005182",
	}, conn.PhyToVirtInitiators)
	assert.True(t, f.usage(t, "1a00").Reserved)
}

func TestGetVolumeConnectorExhausted(t *testing.T) {
	f := newFixture(t)

	for _, g := range []string{"GUEST1", "GUEST2"} {
		conn, err := f.mgr.GetVolumeConnector(g, true)
		require.NoError(t, err)
		require.Len(t, conn.FCPs, 2, g)
	}

	conn, err := f.mgr.GetVolumeConnector("GUEST3", true)
	require.NoError(t, err)
	assert.Empty(t, conn.FCPs)
	assert.Empty(t, conn.WWPNs)
	assert.Empty(t, conn.Host)
	assert.NotNil(t, conn.PhyToVirtInitiators)
}

func TestGetVolumeConnectorDeviceOutsideFCPList(t *testing.T) {
	f := newFixture(t)
	f.client.inventory[fcp.StatusFree] = append(f.client.inventory[fcp.StatusFree],
		deviceLines("1C00", "Free", "C05076DE33000C00", "5B", "20076D8500005183")...)
	require.NoError(t, f.store.New("1c00", 0))
	require.NoError(t, f.store.UpdateUsage("1c00", db.Usage{AssignerID: guest, Reserved: true}))

	conn, err := f.mgr.GetVolumeConnector(guest, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1c00"}, conn.FCPs)
	assert.Equal(t, []string{"c05076de33000c00"}, conn.WWPNs)
	assert.Equal(t, "20076d8500005183", conn.PhyToVirtInitiators["c05076de33000c00"])
	assert.False(t, f.usage(t, "1c00").Reserved)
}

func TestGetVolumeConnectorCachesInventory(t *testing.T) {
	f := newFixture(t)
	outside := func(devNo, npiv string) {
		f.client.inventory[fcp.StatusFree] = append(f.client.inventory[fcp.StatusFree],
			deviceLines(strings.ToUpper(devNo), "Free", npiv, "5B", "20076D8500005183")...)
		require.NoError(t, f.store.New(devNo, 0))
		require.NoError(t, f.store.UpdateUsage(devNo, db.Usage{AssignerID: guest, Reserved: true}))
	}
	outside("1c00", "C05076DE33000C00")

	_, err := f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	calls := f.client.inventoryCalls

	conn, err := f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1c00"}, conn.FCPs)
	assert.Equal(t, calls+2, f.client.inventoryCalls, "only the pool sync queries the inventory")

	// a device missing from the cached inventory triggers a fresh query
	outside("1c01", "C05076DE33000C01")
	calls = f.client.inventoryCalls
	conn, err = f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1c00", "1c01"}, conn.FCPs)
	assert.ElementsMatch(t, []string{"c05076de33000c00", "c05076de33000c01"}, conn.WWPNs)
	assert.Equal(t, calls+4, f.client.inventoryCalls)
}

func TestGetVolumeConnectorHost(t *testing.T) {
	f := newFixture(t)
	f.client.host = ""

	_, err := f.mgr.GetVolumeConnector(guest, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrOperationFailed))

	f.client.host = "BOEM5401"
	conn, err := f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.Equal(t, "BOEM5401", conn.Host)

	f.client.host = "OTHER"
	conn, err = f.mgr.GetVolumeConnector(guest, true)
	require.NoError(t, err)
	assert.Equal(t, "BOEM5401", conn.Host, "host name is cached")
}

func TestRefreshBootmapIsSerialized(t *testing.T) {
	f := newFixture(t)
	req := &smt.BootmapRequest{
		FCPChannels: []string{"1a00", "1b00"},
		WWPNs:       []string{"5005076802100c1b", "5005076802200c1b"},
		LUN:         "0000000000000000",
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.mgr.RefreshBootmap(req)
			assert.NoError(t, err)
			assert.Equal(t, []string{"5005076802100c1b"}, out)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, f.client.bootmapCalls)
	assert.Equal(t, 1, f.client.bootmapMax)
}
