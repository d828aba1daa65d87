package volume

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/smt"
)

func TestNormalize(t *testing.T) {
	req := connection("1A00", " 1B00").Normalize()
	assert.Equal(t, []string{"1a00", "1b00"}, req.FCPs)
	assert.Equal(t, []string{"5005076802100c1b", "5005076802200c1b"}, req.TargetWWPNs)
	assert.Equal(t, guest, req.AssignerID)
	assert.True(t, req.Multipath)

	info := connection("1a00")
	info.Multipath = "false"
	assert.False(t, info.Normalize().Multipath)
	info.Multipath = "yes"
	assert.False(t, info.Normalize().Multipath)
}

func TestAttachDetachUsageAccounting(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Attach(connection("1a00", "1b00")))
	assert.Equal(t, db.Usage{AssignerID: guest, Reserved: true, Connections: 1}, f.usage(t, "1a00"))
	assert.Equal(t, []string{"1a00", "1b00"}, f.client.dedicateCalls)

	require.NoError(t, f.mgr.Attach(connection("1a00", "1b00")))
	assert.Equal(t, 2, f.usage(t, "1a00").Connections)
	assert.Equal(t, 2, f.usage(t, "1b00").Connections)
	assert.Len(t, f.client.dedicateCalls, 2, "second volume must not dedicate again")
	assert.Equal(t, 2, f.config.attaches)

	require.NoError(t, f.mgr.Detach(connection("1a00", "1b00")))
	assert.Equal(t, 1, f.usage(t, "1a00").Connections)
	assert.Empty(t, f.client.undedicateCall)

	require.NoError(t, f.mgr.Detach(connection("1a00", "1b00")))
	assert.Equal(t, 0, f.usage(t, "1a00").Connections)
	assert.Equal(t, 0, f.usage(t, "1b00").Connections)
	assert.Equal(t, []string{"1a00", "1b00"}, f.client.undedicateCall)
	assert.Empty(t, f.client.dedicated)
	assert.Equal(t, []int{1, 0}, f.config.connections)
}

func TestAttachRollbackRestoresUsage(t *testing.T) {
	boom := errors.New("configure failed")

	t.Run("fresh devices", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.mgr.Pool().InitFCP(guest))
		f.config.attachErr = boom

		err := f.mgr.Attach(connection("1a00", "1b00"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrOperationFailed))
		assert.True(t, errors.Is(err, boom))

		var opErr *OperationError
		require.True(t, errors.As(err, &opErr))
		assert.Empty(t, opErr.Suppressed)

		for _, fcpID := range []string{"1a00", "1b00"} {
			u := f.usage(t, fcpID)
			assert.Equal(t, 0, u.Connections, fcpID)
			assert.False(t, u.Reserved, fcpID)
		}
		assert.Equal(t, []string{"1a00", "1b00"}, f.client.undedicateCall)
		assert.Empty(t, f.client.dedicated)
	})

	t.Run("reserved by connector", func(t *testing.T) {
		f := newFixture(t)
		conn, err := f.mgr.GetVolumeConnector(guest, true)
		require.NoError(t, err)
		require.Len(t, conn.FCPs, 2)

		before := map[string]db.Usage{}
		for _, fcpID := range conn.FCPs {
			before[fcpID] = f.usage(t, fcpID)
		}

		f.config.attachErr = boom
		require.Error(t, f.mgr.Attach(connection(conn.FCPs...)))
		for _, fcpID := range conn.FCPs {
			assert.Equal(t, before[fcpID], f.usage(t, fcpID), fcpID)
		}
	})

	t.Run("devices in use", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.mgr.Attach(connection("1a00", "1b00")))
		before := f.usage(t, "1a00")

		f.config.attachErr = boom
		require.Error(t, f.mgr.Attach(connection("1a00", "1b00")))
		assert.Equal(t, before, f.usage(t, "1a00"))
		assert.Equal(t, 1, f.usage(t, "1b00").Connections)
		assert.Empty(t, f.client.undedicateCall)
		assert.True(t, f.client.dedicated["1a00"])
	})
}

func TestAttachDedicateFailure(t *testing.T) {
	f := newFixture(t)
	f.client.dedicateErr["1b00"] = remoteErr(500, 0)

	err := f.mgr.Attach(connection("1a00", "1b00"))
	require.Error(t, err)

	var reqErr *smt.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 500, reqErr.RC)

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Empty(t, opErr.Suppressed, "undedicating a device that was never dedicated is not a rollback failure")

	assert.Equal(t, 0, f.config.attaches)
	assert.Empty(t, f.client.dedicated)
	assert.Equal(t, 0, f.usage(t, "1a00").Connections)
	assert.Equal(t, 0, f.usage(t, "1b00").Connections)
}

func TestAttachRollbackCollectsSuppressedErrors(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("configure failed")
	f.config.attachErr = boom
	f.client.undedicateErr["1a00"] = remoteErr(500, 1)

	err := f.mgr.Attach(connection("1a00", "1b00"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom), "rollback errors must not mask the cause")

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	require.Len(t, opErr.Suppressed, 1)
	assert.Contains(t, opErr.Suppressed[0].Error(), "1a00")

	assert.Equal(t, 0, f.usage(t, "1a00").Connections)
	assert.Equal(t, 0, f.usage(t, "1b00").Connections)
	assert.False(t, f.client.dedicated["1b00"])
}

func TestAttachUnknownDevice(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.Attach(connection("1a00", "1c00"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, f.client.dedicateCalls)

	u := f.usage(t, "1a00")
	assert.Equal(t, 0, u.Connections)
	assert.False(t, u.Reserved)
}

func TestAttachUnknownGuest(t *testing.T) {
	f := newFixture(t)
	f.client.users = map[string]bool{}

	err := f.mgr.Attach(connection("1a00", "1b00"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	records, err := f.store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRootVolumeIsBookkeepingOnly(t *testing.T) {
	f := newFixture(t)
	f.client.users = map[string]bool{}

	info := connection("1a00", "1b00")
	info.IsRootVolume = true

	require.NoError(t, f.mgr.Attach(info))
	assert.Equal(t, 1, f.usage(t, "1a00").Connections)
	assert.Equal(t, 1, f.usage(t, "1b00").Connections)

	require.NoError(t, f.mgr.Detach(info))
	assert.Equal(t, 0, f.usage(t, "1a00").Connections)

	assert.Empty(t, f.client.dedicateCalls)
	assert.Empty(t, f.client.undedicateCall)
	assert.Equal(t, 0, f.config.attaches)
	assert.Equal(t, 0, f.config.detaches)
}

func TestAttachRecordsEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Attach(connection("1a00", "1b00")))

	events, err := f.store.EventsOfFCP("1a00", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var attached *db.Event
	for _, e := range events {
		if e.EventType == db.EventAttached {
			attached = e
		}
	}
	require.NotNil(t, attached)
	assert.Equal(t, guest, attached.AssignerID)
	assert.NotEmpty(t, attached.OpID)
	assert.Equal(t, 1, attached.Connections)
	assert.True(t, attached.Reserved)
}

func TestDeviceInUseIsNotTakenOver(t *testing.T) {
	f := newFixture(t)
	f.client.users["GUEST2"] = true
	require.NoError(t, f.mgr.Attach(connection("1a00")))
	owned := db.Usage{AssignerID: guest, Reserved: true, Connections: 1}

	other := connection("1a00")
	other.AssignerID = "guest2"
	err := f.mgr.Attach(other)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrOperationFailed)
	assert.Contains(t, err.Error(), "in use by "+guest)
	assert.Equal(t, owned, f.usage(t, "1a00"))
	assert.Equal(t, []string{"1a00"}, f.client.dedicateCalls)
	assert.Equal(t, 1, f.config.attaches)

	err = f.mgr.Detach(other)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrOperationFailed)
	assert.Equal(t, owned, f.usage(t, "1a00"))
	assert.Empty(t, f.client.undedicateCall)
	assert.Zero(t, f.config.detaches)

	require.NoError(t, f.mgr.Detach(connection("1a00")))
	assert.Equal(t, 0, f.usage(t, "1a00").Connections)
	assert.Equal(t, []string{"1a00"}, f.client.undedicateCall)
}
