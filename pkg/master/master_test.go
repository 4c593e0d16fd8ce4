package master

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/datagram"
	"github.com/samsamfire/goethercat/pkg/dc"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/link/virtual"
)

// fakeSlave is a minimal wire-level EtherCAT slave simulator: it answers
// a single-datagram frame addressed to it (BRD/APxx/FPxx) by echoing a
// register value and a working counter of 1, keyed only by the
// datagram's register offset (upper 16 bits of its address field),
// enough to drive Master's exchange-based cyclic steps end to end
// without a real NIC.
type fakeSlave struct {
	mu   sync.Mutex
	link *virtual.Link
	regs map[uint16][]byte
}

func newFakeSlave(t *testing.T, name string) *fakeSlave {
	t.Helper()
	l := &virtual.Link{}
	require.NoError(t, l.Open(name))
	s := &fakeSlave{link: l, regs: make(map[uint16][]byte)}
	l.SetHandler(s.handle)
	return s
}

func (s *fakeSlave) setRegister(offset uint16, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[offset] = append([]byte(nil), value...)
}

func (s *fakeSlave) handle(frame []byte) {
	if len(frame) < 16 {
		return
	}
	payload := frame[14:]
	ecatLen := binary.LittleEndian.Uint16(payload[0:2]) & 0x07FF
	if len(payload) < 2+int(ecatLen) {
		return
	}
	off := 2
	cmd := datagram.Command(payload[off])
	addr := binary.LittleEndian.Uint32(payload[off+2 : off+6])
	lenWord := binary.LittleEndian.Uint16(payload[off+6 : off+8])
	dlen := int(lenWord & 0x07FF)
	dataStart := off + 10
	if dataStart+dlen+2 > len(payload) {
		return
	}
	data := payload[dataStart : dataStart+dlen]

	regOffset := uint16(addr >> 16)
	s.mu.Lock()
	switch cmd {
	case datagram.CmdFPWR, datagram.CmdAPWR, datagram.CmdBWR:
		s.regs[regOffset] = append([]byte(nil), data...)
	case datagram.CmdFPRD, datagram.CmdAPRD, datagram.CmdBRD:
		v, ok := s.regs[regOffset]
		if ok {
			copy(data, v)
		}
	}
	s.mu.Unlock()

	binary.LittleEndian.PutUint16(payload[dataStart+dlen:dataStart+dlen+2], 1)
	_ = s.link.Send(frame)
}

func newTestMaster(t *testing.T, name string) (*Master, *fakeSlave) {
	t.Helper()
	slave := newFakeSlave(t, name)
	l, err := link.NewLink("virtual", name)
	require.NoError(t, err)
	adapter := link.NewAdapter(l, name, 4, 256)
	engine := frame.New(adapter, nil)
	m := New(engine, MinRingSize, nil)
	return m, slave
}

func TestMasterBroadcastCountsRespondingSlave(t *testing.T) {
	m, slave := newTestMaster(t, "master-broadcast")
	slave.setRegister(0x0130, []byte{byte(0x08), 0}) // AL status OP

	result, err := m.Broadcast()
	require.NoError(t, err)
	assert.Equal(t, 1, result.RespondingCount)
}

func TestMasterBroadcastZeroSlaves(t *testing.T) {
	// Nothing answers on the segment: the BRD times out with WC=0 and no
	// slave entries come into existence.
	l, err := link.NewLink("virtual", "master-broadcast-empty")
	require.NoError(t, err)
	adapter := link.NewAdapter(l, "master-broadcast-empty", 4, 256)
	m := New(frame.New(adapter, nil), MinRingSize, nil)

	result, err := m.Broadcast()
	require.NoError(t, err)
	assert.Equal(t, 0, result.RespondingCount)
	assert.Empty(t, m.Slaves())
}

func TestMasterValidateTriggersOnlyOnCountChangeAndWhenAllowed(t *testing.T) {
	m, _ := newTestMaster(t, "master-validate")

	first := BroadcastResult{RespondingCount: 2}
	assert.True(t, m.Validate(first), "first observation always triggers a scan")

	same := BroadcastResult{RespondingCount: 2}
	assert.False(t, m.Validate(same), "unchanged responding count should not retrigger a scan")

	changed := BroadcastResult{RespondingCount: 3}
	assert.True(t, m.Validate(changed), "a responding-count change should trigger a scan")

	m.AllowScan = false
	changedAgain := BroadcastResult{RespondingCount: 4}
	assert.False(t, m.Validate(changedAgain), "scan must not trigger while AllowScan is false")
}

func TestMasterReadSlaveStatesUpdatesCurrentState(t *testing.T) {
	m, slave := newTestMaster(t, "master-read-states")
	slave.setRegister(0x0130, []byte{byte(0x04), 0}) // SAFEOP

	m.slaves = []*Slave{{StationAddress: 0x1000, RequestedState: 0x08}}
	err := m.ReadSlaveStates()
	require.NoError(t, err)
	assert.EqualValues(t, 0x04, m.slaves[0].CurrentState)
	assert.True(t, m.slaves[0].NeedsConfiguration())
}

func TestEnqueueRoutesByDeviceIndex(t *testing.T) {
	// Two separate virtual segments, one slave on each: a datagram's
	// Device index decides which wire it leaves on.
	m, mainSlave := newTestMaster(t, "route-main")
	backupSlave := newFakeSlave(t, "route-backup")
	bl, err := link.NewLink("virtual", "route-backup")
	require.NoError(t, err)
	require.NoError(t, m.AddBackupEngine(frame.New(link.NewAdapter(bl, "route-backup", 4, 256), nil)))

	write := func(dev datagram.DeviceIndex, value byte) {
		dg := datagram.New(datagram.CmdBWR, 2)
		dg.AddressBroadcast(0x0200)
		dg.Device = dev
		require.NoError(t, dg.SetPayload([]byte{value, 0}))
		require.NoError(t, m.Enqueue(dg))
	}
	write(datagram.DeviceMain, 0x11)
	write(datagram.DeviceBackup, 0x22)

	rt := NewRuntime(m)
	require.NoError(t, rt.Send(time.Now()))

	mainSlave.mu.Lock()
	mainSeen := append([]byte(nil), mainSlave.regs[0x0200]...)
	mainSlave.mu.Unlock()
	backupSlave.mu.Lock()
	backupSeen := append([]byte(nil), backupSlave.regs[0x0200]...)
	backupSlave.mu.Unlock()

	assert.Equal(t, []byte{0x11, 0}, mainSeen)
	assert.Equal(t, []byte{0x22, 0}, backupSeen)
}

func TestEnqueueFailsDatagramForMissingDevice(t *testing.T) {
	m, _ := newTestMaster(t, "route-missing-device")

	dg := datagram.New(datagram.CmdBWR, 1)
	dg.AddressBroadcast(0x0200)
	dg.Device = datagram.DeviceBackup // no backup engine attached
	require.NoError(t, dg.SetDataSize(1))

	err := m.Enqueue(dg)
	assert.ErrorIs(t, err, link.ErrLinkDown)
	assert.Equal(t, datagram.StateError, dg.State())
}

func TestAddBackupEngineRefusesPastMaxDevices(t *testing.T) {
	m, _ := newTestMaster(t, "route-max-devices")
	l, err := link.NewLink("virtual", "route-max-devices-b")
	require.NoError(t, err)
	e := frame.New(link.NewAdapter(l, "route-max-devices-b", 4, 256), nil)
	require.NoError(t, m.AddBackupEngine(e))
	assert.ErrorIs(t, m.AddBackupEngine(e), ErrTooManyDevices)
}

func TestQueueDCDatagramsBuildsSyncAndDriftPair(t *testing.T) {
	m, slave := newTestMaster(t, "master-dc-cycle")
	slave.setRegister(dc.RegSystemTime, []byte{0, 0, 0, 0})

	m.SetAppTime(0x11223344)
	m.SetDCReference(&dc.Slave{StationAddress: 0x1000, DCSupported: true})

	rt := NewRuntime(m)
	require.NoError(t, rt.Send(time.Now()))

	// Both datagrams went out and came back over the fake segment.
	deadline := time.Now().Add(time.Second)
	for m.dcSync.State() != datagram.StateReceived && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, datagram.StateReceived, m.dcSync.State())
	assert.Equal(t, datagram.CmdFPWR, m.dcSync.Command)
	assert.Equal(t, datagram.CmdFRMW, m.dcDrift.Command)

	// The reference slave's system-time register saw the app time.
	slave.mu.Lock()
	written := append([]byte(nil), slave.regs[dc.RegSystemTime]...)
	slave.mu.Unlock()
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, written)
}

func TestRequestLifecycleReachesSuccess(t *testing.T) {
	r := NewRequest(RequestSDO, 0x1001, func() error { return nil })
	assert.Equal(t, RequestQueued, r.State())
	r.run()
	assert.Equal(t, RequestSuccess, r.State())
	assert.NoError(t, r.Wait())
}

func TestCancelRequestWithdrawsQueuedOnly(t *testing.T) {
	m, _ := newTestMaster(t, "master-cancel-request")
	r := NewRequest(RequestSDO, 0x1000, func() error { return nil })
	m.EnqueueRequest(r)

	require.True(t, m.CancelRequest(r))
	assert.Equal(t, RequestFailure, r.State())
	assert.ErrorIs(t, r.Wait(), ErrRequestCancelled)

	// Cancelled requests are gone from the queue; a second cancel and a
	// dispatch both see nothing.
	assert.False(t, m.CancelRequest(r))
	assert.Equal(t, 0, m.ServiceRequests())

	// A request that already ran cannot be withdrawn.
	done := NewRequest(RequestSDO, 0x1000, func() error { return nil })
	m.EnqueueRequest(done)
	m.ServiceRequests()
	assert.False(t, m.CancelRequest(done))
}

func TestMasterServiceRequestsDrainsQueue(t *testing.T) {
	m, _ := newTestMaster(t, "master-service-requests")
	var ran bool
	r := NewRequest(RequestRegister, 0x1000, func() error { ran = true; return nil })
	m.EnqueueRequest(r)

	n := m.ServiceRequests()
	assert.Equal(t, 1, n)
	assert.True(t, ran)
	require.NoError(t, r.Wait())
}
