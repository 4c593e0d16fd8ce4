package slaveconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/sii"
)

// fakeRegisters is an in-memory register file that accepts AL state
// changes immediately, used to drive the bring-up pipeline end to end
// without a real slave.
type fakeRegisters struct {
	regs map[uint16][]byte
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{regs: make(map[uint16][]byte)}
}

func (r *fakeRegisters) WriteRegister(addr uint16, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	r.regs[addr] = buf
	if addr == alstate.RegALControl {
		r.regs[alstate.RegALStatus] = []byte{value[0] &^ byte(alstate.ErrorAck), 0}
	}
	return nil
}

func (r *fakeRegisters) ReadRegister(addr uint16, length int) ([]byte, error) {
	v, ok := r.regs[addr]
	if !ok {
		return make([]byte, length), nil
	}
	if len(v) < length {
		out := make([]byte, length)
		copy(out, v)
		return out, nil
	}
	return v[:length], nil
}

func TestBringUpSimpleSlaveReachesOp(t *testing.T) {
	io := newFakeRegisters()
	slaveSII := &sii.Image{}
	f := New(io, nil, 0x1001, slaveSII, nil)
	f.Now = func() time.Time { return time.Unix(0, 0) }

	cfg := &Config{
		Alias:    0,
		Position: 0,
		SMs: []SyncManagerConfig{
			{Index: 2, PhysicalStart: 0x1100, Length: 2, ControlByte: 0x24, Enable: true},
			{Index: 3, PhysicalStart: 0x1180, Length: 2, ControlByte: 0x20, Enable: true},
		},
	}

	err := f.Run(cfg)
	require.NoError(t, err)

	status, _ := io.ReadRegister(alstate.RegALStatus, 2)
	assert.Equal(t, byte(alstate.StateOp), status[0])
}

func TestNoMailboxSlaveSkipsMailboxSteps(t *testing.T) {
	// A slave declaring no mailbox protocols is configured through the
	// reset and sync-manager/FMMU steps but its SM0/SM1 pages and
	// watchdog registers are never written.
	io := newFakeRegisters()
	slaveSII := &sii.Image{} // MailboxProtocols == 0
	f := New(io, nil, 0x1001, slaveSII, nil)
	f.Now = func() time.Time { return time.Unix(0, 0) }

	cfg := &Config{
		WatchdogDivider: 100,
		SMs: []SyncManagerConfig{
			{Index: 2, PhysicalStart: 0x1100, Length: 2, ControlByte: 0x24, Enable: true},
		},
		FMMUs: []FMMUConfig{
			{LogicalStart: 0, Length: 2, PhysicalStart: 0x1100, TypeFlags: 0x02, Enable: true},
		},
	}
	require.NoError(t, f.Run(cfg))

	// SM0/SM1 pages were cleared by step 3 but never reconfigured.
	sm0, _ := io.ReadRegister(RegSMBase, SMPageSize)
	assert.Equal(t, make([]byte, SMPageSize), sm0)
	wd, _ := io.ReadRegister(RegWatchdogDivider, 2)
	assert.Equal(t, []byte{0, 0}, wd)

	// SM2 and the FMMU page were still written.
	sm2, _ := io.ReadRegister(RegSMBase+2*SMPageSize, SMPageSize)
	assert.Equal(t, byte(1), sm2[6], "sync manager 2 enabled")
	fmmu, _ := io.ReadRegister(RegFMMUBase, FMMUPageSize)
	assert.Equal(t, byte(1), fmmu[12], "fmmu 0 enabled")
}

func TestMailboxSlaveConfiguresSM01(t *testing.T) {
	io := newFakeRegisters()
	slaveSII := &sii.Image{General: sii.GeneralInfo{MailboxProtocols: 0x04, CoESupported: true}}
	f := New(io, nil, 0x1001, slaveSII, nil)
	f.Now = func() time.Time { return time.Unix(0, 0) }

	require.NoError(t, f.Run(&Config{}))

	sm0, _ := io.ReadRegister(RegSMBase, SMPageSize)
	assert.Equal(t, byte(1), sm0[6], "rx mailbox sync manager enabled")
}

func TestMailboxOffsetsFollowSII(t *testing.T) {
	io := newFakeRegisters()
	slaveSII := &sii.Image{Words: make([]uint16, 0x20)}
	slaveSII.Words[0x18] = 0x1200
	slaveSII.Words[0x19] = 0x0040
	slaveSII.Words[0x1A] = 0x1280
	slaveSII.Words[0x1B] = 0x0040

	f := New(io, nil, 0x1001, slaveSII, nil)
	f.Now = func() time.Time { return time.Unix(0, 0) }

	rxOff, rxSz, txOff, txSz := f.mailboxOffsets()
	assert.Equal(t, uint16(0x1200), rxOff)
	assert.Equal(t, uint16(0x0040), rxSz)
	assert.Equal(t, uint16(0x1280), txOff)
	assert.Equal(t, uint16(0x0040), txSz)
}

func TestDetachedMidSequenceRestarts(t *testing.T) {
	io := newFakeRegisters()
	f := New(io, nil, 0x1001, &sii.Image{}, nil)
	f.Now = func() time.Time { return time.Unix(0, 0) }

	calls := 0
	f.Detached = func() bool {
		calls++
		return calls == 3 // detach partway through the first pass
	}

	err := f.Run(&Config{})
	require.NoError(t, err)
	assert.Greater(t, calls, 16, "should have restarted the 16-step pipeline at least once")
}
