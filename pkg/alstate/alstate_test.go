package alstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave is a minimal in-memory RegisterIO: a 0x0120/0x0130/0x0134
// register trio, with writes to 0x0120 immediately reflected in
// 0x0130 (no real device latency to simulate here).
type fakeSlave struct {
	status     byte
	statusCode uint16
	writes     [][]byte
}

func (s *fakeSlave) WriteRegister(addr uint16, value []byte) error {
	s.writes = append(s.writes, append([]byte(nil), value...))
	if addr == RegALControl {
		s.status = value[0]
	}
	return nil
}

func (s *fakeSlave) ReadRegister(addr uint16, length int) ([]byte, error) {
	switch addr {
	case RegALStatus:
		return []byte{s.status, 0}, nil
	case RegALStatusCode:
		return []byte{byte(s.statusCode), byte(s.statusCode >> 8)}, nil
	}
	return make([]byte, length), nil
}

func TestRequestFullReachesTarget(t *testing.T) {
	slave := &fakeSlave{status: byte(StateInit)}
	fsm := New(slave, nil)

	got, err := fsm.Request(StatePreOp, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, StatePreOp, got)
	require.Len(t, slave.writes, 1)
	assert.Equal(t, byte(StatePreOp), slave.writes[0][0])
}

func TestRequestAckOnlyClearsErrorWithoutDrivingState(t *testing.T) {
	// Slave already sitting in SAFEOP but flagging an AL error. ACK_ONLY
	// must acknowledge the error in place rather than write a
	// new target state.
	slave := &fakeSlave{status: byte(StateSafeOp) | byte(ErrorAck), statusCode: 0x001B}
	fsm := New(slave, nil)

	got, err := fsm.Request(StateUnknown, ModeAckOnly)
	require.NoError(t, err)
	assert.Equal(t, StateSafeOp, got)

	// Exactly one write: the ack (current state | ErrorAck), never the
	// bogus StateUnknown target passed in.
	require.Len(t, slave.writes, 1)
	assert.Equal(t, byte(StateSafeOp)|byte(ErrorAck), slave.writes[0][0])
}

func TestRequestAckOnlyNoErrorLeavesSlaveUntouched(t *testing.T) {
	slave := &fakeSlave{status: byte(StateOp)}
	fsm := New(slave, nil)

	got, err := fsm.Request(StateUnknown, ModeAckOnly)
	require.NoError(t, err)
	assert.Equal(t, StateOp, got)
	assert.Empty(t, slave.writes)
}
