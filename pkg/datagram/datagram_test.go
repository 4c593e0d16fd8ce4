package datagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMonotonic(t *testing.T) {
	d := New(CmdFPRD, 4)
	assert.Equal(t, StateInit, d.State())

	d.MarkQueued()
	assert.Equal(t, StateQueued, d.State())

	d.MarkSent(7, time.Now())
	assert.Equal(t, StateSent, d.State())
	assert.Equal(t, uint8(7), d.Index)

	d.MarkReceived(1, []byte{1, 2, 3, 4}, time.Now())
	assert.Equal(t, StateReceived, d.State())
	assert.Equal(t, uint16(1), d.WorkingCounter)
	assert.Equal(t, []byte{1, 2, 3, 4}, d.Payload())
}

func TestSentNeverReusedWithoutReset(t *testing.T) {
	d := New(CmdAPWR, 2)
	d.MarkQueued()
	d.MarkSent(1, time.Now())
	d.MarkTimedOut()
	assert.Equal(t, StateTimedOut, d.State())
	d.Reset()
	assert.Equal(t, StateInit, d.State())
}

func TestDataSizeCapacity(t *testing.T) {
	d := New(CmdLWR, 4)
	require.NoError(t, d.SetDataSize(4))
	assert.Error(t, d.SetDataSize(5))
}

func TestExternalBufferSkipsCapacityCheckBeyondLen(t *testing.T) {
	buf := make([]byte, 8)
	d := NewExternal(CmdLRD, buf)
	assert.Equal(t, 8, d.Capacity())
	assert.Equal(t, 8, d.DataSize())
	assert.NoError(t, d.SetDataSize(len(buf)+4))
}

func TestValidateStationZero(t *testing.T) {
	d := New(CmdFPRD, 2)
	d.AddressConfigured(0, 0x0130)
	assert.ErrorIs(t, d.Validate(), ErrStationZero)

	d2 := New(CmdFPWR, 2)
	d2.AddressConfigured(0x1001, 0x0120)
	assert.NoError(t, d2.Validate())
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	d := New(CmdAPRD, 4)
	d.AddressAutoIncrement(-2, 0x0130)
	require.NoError(t, d.SetDataSize(2))

	buf := make([]byte, HeaderSize)
	d.EncodeHeader(buf, false, true)

	cmd, index, address, length, circulating, next, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, CmdAPRD, cmd)
	assert.Equal(t, uint8(0), index)
	assert.Equal(t, d.Address, address)
	assert.Equal(t, uint16(2), length)
	assert.False(t, circulating)
	assert.True(t, next)
}

func TestWireLen(t *testing.T) {
	d := New(CmdLRW, 10)
	require.NoError(t, d.SetDataSize(10))
	assert.Equal(t, HeaderSize+10+FooterSize, d.WireLen())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "LRW", CmdLRW.String())
	assert.Equal(t, "Command(0x7f)", Command(0x7f).String())
}
