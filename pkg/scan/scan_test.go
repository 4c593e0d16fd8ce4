package scan

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/alstate"
)

// fakeSlave is a register-addressable in-memory slave used to test the
// scan FSM without a real device. Its SII image is pre-seeded as a flat
// word array exposed through the control/address/data register trio.
type fakeSlave struct {
	regs    map[uint16][]byte
	sii     []uint16
	siiAddr uint16
}

func newFakeSlave(siiWords []uint16) *fakeSlave {
	s := &fakeSlave{regs: make(map[uint16][]byte), sii: siiWords}
	s.regs[alstate.RegALStatus] = []byte{byte(alstate.StateInit), 0}
	s.regs[RegBaseInfoStart] = []byte{
		0x01, 0x00, // type, revision
		0x00, 0x00, // build
		4,    // FMMU count
		2,    // SM count
		0,    // ram size
		0x01, // features: FMMU bit ops
		0x0F, // port descriptor
		0, 0, 0,
	}
	s.regs[RegAlias] = []byte{0x34, 0x12}
	return s
}

func (s *fakeSlave) WriteRegister(addr uint16, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	switch addr {
	case RegSIIAddress:
		s.siiAddr = uint16(binary.LittleEndian.Uint32(buf))
	case RegSIIControl:
		word := uint16(0)
		if int(s.siiAddr) < len(s.sii) {
			word = s.sii[s.siiAddr]
		}
		data := make([]byte, 2)
		binary.LittleEndian.PutUint16(data, word)
		s.regs[RegSIIData] = data
		s.regs[RegSIIControl] = []byte{0x00, 0x00} // not busy
	case alstate.RegALControl:
		s.regs[alstate.RegALStatus] = []byte{buf[0] &^ byte(alstate.ErrorAck), 0}
	}
	s.regs[addr] = buf
	return nil
}

func (s *fakeSlave) ReadRegister(addr uint16, length int) ([]byte, error) {
	v, ok := s.regs[addr]
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

// buildMinimalSII constructs an SII word image with identity words, a
// mailbox configuration, and the terminator right at the category start
// (no categories, so no general category and CoE unset) — just enough for
// the scan FSM to complete without a PDO readout.
func buildMinimalSII() []uint16 {
	words := make([]uint16, 0x40+4)
	words[0x08], words[0x09] = 0x0999, 0x0000 // vendor id (32-bit, low word first)
	words[0x0A], words[0x0B] = 0x0042, 0x0000 // product code
	words[0x18] = 0x1000                      // rx mailbox offset
	words[0x19] = 0x0080                      // rx mailbox size
	words[0x1A] = 0x1080                      // tx mailbox offset
	words[0x1B] = 0x0080                      // tx mailbox size
	words[0x40] = 0xFFFF                      // terminator: no categories
	return words
}

func TestScanDiscoversBaseInfoAndSII(t *testing.T) {
	slave := newFakeSlave(buildMinimalSII())
	f := New(slave, nil)

	result, err := f.Scan(0x1001, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1001), result.StationAddress)
	assert.Equal(t, alstate.StateInit, result.ALState)
	assert.Equal(t, uint8(4), result.Base.FMMUCount)
	assert.Equal(t, uint8(2), result.Base.SyncManagerCount)
	assert.True(t, result.Base.FMMUBitOps)
	assert.Equal(t, uint16(0x1234), result.Alias)
	assert.Equal(t, uint32(0x0999), result.VendorID)
	assert.Equal(t, uint32(0x0042), result.ProductCode)
	assert.Equal(t, uint16(0x1000), result.SII.RxMailboxOffset())
	assert.Equal(t, uint16(0x0080), result.SII.RxMailboxSize())
	assert.Nil(t, result.MailboxMappings, "no CoE support declared, so no PDO readout")
}
