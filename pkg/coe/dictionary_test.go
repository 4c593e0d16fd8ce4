package coe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infoResponse(opcode byte, fragmentsLeft uint16, data []byte) []byte {
	resp := make([]byte, MailboxHeaderSize+infoHeaderSize+len(data))
	MailboxHeader{Length: uint16(infoHeaderSize + len(data)), Type: MailboxCoE}.Encode(resp)
	body := resp[MailboxHeaderSize:]
	binary.LittleEndian.PutUint16(body[0:2], EncodeCoEHeader(0, CoEServiceSDOInformation))
	body[2] = opcode
	binary.LittleEndian.PutUint16(body[4:6], fragmentsLeft)
	copy(body[infoHeaderSize:], data)
	return resp
}

func TestReadODListSingleFragment(t *testing.T) {
	data := make([]byte, 2+4)
	binary.LittleEndian.PutUint16(data[0:2], 0x01) // list type echoed back
	binary.LittleEndian.PutUint16(data[2:4], 0x1000)
	binary.LittleEndian.PutUint16(data[4:6], 0x6040)

	slave := &fakeSlave{responder: func(req []byte) []byte {
		return infoResponse(odListResponse, 0, data)
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	indices, err := c.ReadODList()
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1000, 0x6040}, indices)
}

func TestReadObjectDescriptionLayout(t *testing.T) {
	data := make([]byte, 6+len("Identity"))
	binary.LittleEndian.PutUint16(data[0:2], 0x1018)
	binary.LittleEndian.PutUint16(data[2:4], 0x0007) // data type
	data[4] = 4                                      // max subindex
	data[5] = 9                                      // object code: RECORD
	copy(data[6:], "Identity")

	slave := &fakeSlave{responder: func(req []byte) []byte {
		return infoResponse(objectDescResponse, 0, data)
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	od, err := c.ReadObjectDescription(0x1018)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1018), od.Index)
	assert.Equal(t, uint8(4), od.MaxSubindex)
	assert.Equal(t, uint8(9), od.ObjectCode)
	assert.Equal(t, "Identity", od.Name)
}

func TestReadEntryDescriptionLayout(t *testing.T) {
	data := make([]byte, 10+len("Vendor ID"))
	binary.LittleEndian.PutUint16(data[0:2], 0x1018)
	data[2] = 1                                      // subindex
	data[3] = 0                                      // value info
	binary.LittleEndian.PutUint16(data[4:6], 0x0007) // data type: UDINT
	binary.LittleEndian.PutUint16(data[6:8], 32)     // bit length
	binary.LittleEndian.PutUint16(data[8:10], 0x0007)
	copy(data[10:], "Vendor ID")

	slave := &fakeSlave{responder: func(req []byte) []byte {
		return infoResponse(entryDescResponse, 0, data)
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	entry, err := c.ReadEntryDescription(0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0007), entry.DataType)
	assert.Equal(t, uint16(32), entry.BitLength)
	assert.True(t, entry.AccessPreOp)
	assert.True(t, entry.AccessSafeOp)
	assert.True(t, entry.AccessOp)
	assert.Equal(t, "Vendor ID", entry.Name)
}

func TestFragmentedDescriptionFails(t *testing.T) {
	slave := &fakeSlave{responder: func(req []byte) []byte {
		return infoResponse(objectDescResponse|infoIncomplete, 1, make([]byte, 12))
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	_, err := c.ReadObjectDescription(0x1000)
	require.ErrorIs(t, err, ErrDictionaryFragmented)
}

func TestScanDictionarySkipsSubindexGaps(t *testing.T) {
	slave := &fakeSlave{responder: func(req []byte) []byte {
		body := req[MailboxHeaderSize:]
		switch body[2] {
		case odListRequest:
			data := make([]byte, 4)
			binary.LittleEndian.PutUint16(data[0:2], 0x01)
			binary.LittleEndian.PutUint16(data[2:4], 0x1C12)
			return infoResponse(odListResponse, 0, data)
		case objectDescRequest:
			data := make([]byte, 6)
			binary.LittleEndian.PutUint16(data[0:2], 0x1C12)
			data[4] = 2 // max subindex
			data[5] = 8 // ARRAY
			return infoResponse(objectDescResponse, 0, data)
		default:
			sub := body[8]
			if sub == 1 {
				// gap: subindex 1 does not exist
				data := make([]byte, 4)
				binary.LittleEndian.PutUint32(data, uint32(AbortObjectNotExist))
				return infoResponse(sdoInfoError, 0, data)
			}
			data := make([]byte, 10)
			binary.LittleEndian.PutUint16(data[0:2], 0x1C12)
			data[2] = sub
			binary.LittleEndian.PutUint16(data[6:8], 16)
			return infoResponse(entryDescResponse, 0, data)
		}
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	objects, err := c.ScanDictionary()
	require.NoError(t, err)
	require.Len(t, objects, 1)
	// subindexes 0 and 2 present, 1 skipped
	require.Len(t, objects[0].Entries, 2)
	assert.Equal(t, uint8(0), objects[0].Entries[0].Subindex)
	assert.Equal(t, uint8(2), objects[0].Entries[1].Subindex)
}
