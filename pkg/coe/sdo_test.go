package coe

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave is a minimal CoE SDO server used to test Client against
// known request/response byte sequences.
type fakeSlave struct {
	sent      [][]byte
	responder func(req []byte) []byte
}

func (s *fakeSlave) Write(payload []byte) error {
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSlave) Read(timeout time.Duration) ([]byte, error) {
	return s.responder(s.sent[len(s.sent)-1]), nil
}

func expeditedResponse(index uint16, subindex uint8) []byte {
	buf := make([]byte, MailboxHeaderSize+8)
	MailboxHeader{Length: 8, Type: MailboxCoE}.Encode(buf)
	body := buf[MailboxHeaderSize:]
	binary.LittleEndian.PutUint16(body[0:2], EncodeCoEHeader(0, CoEServiceSDOResponse))
	body[2] = 3 << 5 // scs = download response
	binary.LittleEndian.PutUint16(body[3:5], index)
	body[5] = subindex
	return buf
}

func TestExpeditedDownloadWireFormat(t *testing.T) {
	// An expedited download of 0x6040:00 <- 0x0006 (2 bytes) is sent
	// as exactly one CoE request frame, with command
	// specifier bits encoding expedited + size-indicated + n=2 (0x2B),
	// the target index/subindex, and the 2-byte value zero-padded to 4.
	slave := &fakeSlave{responder: func(req []byte) []byte {
		return expeditedResponse(0x6040, 0x00)
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	err := c.Download(0x6040, 0x00, []byte{0x06, 0x00})
	require.NoError(t, err)
	require.Len(t, slave.sent, 1)

	body := slave.sent[0][MailboxHeaderSize:]
	assert.Equal(t, byte(0x2B), body[2], "expedited download-initiate command specifier")
	assert.Equal(t, uint16(0x6040), binary.LittleEndian.Uint16(body[3:5]))
	assert.Equal(t, uint8(0x00), body[5])
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x00}, body[6:10])
}

func TestSegmentedUploadToggleAlternates(t *testing.T) {
	// A 20-byte upload with mailbox capacity 128 takes one initiate +
	// two segments, toggle 0 then 1, second segment marked last.
	content := make([]byte, 20)
	for i := range content {
		content[i] = byte(i + 1)
	}

	var toggleSeen []uint8
	state := 0
	slave := &fakeSlave{responder: func(req []byte) []byte {
		body := req[MailboxHeaderSize:]
		cs := body[2] >> 5
		if cs == ccsUploadInitiate {
			resp := make([]byte, MailboxHeaderSize+10+6)
			MailboxHeader{Length: uint16(10 + 6), Type: MailboxCoE}.Encode(resp)
			rb := resp[MailboxHeaderSize:]
			binary.LittleEndian.PutUint16(rb[0:2], EncodeCoEHeader(0, CoEServiceSDOResponse))
			rb[2] = (2 << 5) | 0x01 // normal upload response, size indicated
			binary.LittleEndian.PutUint16(rb[3:5], 0x1018)
			rb[5] = 0x01
			binary.LittleEndian.PutUint32(rb[6:10], uint32(len(content)))
			copy(rb[10:], content[:6])
			state = 1
			return resp
		}
		// segment request
		toggle := (body[2] >> 4) & 1
		toggleSeen = append(toggleSeen, toggle)
		var chunk []byte
		last := false
		if state == 1 {
			chunk = content[6:13]
			state = 2
		} else {
			chunk = content[13:20]
			last = true
		}
		resp := make([]byte, MailboxHeaderSize+3+len(chunk))
		MailboxHeader{Length: uint16(3 + len(chunk)), Type: MailboxCoE}.Encode(resp)
		rb := resp[MailboxHeaderSize:]
		binary.LittleEndian.PutUint16(rb[0:2], EncodeCoEHeader(0, CoEServiceSDOResponse))
		cs = byte(0) << 5 // scs upload segment response
		cs |= (toggle & 1) << 4
		if last {
			cs |= 1
		}
		unused := 7 - len(chunk)
		cs |= byte(unused) << 1
		rb[2] = cs
		copy(rb[3:], chunk)
		return resp
	}}

	c := NewClient(slave, 0x1001, 128, 128)
	data, err := c.Upload(0x1018, 0x01)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, []uint8{0, 1}, toggleSeen)
}

func TestSegmentedDownloadRoundTripCount(t *testing.T) {
	// With mailbox capacity C, the initiate request carries C-16 data
	// bytes and each segment C-9, so a 300-byte download through a
	// 128-byte mailbox takes one initiate plus two segments.
	content := make([]byte, 300)
	for i := range content {
		content[i] = byte(i)
	}

	var received []byte
	slave := &fakeSlave{responder: func(req []byte) []byte {
		body := req[MailboxHeaderSize:]
		ccs := body[2] >> 5
		if ccs == ccsDownloadInitiate {
			received = append(received, body[10:]...)
			return expeditedResponse(0x2000, 0x00)
		}
		// download segment: honor the size bits only on a minimal frame
		n := len(body) - 3
		if len(body) == 10 {
			n = 7 - int((body[2]>>1)&0x07)
		}
		received = append(received, body[3:3+n]...)
		resp := make([]byte, MailboxHeaderSize+3)
		MailboxHeader{Length: 3, Type: MailboxCoE}.Encode(resp)
		rb := resp[MailboxHeaderSize:]
		binary.LittleEndian.PutUint16(rb[0:2], EncodeCoEHeader(0, CoEServiceSDOResponse))
		rb[2] = (1 << 5) | (body[2] & 0x10) // echo toggle
		return resp
	}}
	c := NewClient(slave, 0x1001, 128, 128)

	err := c.Download(0x2000, 0x00, content)
	require.NoError(t, err)
	require.Len(t, slave.sent, 3, "one initiate + ceil((300-112)/119) segments")
	assert.Equal(t, content, received)
}

func TestAbortSurfacesCodeVerbatim(t *testing.T) {
	slave := &fakeSlave{responder: func(req []byte) []byte {
		resp := make([]byte, MailboxHeaderSize+10)
		MailboxHeader{Length: 10, Type: MailboxCoE}.Encode(resp)
		rb := resp[MailboxHeaderSize:]
		binary.LittleEndian.PutUint16(rb[0:2], EncodeCoEHeader(0, CoEServiceSDOResponse))
		rb[2] = scsAbort << 5
		binary.LittleEndian.PutUint32(rb[6:10], uint32(AbortObjectNotExist))
		return resp
	}}
	c := NewClient(slave, 0x1001, 128, 128)
	_, err := c.Upload(0x2000, 0x00)
	require.Error(t, err)

	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, AbortObjectNotExist, abortErr.Code)
}

func TestEmergencyDuringTransferDoesNotCorruptResult(t *testing.T) {
	emergencySent := false
	slave := &fakeSlave{responder: func(req []byte) []byte {
		if !emergencySent {
			emergencySent = true
			resp := make([]byte, MailboxHeaderSize+10)
			MailboxHeader{Length: 10, Type: MailboxCoE}.Encode(resp)
			rb := resp[MailboxHeaderSize:]
			binary.LittleEndian.PutUint16(rb[0:2], EncodeCoEHeader(0, CoEServiceEmergency))
			binary.LittleEndian.PutUint16(rb[2:4], 0x1000)
			rb[4] = 0x01
			return resp
		}
		return expeditedResponse(0x6040, 0x00)
	}}
	c := NewClient(slave, 0x1001, 128, 128)
	err := c.Download(0x6040, 0x00, []byte{0x01})
	require.NoError(t, err)
	require.Len(t, c.EmergencyRing, 1)
	assert.Equal(t, uint16(0x1000), c.EmergencyRing[0].ErrorCode)
}
