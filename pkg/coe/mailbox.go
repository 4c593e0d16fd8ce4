// Package coe implements the CANopen-over-EtherCAT mailbox protocol:
// the mailbox header common to every mailbox message, the CoE header,
// and the SDO upload/download/dictionary-scan finite-state machine.
package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MailboxHeaderSize is the fixed 6-byte mailbox header.
const MailboxHeaderSize = 6

// MailboxType identifies the protocol carried by a mailbox message.
type MailboxType uint8

const (
	MailboxAoE MailboxType = 1
	MailboxEoE MailboxType = 2
	MailboxCoE MailboxType = 3
	MailboxFoE MailboxType = 4
	MailboxSoE MailboxType = 5
	MailboxVoE MailboxType = 15
)

// MailboxHeader is the 6-byte header common to every mailbox datagram
// payload: len:16 | station:16 | channel:4 | prio:2 | type:4 | cnt:3 |
// rsv:5.
type MailboxHeader struct {
	Length  uint16
	Station uint16
	Channel uint8 // 4 bits
	Prio    uint8 // 2 bits
	Type    MailboxType
	Counter uint8 // 3 bits
}

// Encode writes the header into dst[:MailboxHeaderSize]. The last two
// bytes are one little-endian word packing
// channel:4 | prio:2 | type:4 | cnt:3 | rsv:5.
func (h MailboxHeader) Encode(dst []byte) {
	_ = dst[:MailboxHeaderSize]
	binary.LittleEndian.PutUint16(dst[0:2], h.Length)
	binary.LittleEndian.PutUint16(dst[2:4], h.Station)
	word := uint16(h.Channel&0x0F) |
		uint16(h.Prio&0x03)<<4 |
		uint16(uint8(h.Type)&0x0F)<<6 |
		uint16(h.Counter&0x07)<<10
	binary.LittleEndian.PutUint16(dst[4:6], word)
}

// DecodeMailboxHeader parses a 6-byte mailbox header.
func DecodeMailboxHeader(src []byte) (MailboxHeader, error) {
	if len(src) < MailboxHeaderSize {
		return MailboxHeader{}, fmt.Errorf("ethercat: short mailbox header (%d bytes)", len(src))
	}
	word := binary.LittleEndian.Uint16(src[4:6])
	return MailboxHeader{
		Length:  binary.LittleEndian.Uint16(src[0:2]),
		Station: binary.LittleEndian.Uint16(src[2:4]),
		Channel: uint8(word & 0x0F),
		Prio:    uint8(word>>4) & 0x03,
		Type:    MailboxType(uint8(word>>6) & 0x0F),
		Counter: uint8(word>>10) & 0x07,
	}, nil
}

// MailboxErrorCode is a 16-bit mailbox-level error.
type MailboxErrorCode uint16

const (
	MailboxErrSyntax          MailboxErrorCode = 0x01
	MailboxErrUnsupportedProt MailboxErrorCode = 0x02
	MailboxErrChannelInvalid  MailboxErrorCode = 0x03
	MailboxErrServiceInvalid  MailboxErrorCode = 0x04
	MailboxErrHeaderInvalid   MailboxErrorCode = 0x05
	MailboxErrSizeTooShort    MailboxErrorCode = 0x06
	MailboxErrNoMemory        MailboxErrorCode = 0x07
	MailboxErrSizeInvalid     MailboxErrorCode = 0x08
)

var mailboxErrorMessages = map[MailboxErrorCode]string{
	MailboxErrSyntax:          "syntax of 6 octet mailbox header is wrong",
	MailboxErrUnsupportedProt: "unsupported protocol",
	MailboxErrChannelInvalid:  "channel field contradicts with mailbox configuration",
	MailboxErrServiceInvalid:  "service in mailbox protocol is not supported",
	MailboxErrHeaderInvalid:   "invalid mailbox protocol header",
	MailboxErrSizeTooShort:    "size of mailbox data too short",
	MailboxErrNoMemory:        "no more memory available on the mailbox",
	MailboxErrSizeInvalid:     "size of mailbox data is inconsistent",
}

func (c MailboxErrorCode) Error() string {
	if msg, ok := mailboxErrorMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown mailbox error code 0x%04x", uint16(c))
}

// MailboxError wraps a received mailbox-type-0x00 error response.
type MailboxError struct {
	Code MailboxErrorCode
}

func (e *MailboxError) Error() string { return e.Code.Error() }
func (e *MailboxError) Unwrap() error { return ErrMailboxFault }

var ErrMailboxFault = errors.New("ethercat: mailbox error response")

// CoE header (2 bytes): number:9 | rsv:3 | service:4.
type CoEService uint8

const (
	CoEServiceEmergency      CoEService = 1
	CoEServiceSDORequest     CoEService = 2
	CoEServiceSDOResponse    CoEService = 3
	CoEServiceTxPDO          CoEService = 4
	CoEServiceRxPDO          CoEService = 5
	CoEServiceTxPDORemoteReq CoEService = 6
	CoEServiceRxPDORemoteReq CoEService = 7
	CoEServiceSDOInformation CoEService = 8
)

func EncodeCoEHeader(number uint16, service CoEService) uint16 {
	return (number & 0x01FF) | (uint16(service)&0x0F)<<12
}

func DecodeCoEHeader(v uint16) (number uint16, service CoEService) {
	return v & 0x01FF, CoEService((v >> 12) & 0x0F)
}
