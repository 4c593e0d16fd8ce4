// Package datagram implements the EtherCAT datagram: the single command
// unit carried inside an EtherCAT frame, its typed addressing forms, and
// the lifecycle a single instance moves through between being queued by a
// state machine and being matched against an incoming response.
package datagram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Command identifies an EtherCAT datagram command.
type Command uint8

const (
	CmdNOP  Command = 0x00
	CmdAPRD Command = 0x01
	CmdAPWR Command = 0x02
	CmdAPRW Command = 0x03
	CmdFPRD Command = 0x04
	CmdFPWR Command = 0x05
	CmdFPRW Command = 0x06
	CmdBRD  Command = 0x07
	CmdBWR  Command = 0x08
	CmdBRW  Command = 0x09
	CmdLRD  Command = 0x0A
	CmdLWR  Command = 0x0B
	CmdLRW  Command = 0x0C
	CmdARMW Command = 0x0D
	CmdFRMW Command = 0x0E
)

var commandNames = map[Command]string{
	CmdNOP:  "NOP",
	CmdAPRD: "APRD",
	CmdAPWR: "APWR",
	CmdAPRW: "APRW",
	CmdFPRD: "FPRD",
	CmdFPWR: "FPWR",
	CmdFPRW: "FPRW",
	CmdBRD:  "BRD",
	CmdBWR:  "BWR",
	CmdBRW:  "BRW",
	CmdLRD:  "LRD",
	CmdLWR:  "LWR",
	CmdLRW:  "LRW",
	CmdARMW: "ARMW",
	CmdFRMW: "FRMW",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}

// State is the lifecycle of one Datagram. Transitions are monotonic
// within a single TX/RX cycle: INIT -> QUEUED -> SENT -> {RECEIVED,
// TIMED_OUT, ERROR}.
type State uint8

const (
	StateInit State = iota
	StateQueued
	StateSent
	StateReceived
	StateTimedOut
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateQueued:
		return "QUEUED"
	case StateSent:
		return "SENT"
	case StateReceived:
		return "RECEIVED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed 10-byte datagram header size (cmd, index,
// address, len/reserved/circulating/next, irq).
const HeaderSize = 10

// FooterSize is the 2-byte working-counter footer.
const FooterSize = 2

// DeviceIndex selects which physical link a datagram is routed through.
type DeviceIndex uint8

const (
	DeviceMain   DeviceIndex = 0
	DeviceBackup DeviceIndex = 1
)

var (
	ErrCapacityExceeded = errors.New("ethercat: datagram payload exceeds buffer capacity")
	ErrNotOwner         = errors.New("ethercat: only the owning side may mutate payload outside INIT")
	ErrStationZero      = errors.New("ethercat: FPRD/FPWR/FPRW/FRMW station address is 0x0000")
)

// Datagram is a single EtherCAT command unit: typed address, payload
// buffer with declared size and allocated capacity, working counter and
// lifecycle state.
// Payload is either owned by the Datagram (External is false) or supplied
// by the caller (External is true); the capacity check in SetDataSize is
// skipped for external buffers per the documented contract of the caller
// owning the range.
type Datagram struct {
	Command Command
	Index   uint8 // rolling 8-bit index, assigned by the frame engine at send time

	// Address encodes the 4-byte address field. Interpretation depends on
	// Command; see AddressAutoIncrement / AddressConfigured / AddressLogical.
	Address uint32

	payload  []byte // len(payload) == capacity
	dataSize int    // declared size, <= capacity
	External bool

	WorkingCounter uint16
	ExpectedWC     uint16

	state State

	SentAt     time.Time
	ReceivedAt time.Time

	SkipCount int
	Device    DeviceIndex

	// NextFollows is set by the frame engine while packing; not part of
	// the logical datagram identity.
	NextFollows bool
}

// New allocates an owned Datagram with a zeroed payload of the given
// capacity.
func New(cmd Command, capacity int) *Datagram {
	return &Datagram{
		Command: cmd,
		payload: make([]byte, capacity),
		state:   StateInit,
	}
}

// NewExternal wraps a caller-supplied buffer without copying it. The
// Datagram does not own buf; the caller must not reuse buf for another
// purpose while the Datagram is queued.
func NewExternal(cmd Command, buf []byte) *Datagram {
	return &Datagram{
		Command:  cmd,
		payload:  buf,
		dataSize: len(buf),
		External: true,
		state:    StateInit,
	}
}

// AddressAutoIncrement sets the address field for APRD/APWR/APRW/ARMW:
// position is a signed decrement applied by each slave as the datagram
// passes through, offset is the slave-local register address.
func (d *Datagram) AddressAutoIncrement(position int16, offset uint16) {
	d.Address = uint32(uint16(position)) | uint32(offset)<<16
}

// AddressConfigured sets the address field for FPRD/FPWR/FPRW/FRMW: a
// fixed station address assigned during scan. station == 0x0000 is a
// caller bug (broadcast station addresses do not exist for these
// commands) and is reported via ErrStationZero from Validate.
func (d *Datagram) AddressConfigured(station uint16, offset uint16) {
	d.Address = uint32(station) | uint32(offset)<<16
}

// AddressBroadcast sets the address field for BRD/BWR/BRW.
func (d *Datagram) AddressBroadcast(offset uint16) {
	d.Address = uint32(offset) << 16
}

// AddressLogical sets the address field for LRD/LWR/LRW: a 32-bit
// logical offset into the shared process-data address space.
func (d *Datagram) AddressLogical(offset uint32) {
	d.Address = offset
}

// Validate reports structural problems that should fail fast before the
// datagram is ever queued.
func (d *Datagram) Validate() error {
	switch d.Command {
	case CmdFPRD, CmdFPWR, CmdFPRW, CmdFRMW:
		if uint16(d.Address) == 0 {
			return ErrStationZero
		}
	}
	if d.dataSize > len(d.payload) {
		return ErrCapacityExceeded
	}
	return nil
}

// SetDataSize declares how many bytes of the payload buffer are in use.
// Only valid while State() == INIT.
func (d *Datagram) SetDataSize(n int) error {
	if !d.External && n > len(d.payload) {
		return ErrCapacityExceeded
	}
	d.dataSize = n
	return nil
}

// DataSize returns the declared payload size.
func (d *Datagram) DataSize() int { return d.dataSize }

// Capacity returns the allocated buffer size.
func (d *Datagram) Capacity() int { return len(d.payload) }

// Payload returns the slice of the buffer currently in use
// (payload[:dataSize]).
func (d *Datagram) Payload() []byte { return d.payload[:d.dataSize] }

// SetPayload copies src into the datagram's buffer and declares dataSize
// == len(src). Only valid while State() == INIT; mutating payload outside
// INIT is a caller bug other than the frame engine copying in a received
// response, which MarkReceived does.
func (d *Datagram) SetPayload(src []byte) error {
	if d.state != StateInit {
		return ErrNotOwner
	}
	if len(src) > len(d.payload) {
		return ErrCapacityExceeded
	}
	n := copy(d.payload, src)
	d.dataSize = n
	return nil
}

// State returns the current lifecycle state.
func (d *Datagram) State() State { return d.state }

// MarkQueued transitions INIT -> QUEUED.
func (d *Datagram) MarkQueued() { d.state = StateQueued }

// MarkSent transitions {INIT,QUEUED} -> SENT, assigns the rolling index
// and stamps the send time.
func (d *Datagram) MarkSent(index uint8, at time.Time) {
	d.Index = index
	d.SentAt = at
	d.state = StateSent
}

// MarkReceived copies a read-like command's response payload in and
// transitions SENT -> RECEIVED.
func (d *Datagram) MarkReceived(wc uint16, payload []byte, at time.Time) {
	if isReadLike(d.Command) && payload != nil {
		n := copy(d.payload, payload)
		d.dataSize = n
	}
	d.WorkingCounter = wc
	d.ReceivedAt = at
	d.state = StateReceived
}

// MarkTimedOut transitions SENT -> TIMED_OUT.
func (d *Datagram) MarkTimedOut() { d.state = StateTimedOut }

// MarkError transitions any state -> ERROR (e.g. link down).
func (d *Datagram) MarkError() { d.state = StateError }

// Reset returns the datagram to INIT so it may be reused from the
// external-datagram ring. Payload contents are left as-is;
// callers that need a clean buffer call SetPayload/SetDataSize again.
func (d *Datagram) Reset() {
	d.state = StateInit
	d.Index = 0
	d.WorkingCounter = 0
	d.SkipCount = 0
	d.NextFollows = false
}

func isReadLike(cmd Command) bool {
	switch cmd {
	case CmdAPRD, CmdFPRD, CmdBRD, CmdLRD,
		CmdAPRW, CmdFPRW, CmdBRW, CmdLRW, CmdARMW, CmdFRMW:
		return true
	default:
		return false
	}
}

// WireLen returns the total on-wire length of this datagram: header +
// payload + footer.
func (d *Datagram) WireLen() int {
	return HeaderSize + d.dataSize + FooterSize
}

// EncodeHeader writes the 10-byte datagram header into dst (len(dst) >=
// HeaderSize). The 16-bit length word carries the 11-bit payload length,
// three reserved bits, the circulating bit and the next-follows bit packed
// as len:11|reserved:3|circulating:1|next:1, little endian.
func (d *Datagram) EncodeHeader(dst []byte, circulating bool, nextFollows bool) {
	_ = dst[:HeaderSize]
	dst[0] = uint8(d.Command)
	dst[1] = d.Index
	binary.LittleEndian.PutUint32(dst[2:6], d.Address)

	lenWord := uint16(d.dataSize) & 0x07FF
	if circulating {
		lenWord |= 1 << 14
	}
	if nextFollows {
		lenWord |= 1 << 15
	}
	binary.LittleEndian.PutUint16(dst[6:8], lenWord)
	binary.LittleEndian.PutUint16(dst[8:10], 0) // irq, unused by this master
}

// DecodeHeader parses a 10-byte datagram header. It returns the command,
// index, address, declared length, circulating and next-follows flags.
func DecodeHeader(src []byte) (cmd Command, index uint8, address uint32, length uint16, circulating bool, next bool, err error) {
	if len(src) < HeaderSize {
		return 0, 0, 0, 0, false, false, fmt.Errorf("ethercat: short datagram header (%d bytes)", len(src))
	}
	cmd = Command(src[0])
	index = src[1]
	address = binary.LittleEndian.Uint32(src[2:6])
	lenWord := binary.LittleEndian.Uint16(src[6:8])
	length = lenWord & 0x07FF
	circulating = lenWord&(1<<14) != 0
	next = lenWord&(1<<15) != 0
	return
}
