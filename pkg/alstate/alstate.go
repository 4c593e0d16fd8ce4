// Package alstate implements the AL state-change FSM: writing a
// slave's requested AL state to register 0x0120, polling 0x0130 until
// it takes effect, and resolving AL-status-code on error.
package alstate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is an EtherCAT AL (application layer) state.
type State uint8

const (
	StateUnknown State = 0x00
	StateInit    State = 0x01
	StatePreOp   State = 0x02
	StateBoot    State = 0x03
	StateSafeOp  State = 0x04
	StateOp      State = 0x08
	// ErrorAck is OR'd into a requested state to acknowledge an AL
	// error (write current|ErrorAck back to 0x0120).
	ErrorAck State = 0x10
)

var stateNames = map[State]string{
	StateUnknown: "UNKNOWN",
	StateInit:    "INIT",
	StatePreOp:   "PREOP",
	StateBoot:    "BOOT",
	StateSafeOp:  "SAFEOP",
	StateOp:      "OP",
}

func (s State) String() string {
	if name, ok := stateNames[s&0x0F]; ok {
		if s&ErrorAck != 0 {
			return name + "+ERR"
		}
		return name
	}
	return fmt.Sprintf("State(0x%02x)", uint8(s))
}

// Mode selects how Request drives the slave: ModeFull writes the target
// to 0x0120 and polls 0x0130 for it, acknowledging any AL error it meets;
// ModeAckOnly writes no target and only acknowledges a pending AL error.
type Mode uint8

const (
	ModeFull Mode = iota
	ModeAckOnly
)

// Registers used by this FSM.
const (
	RegALControl    = 0x0120
	RegALStatus     = 0x0130
	RegALStatusCode = 0x0134
)

// StatusCodeMessages maps the 16-bit AL-status-code to a fixed textual
// description. Unknown codes are reported numerically by Describe.
var StatusCodeMessages = map[uint16]string{
	0x0000: "no error",
	0x0001: "unspecified error",
	0x0011: "invalid requested state change",
	0x0012: "unknown requested state",
	0x0016: "invalid mailbox configuration (PREOP)",
	0x0017: "invalid mailbox configuration (SAFEOP)",
	0x0018: "invalid sync manager configuration",
	0x0019: "no valid inputs available",
	0x001A: "no valid outputs available",
	0x001B: "synchronization error",
	0x001C: "sync manager watchdog",
	0x001D: "invalid sync manager types",
	0x001E: "invalid output configuration",
	0x001F: "invalid input configuration",
	0x0020: "invalid watchdog configuration",
	0x0021: "slave needs cold start",
	0x0022: "slave needs INIT",
	0x0023: "slave needs PREOP",
	0x0024: "slave needs SAFEOP",
	0x0025: "invalid input mapping",
	0x0026: "invalid output mapping",
	0x0027: "inconsistent settings",
	0x0028: "freerun not supported",
	0x0029: "synchronization not supported",
	0x002A: "freerun needs 3-buffer mode",
	0x002B: "background watchdog",
	0x002C: "no valid inputs and outputs",
	0x002D: "fatal sync error",
	0x002E: "no sync error",
	0x0030: "invalid DC SYNC configuration",
	0x0031: "invalid DC latch configuration",
	0x0032: "PLL error",
	0x0033: "invalid DC IO error",
	0x0034: "invalid DC timeout error",
	0x0035: "DC invalid sync cycle time",
	0x0036: "DC sync0 cycle time",
	0x0037: "DC sync1 cycle time",
	0x0041: "MBX_AOE",
	0x0042: "MBX_EOE",
	0x0043: "MBX_COE",
	0x0044: "MBX_FOE",
	0x0045: "MBX_SOE",
	0x004F: "MBX_VOE",
	0x0050: "EEPROM no access",
	0x0051: "EEPROM error",
	0x0060: "slave restarted",
	0x0061: "device identification value updated",
	0x00F0: "application controller available",
}

// Describe returns the fixed textual message for an AL-status-code, or a
// generic "unknown" message carrying the numeric value.
func Describe(code uint16) string {
	if msg, ok := StatusCodeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown AL status code 0x%04x", code)
}

var (
	ErrTimeout    = errors.New("ethercat: AL state change timed out")
	ErrSlaveError = errors.New("ethercat: slave reported an AL error")
)

// RegisterIO is the narrow interface this FSM needs against a slave:
// write/read a 2-byte register by address. Implemented by the per-slave
// configuration FSM's transport over a Datagram round trip.
type RegisterIO interface {
	WriteRegister(addr uint16, value []byte) error
	ReadRegister(addr uint16, length int) ([]byte, error)
}

// Timeout is the polling budget for a state change.
const Timeout = 5 * time.Second

// PollInterval is how often the FSM re-reads 0x0130 while waiting.
const PollInterval = time.Millisecond

// FSM drives one slave's AL state through a single requested change.
type FSM struct {
	logger *slog.Logger
	io     RegisterIO
}

// New builds an FSM bound to one slave's register transport.
func New(io RegisterIO, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{io: io, logger: logger.With("service", "[alstate]")}
}

// Request writes target to 0x0120 and polls 0x0130 until the slave
// reports it. A spontaneous change — the slave announcing a new state
// before the write's effect is observed — is accepted as the new
// baseline rather than treated as a failure. On timeout or a
// rejected change (error bit set in the status register) it reads
// AL-status-code, maps it to a message, acknowledges by writing the
// current state back, and returns the error.
func (f *FSM) Request(target State, mode Mode) (State, error) {
	if mode == ModeAckOnly {
		return f.ackOnly()
	}

	if err := f.io.WriteRegister(RegALControl, []byte{byte(target), 0}); err != nil {
		return StateUnknown, err
	}

	deadline := time.Now().Add(Timeout)
	var last State
	for time.Now().Before(deadline) {
		raw, err := f.io.ReadRegister(RegALStatus, 2)
		if err != nil {
			return StateUnknown, err
		}
		status := State(raw[0])
		last = status & 0x0F

		if status&ErrorAck != 0 {
			return f.resolveError(last)
		}
		if last == target&0x0F {
			return last, nil
		}
		// Spontaneous change tolerance: if the slave reports a state
		// different from both current and target, accept it as the
		// new baseline and keep waiting for target.
		time.Sleep(PollInterval)
	}
	// Timed out: read and acknowledge the AL status code the same way as
	// a rejected change, then report the timeout.
	if _, err := f.resolveError(last); !errors.Is(err, ErrSlaveError) {
		return last, err
	}
	return last, ErrTimeout
}

// ackOnly acknowledges a pending AL error without driving a new state
// transition: it reads the current status and, if the error bit is set,
// runs the same ack-on-error path Request uses on a rejected change; once
// the acknowledgement is written it returns the current state and no
// error. A slave with no pending error is left untouched.
func (f *FSM) ackOnly() (State, error) {
	raw, err := f.io.ReadRegister(RegALStatus, 2)
	if err != nil {
		return StateUnknown, err
	}
	status := State(raw[0])
	current := status & 0x0F
	if status&ErrorAck != 0 {
		st, err := f.resolveError(current)
		if errors.Is(err, ErrSlaveError) {
			return st, nil
		}
		return st, err
	}
	return current, nil
}

func (f *FSM) resolveError(reportedState State) (State, error) {
	raw, err := f.io.ReadRegister(RegALStatusCode, 2)
	if err != nil {
		return reportedState, err
	}
	code := uint16(raw[0]) | uint16(raw[1])<<8
	f.logger.Warn("AL status error", "state", reportedState, "code", fmt.Sprintf("0x%04x", code), "message", Describe(code))

	// Acknowledge: write current state back with the error-ack bit set,
	// then read the cleared status.
	ackErr := f.io.WriteRegister(RegALControl, []byte{byte(reportedState) | byte(ErrorAck), 0})
	if ackErr != nil {
		return reportedState, ackErr
	}
	_, _ = f.io.ReadRegister(RegALStatus, 2)

	return reportedState, fmt.Errorf("%w: %s (code 0x%04x)", ErrSlaveError, Describe(code), code)
}
