package master

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/samsamfire/goethercat/pkg/datagram"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/scan"
)

// ErrExchangeTimeout is returned when a blocking round trip through the
// engine does not settle before its deadline.
var ErrExchangeTimeout = errors.New("ethercat: datagram exchange timed out")

// DefaultExchangeTimeout bounds one blocking register/mailbox round
// trip issued by a slave FSM outside the RT cycle (IDLE-phase scan and
// configuration, where the master thread itself drives I/O).
const DefaultExchangeTimeout = 50 * time.Millisecond

// pollInterval is how often Exchange re-checks a datagram's state and
// re-flushes the engine while waiting for a reply.
const pollInterval = 100 * time.Microsecond

// Exchanger performs one blocking datagram round trip through a frame
// Engine, borrowing its buffer from a Ring.
// It is the synchronous register/mailbox transport every per-slave FSM
// (alstate, scan, slaveconfig, coe) is built against outside the RT
// cycle; within the RT cycle the same Ring is drained asynchronously by
// the master runtime's send tick instead.
type Exchanger struct {
	Engine  *frame.Engine
	Ring    *Ring
	Timeout time.Duration
	Now     func() time.Time
}

// NewExchanger builds an Exchanger with the default timeout.
func NewExchanger(engine *frame.Engine, ring *Ring) *Exchanger {
	return &Exchanger{Engine: engine, Ring: ring, Timeout: DefaultExchangeTimeout, Now: time.Now}
}

// Exchange acquires a ring datagram, lets build fill in its command/
// address/payload, enqueues and flushes it, then blocks until it
// reaches a terminal state or the exchange times out.
func (x *Exchanger) Exchange(build func(dg *datagram.Datagram)) (*datagram.Datagram, error) {
	now := x.Now()
	dg := x.Ring.Acquire(now)
	if dg == nil {
		return nil, ErrRingFull
	}
	build(dg)
	if err := x.Engine.Enqueue(dg); err != nil {
		x.Ring.Release(dg)
		return nil, err
	}

	deadline := now.Add(x.Timeout)
	for {
		t := x.Now()
		if err := x.Engine.Flush(t); err != nil {
			x.Ring.Release(dg)
			return nil, err
		}
		x.Engine.CheckTimeouts(t)
		switch dg.State() {
		case datagram.StateReceived, datagram.StateTimedOut, datagram.StateError:
			x.Ring.Release(dg)
			return dg, nil
		}
		if t.After(deadline) {
			x.Ring.Release(dg)
			return dg, ErrExchangeTimeout
		}
		time.Sleep(pollInterval)
	}
}

// registerTransport implements alstate.RegisterIO / scan.RegisterIO /
// slaveconfig.RegisterIO (structurally identical interfaces, one
// concrete adapter suffices since this package already depends on all
// three) against one slave addressed by configured station address,
// using FPWR/FPRD.
type registerTransport struct {
	ex      *Exchanger
	station uint16
}

func newRegisterTransport(ex *Exchanger, station uint16) *registerTransport {
	return &registerTransport{ex: ex, station: station}
}

func (t *registerTransport) WriteRegister(addr uint16, value []byte) error {
	_, err := t.ex.Exchange(func(dg *datagram.Datagram) {
		dg.Command = datagram.CmdFPWR
		dg.AddressConfigured(t.station, addr)
		_ = dg.SetPayload(value)
	})
	return err
}

func (t *registerTransport) ReadRegister(addr uint16, length int) ([]byte, error) {
	dg, err := t.ex.Exchange(func(dg *datagram.Datagram) {
		dg.Command = datagram.CmdFPRD
		dg.AddressConfigured(t.station, addr)
		_ = dg.SetDataSize(length)
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, dg.Payload())
	return out, nil
}

// scanIO implements scan.RegisterIO, switching addressing mode exactly
// once: the station-address assignment write is addressed by auto-increment ring position;
// every register access after that is addressed by the just-assigned
// fixed station address.
type scanIO struct {
	ex       *Exchanger
	position int16
	station  uint16
}

func newScanIO(ex *Exchanger, position int16) *scanIO {
	return &scanIO{ex: ex, position: position}
}

func (s *scanIO) WriteRegister(addr uint16, value []byte) error {
	if addr == scan.RegStationAddress && s.station == 0 {
		_, err := s.ex.Exchange(func(dg *datagram.Datagram) {
			dg.Command = datagram.CmdAPWR
			dg.AddressAutoIncrement(s.position, addr)
			_ = dg.SetPayload(value)
		})
		if err == nil && len(value) >= 2 {
			s.station = binary.LittleEndian.Uint16(value)
		}
		return err
	}
	_, err := s.ex.Exchange(func(dg *datagram.Datagram) {
		dg.Command = datagram.CmdFPWR
		dg.AddressConfigured(s.station, addr)
		_ = dg.SetPayload(value)
	})
	return err
}

func (s *scanIO) ReadRegister(addr uint16, length int) ([]byte, error) {
	var dg *datagram.Datagram
	var err error
	if s.station == 0 {
		dg, err = s.ex.Exchange(func(dg *datagram.Datagram) {
			dg.Command = datagram.CmdAPRD
			dg.AddressAutoIncrement(s.position, addr)
			_ = dg.SetDataSize(length)
		})
	} else {
		dg, err = s.ex.Exchange(func(dg *datagram.Datagram) {
			dg.Command = datagram.CmdFPRD
			dg.AddressConfigured(s.station, addr)
			_ = dg.SetDataSize(length)
		})
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, dg.Payload())
	return out, nil
}

// mailboxTransport implements coe.Transport against one slave's
// configured mailbox sync managers: Write is an FPWR to the rx mailbox
// offset, Read polls the tx mailbox offset with FPRD until the sync
// manager reports new data (WC != 0) or the timeout elapses.
type mailboxTransport struct {
	ex      *Exchanger
	station uint16
	rxOff   uint16
	txOff   uint16
	txSize  uint16
}

func newMailboxTransport(ex *Exchanger, station uint16, rxOff, txOff, txSize uint16) *mailboxTransport {
	return &mailboxTransport{ex: ex, station: station, rxOff: rxOff, txOff: txOff, txSize: txSize}
}

func (t *mailboxTransport) Write(payload []byte) error {
	dg, err := t.ex.Exchange(func(dg *datagram.Datagram) {
		dg.Command = datagram.CmdFPWR
		dg.AddressConfigured(t.station, t.rxOff)
		_ = dg.SetPayload(payload)
	})
	if err != nil {
		return err
	}
	if dg.WorkingCounter == 0 {
		return ErrExchangeTimeout
	}
	return nil
}

func (t *mailboxTransport) Read(timeout time.Duration) ([]byte, error) {
	deadline := t.ex.Now().Add(timeout)
	for {
		dg, err := t.ex.Exchange(func(dg *datagram.Datagram) {
			dg.Command = datagram.CmdFPRD
			dg.AddressConfigured(t.station, t.txOff)
			_ = dg.SetDataSize(int(t.txSize))
		})
		if err != nil {
			return nil, err
		}
		if dg.WorkingCounter != 0 {
			out := make([]byte, dg.DataSize())
			copy(out, dg.Payload())
			return out, nil
		}
		if t.ex.Now().After(deadline) {
			return nil, ErrExchangeTimeout
		}
		time.Sleep(pollInterval)
	}
}
