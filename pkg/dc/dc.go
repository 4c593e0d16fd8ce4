// Package dc implements distributed-clocks topology and propagation-delay
// calculation: reference-clock selection, a port-tree walk over the
// scanned bus deriving each slave's round-trip time, and the resulting
// cumulative transmission delay written back to every DC-capable slave.
// The walk is a recursive depth-first traversal over each slave's four
// ports in a fixed order, not a flat ring assumption, since branches
// (junctions, hubs) fold back into the same walk.
package dc

import (
	"encoding/binary"
	"errors"

	"github.com/samsamfire/goethercat/pkg/datagram"
)

// RegSystemTime is 0x0910, the DC system-time register driven by the two
// per-cycle datagrams.
const RegSystemTime = 0x0910

// nextPortTable/prevPortTable are the fixed port-traversal order used to
// walk a slave's four ports as a ring: 0 is the upstream (in) port, and
// 1..3 are fanned out in this cyclic order. A port index of 0 terminates
// a walk.
var nextPortTable = [4]int{3, 2, 0, 1}
var prevPortTable = [4]int{2, 3, 1, 0}

// Port is one of a Slave's four physical ports.
type Port struct {
	LoopClosed  bool
	ReceiveTime uint32

	// NextSlave is the slave connected downstream of this port, set by
	// CalcTopology. Nil if nothing is connected or the port loops back.
	NextSlave *Slave

	// DelayToNextDC is the one-way propagation delay, in nanoseconds,
	// from this port to the nearest downstream DC-capable slave's port
	// 0 (or, for that slave's own port 0, from its upstream neighbor).
	// Set by CalcPortDelays.
	DelayToNextDC uint32
}

// Slave is the subset of a bus slave's state the topology/delay
// calculation needs. Callers build these from their own scan results
// (deliberately not importing the master's slave type, to keep this
// package a leaf the rest of the bus stack can depend on either way).
type Slave struct {
	StationAddress uint16
	DCSupported    bool
	Ports          [4]Port

	// TransmissionDelay is the cumulative one-way delay, in nanoseconds,
	// from the reference clock to this slave. Set by
	// CalcTransmissionDelays; zero for non-DC slaves and for the
	// reference clock itself.
	TransmissionDelay uint32
}

// ErrTopologyOverrun is returned by CalcTopology when the scanned slave
// list runs out before every connected port has been assigned a
// downstream slave, which means the list is not in a consistent
// scan-order walk of the physical bus.
var ErrTopologyOverrun = errors.New("ethercat: dc: topology walk ran past end of slave list")

// nextPort returns the next port index, in nextPortTable order starting
// after portIndex, that has a connected NextSlave, or 0 if none remain.
func (s *Slave) nextPort(portIndex int) int {
	for {
		portIndex = nextPortTable[portIndex]
		if s.Ports[portIndex].NextSlave != nil {
			return portIndex
		}
		if portIndex == 0 {
			return 0
		}
	}
}

func (s *Slave) prevPort(portIndex int) int {
	return prevPortTable[portIndex]
}

// calcRTTSum sums the round-trip time across every connected port
// relative to its predecessor in the traversal order: the time between a
// frame's departure on one port and its return on the next.
func (s *Slave) calcRTTSum() uint32 {
	var sum uint32
	portIndex := s.nextPort(0)
	for portIndex != 0 {
		prev := s.prevPort(portIndex)
		sum += s.Ports[portIndex].ReceiveTime - s.Ports[prev].ReceiveTime
		portIndex = s.nextPort(portIndex)
	}
	return sum
}

// findNextDCSlave walks downstream from s, transparently skipping
// non-DC-capable slaves, and returns the nearest DC-capable slave (which
// may be s itself). Returns nil if none is found before the branch ends.
func findNextDCSlave(s *Slave) *Slave {
	if s == nil {
		return nil
	}
	if s.DCSupported {
		return s
	}
	for portIndex := s.nextPort(0); portIndex != 0; portIndex = s.nextPort(portIndex) {
		if dc := findNextDCSlave(s.Ports[portIndex].NextSlave); dc != nil {
			return dc
		}
	}
	return nil
}

// CalcTopology builds the port tree over slaves, assigned in the order
// they were scanned off the physical bus: slaves[0] is the one nearest
// the master, and depth-first, each of its connected (non-loop-closed)
// ports consumes the next unassigned slave in the list before returning
// to assign siblings. Ports are visited 3, 1, 2 (skipping the upstream
// port 0), since that is the ESC's fixed internal forwarding order.
func CalcTopology(slaves []*Slave) error {
	if len(slaves) == 0 {
		return nil
	}
	position := 0
	return calcTopologyRec(slaves, nil, &position)
}

func calcTopologyRec(slaves []*Slave, upstream *Slave, position *int) error {
	slave := slaves[*position]
	slave.Ports[0].NextSlave = upstream

	portIndex := 3
	for portIndex != 0 {
		if !slave.Ports[portIndex].LoopClosed {
			*position++
			if *position >= len(slaves) {
				return ErrTopologyOverrun
			}
			slave.Ports[portIndex].NextSlave = slaves[*position]
			if err := calcTopologyRec(slaves, slave, position); err != nil {
				return err
			}
		}
		portIndex = nextPortTable[portIndex]
	}
	return nil
}

// CalcPortDelays computes, for every DC-capable slave, the one-way delay
// from each connected port to the nearest downstream DC-capable slave,
// and mirrors it onto that slave's own port 0. The delay is derived by
// halving the difference between this slave's RTT across the port and
// the downstream slave's own RTT sum; this assumes the two direction's
// propagation times are equal, which the real hardware does not
// guarantee exactly, only closely enough for sub-microsecond
// synchronization.
func CalcPortDelays(slaves []*Slave) {
	for _, slave := range slaves {
		if !slave.DCSupported {
			continue
		}
		for portIndex := slave.nextPort(0); portIndex != 0; portIndex = slave.nextPort(portIndex) {
			next := slave.Ports[portIndex].NextSlave
			nextDC := findNextDCSlave(next)
			if nextDC == nil {
				continue
			}
			prev := slave.prevPort(portIndex)
			rtt := slave.Ports[portIndex].ReceiveTime - slave.Ports[prev].ReceiveTime
			delay := (rtt - nextDC.calcRTTSum()) / 2
			slave.Ports[portIndex].DelayToNextDC = delay
			nextDC.Ports[0].DelayToNextDC = delay
		}
	}
}

// calcTransmissionDelaysRec walks the DC-capable slaves downstream of
// slave, accumulating delay starting from the reference clock, and
// writes each one's TransmissionDelay. delay is a single running
// accumulator shared across the whole walk, not restored between
// sibling branches: each branch's own port-0 delay is folded back in
// once its subtree returns, matching the real propagation path a frame
// takes out along a branch and back before continuing to the next one.
func calcTransmissionDelaysRec(slave *Slave, delay *uint32) {
	slave.TransmissionDelay = *delay

	for portIndex := slave.nextPort(0); portIndex != 0; portIndex = slave.nextPort(portIndex) {
		nextDC := findNextDCSlave(slave.Ports[portIndex].NextSlave)
		if nextDC == nil {
			continue
		}
		*delay += slave.Ports[portIndex].DelayToNextDC
		calcTransmissionDelaysRec(nextDC, delay)
	}

	*delay += slave.Ports[0].DelayToNextDC
}

// CalcTransmissionDelays computes port delays over the whole slave list
// and then, if ref is non-nil, writes the cumulative one-way
// TransmissionDelay from ref to every DC-capable slave reachable from it.
func CalcTransmissionDelays(slaves []*Slave, ref *Slave) {
	CalcPortDelays(slaves)
	if ref == nil {
		return
	}
	delay := uint32(0)
	calcTransmissionDelaysRec(ref, &delay)
}

// FindReferenceClock selects the reference clock: the
// application-nominated slave if it supports DC system time, else the
// first DC-capable slave in scan order. Returns nil if no slave on the
// bus supports DC.
func FindReferenceClock(slaves []*Slave, nominated *Slave) *Slave {
	if nominated != nil && nominated.DCSupported {
		return nominated
	}
	for _, s := range slaves {
		if s.DCSupported {
			return s
		}
	}
	return nil
}

// CalcDC runs the full pipeline: select the reference clock, build the
// port topology, and compute every DC-capable slave's transmission
// delay. Returns the resolved reference clock, which is nil if no slave
// on the bus supports DC.
func CalcDC(slaves []*Slave, nominated *Slave) (*Slave, error) {
	ref := FindReferenceClock(slaves, nominated)
	if err := CalcTopology(slaves); err != nil {
		return ref, err
	}
	CalcTransmissionDelays(slaves, ref)
	return ref, nil
}

// ReferenceSyncDatagram builds the per-cycle FPWR 0x0910 datagram that
// writes appTime, the master's own clock, to the reference slave's
// system time register.
func ReferenceSyncDatagram(ref *Slave, appTime uint64) *datagram.Datagram {
	dg := datagram.New(datagram.CmdFPWR, 4)
	dg.AddressConfigured(ref.StationAddress, RegSystemTime)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(appTime))
	_ = dg.SetPayload(buf)
	return dg
}

// DriftCorrectDatagram builds the per-cycle FRMW 0x0910 datagram
// addressed at the reference slave: an FRMW datagram written once and
// read back by every slave it passes through in turn drift-corrects
// their system time toward the first (reference) slave's value.
func DriftCorrectDatagram(ref *Slave) *datagram.Datagram {
	dg := datagram.New(datagram.CmdFRMW, 4)
	dg.AddressConfigured(ref.StationAddress, RegSystemTime)
	_ = dg.SetDataSize(4)
	return dg
}
