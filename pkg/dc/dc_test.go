package dc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/datagram"
)

// chain builds a simple in-line (no branch) segment of n DC-capable
// slaves with synthetic receive times, the common case: a daisy chain
// with nothing plugged into ports 1/2 and everything closed but port 3.
func chain(n int, delayPerHop uint32) []*Slave {
	slaves := make([]*Slave, n)
	for i := range slaves {
		s := &Slave{StationAddress: uint16(0x1000 + i), DCSupported: true}
		s.Ports[1].LoopClosed = true
		s.Ports[2].LoopClosed = true
		// Port 3 forwards to the next slave unless this is the last one.
		s.Ports[3].LoopClosed = i == n-1
		slaves[i] = s
	}

	// Port 0 sees the frame delayPerHop later at each hop on the way out;
	// port 3 sees it come back after a round trip through the rest of the
	// chain, 2*delayPerHop per downstream hop, the consistent timing an
	// ideal line segment would report.
	for i, s := range slaves {
		s.Ports[0].ReceiveTime = uint32(i) * delayPerHop
		if i < n-1 {
			s.Ports[3].ReceiveTime = s.Ports[0].ReceiveTime + 2*uint32(n-1-i)*delayPerHop
		}
	}
	return slaves
}

func TestCalcTopologyLinksStraightChainThroughPort3(t *testing.T) {
	slaves := chain(3, 100)
	require.NoError(t, CalcTopology(slaves))

	assert.Nil(t, slaves[0].Ports[0].NextSlave)
	assert.Same(t, slaves[1], slaves[0].Ports[3].NextSlave)
	assert.Same(t, slaves[0], slaves[1].Ports[0].NextSlave)
	assert.Same(t, slaves[2], slaves[1].Ports[3].NextSlave)
	assert.Same(t, slaves[1], slaves[2].Ports[0].NextSlave)
}

func TestCalcTopologyOverrunsWhenListTooShort(t *testing.T) {
	slaves := chain(2, 100)
	slaves[1].Ports[3].LoopClosed = false // claims a third slave that doesn't exist
	assert.ErrorIs(t, CalcTopology(slaves), ErrTopologyOverrun)
}

func TestFindReferenceClockPrefersNominatedSlaveWhenDCCapable(t *testing.T) {
	slaves := chain(3, 100)
	ref, err := CalcDC(slaves, slaves[2])
	require.NoError(t, err)
	assert.Same(t, slaves[2], ref)
}

func TestFindReferenceClockFallsBackToFirstDCCapableSlave(t *testing.T) {
	slaves := chain(3, 100)
	slaves[0].DCSupported = false

	ref, err := CalcDC(slaves, nil)
	require.NoError(t, err)
	assert.Same(t, slaves[1], ref, "first slave isn't DC-capable, so the first DC-capable one wins")
}

func TestFindReferenceClockIgnoresNonDCNominatedSlave(t *testing.T) {
	slaves := chain(3, 100)
	slaves[1].DCSupported = false

	ref := FindReferenceClock(slaves, slaves[1])
	assert.Same(t, slaves[0], ref, "a nominated slave with no DC support is passed over for the first DC-capable slave")
}

func TestCalcTransmissionDelaysAreMonotonicAlongTheChain(t *testing.T) {
	slaves := chain(3, 100)
	ref, err := CalcDC(slaves, slaves[0])
	require.NoError(t, err)
	require.Same(t, slaves[0], ref)

	assert.EqualValues(t, 0, slaves[0].TransmissionDelay)
	assert.Greater(t, slaves[1].TransmissionDelay, slaves[0].TransmissionDelay)
	assert.Greater(t, slaves[2].TransmissionDelay, slaves[1].TransmissionDelay)
}

func TestCalcPortDelaysSkipsNonDCSlaves(t *testing.T) {
	slaves := chain(3, 100)
	slaves[1].DCSupported = false
	require.NoError(t, CalcTopology(slaves))
	CalcPortDelays(slaves)

	// slave[0]'s downstream DC neighbor is slave[2], transparently
	// skipping the non-DC slave[1] in between.
	assert.NotZero(t, slaves[0].Ports[3].DelayToNextDC)
	assert.EqualValues(t, 0, slaves[1].Ports[0].DelayToNextDC, "delay is never written onto a non-DC slave")
}

func TestReferenceSyncDatagramTargetsReferenceStationAt0x0910(t *testing.T) {
	ref := &Slave{StationAddress: 0x1234}
	dg := ReferenceSyncDatagram(ref, 0xAABBCCDD)

	assert.Equal(t, datagram.CmdFPWR, dg.Command)
	assert.Equal(t, uint32(0x1234)|uint32(RegSystemTime)<<16, dg.Address)
	assert.Equal(t, 4, dg.DataSize())
	assert.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, dg.Payload())
}

func TestDriftCorrectDatagramIsFRMWAtReferenceStation(t *testing.T) {
	ref := &Slave{StationAddress: 0x1234}
	dg := DriftCorrectDatagram(ref)

	assert.Equal(t, datagram.CmdFRMW, dg.Command)
	assert.Equal(t, uint32(0x1234)|uint32(RegSystemTime)<<16, dg.Address)
	assert.Equal(t, 4, dg.DataSize())
}
