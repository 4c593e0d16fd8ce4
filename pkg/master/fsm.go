package master

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/datagram"
	"github.com/samsamfire/goethercat/pkg/dc"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/pdo"
	"github.com/samsamfire/goethercat/pkg/scan"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slaveconfig"
)

// BroadcastResult is what the Broadcast cyclic state infers from one BRD
// on 0x0130: how many slaves answered (the datagram's working
// counter) and the bitwise union of every responding slave's AL state
// nibble (a BRD read ORs every slave's register value together).
type BroadcastResult struct {
	RespondingCount int
	UnionALState    alstate.State
}

// MaxDevices is how many link devices one master drives: the main link
// plus at most one backup link.
const MaxDevices = 2

// ErrTooManyDevices is returned by AddBackupEngine once every device
// slot is taken.
var ErrTooManyDevices = errors.New("ethercat: master already drives its maximum number of link devices")

// Master drives the whole slave population: the cyclic Broadcast/
// Validate/ReadSlaveStates/Scan/Configure/ServiceRequests state
// machine. One Master owns every slave record and round-robins their
// state machines from one place.
type Master struct {
	logger *slog.Logger

	// engines holds one frame engine per link device, indexed by
	// datagram.DeviceIndex: engines[0] is the main link, engines[1] the
	// backup. A datagram's declared Device selects which engine carries
	// it.
	engines []*frame.Engine

	ex   *Exchanger
	ring *Ring

	mu            sync.Mutex
	slaves        []*Slave
	lastBroadcast BroadcastResult
	haveLast      bool

	// AllowScan gates whether Validate may trigger a full Scan.
	AllowScan bool

	configureCursor int
	requests        []*Request

	appTime uint64
	dcRef   *dc.Slave
	dcSync  *datagram.Datagram
	dcDrift *datagram.Datagram

	// Now is overridable for tests.
	Now func() time.Time
}

// SetAppTime records the application's monotonic time base, the value
// the per-cycle reference-sync datagram writes to the reference clock.
func (m *Master) SetAppTime(t uint64) {
	m.mu.Lock()
	m.appTime = t
	m.mu.Unlock()
}

// SetDCReference installs the resolved reference clock and builds the
// two per-cycle DC alignment datagrams (FPWR app_time to the reference,
// FRMW drift correction through every follower). Passing nil disables
// DC cycling.
func (m *Master) SetDCReference(ref *dc.Slave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dcRef = ref
	if ref == nil {
		m.dcSync, m.dcDrift = nil, nil
		return
	}
	m.dcSync = dc.ReferenceSyncDatagram(ref, m.appTime)
	m.dcDrift = dc.DriftCorrectDatagram(ref)
}

// QueueDCDatagrams enqueues the two DC alignment datagrams for this
// cycle, refreshing the reference-sync payload from the current app
// time. A no-op until SetDCReference installs a reference clock.
func (m *Master) QueueDCDatagrams() error {
	m.mu.Lock()
	sync, drift := m.dcSync, m.dcDrift
	appTime := m.appTime
	m.mu.Unlock()
	if sync == nil {
		return nil
	}

	if sync.State() != datagram.StateInit {
		sync.Reset()
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(appTime))
	_ = sync.SetPayload(buf)
	if err := m.Enqueue(sync); err != nil {
		return err
	}

	if drift.State() != datagram.StateInit {
		drift.Reset()
	}
	_ = drift.SetDataSize(4)
	return m.Enqueue(drift)
}

// New builds a Master whose main link device is engine, with an
// external-datagram ring sized n. A redundant link is added afterwards
// via AddBackupEngine.
func New(engine *frame.Engine, ringSize int, logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	ring := NewRing(ringSize, 256)
	return &Master{
		logger:    logger.With("service", "[master]"),
		engines:   []*frame.Engine{engine},
		ring:      ring,
		ex:        NewExchanger(engine, ring),
		AllowScan: true,
		Now:       time.Now,
	}
}

// AddBackupEngine attaches the frame engine of a redundant link device.
// Datagrams whose Device index names it (domain backup datagrams) are
// routed onto it by Enqueue.
func (m *Master) AddBackupEngine(e *frame.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.engines) >= MaxDevices {
		return ErrTooManyDevices
	}
	m.engines = append(m.engines, e)
	return nil
}

// Engines returns one frame engine per configured link device, in
// device-index order.
func (m *Master) Engines() []*frame.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*frame.Engine(nil), m.engines...)
}

func (m *Master) engineFor(dev datagram.DeviceIndex) *frame.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(dev) < len(m.engines) {
		return m.engines[int(dev)]
	}
	return nil
}

// Enqueue routes dg onto the link device its Device index declares. A
// datagram routed to a device with no configured link fails to ERROR
// immediately, the same way a down link fails everything queued on it.
func (m *Master) Enqueue(dg *datagram.Datagram) error {
	e := m.engineFor(dg.Device)
	if e == nil {
		dg.MarkError()
		return link.ErrLinkDown
	}
	return e.Enqueue(dg)
}

// Slaves returns the current slave population snapshot.
func (m *Master) Slaves() []*Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Slave, len(m.slaves))
	copy(out, m.slaves)
	return out
}

// Broadcast issues one BRD on 0x0130 and infers the responding count and
// union AL state.
func (m *Master) Broadcast() (BroadcastResult, error) {
	dg, err := m.ex.Exchange(func(dg *datagram.Datagram) {
		dg.Command = datagram.CmdBRD
		dg.AddressBroadcast(alstate.RegALStatus)
		_ = dg.SetDataSize(2)
	})
	if err != nil {
		return BroadcastResult{}, err
	}
	res := BroadcastResult{
		RespondingCount: int(dg.WorkingCounter),
		UnionALState:    alstate.State(dg.Payload()[0]),
	}
	return res, nil
}

// Validate compares result against the last cycle's broadcast and
// reports whether a full Scan should run: the responding count changed,
// gated by AllowScan.
func (m *Master) Validate(result BroadcastResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !m.haveLast || result.RespondingCount != m.lastBroadcast.RespondingCount
	m.lastBroadcast = result
	m.haveLast = true
	return changed && m.AllowScan
}

// ReadSlaveStates reads AL-status per known slave and flags any slave
// whose state is below its requested state (or reporting an error) for
// the configuration list.
func (m *Master) ReadSlaveStates() error {
	m.mu.Lock()
	slaves := append([]*Slave(nil), m.slaves...)
	m.mu.Unlock()

	for _, s := range slaves {
		dg, err := m.ex.Exchange(func(dg *datagram.Datagram) {
			dg.Command = datagram.CmdFPRD
			dg.AddressConfigured(s.StationAddress, alstate.RegALStatus)
			_ = dg.SetDataSize(2)
		})
		if err != nil {
			s.ErrorFlag = true
			continue
		}
		if dg.WorkingCounter == 0 {
			s.ErrorFlag = true
			continue
		}
		status := dg.Payload()[0]
		s.CurrentState = alstate.State(status & 0x0F)
		s.ErrorFlag = status&byte(alstate.ErrorAck) != 0

		// A slave already at (or above) its requested state only needs
		// its error acknowledged, not a full bring-up restart: drive the
		// state-change FSM in ACK_ONLY mode instead of
		// enqueuing it on the per-slave configuration FSM list.
		if s.ErrorFlag && s.CurrentState&0x0F >= s.RequestedState&0x0F {
			al := alstate.New(newRegisterTransport(m.ex, s.StationAddress), m.logger)
			if acked, err := al.Request(s.CurrentState, alstate.ModeAckOnly); err == nil {
				s.CurrentState = acked
				s.ErrorFlag = false
			}
		}
	}
	return nil
}

// Scan (re)discovers the whole slave population: it allocates a Slave
// per responding ring position and runs the scan FSM for each, in
// descending ring-position order (leaves first: the slave furthest from
// the master in auto-increment order is walked first). The CoE-gated
// PDO readout (if the slave declares CoE) uses the slave's
// not-yet-configured default mailbox sync managers, addressed at the
// standard offsets, since scan runs before the per-slave configuration
// FSM configures SM0/SM1 from the SII-declared values.
func (m *Master) Scan(respondingCount int) error {
	slaves := make([]*Slave, respondingCount)
	for i := respondingCount - 1; i >= 0; i-- {
		position := uint16(i)
		station := stationAddressForPosition(position)

		fsm := scan.New(newScanIO(m.ex, int16(-position)), m.logger)
		mailbox := newMailboxTransport(m.ex, station,
			slaveconfig.StandardRxMailboxOffset, slaveconfig.StandardTxMailboxOffset, slaveconfig.StandardMailboxSize)

		result, err := fsm.Scan(station, mailbox)
		if err != nil {
			m.logger.Warn("scan failed for slave", "position", position, "error", err)
			continue
		}
		s := &Slave{
			RingPosition:    position,
			StationAddress:  result.StationAddress,
			EffectiveAlias:  result.Alias,
			Base:            result.Base,
			Ports:           result.Ports,
			SII:             result.SII,
			VendorID:        result.VendorID,
			ProductCode:     result.ProductCode,
			RevisionNumber:  result.RevisionNumber,
			SerialNumber:    result.SerialNumber,
			CurrentState:    result.ALState,
			MailboxMappings: result.MailboxMappings,
		}
		slaves[i] = s
	}

	m.mu.Lock()
	m.slaves = slaves
	m.mu.Unlock()
	return nil
}

// stationAddressForPosition derives a fixed station address from ring
// position, following the common "0x1000 + position" convention used
// throughout this master's register constants and tests.
func stationAddressForPosition(position uint16) uint16 {
	return 0x1000 + position
}

// ConfigureNext advances the per-slave configuration FSM list by one
// slave, round-robin, bounded implicitly by the external-datagram ring
// (every register/mailbox write the configuration pipeline issues goes
// through the same Exchanger and Ring as everything else). This master
// round-robins at slave granularity (one slave's full bring-up pipeline
// per call) rather than at individual-step granularity, since the
// per-slave pipeline is not itself a resumable coroutine.
func (m *Master) ConfigureNext() (*Slave, error) {
	m.mu.Lock()
	pending := make([]*Slave, 0)
	for _, s := range m.slaves {
		if s.Config != nil && s.NeedsConfiguration() {
			pending = append(pending, s)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil, nil
	}
	if m.configureCursor >= len(pending) {
		m.configureCursor = 0
	}
	s := pending[m.configureCursor]
	m.configureCursor++

	rt := newRegisterTransport(m.ex, s.StationAddress)
	var mailbox coe.Transport
	if s.SII != nil && s.SII.General.CoESupported {
		mailbox = newMailboxTransport(m.ex, s.StationAddress, s.SII.RxMailboxOffset(), s.SII.TxMailboxOffset(), s.SII.TxMailboxSize())
	}
	cfgFSM := slaveconfig.New(rt, mailbox, s.StationAddress, effectiveSII(s.SII), m.logger)
	cfgFSM.SetDCCapable(s.Base.DCSupported)
	cfgFSM.Detached = s.isDetached
	cfgFSM.Now = m.Now

	err := cfgFSM.Run(s.Config)
	if err != nil {
		s.ConfigError = err
		s.ErrorFlag = true
	} else {
		s.ConfigError = nil
		status, serr := rt.ReadRegister(alstate.RegALStatus, 2)
		if serr == nil {
			s.CurrentState = alstate.State(status[0] & 0x0F)
		}
	}
	return s, err
}

func effectiveSII(img *sii.Image) *sii.Image {
	if img == nil {
		return &sii.Image{}
	}
	return img
}

// EnqueueRequest queues an external request (SDO/register/FoE/SoE) for
// the Service Requests state to dispatch.
func (m *Master) EnqueueRequest(r *Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r)
	m.mu.Unlock()
}

// CancelRequest withdraws a request that is still queued. A request
// already dispatched (BUSY or terminal) cannot be withdrawn and must be
// waited out; the return value reports whether the withdrawal happened.
func (m *Master) CancelRequest(r *Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.requests {
		if q == r {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			r.cancel()
			return true
		}
	}
	return false
}

// ServiceRequests dispatches every queued request once, running each
// to completion on the master thread.
func (m *Master) ServiceRequests() int {
	m.mu.Lock()
	pending := m.requests
	m.requests = nil
	m.mu.Unlock()

	for _, r := range pending {
		r.run()
	}
	return len(pending)
}

// NewSDOClient builds a coe.Client against a slave's configured
// mailbox, for use by Request.Exec closures dispatched through
// ServiceRequests.
func (m *Master) NewSDOClient(s *Slave) *coe.Client {
	mailbox := newMailboxTransport(m.ex, s.StationAddress, s.SII.RxMailboxOffset(), s.SII.TxMailboxOffset(), s.SII.TxMailboxSize())
	return coe.NewClient(mailbox, s.StationAddress, s.SII.RxMailboxSize(), s.SII.TxMailboxSize())
}

// NewPDOClient builds a pdo.Client layered on NewSDOClient, for
// application code issuing ad-hoc PDO assignment reads outside
// configuration.
func (m *Master) NewPDOClient(s *Slave) *pdo.Client {
	return pdo.NewClient(m.NewSDOClient(s))
}
