// Package scan implements the slave scan FSM: per-slave station
// address assignment, base info and DC-capability discovery, SII fetch
// and parse, and, for CoE-capable slaves, PDO mapping readout.
package scan

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/pdo"
	"github.com/samsamfire/goethercat/pkg/sii"
)

// Registers this FSM reads/writes.
const (
	RegStationAddress   = 0x0010
	RegBaseInfoStart    = 0x0000
	RegBaseInfoLen      = 0x000C
	RegDCSystemTime     = 0x0910
	RegPortReceiveTimes = 0x0900
	RegDLStatus         = 0x0110
	RegAlias            = 0x0012
	RegSIIAccess        = 0x0500

	RegSIIControl = 0x0502
	RegSIIAddress = 0x0504
	RegSIIData    = 0x0508

	siiBusyBit       = 0x8000
	siiReadRequest   = 0x0100
	siiCategoryStart = 0x0040 // word offset of the first category header, past the fixed identity/mailbox block

	siiReadTimeout  = 100 * time.Millisecond
	siiPollInterval = 100 * time.Microsecond
)

// RegisterIO is the narrow per-slave register transport this FSM needs.
// The caller is responsible for switching the underlying datagram's
// addressing mode: auto-increment addressing (by ring position) for the
// station-address write, then configured-station addressing (by the
// just-assigned station address) for everything after.
type RegisterIO interface {
	WriteRegister(addr uint16, value []byte) error
	ReadRegister(addr uint16, length int) ([]byte, error)
}

// PortInfo is one of a slave's four port records.
type PortInfo struct {
	LinkUp         bool
	LoopClosed     bool
	SignalDetected bool
	ReceiveTime    uint32
}

// BaseInfo is the decoded 0x0000-0x000B block.
type BaseInfo struct {
	Type             uint8
	Revision         uint8
	Build            uint16
	FMMUCount        uint8
	SyncManagerCount uint8
	RAMSizeKB        uint8
	PortDescriptor   uint8
	FMMUBitOps       bool
	DCSupported      bool
	DC64Bit          bool
}

func decodeBaseInfo(raw []byte) BaseInfo {
	var b BaseInfo
	if len(raw) < RegBaseInfoLen {
		return b
	}
	b.Type = raw[0]
	b.Revision = raw[1]
	b.Build = binary.LittleEndian.Uint16(raw[2:4])
	b.FMMUCount = raw[4]
	b.SyncManagerCount = raw[5]
	b.RAMSizeKB = raw[6]
	features := raw[7]
	b.FMMUBitOps = features&0x01 != 0
	b.DCSupported = features&0x04 != 0
	b.DC64Bit = features&0x08 != 0
	b.PortDescriptor = raw[8]
	return b
}

// Result is everything discovered about one slave by a scan pass.
type Result struct {
	StationAddress uint16
	ALState        alstate.State
	Base           BaseInfo
	Ports          [4]PortInfo
	Alias          uint16
	SII            *sii.Image

	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32

	// MailboxMappings is populated only when the slave supports CoE,
	// keyed by sync manager.
	MailboxMappings map[uint8][]pdo.Mapping
}

// FSM drives the discovery sequence for one slave, already addressable
// at the station address this pass assigns.
type FSM struct {
	logger *slog.Logger
	io     RegisterIO
}

// New builds a scan FSM bound to one slave's register transport.
func New(io RegisterIO, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{io: io, logger: logger.With("service", "[scan]")}
}

// Scan assigns stationAddress (via APWR, addressed by the caller's
// current auto-increment position) and then walks the rest of the
// discovery sequence against that fixed station address.
func (f *FSM) Scan(stationAddress uint16, mailbox coe.Transport) (*Result, error) {
	result := &Result{StationAddress: stationAddress}

	addrBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(addrBuf, stationAddress)
	if err := f.io.WriteRegister(RegStationAddress, addrBuf); err != nil {
		return nil, fmt.Errorf("ethercat: assign station address 0x%04x: %w", stationAddress, err)
	}

	status, err := f.io.ReadRegister(alstate.RegALStatus, 2)
	if err != nil {
		return nil, fmt.Errorf("ethercat: read AL status: %w", err)
	}
	result.ALState = alstate.State(status[0] & 0x0F)

	base, err := f.io.ReadRegister(RegBaseInfoStart, RegBaseInfoLen)
	if err != nil {
		return nil, fmt.Errorf("ethercat: read base info: %w", err)
	}
	result.Base = decodeBaseInfo(base)

	if result.Base.DCSupported {
		if _, err := f.io.ReadRegister(RegDCSystemTime, 4); err != nil {
			return nil, fmt.Errorf("ethercat: probe DC system time: %w", err)
		}
		portTimes, err := f.io.ReadRegister(RegPortReceiveTimes, 16)
		if err != nil {
			return nil, fmt.Errorf("ethercat: read DC port receive times: %w", err)
		}
		for i := 0; i < 4; i++ {
			result.Ports[i].ReceiveTime = binary.LittleEndian.Uint32(portTimes[i*4 : i*4+4])
		}
	}

	dl, err := f.io.ReadRegister(RegDLStatus, 2)
	if err != nil {
		return nil, fmt.Errorf("ethercat: read DL status: %w", err)
	}
	dlWord := binary.LittleEndian.Uint16(dl)
	for i := 0; i < 4; i++ {
		shift := uint(4 + i)
		result.Ports[i].LinkUp = dlWord&(1<<shift) != 0
		result.Ports[i].LoopClosed = dlWord&(1<<(shift+4)) != 0
		result.Ports[i].SignalDetected = result.Ports[i].LinkUp
	}

	if err := f.assignSIIToMaster(); err != nil {
		return nil, err
	}
	img, err := f.readSII()
	if err != nil {
		return nil, fmt.Errorf("ethercat: read SII: %w", err)
	}
	result.SII = img
	result.VendorID = img.VendorID()
	result.ProductCode = img.ProductCode()
	result.RevisionNumber = img.RevisionNumber()
	result.SerialNumber = img.SerialNumber()

	alias, err := f.io.ReadRegister(RegAlias, 2)
	if err == nil {
		result.Alias = binary.LittleEndian.Uint16(alias)
	}

	if img.General.CoESupported && mailbox != nil {
		mappings, err := f.readPDOMappings(stationAddress, mailbox, img)
		if err != nil {
			f.logger.Warn("PDO readout failed during scan", "station", fmt.Sprintf("0x%04x", stationAddress), "error", err)
		} else {
			result.MailboxMappings = mappings
		}
	}

	return result, nil
}

// assignSIIToMaster briefly hands SII access to the EtherCAT master,
// tolerating slaves that don't implement the handoff register at all.
func (f *FSM) assignSIIToMaster() error {
	err := f.io.WriteRegister(RegSIIAccess, []byte{0x00, 0x00})
	if err != nil {
		f.logger.Debug("SII access handoff failed, assuming master already owns it", "error", err)
		return nil
	}
	return nil
}

func (f *FSM) readSIIWord(wordAddr uint16) (uint16, error) {
	addrBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrBuf, uint32(wordAddr))
	if err := f.io.WriteRegister(RegSIIAddress, addrBuf); err != nil {
		return 0, err
	}
	if err := f.io.WriteRegister(RegSIIControl, []byte{0x00, siiReadRequest >> 8}); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(siiReadTimeout)
	for {
		ctrl, err := f.io.ReadRegister(RegSIIControl, 2)
		if err != nil {
			return 0, err
		}
		if binary.LittleEndian.Uint16(ctrl)&siiBusyBit == 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("ethercat: SII read timed out at word 0x%04x", wordAddr)
		}
		time.Sleep(siiPollInterval)
	}
	data, err := f.io.ReadRegister(RegSIIData, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (f *FSM) readSII() (*sii.Image, error) {
	size, err := sii.WalkSize(f.readSIIWord, siiCategoryStart)
	if err != nil {
		return nil, err
	}
	words := make([]uint16, size)
	for i := uint16(0); i < size; i++ {
		w, err := f.readSIIWord(i)
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return sii.Parse(words, siiCategoryStart)
}

// readPDOMappings drives the slave to PREOP (if not already there) and
// reads every sync manager's assigned PDO mapping.
func (f *FSM) readPDOMappings(station uint16, mailbox coe.Transport, img *sii.Image) (map[uint8][]pdo.Mapping, error) {
	al := alstate.New(registerIOAdapter{f.io}, f.logger)
	if _, err := al.Request(alstate.StatePreOp, alstate.ModeFull); err != nil {
		return nil, fmt.Errorf("drive to PREOP for PDO readout: %w", err)
	}

	sdoClient := coe.NewClient(mailbox, station, img.RxMailboxSize(), img.TxMailboxSize())
	pdoClient := pdo.NewClient(sdoClient)

	mappings := make(map[uint8][]pdo.Mapping)
	for i, sm := range img.SyncMgr {
		if sm.OpOnly || !sm.Enable {
			continue
		}
		ms, err := pdoClient.ReadSyncManagerPDOs(uint8(i))
		if err != nil {
			continue // no assignment configured yet for this SM; not an error
		}
		if len(ms) > 0 {
			mappings[uint8(i)] = ms
		}
	}
	return mappings, nil
}

// registerIOAdapter satisfies alstate.RegisterIO from this package's
// RegisterIO (identical method set, kept as distinct named interfaces
// per package so each package states its own narrow dependency).
type registerIOAdapter struct {
	io RegisterIO
}

func (a registerIOAdapter) WriteRegister(addr uint16, value []byte) error {
	return a.io.WriteRegister(addr, value)
}

func (a registerIOAdapter) ReadRegister(addr uint16, length int) ([]byte, error) {
	return a.io.ReadRegister(addr, length)
}
