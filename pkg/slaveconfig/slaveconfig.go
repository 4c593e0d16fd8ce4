// Package slaveconfig implements the per-slave configuration FSM: a
// linear bring-up pipeline driving one slave from its current AL state to
// its requested state through FMMU/sync-manager reset, mailbox setup,
// SDO/SoE configuration, PDO assignment, watchdog and DC setup — a
// linear register-level pipeline gated by the AL state-change FSM.
package slaveconfig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/pdo"
	"github.com/samsamfire/goethercat/pkg/sii"
)

// Registers driven by this FSM.
const (
	RegFMMUBase        = 0x0600
	FMMUPageSize        = 16
	MaxFMMU             = 16
	RegSMBase           = 0x0800
	SMPageSize          = 8
	MaxSM               = 8
	RegDCActivation     = 0x0980
	RegDCSync0Cycle     = 0x09A0
	RegDCSync1Cycle     = 0x09A4
	RegDCSyncDiff       = 0x092C
	RegDCStartTime      = 0x0990
	RegWatchdogDivider  = 0x0400
	RegWatchdogPDOutput = 0x0420

	mailboxSM0 = 0 // master -> slave (rx)
	mailboxSM1 = 1 // slave -> master (tx)

	// StandardRxMailboxOffset/Size and StandardTxMailboxOffset/Size are
	// used when the slave's SII declares no mailbox configuration.
	StandardRxMailboxOffset uint16 = 0x1000
	StandardMailboxSize     uint16 = 0x0080
	StandardTxMailboxOffset uint16 = 0x1080

	mailboxResendBudget = 1 * time.Second
	mailboxResendPoll   = 10 * time.Millisecond
	dcSyncTolerance     = 10 * time.Microsecond
	dcSyncWaitBudget    = 5 * time.Second
	dcStartMargin       = 100 * time.Millisecond
)

// Scope selects when an SoE config entry is applied.
type Scope uint8

const (
	ScopePreOp Scope = iota
	ScopeSafeOp
)

// SDOConfigEntry is one CoE download applied during step 7.
type SDOConfigEntry struct {
	Index    uint16
	Subindex uint8
	Data     []byte
}

// SoEConfigEntry is one IDN write applied during step 8 (PreOp-scope) or
// step 15 (SafeOp-scope). SoE (Servo-over-EtherCAT) itself is not
// implemented here beyond its scope gating: those steps log a warning
// for each entry of their scope and skip it.
type SoEConfigEntry struct {
	IDN   uint16
	Data  []byte
	Scope Scope
}

// FMMUConfig is one 16-byte FMMU page (register 0x0600+16i).
type FMMUConfig struct {
	LogicalStart uint32
	Length       uint16
	LogicalStartBit, LogicalStopBit uint8
	PhysicalStart    uint16
	PhysicalStartBit uint8
	TypeFlags        uint8 // bit0 read (inputs), bit1 write (outputs)
	Enable           bool
}

func (f FMMUConfig) encode() []byte {
	buf := make([]byte, FMMUPageSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.LogicalStart)
	binary.LittleEndian.PutUint16(buf[4:6], f.Length)
	buf[6] = f.LogicalStartBit
	buf[7] = f.LogicalStopBit
	binary.LittleEndian.PutUint16(buf[8:10], f.PhysicalStart)
	buf[10] = f.PhysicalStartBit
	buf[11] = f.TypeFlags
	if f.Enable {
		buf[12] = 1
	}
	return buf
}

// SyncManagerConfig is one 8-byte sync-manager page (register 0x0800+8i).
// Index identifies which sync manager this is (0/1 are conventionally
// the mailbox SMs configured by step 5 and must not be reused here).
type SyncManagerConfig struct {
	Index         uint8
	PhysicalStart uint16
	Length        uint16
	ControlByte   uint8
	Enable        bool
}

func (s SyncManagerConfig) encode() []byte {
	buf := make([]byte, SMPageSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.PhysicalStart)
	binary.LittleEndian.PutUint16(buf[2:4], s.Length)
	buf[4] = s.ControlByte
	if s.Enable {
		buf[6] = 1
	}
	return buf
}

// DCConfig is the distributed-clocks sync configuration for one slave.
type DCConfig struct {
	Enable         bool
	CycleTime0     uint32
	CycleTime1     uint32
	ShiftTime      uint32
	AssignActivate uint16
}

// Config is the user-visible per-slave configuration handle, keyed by
// (alias, position). It carries everything the bring-up pipeline needs
// beyond what scan discovers.
type Config struct {
	Alias, Position uint16

	WatchdogDivider  uint16
	WatchdogPDOutput uint16

	DC DCConfig

	SDOConfigs []SDOConfigEntry
	SoEConfigs []SoEConfigEntry

	SMs   []SyncManagerConfig
	FMMUs []FMMUConfig

	PDOAssignments map[uint8][]pdo.Mapping // sync manager -> mapped PDOs

	EmergencyRing []coe.EmergencyMessage
}

var (
	ErrConfigDetached = errors.New("ethercat: slave configuration detached mid-sequence")
	ErrMailboxNoAck   = errors.New("ethercat: slave did not acknowledge mailbox sync manager configuration")
	ErrDCSyncTimeout  = errors.New("ethercat: distributed-clocks sync-difference did not settle")
)

// RegisterIO is the narrow register transport this FSM needs, shared
// with C5's alstate.FSM.
type RegisterIO = alstate.RegisterIO

// FSM drives one slave through the bring-up pipeline.
type FSM struct {
	logger  *slog.Logger
	io      RegisterIO
	al      *alstate.FSM
	station uint16

	hasCoE     bool
	hasMailbox bool
	hasDC      bool
	boot       bool

	sii *sii.Image

	sdo *coe.Client
	pdo *pdo.Client

	// Detached is polled at the start of each step; the caller sets it
	// when the user detaches the config.
	Detached func() bool

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

// New builds an FSM for one slave. mailbox is the transport the CoE
// client uses for its SDO mailbox; it must already address the slave's
// configured mailbox sync managers once step 5 configures them.
func New(io RegisterIO, mailbox coe.Transport, station uint16, slaveSII *sii.Image, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("station", fmt.Sprintf("0x%04x", station))
	f := &FSM{
		logger:  logger,
		io:      io,
		station: station,
		sii:     slaveSII,
		al:      alstate.New(io, logger),
		hasCoE:     slaveSII != nil && slaveSII.General.CoESupported,
		hasMailbox: slaveSII == nil || slaveSII.General.MailboxProtocols != 0,
		hasDC:      false,
		Detached: func() bool { return false },
		Now:      time.Now,
	}
	if mailbox != nil {
		f.sdo = coe.NewClient(mailbox, station, StandardMailboxSize, StandardMailboxSize)
		f.pdo = pdo.NewClient(f.sdo)
	}
	return f
}

// SetDCCapable records whether the slave advertised DC support; only step 13 is gated on it.
func (f *FSM) SetDCCapable(v bool) { f.hasDC = v }

// SetBootRequested marks that BOOT (not PREOP) should be used for the
// mailbox handoff and state transition.
func (f *FSM) SetBootRequested(v bool) { f.boot = v }

func (f *FSM) checkDetached() error {
	if f.Detached() {
		return ErrConfigDetached
	}
	return nil
}

// Run drives cfg's full bring-up pipeline. It
// restarts from step 1 if Detached() reports true partway through,
// exactly once per restart signal (the caller is expected to stop
// requesting restarts once the config is genuinely gone).
func (f *FSM) Run(cfg *Config) error {
	for {
		err := f.runOnce(cfg)
		if errors.Is(err, ErrConfigDetached) {
			f.logger.Warn("configuration detached mid-sequence, restarting bring-up")
			continue
		}
		return err
	}
}

func (f *FSM) runOnce(cfg *Config) error {
	steps := []func(*Config) error{
		f.stepRequestInit,
		f.stepClearFMMUs,
		f.stepClearSyncManagers,
		f.stepClearDCActivation,
		f.stepConfigureMailboxSMs,
		f.stepHandoffAndPreOp,
		f.stepApplySDOConfigs,
		f.stepApplySoEConfigs(ScopePreOp),
		f.stepRunPDOFSM,
		f.stepWriteWatchdog,
		f.stepConfigurePDOSyncManagers,
		f.stepWriteFMMUs,
		f.stepConfigureDC,
		f.stepRequestSafeOp,
		f.stepApplySoEConfigs(ScopeSafeOp),
		f.stepRequestOp,
	}
	for _, step := range steps {
		if err := f.checkDetached(); err != nil {
			return err
		}
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}

// --- step 1 ---

func (f *FSM) stepRequestInit(cfg *Config) error {
	_, err := f.al.Request(alstate.StateInit, alstate.ModeFull)
	return err
}

// --- steps 2-4: reset FMMU / SM / DC pages ---

func (f *FSM) stepClearFMMUs(cfg *Config) error {
	zero := make([]byte, FMMUPageSize)
	for i := 0; i < MaxFMMU; i++ {
		if err := f.io.WriteRegister(uint16(RegFMMUBase+i*FMMUPageSize), zero); err != nil {
			return fmt.Errorf("ethercat: clear fmmu %d: %w", i, err)
		}
	}
	return nil
}

func (f *FSM) stepClearSyncManagers(cfg *Config) error {
	zero := make([]byte, SMPageSize)
	for i := 0; i < MaxSM; i++ {
		if err := f.io.WriteRegister(uint16(RegSMBase+i*SMPageSize), zero); err != nil {
			return fmt.Errorf("ethercat: clear sync manager %d: %w", i, err)
		}
	}
	return nil
}

func (f *FSM) stepClearDCActivation(cfg *Config) error {
	err := f.io.WriteRegister(RegDCActivation, []byte{0, 0})
	if err != nil && !f.hasDC {
		// Tolerated: slave lacks DC.
		f.logger.Debug("dc activation clear failed, slave likely lacks DC", "error", err)
		return nil
	}
	return err
}

// --- step 5: mailbox sync managers ---

func (f *FSM) mailboxOffsets() (rxOff, rxSz, txOff, txSz uint16) {
	if f.sii != nil && f.sii.RxMailboxSize() > 0 {
		return f.sii.RxMailboxOffset(), f.sii.RxMailboxSize(), f.sii.TxMailboxOffset(), f.sii.TxMailboxSize()
	}
	if f.boot {
		// Boot-mode offsets mirror the standard layout; slaves that
		// differ declare their own via SII and take the branch above.
		return StandardRxMailboxOffset, StandardMailboxSize, StandardTxMailboxOffset, StandardMailboxSize
	}
	return StandardRxMailboxOffset, StandardMailboxSize, StandardTxMailboxOffset, StandardMailboxSize
}

func (f *FSM) stepConfigureMailboxSMs(cfg *Config) error {
	// A slave declaring no mailbox protocols at all has no SM0/SM1 to
	// configure and no mailbox-borne configuration to apply; the pipeline
	// runs straight from the resets to the sync-manager/FMMU/DC steps.
	if !f.hasMailbox {
		return nil
	}
	rxOff, rxSz, txOff, txSz := f.mailboxOffsets()

	rxSM := SyncManagerConfig{PhysicalStart: rxOff, Length: rxSz, ControlByte: 0x26, Enable: true}
	txSM := SyncManagerConfig{PhysicalStart: txOff, Length: txSz, ControlByte: 0x22, Enable: true}

	deadline := f.Now().Add(mailboxResendBudget)
	for {
		if err := f.io.WriteRegister(RegSMBase+mailboxSM0*SMPageSize, rxSM.encode()); err != nil {
			return fmt.Errorf("ethercat: configure rx mailbox sync manager: %w", err)
		}
		if err := f.io.WriteRegister(RegSMBase+mailboxSM1*SMPageSize, txSM.encode()); err != nil {
			return fmt.Errorf("ethercat: configure tx mailbox sync manager: %w", err)
		}
		raw, err := f.io.ReadRegister(RegSMBase+mailboxSM0*SMPageSize, SMPageSize)
		if err == nil && len(raw) == SMPageSize && raw[6] == 1 {
			return nil
		}
		if f.Now().After(deadline) {
			return ErrMailboxNoAck
		}
		time.Sleep(mailboxResendPoll)
	}
}

// --- step 6: SII handoff + PREOP/BOOT transition ---

func (f *FSM) stepHandoffAndPreOp(cfg *Config) error {
	if !f.hasMailbox {
		return nil
	}
	// Hand SII access to PDI briefly, then back (register 0x0500 access
	// control, bit0 = PDI has access); tolerate slaves that reject the
	// PDI handoff entirely (pure-EtherCAT-only SII access).
	const regSIIAccess = 0x0500
	_ = f.io.WriteRegister(regSIIAccess, []byte{0x01, 0x00})
	_ = f.io.WriteRegister(regSIIAccess, []byte{0x00, 0x00})

	target := alstate.StatePreOp
	if f.boot {
		target = alstate.StateBoot
	}
	_, err := f.al.Request(target, alstate.ModeFull)
	return err
}

// --- step 7: SDO configs ---

func (f *FSM) stepApplySDOConfigs(cfg *Config) error {
	if !f.hasMailbox {
		return nil
	}
	if !f.hasCoE || f.sdo == nil {
		if len(cfg.SDOConfigs) > 0 {
			f.logger.Warn("SDO configs requested but slave has no CoE mailbox")
		}
		return nil
	}
	for _, entry := range cfg.SDOConfigs {
		if err := f.sdo.Download(entry.Index, entry.Subindex, entry.Data); err != nil {
			return fmt.Errorf("ethercat: apply SDO config 0x%04x:%d: %w", entry.Index, entry.Subindex, err)
		}
	}
	f.drainEmergencies(cfg)
	return nil
}

func (f *FSM) drainEmergencies(cfg *Config) {
	if f.sdo == nil || len(f.sdo.EmergencyRing) == 0 {
		return
	}
	cfg.EmergencyRing = append(cfg.EmergencyRing, f.sdo.EmergencyRing...)
	f.sdo.EmergencyRing = nil
}

// --- steps 8/15: SoE configs, scope-gated ---

func (f *FSM) stepApplySoEConfigs(scope Scope) func(*Config) error {
	return func(cfg *Config) error {
		if !f.hasMailbox {
			return nil
		}
		for _, entry := range cfg.SoEConfigs {
			if entry.Scope != scope {
				continue
			}
			// SoE (Servo-over-EtherCAT) mailbox transport is not
			// implemented by this master; entries are skipped
			// with a warning rather than failing the whole pipeline.
			f.logger.Warn("SoE config skipped, no SoE transport configured", "idn", fmt.Sprintf("0x%04x", entry.IDN))
		}
		return nil
	}
}

// --- step 9: PDO FSM ---

func (f *FSM) stepRunPDOFSM(cfg *Config) error {
	if !f.hasMailbox || !f.hasCoE || f.pdo == nil || len(cfg.PDOAssignments) == 0 {
		return nil
	}
	if f.sii != nil {
		f.pdo.EnablePDOAssign = f.sii.General.EnablePDOAssign
		f.pdo.EnablePDOConfiguration = f.sii.General.EnablePDOConfig
	}
	for sm, mappings := range cfg.PDOAssignments {
		if err := f.pdo.WriteAssignment(sm, mappings); err != nil {
			return fmt.Errorf("ethercat: write pdo assignment sm %d: %w", sm, err)
		}
	}
	return nil
}

// --- step 10: watchdog ---

func (f *FSM) stepWriteWatchdog(cfg *Config) error {
	if !f.hasMailbox {
		return nil
	}
	if cfg.WatchdogDivider == 0 && cfg.WatchdogPDOutput == 0 {
		return nil
	}
	if cfg.WatchdogDivider != 0 {
		if err := f.io.WriteRegister(RegWatchdogDivider, le16(cfg.WatchdogDivider)); err != nil {
			return fmt.Errorf("ethercat: write watchdog divider: %w", err)
		}
	}
	if cfg.WatchdogPDOutput != 0 {
		if err := f.io.WriteRegister(RegWatchdogPDOutput, le16(cfg.WatchdogPDOutput)); err != nil {
			return fmt.Errorf("ethercat: write watchdog output interval: %w", err)
		}
	}
	return nil
}

// --- step 11: PDO sync manager sizing ---

func (f *FSM) stepConfigurePDOSyncManagers(cfg *Config) error {
	for sm, mappings := range cfg.PDOAssignments {
		totalBits := 0
		for _, m := range mappings {
			totalBits += m.TotalBits()
		}
		lengthBytes := (totalBits + 7) / 8
		if lengthBytes == 0 {
			continue
		}
		for i, smc := range cfg.SMs {
			if smc.Index != sm {
				continue
			}
			smc.Length = uint16(lengthBytes)
			cfg.SMs[i] = smc
		}
	}
	for _, smc := range cfg.SMs {
		addr := uint16(RegSMBase + int(smc.Index)*SMPageSize)
		if err := f.io.WriteRegister(addr, smc.encode()); err != nil {
			return fmt.Errorf("ethercat: configure pdo sync manager %d: %w", smc.Index, err)
		}
	}
	return nil
}

// --- step 12: write FMMUs ---

func (f *FSM) stepWriteFMMUs(cfg *Config) error {
	for i, fm := range cfg.FMMUs {
		if i >= MaxFMMU {
			return fmt.Errorf("ethercat: too many FMMU configs (%d > %d)", len(cfg.FMMUs), MaxFMMU)
		}
		if err := f.io.WriteRegister(uint16(RegFMMUBase+i*FMMUPageSize), fm.encode()); err != nil {
			return fmt.Errorf("ethercat: write fmmu %d: %w", i, err)
		}
	}
	return nil
}

// --- step 13: distributed clocks ---

func (f *FSM) stepConfigureDC(cfg *Config) error {
	if !f.hasDC || !cfg.DC.Enable {
		return nil
	}
	if err := f.io.WriteRegister(RegDCSync0Cycle, le32(cfg.DC.CycleTime0)); err != nil {
		return fmt.Errorf("ethercat: write dc sync0 cycle time: %w", err)
	}
	if err := f.io.WriteRegister(RegDCSync1Cycle, le32(cfg.DC.CycleTime1)); err != nil {
		return fmt.Errorf("ethercat: write dc sync1 cycle time: %w", err)
	}

	deadline := f.Now().Add(dcSyncWaitBudget)
	for {
		raw, err := f.io.ReadRegister(RegDCSyncDiff, 4)
		if err == nil && len(raw) == 4 {
			diff := int32(binary.LittleEndian.Uint32(raw))
			if diff < 0 {
				diff = -diff
			}
			if time.Duration(diff)*time.Nanosecond < dcSyncTolerance {
				break
			}
		}
		if f.Now().After(deadline) {
			return ErrDCSyncTimeout
		}
		time.Sleep(time.Millisecond)
	}

	startTime := f.Now().Add(dcStartMargin).Add(phaseCorrection(cfg.DC.CycleTime0, cfg.DC.ShiftTime))
	if err := f.io.WriteRegister(RegDCStartTime, le64(uint64(startTime.UnixNano()))); err != nil {
		return fmt.Errorf("ethercat: write dc start time: %w", err)
	}
	return f.io.WriteRegister(RegDCActivation, le16(cfg.DC.AssignActivate))
}

// phaseCorrection returns the offset added to now+dcStartMargin when the
// DC start time is computed: dcStartMargin is rounded up to the next
// multiple of cycleTime and shiftTime is added. The start instant thus
// lies a whole number of cycles plus shiftTime after this FSM's current
// time; it is not aligned to a time base shared between slaves.
func phaseCorrection(cycleTimeNs, shiftTimeNs uint32) time.Duration {
	shift := time.Duration(shiftTimeNs) * time.Nanosecond
	if cycleTimeNs == 0 {
		return shift
	}
	cycle := time.Duration(cycleTimeNs) * time.Nanosecond
	if rem := dcStartMargin % cycle; rem != 0 {
		return (cycle - rem) + shift
	}
	return shift
}

// --- step 14: SAFEOP ---

func (f *FSM) stepRequestSafeOp(cfg *Config) error {
	_, err := f.al.Request(alstate.StateSafeOp, alstate.ModeFull)
	return err
}

// --- step 16: OP ---

func (f *FSM) stepRequestOp(cfg *Config) error {
	_, err := f.al.Request(alstate.StateOp, alstate.ModeFull)
	return err
}

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func le64(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }
