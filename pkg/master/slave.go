package master

import (
	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/pdo"
	"github.com/samsamfire/goethercat/pkg/scan"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slaveconfig"
)

// Slave is the master's view of one ring-position slave: its identity
// (filled by Scan), its attached configuration (user-supplied), and its
// last-known/requested AL state.
type Slave struct {
	RingPosition    uint16
	StationAddress  uint16
	ConfiguredAlias uint16
	EffectiveAlias  uint16

	Base  scan.BaseInfo
	Ports [4]scan.PortInfo
	SII   *sii.Image

	VendorID, ProductCode, RevisionNumber, SerialNumber uint32

	CurrentState   alstate.State
	RequestedState alstate.State
	ErrorFlag      bool

	Config          *slaveconfig.Config
	ConfigError     error
	MailboxMappings map[uint8][]pdo.Mapping

	// detached is polled by the attached slaveconfig.FSM's Detached
	// callback; set by DetachConfig.
	detached bool
}

// NeedsConfiguration reports whether this slave's current state is below
// its requested state, or it is flagged with an AL error. Either
// condition puts the slave on the per-slave configuration FSM list.
func (s *Slave) NeedsConfiguration() bool {
	return s.ErrorFlag || (s.CurrentState&0x0F) < (s.RequestedState&0x0F)
}

// DetachConfig marks the slave's attached configuration as gone; the
// next in-flight slaveconfig.FSM.Run observing it restarts from the
// beginning, and the flag is cleared once a fresh Config is attached
// via AttachConfig.
func (s *Slave) DetachConfig() { s.detached = true }

// AttachConfig installs a new configuration and clears any pending
// detach.
func (s *Slave) AttachConfig(cfg *slaveconfig.Config) {
	s.Config = cfg
	s.detached = false
}

func (s *Slave) isDetached() bool { return s.detached }
