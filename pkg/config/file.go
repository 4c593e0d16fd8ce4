// Package config loads a master/slave configuration file: cycle time
// and device names for the master, and per-slave
// bring-up parameters (requested state, watchdog, distributed-clocks
// sync, SDO/SoE config lists, PDO assignment overrides) that populate
// the slaveconfig.Config values the per-slave bring-up FSM then drives
// over the wire. gopkg.in/ini.v1 is loaded once, sections are matched
// by a fixed name pattern, and typed accessor helpers over
// *ini.Section replace hand-rolled line scanning.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/pdo"
	"github.com/samsamfire/goethercat/pkg/slaveconfig"
)

var (
	slaveSectionRe = regexp.MustCompile(`^slave "(\d+)\.(\d+)"$`)
	pdoSectionRe   = regexp.MustCompile(`^pdo "(\d+)\.(\d+)\.(\d+)"$`)
	sdoKeyRe       = regexp.MustCompile(`^sdo\.(?:0x)?([0-9A-Fa-f]+)\.(?:0x)?([0-9A-Fa-f]+)$`)
	soeKeyRe       = regexp.MustCompile(`^soe\.(?:0x)?([0-9A-Fa-f]+)$`)
)

// Master is the `[master]` section: bus-wide cycle timing and device
// names.
type Master struct {
	CycleTime    time.Duration
	Device       string
	BackupDevice string
}

// Slave is one `[slave "<alias>.<position>"]` section merged with its
// `[pdo "<alias>.<position>.<sm>"]` children, already shaped as the
// slaveconfig bring-up FSM wants it.
type Slave struct {
	Alias, Position uint16
	RequestedState  alstate.State

	Config *slaveconfig.Config
}

// File is a fully loaded and parsed configuration file.
type File struct {
	Master Master
	Slaves []*Slave
}

// key used internally to merge [slave ...] and [pdo ...] sections that
// name the same slave.
func slaveKey(alias, position uint16) string {
	return fmt.Sprintf("%d.%d", alias, position)
}

// Load reads and parses a master/slave configuration file from path.
func Load(path string) (*File, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("ethercat: config: load %s: %w", path, err)
	}
	return parse(raw)
}

// LoadBytes parses an already-read configuration file, for callers that
// source it from somewhere other than the filesystem.
func LoadBytes(data []byte) (*File, error) {
	raw, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("ethercat: config: parse: %w", err)
	}
	return parse(raw)
}

func parse(raw *ini.File) (*File, error) {
	f := &File{}
	bySlave := make(map[string]*Slave)

	if master := raw.Section("master"); master != nil {
		f.Master = Master{
			CycleTime:    keyDuration(master, "cycle_time", time.Nanosecond),
			Device:       master.Key("device").String(),
			BackupDevice: master.Key("backup_device").String(),
		}
	}

	for _, section := range raw.Sections() {
		m := slaveSectionRe.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		s, err := parseSlaveSection(section, m)
		if err != nil {
			return nil, err
		}
		bySlave[slaveKey(s.Alias, s.Position)] = s
		f.Slaves = append(f.Slaves, s)
	}

	for _, section := range raw.Sections() {
		m := pdoSectionRe.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		alias, position, sm, mapping, err := parsePDOSection(section, m)
		if err != nil {
			return nil, err
		}
		s, ok := bySlave[slaveKey(alias, position)]
		if !ok {
			return nil, fmt.Errorf("ethercat: config: %q names no matching [slave %q]",
				section.Name(), fmt.Sprintf("%d.%d", alias, position))
		}
		if s.Config.PDOAssignments == nil {
			s.Config.PDOAssignments = make(map[uint8][]pdo.Mapping)
		}
		s.Config.PDOAssignments[sm] = append(s.Config.PDOAssignments[sm], mapping...)
	}

	return f, nil
}

func parseSlaveSection(section *ini.Section, m []string) (*Slave, error) {
	alias, err := parseUint(m[1], 10)
	if err != nil {
		return nil, fmt.Errorf("ethercat: config: %q: alias: %w", section.Name(), err)
	}
	position, err := parseUint(m[2], 10)
	if err != nil {
		return nil, fmt.Errorf("ethercat: config: %q: position: %w", section.Name(), err)
	}

	cfg := &slaveconfig.Config{
		Alias:            uint16(alias),
		Position:         uint16(position),
		WatchdogDivider:  uint16(keyUint(section, "watchdog_divider", 0)),
		WatchdogPDOutput: uint16(keyUint(section, "watchdog_pd_output", 0)),
		DC: slaveconfig.DCConfig{
			Enable:         keyBool(section, "dc_enable"),
			CycleTime0:     uint32(keyUint(section, "dc_sync0_cycle", 0)),
			CycleTime1:     uint32(keyUint(section, "dc_sync1_cycle", 0)),
			ShiftTime:      uint32(keyUint(section, "dc_shift_time", 0)),
			AssignActivate: uint16(keyUint(section, "dc_assign_activate", 0)),
		},
	}

	for _, key := range section.Keys() {
		if m := sdoKeyRe.FindStringSubmatch(key.Name()); m != nil {
			entry, err := parseSDOKey(m, key.String())
			if err != nil {
				return nil, fmt.Errorf("ethercat: config: %q: %s: %w", section.Name(), key.Name(), err)
			}
			cfg.SDOConfigs = append(cfg.SDOConfigs, entry)
			continue
		}
		if m := soeKeyRe.FindStringSubmatch(key.Name()); m != nil {
			entry, err := parseSoEKey(m, key.String())
			if err != nil {
				return nil, fmt.Errorf("ethercat: config: %q: %s: %w", section.Name(), key.Name(), err)
			}
			cfg.SoEConfigs = append(cfg.SoEConfigs, entry)
			continue
		}
	}

	return &Slave{
		Alias:          uint16(alias),
		Position:       uint16(position),
		RequestedState: parseState(section.Key("requested_state").MustString("OP")),
		Config:         cfg,
	}, nil
}

// parsePDOSection builds the ordered PDO index list an assignment
// override installs on one sync manager. Entry-level remapping, if the
// slave supports it, is filled in later by the bring-up FSM reading the
// slave's own PDO definitions; this file only says which indices are
// active and in what order.
func parsePDOSection(section *ini.Section, m []string) (alias, position uint16, sm uint8, mapping []pdo.Mapping, err error) {
	a, err := parseUint(m[1], 10)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%q: alias: %w", section.Name(), err)
	}
	p, err := parseUint(m[2], 10)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%q: position: %w", section.Name(), err)
	}
	s, err := parseUint(m[3], 10)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%q: sync manager: %w", section.Name(), err)
	}

	indices := section.Key("pdos").Strings(",")
	mapping = make([]pdo.Mapping, 0, len(indices))
	for _, raw := range indices {
		idx, err := parseUint(strings.TrimSpace(raw), 16)
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("%q: pdos: %w", section.Name(), err)
		}
		mapping = append(mapping, pdo.Mapping{Index: uint16(idx)})
	}
	return uint16(a), uint16(p), uint8(s), mapping, nil
}

// parseSDOKey handles `sdo.<index>.<subindex> = type:value` keys.
// Supported types: u8/u16/u32/u64 (little-endian unsigned integers) and
// raw (hex bytes, no encoding applied).
func parseSDOKey(m []string, value string) (slaveconfig.SDOConfigEntry, error) {
	index, err := parseUint(m[1], 16)
	if err != nil {
		return slaveconfig.SDOConfigEntry{}, fmt.Errorf("index: %w", err)
	}
	subindex, err := parseUint(m[2], 16)
	if err != nil {
		return slaveconfig.SDOConfigEntry{}, fmt.Errorf("subindex: %w", err)
	}
	data, err := encodeTyped(value)
	if err != nil {
		return slaveconfig.SDOConfigEntry{}, err
	}
	return slaveconfig.SDOConfigEntry{Index: uint16(index), Subindex: uint8(subindex), Data: data}, nil
}

// parseSoEKey handles `soe.<idn> = type:value` keys. SoE entries default to
// the SafeOp scope; a slave with no SoE transport configured simply
// never sees these applied (slaveconfig.FSM skips them with a warning).
func parseSoEKey(m []string, value string) (slaveconfig.SoEConfigEntry, error) {
	idn, err := parseUint(m[1], 16)
	if err != nil {
		return slaveconfig.SoEConfigEntry{}, fmt.Errorf("idn: %w", err)
	}
	data, err := encodeTyped(value)
	if err != nil {
		return slaveconfig.SoEConfigEntry{}, err
	}
	return slaveconfig.SoEConfigEntry{IDN: uint16(idn), Data: data, Scope: slaveconfig.ScopeSafeOp}, nil
}

// encodeTyped decodes a "type:value" string into its wire bytes.
func encodeTyped(raw string) ([]byte, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected type:value, got %q", raw)
	}
	typ, val := strings.ToLower(parts[0]), parts[1]

	switch typ {
	case "raw":
		return parseHexBytes(val)
	case "u8", "u16", "u32", "u64":
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s value %q: %w", typ, val, err)
		}
		return encodeUint(typ, n), nil
	default:
		return nil, fmt.Errorf("unsupported sdo/soe value type %q", typ)
	}
}

func encodeUint(typ string, n uint64) []byte {
	switch typ {
	case "u8":
		return []byte{byte(n)}
	case "u16":
		return []byte{byte(n), byte(n >> 8)}
	case "u32":
		return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	default: // u64
		b := make([]byte, 8)
		for i := range b {
			b[i] = byte(n >> (8 * i))
		}
		return b
	}
}

func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("parse hex byte %q: %w", s[2*i:2*i+2], err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseUint(s string, base int) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), base, 64)
}

func parseState(s string) alstate.State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return alstate.StateInit
	case "PREOP":
		return alstate.StatePreOp
	case "BOOT":
		return alstate.StateBoot
	case "SAFEOP":
		return alstate.StateSafeOp
	default:
		return alstate.StateOp
	}
}

func keyUint(section *ini.Section, name string, def uint64) uint64 {
	v, err := strconv.ParseUint(section.Key(name).String(), 0, 64)
	if err != nil {
		return def
	}
	return v
}

func keyBool(section *ini.Section, name string) bool {
	return section.Key(name).MustBool(false)
}

func keyDuration(section *ini.Section, name string, unit time.Duration) time.Duration {
	n := keyUint(section, name, 0)
	return time.Duration(n) * unit
}
