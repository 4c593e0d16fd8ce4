// Package pdo implements PDO assignment/mapping configuration: reading and writing the
// sync-manager PDO assignment lists (0x1C10-0x1C1F) and the PDO mapping
// objects they reference (0x1600-0x17FF RxPDO, 0x1A00-0x1BFF TxPDO).
// Reads are a count-then-entries walk; writes clear the count, rewrite
// the entries, then write the new count.
package pdo

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/samsamfire/goethercat/pkg/coe"
)

// AssignmentBase is the first sync-manager PDO assignment object,
// 0x1C10; sync manager index sm maps to object 0x1C10+sm.
const AssignmentBase uint16 = 0x1C10

// Entry is one mapped application object within a PDO.
type Entry struct {
	Index    uint16
	Subindex uint8
	BitLen   uint8
}

func (e Entry) pack() uint32 {
	return uint32(e.Index)<<16 | uint32(e.Subindex)<<8 | uint32(e.BitLen)
}

func unpackEntry(raw uint32) Entry {
	return Entry{
		Index:    uint16(raw >> 16),
		Subindex: uint8(raw >> 8),
		BitLen:   uint8(raw),
	}
}

// Mapping is one PDO's full entry list, addressed by its mapping object
// index (0x1600-0x17FF for RxPDO, 0x1A00-0x1BFF for TxPDO).
type Mapping struct {
	Index   uint16
	Entries []Entry
}

// TotalBits returns the sum of all mapped entries' bit lengths.
func (m Mapping) TotalBits() int {
	total := 0
	for _, e := range m.Entries {
		total += int(e.BitLen)
	}
	return total
}

// Client drives the PDO assignment/mapping FSM against one slave's CoE
// mailbox.
type Client struct {
	sdo    *coe.Client
	Logger *logrus.Entry

	// EnablePDOAssign and EnablePDOConfiguration mirror the slave's SII
	// general-category flags: when clear, the corresponding
	// writes are skipped rather than attempted.
	EnablePDOAssign        bool
	EnablePDOConfiguration bool
}

// NewClient builds a Client bound to an already-configured CoE mailbox
// client for one slave.
func NewClient(sdoClient *coe.Client) *Client {
	return &Client{
		sdo:                    sdoClient,
		Logger:                 logrus.WithField("service", "[pdo]"),
		EnablePDOAssign:        true,
		EnablePDOConfiguration: true,
	}
}

// ReadAssignment uploads the list of PDO indices assigned to sync
// manager sm.
func (c *Client) ReadAssignment(sm uint8) ([]uint16, error) {
	assignIndex := AssignmentBase + uint16(sm)
	countRaw, err := c.sdo.Upload(assignIndex, 0)
	if err != nil {
		return nil, fmt.Errorf("ethercat: read pdo assignment count for sm %d: %w", sm, err)
	}
	count := decodeUint8(countRaw)

	pdoIndices := make([]uint16, 0, count)
	for k := uint8(1); k <= count; k++ {
		raw, err := c.sdo.Upload(assignIndex, k)
		if err != nil {
			return pdoIndices, fmt.Errorf("ethercat: read pdo assignment entry %d.%d: %w", assignIndex, k, err)
		}
		pdoIndices = append(pdoIndices, decodeUint16(raw))
	}
	return pdoIndices, nil
}

// ReadMapping uploads one PDO's entry list.
func (c *Client) ReadMapping(pdoIndex uint16) (Mapping, error) {
	countRaw, err := c.sdo.Upload(pdoIndex, 0)
	if err != nil {
		return Mapping{}, fmt.Errorf("ethercat: read pdo mapping count for 0x%04x: %w", pdoIndex, err)
	}
	count := decodeUint8(countRaw)

	m := Mapping{Index: pdoIndex, Entries: make([]Entry, 0, count)}
	for k := uint8(1); k <= count; k++ {
		raw, err := c.sdo.Upload(pdoIndex, k)
		if err != nil {
			return m, fmt.Errorf("ethercat: read pdo mapping entry 0x%04x.%d: %w", pdoIndex, k, err)
		}
		m.Entries = append(m.Entries, unpackEntry(decodeUint32(raw)))
	}
	return m, nil
}

// ReadSyncManagerPDOs reads sm's assignment list and, for each assigned
// PDO, its mapping — the full read side of the PDO FSM.
func (c *Client) ReadSyncManagerPDOs(sm uint8) ([]Mapping, error) {
	indices, err := c.ReadAssignment(sm)
	if err != nil {
		return nil, err
	}
	mappings := make([]Mapping, 0, len(indices))
	for _, idx := range indices {
		m, err := c.ReadMapping(idx)
		if err != nil {
			return mappings, err
		}
		mappings = append(mappings, m)
	}
	c.Logger.WithFields(logrus.Fields{"sm": sm, "pdos": len(mappings)}).Debug("read pdo configuration")
	return mappings, nil
}

// WriteMapping clears then rewrites one PDO's entry list.
func (c *Client) WriteMapping(m Mapping) error {
	if !c.EnablePDOConfiguration {
		c.Logger.WithField("pdo", fmt.Sprintf("0x%04x", m.Index)).
			Warn("slave does not support pdo configuration, skipping mapping write")
		return nil
	}
	if err := c.sdo.Download(m.Index, 0, encodeUint8(0)); err != nil {
		return fmt.Errorf("ethercat: clear pdo mapping 0x%04x: %w", m.Index, err)
	}
	for i, e := range m.Entries {
		sub := uint8(i + 1)
		if err := c.sdo.Download(m.Index, sub, encodeUint32(e.pack())); err != nil {
			return fmt.Errorf("ethercat: write pdo mapping entry 0x%04x.%d: %w", m.Index, sub, err)
		}
	}
	if err := c.sdo.Download(m.Index, 0, encodeUint8(uint8(len(m.Entries)))); err != nil {
		return fmt.Errorf("ethercat: write pdo mapping count 0x%04x: %w", m.Index, err)
	}
	return nil
}

// WriteAssignment clears sync manager sm's PDO assignment count, then for
// each PDO writes its mapping followed by its assignment entry, and
// finally writes the new count.
func (c *Client) WriteAssignment(sm uint8, mappings []Mapping) error {
	assignIndex := AssignmentBase + uint16(sm)
	if !c.EnablePDOAssign {
		c.Logger.WithField("sm", sm).
			Warn("slave does not support pdo assignment, skipping assignment write")
		return nil
	}
	if err := c.sdo.Download(assignIndex, 0, encodeUint8(0)); err != nil {
		return fmt.Errorf("ethercat: clear pdo assignment sm %d: %w", sm, err)
	}
	for i, m := range mappings {
		if err := c.WriteMapping(m); err != nil {
			return err
		}
		sub := uint8(i + 1)
		if err := c.sdo.Download(assignIndex, sub, encodeUint16(m.Index)); err != nil {
			return fmt.Errorf("ethercat: write pdo assignment entry sm %d.%d: %w", sm, sub, err)
		}
	}
	if err := c.sdo.Download(assignIndex, 0, encodeUint8(uint8(len(mappings)))); err != nil {
		return fmt.Errorf("ethercat: write pdo assignment count sm %d: %w", sm, err)
	}
	return nil
}

func decodeUint8(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func decodeUint16(b []byte) uint16 {
	var v uint16
	for i := 0; i < len(b) && i < 2; i++ {
		v |= uint16(b[i]) << (8 * i)
	}
	return v
}

func decodeUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func encodeUint8(v uint8) []byte  { return []byte{v} }
func encodeUint16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
