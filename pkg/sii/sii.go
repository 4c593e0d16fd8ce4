// Package sii decodes a slave's SII (Slave Information Interface) EEPROM
// image: the category-walk that locates strings, general info, sync
// managers and PDO descriptions, walking the image category by
// category until the 0xFFFF terminator.
package sii

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Category type codes consumed by this master.
const (
	CategoryStrings Category = 10
	CategoryGeneral Category = 30
	CategoryFMMU    Category = 40
	CategorySM      Category = 41
	CategoryTxPDO   Category = 50
	CategoryRxPDO   Category = 51
	categoryEnd     Category = 0xFFFF
)

type Category uint16

var ErrTruncated = errors.New("ethercat: truncated SII image")

// GeneralInfo is the decoded "general" category (30): vendor-specific
// identity plus the mailbox/PDO capability flags the per-slave
// configuration FSM and PDO FSM need.
type GeneralInfo struct {
	GroupIdx         uint8
	ImageIdx         uint8
	OrderIdx         uint8
	NameIdx          uint8
	MailboxProtocols uint8 // raw protocol bitmask; zero means no mailbox at all
	CoESupported     bool
	FoESupported     bool
	EoESupported     bool
	EnablePDOAssign  bool
	EnablePDOConfig  bool
	FlagSafeOPOnly   bool
}

// SyncManager is one decoded entry of category 41.
type SyncManager struct {
	PhysicalStartAddress uint16
	Length               uint16
	ControlByte          uint8
	Enable               bool
	Virtual              bool
	OpOnly               bool
}

// PDOEntry is one mapped entry within a PDO description (category 50/51).
type PDOEntry struct {
	Index    uint16
	SubIndex uint8
	BitLen   uint8
	Name     string
}

// PDO is one decoded PDO description (category 50 TxPDO / 51 RxPDO).
type PDO struct {
	Index      uint16
	SyncManager uint8
	Name       string
	Entries    []PDOEntry
}

// Image is the decoded SII contents relevant to this master.
type Image struct {
	Words     []uint16 // raw word image, as read from the slave
	Strings   []string
	General   GeneralInfo
	FMMUUsage []uint8 // one usage byte per declared FMMU (category 40)
	SyncMgr   []SyncManager
	TxPDO     []PDO
	RxPDO     []PDO
}

// WalkSize determines the total SII image size in words by following
// the category type/size headers until the terminator 0xFFFF is found,
// without decoding category bodies.
func WalkSize(readWord func(wordAddr uint16) (uint16, error), categoryStart uint16) (uint16, error) {
	addr := categoryStart
	for {
		catType, err := readWord(addr)
		if err != nil {
			return 0, err
		}
		if Category(catType) == categoryEnd {
			return addr + 1, nil
		}
		size, err := readWord(addr + 1)
		if err != nil {
			return 0, err
		}
		addr += 2 + size
	}
}

// Parse decodes the category section of an SII word image (beginning at
// categoryStart, the word offset of the first category header) into an
// Image. Unsupported or unknown category codes are skipped (only their
// length is consumed).
func Parse(words []uint16, categoryStart uint16) (*Image, error) {
	img := &Image{Words: words}

	addr := int(categoryStart)
	for addr < len(words) {
		catType := Category(words[addr])
		if catType == categoryEnd {
			break
		}
		if addr+1 >= len(words) {
			return nil, ErrTruncated
		}
		size := int(words[addr+1])
		bodyStart := addr + 2
		bodyEnd := bodyStart + size
		if bodyEnd > len(words) {
			return nil, ErrTruncated
		}
		body := words[bodyStart:bodyEnd]

		switch catType {
		case CategoryStrings:
			img.Strings = parseStrings(body)
		case CategoryGeneral:
			if err := parseGeneral(body, &img.General); err != nil {
				return nil, err
			}
		case CategoryFMMU:
			img.FMMUUsage = parseFMMUUsage(body)
		case CategorySM:
			img.SyncMgr = parseSyncManagers(body)
		case CategoryTxPDO:
			img.TxPDO = append(img.TxPDO, parsePDOs(body)...)
		case CategoryRxPDO:
			img.RxPDO = append(img.RxPDO, parsePDOs(body)...)
		}

		addr = bodyEnd
	}
	return img, nil
}

// Fixed SII word addresses, below the category section where the
// identity and mailbox-configuration fields live.
const (
	wordVendorID        = 0x0008
	wordProductCode     = 0x000A
	wordRevisionNumber  = 0x000C
	wordSerialNumber    = 0x000E
	wordRxMailboxOffset = 0x0018
	wordRxMailboxSize   = 0x0019
	wordTxMailboxOffset = 0x001A
	wordTxMailboxSize   = 0x001B
)

func (img *Image) word(addr int) uint16 {
	if addr < 0 || addr >= len(img.Words) {
		return 0
	}
	return img.Words[addr]
}

func (img *Image) dword(addr int) uint32 {
	return uint32(img.word(addr)) | uint32(img.word(addr+1))<<16
}

// VendorID, ProductCode, RevisionNumber, SerialNumber read the SII's
// fixed identity words.
func (img *Image) VendorID() uint32       { return img.dword(wordVendorID) }
func (img *Image) ProductCode() uint32    { return img.dword(wordProductCode) }
func (img *Image) RevisionNumber() uint32 { return img.dword(wordRevisionNumber) }
func (img *Image) SerialNumber() uint32   { return img.dword(wordSerialNumber) }

// RxMailboxOffset, RxMailboxSize, TxMailboxOffset, TxMailboxSize read the
// SII's fixed mailbox-configuration words.
func (img *Image) RxMailboxOffset() uint16 { return img.word(wordRxMailboxOffset) }
func (img *Image) RxMailboxSize() uint16   { return img.word(wordRxMailboxSize) }
func (img *Image) TxMailboxOffset() uint16 { return img.word(wordTxMailboxOffset) }
func (img *Image) TxMailboxSize() uint16   { return img.word(wordTxMailboxSize) }

func wordsToBytes(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

func parseStrings(body []uint16) []string {
	b := wordsToBytes(body)
	if len(b) == 0 {
		return nil
	}
	count := int(b[0])
	out := make([]string, 0, count)
	pos := 1
	for i := 0; i < count && pos < len(b); i++ {
		l := int(b[pos])
		pos++
		if pos+l > len(b) {
			break
		}
		out = append(out, string(b[pos:pos+l]))
		pos += l
	}
	return out
}

func parseGeneral(body []uint16, g *GeneralInfo) error {
	b := wordsToBytes(body)
	if len(b) < 18 {
		return fmt.Errorf("%w: general category too short (%d bytes)", ErrTruncated, len(b))
	}
	g.GroupIdx = b[0]
	g.ImageIdx = b[1]
	g.OrderIdx = b[2]
	g.NameIdx = b[3]
	// b[4] is physical layer / reserved in the real ESI layout; not
	// consumed by this master.
	mailboxProtocols := b[5]
	g.MailboxProtocols = mailboxProtocols
	g.CoESupported = mailboxProtocols&0x04 != 0
	g.FoESupported = mailboxProtocols&0x08 != 0
	g.EoESupported = mailboxProtocols&0x02 != 0

	flags := b[0x0D]
	g.EnablePDOAssign = flags&0x01 != 0
	g.EnablePDOConfig = flags&0x02 != 0
	g.FlagSafeOPOnly = flags&0x04 != 0
	return nil
}

func parseFMMUUsage(body []uint16) []uint8 {
	b := wordsToBytes(body)
	out := make([]uint8, 0, len(b))
	for _, usage := range b {
		if usage == 0xFF {
			continue
		}
		out = append(out, usage)
	}
	return out
}

func parseSyncManagers(body []uint16) []SyncManager {
	b := wordsToBytes(body)
	var out []SyncManager
	for i := 0; i+8 <= len(b); i += 8 {
		ctrl := b[i+4]
		out = append(out, SyncManager{
			PhysicalStartAddress: binary.LittleEndian.Uint16(b[i : i+2]),
			Length:               binary.LittleEndian.Uint16(b[i+2 : i+4]),
			ControlByte:          ctrl,
			Enable:               b[i+6]&0x01 != 0,
			Virtual:              b[i+6]&0x20 != 0,
			OpOnly:               b[i+6]&0x08 != 0,
		})
	}
	return out
}

func parsePDOs(body []uint16) []PDO {
	b := wordsToBytes(body)
	var out []PDO
	pos := 0
	for pos+8 <= len(b) {
		pdoIndex := binary.LittleEndian.Uint16(b[pos : pos+2])
		numEntries := int(b[pos+2])
		sm := b[pos+3]
		// name string index, flags: bytes pos+5..pos+7, not decoded into
		// a name here (requires the strings category cross-reference,
		// done by the caller if needed).
		pos += 8

		pdo := PDO{Index: pdoIndex, SyncManager: sm}
		for e := 0; e < numEntries && pos+8 <= len(b); e++ {
			// entry layout: index(2), subindex(1), name idx(1),
			// data type(1), bit length(1), flags(2)
			pdo.Entries = append(pdo.Entries, PDOEntry{
				Index:    binary.LittleEndian.Uint16(b[pos : pos+2]),
				SubIndex: b[pos+2],
				BitLen:   b[pos+5],
			})
			pos += 8
		}
		out = append(out, pdo)
	}
	return out
}
