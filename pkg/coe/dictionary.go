package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SDO-information opcodes.
const (
	odListRequest      = 1
	odListResponse     = 2
	objectDescRequest  = 3
	objectDescResponse = 4
	entryDescRequest   = 5
	entryDescResponse  = 6
	sdoInfoError       = 7
)

// infoIncomplete flags a fragmented SDO-information response; the
// remaining fragments follow in the mailbox without a new request.
const infoIncomplete = 0x80

// infoHeaderSize is the SDO-information header after the mailbox header:
// CoE header (2), opcode (1), reserved (1), fragments left (2).
const infoHeaderSize = 6

// ErrDictionaryFragmented is returned when a description response
// arrives fragmented; fragmented descriptions are unsupported, and the
// description fails rather than returning partial data.
var ErrDictionaryFragmented = errors.New("ethercat: fragmented SDO-information description response unsupported")

// ErrDictionaryTimeout bounds the whole scan, not just one round trip.
var ErrDictionaryTimeout = errors.New("ethercat: object dictionary scan exceeded its time budget")

// ObjectDescription is one entry of the OD list.
type ObjectDescription struct {
	Index       uint16
	DataType    uint16
	MaxSubindex uint8
	ObjectCode  uint8
	Name        string
}

// EntryDescription is one subindex's description.
type EntryDescription struct {
	Index                               uint16
	Subindex                            uint8
	DataType                            uint16
	BitLength                           uint16
	AccessPreOp, AccessSafeOp, AccessOp bool
	Name                                string
}

// DictionaryScanBudget is the overall time budget for a full scan.
const DictionaryScanBudget = 1 * time.Second

func (c *Client) infoError(body []byte) error {
	code := AbortCode(binary.LittleEndian.Uint32(body[infoHeaderSize : infoHeaderSize+4]))
	return &AbortError{Code: code}
}

// readInfoFragment reads the next SDO-information fragment directly off
// the mailbox; fragments follow the first response without a new request.
func (c *Client) readInfoFragment() ([]byte, error) {
	resp, err := c.Transport.Read(c.Timeout)
	if err != nil {
		return nil, err
	}
	hdr, err := DecodeMailboxHeader(resp)
	if err != nil {
		return nil, err
	}
	if hdr.Type != MailboxCoE || int(hdr.Length) > len(resp)-MailboxHeaderSize {
		return nil, ErrUnexpectedService
	}
	return resp[MailboxHeaderSize : MailboxHeaderSize+int(hdr.Length)], nil
}

// ReadODList requests the list of object indices present in the
// dictionary, paged by the "fragments-left" field until exhausted.
func (c *Client) ReadODList() ([]uint16, error) {
	deadline := time.Now().Add(DictionaryScanBudget)
	var indices []uint16

	payload := make([]byte, infoHeaderSize+2)
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDOInformation))
	payload[2] = odListRequest
	binary.LittleEndian.PutUint16(payload[6:8], 0x01) // list type: all objects

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return nil, err
	}
	body := resp[MailboxHeaderSize:]

	first := true
	for {
		if time.Now().After(deadline) {
			return indices, ErrDictionaryTimeout
		}
		opcode := body[2] &^ infoIncomplete
		if opcode == sdoInfoError {
			return indices, c.infoError(body)
		}
		if opcode != odListResponse {
			return indices, fmt.Errorf("%w: got opcode %d", ErrUnexpectedService, opcode)
		}
		fragmentsLeft := binary.LittleEndian.Uint16(body[4:6])
		listPayload := body[infoHeaderSize:]
		if first {
			// The first fragment repeats the list type ahead of the
			// index words.
			listPayload = listPayload[2:]
			first = false
		}
		for i := 0; i+2 <= len(listPayload); i += 2 {
			indices = append(indices, binary.LittleEndian.Uint16(listPayload[i:i+2]))
		}
		if fragmentsLeft == 0 && body[2]&infoIncomplete == 0 {
			return indices, nil
		}
		body, err = c.readInfoFragment()
		if err != nil {
			return indices, err
		}
	}
}

// ReadObjectDescription fetches the name/max-subindex/object-code for
// one index.
func (c *Client) ReadObjectDescription(index uint16) (ObjectDescription, error) {
	payload := make([]byte, infoHeaderSize+2)
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDOInformation))
	payload[2] = objectDescRequest
	binary.LittleEndian.PutUint16(payload[6:8], index)

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return ObjectDescription{}, err
	}
	body := resp[MailboxHeaderSize:]
	opcode := body[2] &^ infoIncomplete
	if opcode == sdoInfoError {
		return ObjectDescription{}, c.infoError(body)
	}
	if opcode != objectDescResponse {
		return ObjectDescription{}, fmt.Errorf("%w: got opcode %d", ErrUnexpectedService, opcode)
	}
	if body[2]&infoIncomplete != 0 || binary.LittleEndian.Uint16(body[4:6]) != 0 {
		return ObjectDescription{}, ErrDictionaryFragmented
	}
	if len(body) < 12 {
		return ObjectDescription{}, fmt.Errorf("ethercat: short object description response")
	}
	od := ObjectDescription{
		Index:       binary.LittleEndian.Uint16(body[6:8]),
		DataType:    binary.LittleEndian.Uint16(body[8:10]),
		MaxSubindex: body[10],
		ObjectCode:  body[11],
	}
	if len(body) > 12 {
		od.Name = string(body[12:])
	}
	return od, nil
}

// ReadEntryDescription fetches a single subindex's description. Gaps
// (the slave reports ObjectNotExist, abort 0x06020000, for a particular
// subindex) are tolerated by the caller advancing to the next subindex.
func (c *Client) ReadEntryDescription(index uint16, subindex uint8) (EntryDescription, error) {
	payload := make([]byte, infoHeaderSize+4)
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDOInformation))
	payload[2] = entryDescRequest
	binary.LittleEndian.PutUint16(payload[6:8], index)
	payload[8] = subindex
	payload[9] = 0x00 // optional elements (unit, default, min/max) not requested

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return EntryDescription{}, err
	}
	body := resp[MailboxHeaderSize:]
	opcode := body[2] &^ infoIncomplete
	if opcode == sdoInfoError {
		return EntryDescription{}, c.infoError(body)
	}
	if opcode != entryDescResponse {
		return EntryDescription{}, fmt.Errorf("%w: got opcode %d", ErrUnexpectedService, opcode)
	}
	if body[2]&infoIncomplete != 0 || binary.LittleEndian.Uint16(body[4:6]) != 0 {
		return EntryDescription{}, ErrDictionaryFragmented
	}
	if len(body) < 16 {
		return EntryDescription{}, fmt.Errorf("ethercat: short entry description response")
	}
	access := binary.LittleEndian.Uint16(body[14:16])
	entry := EntryDescription{
		Index:        binary.LittleEndian.Uint16(body[6:8]),
		Subindex:     body[8],
		DataType:     binary.LittleEndian.Uint16(body[10:12]),
		BitLength:    binary.LittleEndian.Uint16(body[12:14]),
		AccessPreOp:  access&0x0001 != 0,
		AccessSafeOp: access&0x0002 != 0,
		AccessOp:     access&0x0004 != 0,
	}
	if len(body) > 16 {
		entry.Name = string(body[16:])
	}
	return entry, nil
}

// DictionaryObject is one scanned object with its entry descriptions.
type DictionaryObject struct {
	Description ObjectDescription
	Entries     []EntryDescription
}

// ScanDictionary reads the slave's whole object dictionary: the OD list,
// then a description per object, then an entry description per subindex.
// Missing subindexes are skipped; an emergency received mid-scan lands in
// the EmergencyRing without disturbing the scan cursor. The whole scan is
// bounded by DictionaryScanBudget; past it the objects completed so far
// are returned with ErrDictionaryTimeout.
func (c *Client) ScanDictionary() ([]DictionaryObject, error) {
	deadline := time.Now().Add(DictionaryScanBudget)
	indices, err := c.ReadODList()
	if err != nil {
		return nil, err
	}
	objects := make([]DictionaryObject, 0, len(indices))
	for _, index := range indices {
		if time.Now().After(deadline) {
			return objects, ErrDictionaryTimeout
		}
		desc, err := c.ReadObjectDescription(index)
		if err != nil {
			return objects, fmt.Errorf("object 0x%04x: %w", index, err)
		}
		obj := DictionaryObject{Description: desc}
		for sub := uint8(0); sub <= desc.MaxSubindex; sub++ {
			entry, err := c.ReadEntryDescription(index, sub)
			if err != nil {
				if IsObjectGap(err) {
					continue
				}
				return objects, fmt.Errorf("entry 0x%04x:%d: %w", index, sub, err)
			}
			obj.Entries = append(obj.Entries, entry)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// IsObjectGap reports whether err indicates a missing subindex (abort
// code 0x06020000), which dictionary scans tolerate by advancing to the
// next subindex.
func IsObjectGap(err error) bool {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Code == AbortObjectNotExist
	}
	return false
}
