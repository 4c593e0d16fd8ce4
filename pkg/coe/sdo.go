package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SDO command specifiers (expedited/normal download and upload).
const (
	scsDownloadInitiate = 3
	scsDownloadSegment  = 1
	scsUploadInitiate   = 2
	scsUploadSegment    = 0
	scsAbort            = 4
	ccsDownloadInitiate = 1
	ccsDownloadSegment  = 0
	ccsUploadInitiate   = 2
	ccsUploadSegment    = 3
)

// DefaultResponseTimeout bounds how long the FSM waits for a mailbox
// response before treating the transfer as failed.
const DefaultResponseTimeout = 1 * time.Second

// DefaultRetryCount is the fixed retry count applied to a mailbox
// round-trip on "datagram timed out".
const DefaultRetryCount = 3

var (
	ErrTimeout           = errors.New("ethercat: SDO request timed out")
	ErrToggleMismatch    = errors.New("ethercat: segmented SDO toggle bit mismatch")
	ErrUnexpectedService = errors.New("ethercat: unexpected CoE service in response")
)

// Transport is the narrow mailbox round-trip this FSM needs: write one
// mailbox message, then wait for the next one (which may be the real
// response, an emergency, or a mailbox error). pkg/master implements it
// against a slave's mailbox sync managers via FPWR/FPRD datagrams and
// hands it to the scan and per-slave configuration FSMs.
type Transport interface {
	Write(payload []byte) error
	Read(timeout time.Duration) ([]byte, error)
}

// EmergencyMessage is a CoE emergency (service == CoEServiceEmergency)
// observed in place of an expected SDO response.
type EmergencyMessage struct {
	ErrorCode  uint16
	ErrorReg   uint8
	Data       [5]byte
	ReceivedAt time.Time
}

// Client drives CoE SDO transfers for one slave's mailbox.
type Client struct {
	Transport     Transport
	Station       uint16
	RxMailboxSize uint16 // master -> slave mailbox capacity
	TxMailboxSize uint16 // slave -> master mailbox capacity
	RetryCount    int
	Timeout       time.Duration
	Logger        *logrus.Entry

	EmergencyRing []EmergencyMessage

	counter uint8
}

// NewClient builds a Client with the default retry/timeout values.
func NewClient(transport Transport, station uint16, rxMailboxSize, txMailboxSize uint16) *Client {
	return &Client{
		Transport:     transport,
		Station:       station,
		RxMailboxSize: rxMailboxSize,
		TxMailboxSize: txMailboxSize,
		RetryCount:    DefaultRetryCount,
		Timeout:       DefaultResponseTimeout,
		Logger:        logrus.WithField("service", "[coe]"),
	}
}

func (c *Client) nextCounter() uint8 {
	c.counter++
	if c.counter == 0 || c.counter > 7 {
		c.counter = 1
	}
	return c.counter
}

// roundTrip sends payload wrapped in a mailbox+CoE header and waits for
// the response, transparently draining emergency messages and retrying up to RetryCount
// times on a plain timeout.
func (c *Client) roundTrip(mbxType MailboxType, payload []byte) ([]byte, error) {
	header := MailboxHeader{
		Length:  uint16(len(payload)),
		Station: c.Station,
		Channel: 0,
		Prio:    0,
		Type:    mbxType,
		Counter: c.nextCounter(),
	}
	frame := make([]byte, MailboxHeaderSize+len(payload))
	header.Encode(frame)
	copy(frame[MailboxHeaderSize:], payload)

	var lastErr error
	for attempt := 0; attempt <= c.RetryCount; attempt++ {
		if err := c.Transport.Write(frame); err != nil {
			lastErr = err
			continue
		}
		for {
			resp, err := c.Transport.Read(c.Timeout)
			if err != nil {
				lastErr = err
				break
			}
			hdr, err := DecodeMailboxHeader(resp)
			if err != nil {
				lastErr = err
				break
			}
			// The mailbox read returns the whole sync-manager buffer;
			// the header's length field bounds the live message.
			if int(hdr.Length) > len(resp)-MailboxHeaderSize {
				lastErr = fmt.Errorf("ethercat: mailbox header length %d exceeds buffer", hdr.Length)
				break
			}
			resp = resp[:MailboxHeaderSize+int(hdr.Length)]
			body := resp[MailboxHeaderSize:]
			if hdr.Type == 0 {
				code := MailboxErrorCode(binary.LittleEndian.Uint16(body[2:4]))
				return nil, &MailboxError{Code: code}
			}
			if hdr.Type != MailboxCoE {
				lastErr = ErrUnexpectedService
				break
			}
			coeHeader := binary.LittleEndian.Uint16(body[0:2])
			_, service := DecodeCoEHeader(coeHeader)
			if service == CoEServiceEmergency {
				c.pushEmergency(body)
				continue // re-check mailbox for the real response
			}
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrTimeout
	}
	return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

func (c *Client) pushEmergency(body []byte) {
	if len(body) < 2+8 {
		return
	}
	em := EmergencyMessage{ReceivedAt: time.Now()}
	em.ErrorCode = binary.LittleEndian.Uint16(body[2:4])
	em.ErrorReg = body[4]
	copy(em.Data[:], body[5:10])
	c.EmergencyRing = append(c.EmergencyRing, em)
	c.Logger.WithFields(logrus.Fields{
		"code": fmt.Sprintf("0x%04x", em.ErrorCode),
		"reg":  em.ErrorReg,
	}).Warn("emergency message received during SDO transfer")
}

// Download writes data to index:subindex. Payloads of <= 4 bytes use the
// expedited service; larger payloads use normal/segmented
// transfer.
func (c *Client) Download(index uint16, subindex uint8, data []byte) error {
	if len(data) <= 4 {
		return c.downloadExpedited(index, subindex, data)
	}
	return c.downloadSegmented(index, subindex, data)
}

func (c *Client) downloadExpedited(index uint16, subindex uint8, data []byte) error {
	payload := make([]byte, 10)
	sizeIndicated := len(data) > 0
	n := uint8(4 - len(data))
	cs := byte(ccsDownloadInitiate)<<5 | 1<<1 // expedited bit
	if sizeIndicated {
		cs |= 1 // size indicated
		cs |= (n & 0x03) << 2
	}
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDORequest))
	payload[2] = cs
	binary.LittleEndian.PutUint16(payload[3:5], index)
	payload[5] = subindex
	copy(payload[6:10], data) // zero-padded to 4 bytes

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return err
	}
	return c.checkSDOResponse(resp, index, subindex)
}

func (c *Client) downloadSegmented(index uint16, subindex uint8, data []byte) error {
	// The normal download-initiate request carries the complete size and
	// as much data as the rx mailbox leaves room for after the mailbox
	// header and the 10-byte initiate preamble.
	initiateCap := int(c.RxMailboxSize) - MailboxHeaderSize - 10
	segmentCap := int(c.RxMailboxSize) - MailboxHeaderSize - 3
	if initiateCap <= 0 || segmentCap <= 0 {
		return fmt.Errorf("ethercat: rx mailbox too small for segmented download")
	}

	first := len(data)
	if first > initiateCap {
		first = initiateCap
	}
	payload := make([]byte, 10+first)
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDORequest))
	payload[2] = byte(ccsDownloadInitiate)<<5 | 1 // size indicated, not expedited
	binary.LittleEndian.PutUint16(payload[3:5], index)
	payload[5] = subindex
	binary.LittleEndian.PutUint32(payload[6:10], uint32(len(data)))
	copy(payload[10:], data[:first])

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return err
	}
	if err := c.checkSDOResponse(resp, index, subindex); err != nil {
		return err
	}

	toggle := uint8(0)
	offset := first
	for offset < len(data) {
		n := len(data) - offset
		last := n <= segmentCap
		if !last {
			n = segmentCap
		}
		// A segment's data field is at least 7 bytes on the wire; when
		// fewer remain, the segment is padded and the size bits in the
		// command specifier carry the real count.
		dataLen := n
		if dataLen < 7 {
			dataLen = 7
		}
		seg := make([]byte, 3+dataLen)
		binary.LittleEndian.PutUint16(seg[0:2], EncodeCoEHeader(0, CoEServiceSDORequest))
		cs := byte(ccsDownloadSegment) << 5
		cs |= (toggle & 1) << 4
		if last {
			cs |= 1
		}
		if n < 7 {
			cs |= byte(7-n) << 1
		}
		seg[2] = cs
		copy(seg[3:3+n], data[offset:offset+n])

		resp, err := c.roundTrip(MailboxCoE, seg)
		if err != nil {
			return err
		}
		if err := c.checkSegmentToggle(resp, toggle); err != nil {
			return err
		}
		offset += n
		toggle ^= 1
	}
	return nil
}

func (c *Client) checkSDOResponse(resp []byte, index uint16, subindex uint8) error {
	body := resp[MailboxHeaderSize:]
	coeHeader := binary.LittleEndian.Uint16(body[0:2])
	_, service := DecodeCoEHeader(coeHeader)
	cs := body[2] >> 5
	if cs == scsAbort {
		code := AbortCode(binary.LittleEndian.Uint32(body[6:10]))
		return &AbortError{Code: code}
	}
	if service != CoEServiceSDOResponse {
		return ErrUnexpectedService
	}
	respIndex := binary.LittleEndian.Uint16(body[3:5])
	respSub := body[5]
	if respIndex != index || respSub != subindex {
		return fmt.Errorf("%w: got %04x:%d want %04x:%d", ErrUnexpectedService, respIndex, respSub, index, subindex)
	}
	return nil
}

func (c *Client) checkSegmentToggle(resp []byte, expectToggle uint8) error {
	body := resp[MailboxHeaderSize:]
	cs := body[2]
	scs := cs >> 5
	if scs == scsAbort {
		code := AbortCode(binary.LittleEndian.Uint32(body[6:10]))
		return &AbortError{Code: code}
	}
	toggle := (cs >> 4) & 1
	if toggle != expectToggle {
		return ErrToggleMismatch
	}
	return nil
}

// Upload reads index:subindex into a freshly allocated buffer.
func (c *Client) Upload(index uint16, subindex uint8) ([]byte, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], EncodeCoEHeader(0, CoEServiceSDORequest))
	payload[2] = byte(ccsUploadInitiate) << 5
	binary.LittleEndian.PutUint16(payload[3:5], index)
	payload[5] = subindex

	resp, err := c.roundTrip(MailboxCoE, payload)
	if err != nil {
		return nil, err
	}
	body := resp[MailboxHeaderSize:]
	cs := body[2]
	scs := cs >> 5
	if scs == scsAbort {
		code := AbortCode(binary.LittleEndian.Uint32(body[6:10]))
		return nil, &AbortError{Code: code}
	}
	expedited := cs&0x02 != 0
	sizeIndicated := cs&0x01 != 0

	if expedited {
		n := 4
		if sizeIndicated {
			n = 4 - int((cs>>2)&0x03)
		}
		out := make([]byte, n)
		copy(out, body[6:6+n])
		return out, nil
	}

	completeSize := binary.LittleEndian.Uint32(body[6:10])
	out := make([]byte, 0, completeSize)
	firstChunk := len(body) - 10
	out = append(out, body[10:10+min(firstChunk, int(completeSize))]...)

	toggle := uint8(0)
	for uint32(len(out)) < completeSize {
		seg := make([]byte, 3)
		binary.LittleEndian.PutUint16(seg[0:2], EncodeCoEHeader(0, CoEServiceSDORequest))
		cs := byte(ccsUploadSegment) << 5
		cs |= (toggle & 1) << 4
		seg[2] = cs

		resp, err := c.roundTrip(MailboxCoE, seg)
		if err != nil {
			return nil, err
		}
		body := resp[MailboxHeaderSize:]
		scs := body[2] >> 5
		if scs == scsAbort {
			code := AbortCode(binary.LittleEndian.Uint32(body[6:10]))
			return nil, &AbortError{Code: code}
		}
		respToggle := (body[2] >> 4) & 1
		if respToggle != toggle {
			return nil, ErrToggleMismatch
		}
		last := body[2]&0x01 != 0
		// A minimum-length segment (10-byte CoE payload) packs its real
		// data count into the command specifier's size bits; anything
		// longer carries (length - 3) data bytes.
		segLen := len(body) - 3
		if len(body) == 10 {
			segLen = 7 - int((body[2]>>1)&0x07)
		}
		out = append(out, body[3:3+segLen]...)
		toggle ^= 1
		if last {
			break
		}
	}
	if uint32(len(out)) != completeSize {
		return out, fmt.Errorf("ethercat: segmented upload short: got %d want %d", len(out), completeSize)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
