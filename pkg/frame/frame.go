// Package frame implements the frame engine: it packs queued
// datagrams into Ethernet frames, hands them to a device adapter for
// transmission, and demultiplexes received datagrams back onto the
// senders that queued them. A single dispatch point keyed by
// (command, index), with a fixed-size
// lookup table instead of a map to avoid allocation on the hot path.
package frame

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/pkg/datagram"
	"github.com/samsamfire/goethercat/pkg/link"
)

// EtherCATFrameHeaderSize is the 2-byte EtherCAT frame header
// (len:11|reserved:1|type:4).
const EtherCATFrameHeaderSize = 2

// EtherCATType is the "type" nibble for an EtherCAT frame (as opposed to
// other protocols that can share EtherType 0x88A4 in principle).
const EtherCATType = 1

// IOTimeout is the default per-datagram send-to-receive timeout.
const IOTimeout = 500 * time.Microsecond

// outstanding indexes a queued-but-not-yet-received datagram by its
// assigned index, for O(1) demux instead of a linear scan of the whole
// outstanding set; command and size are re-checked on match so a stale
// index cannot claim someone else's reply.
type outstanding struct {
	dg *datagram.Datagram
}

// Engine is the frame engine. One Engine serves one Adapter.
type Engine struct {
	logger  *slog.Logger
	adapter *link.Adapter

	mu          sync.Mutex
	nextIndex   uint8
	slots       [256]outstanding // indexed by assigned datagram Index
	slotBusy    [256]bool
	pendingSend []*datagram.Datagram

	CorruptedFrames  uint64
	UnmatchedFrames  uint64
	LateDatagrams    uint64
}

// New builds a frame Engine bound to adapter.
func New(adapter *link.Adapter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger.With("service", "[frame]"), adapter: adapter}
	adapter.SetReceiveHook(e.handleFrame)
	return e
}

// Enqueue adds a datagram to the next outgoing frame batch. The caller
// must have already set the datagram's address/payload and must not
// reuse it until it leaves the RECEIVED/TIMED_OUT/ERROR terminal state.
func (e *Engine) Enqueue(dg *datagram.Datagram) error {
	if err := dg.Validate(); err != nil {
		return err
	}
	dg.MarkQueued()
	e.mu.Lock()
	e.pendingSend = append(e.pendingSend, dg)
	e.mu.Unlock()
	return nil
}

// Flush packs all pending datagrams into one or more Ethernet frames,
// splitting whenever the next datagram would not fit ETH_DATA_LEN, and
// sends them through the adapter. If the adapter's link is
// down, every pending datagram transitions to ERROR immediately instead
// of being sent.
func (e *Engine) Flush(now time.Time) error {
	e.mu.Lock()
	pending := e.pendingSend
	e.pendingSend = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if !e.adapter.LinkUp() {
		for _, dg := range pending {
			dg.MarkError()
		}
		return link.ErrLinkDown
	}

	var batch []*datagram.Datagram
	batchLen := EtherCATFrameHeaderSize

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		return e.sendBatch(batch, now)
	}

	for _, dg := range pending {
		need := dg.WireLen()
		if batchLen+need > link.ETHDataLen && len(batch) > 0 {
			if err := flushBatch(); err != nil {
				return err
			}
			batch = nil
			batchLen = EtherCATFrameHeaderSize
		}
		batch = append(batch, dg)
		batchLen += need
	}
	return flushBatch()
}

func (e *Engine) sendBatch(batch []*datagram.Datagram, now time.Time) error {
	total := EtherCATFrameHeaderSize
	for _, dg := range batch {
		total += dg.WireLen()
	}

	buf := e.adapter.NextBuffer()
	if len(buf) < 14+total {
		buf = make([]byte, 14+total)
	}
	payload := buf[14:]

	offset := EtherCATFrameHeaderSize
	e.mu.Lock()
	for i, dg := range batch {
		idx := e.nextIndex
		e.nextIndex++

		// A SENT datagram's slot must not be reused until it clears;
		// skip past any live slot rather than overwrite it.
		for e.slotBusy[idx] {
			idx = e.nextIndex
			e.nextIndex++
		}
		e.slotBusy[idx] = true
		e.slots[idx] = outstanding{dg: dg}

		next := i != len(batch)-1
		dg.EncodeHeader(payload[offset:offset+datagram.HeaderSize], false, next)
		offset += datagram.HeaderSize
		copy(payload[offset:offset+dg.DataSize()], dg.Payload())
		offset += dg.DataSize()
		binary.LittleEndian.PutUint16(payload[offset:offset+datagram.FooterSize], 0)
		offset += datagram.FooterSize

		dg.MarkSent(idx, now)
	}
	e.mu.Unlock()

	ecatLen := uint16(total-EtherCATFrameHeaderSize) & 0x07FF
	ecatLen |= EtherCATType << 12
	binary.LittleEndian.PutUint16(payload[0:2], ecatLen)

	return e.adapter.Send(buf[:14+total])
}

// handleFrame is invoked by the link adapter for every received frame.
// It validates the EtherCAT frame header, then walks each datagram,
// matching it against the outstanding slot table by (command, index,
// size) and dispatching to MarkReceived.
func (e *Engine) handleFrame(frame []byte) {
	if len(frame) < 14+EtherCATFrameHeaderSize {
		e.CorruptedFrames++
		return
	}
	payload := frame[14:]
	ecatLen := binary.LittleEndian.Uint16(payload[0:2])
	length := int(ecatLen & 0x07FF)
	if len(payload) < EtherCATFrameHeaderSize+length {
		e.CorruptedFrames++
		return
	}

	now := time.Now()
	offset := EtherCATFrameHeaderSize
	end := EtherCATFrameHeaderSize + length

	for offset+datagram.HeaderSize <= end {
		cmd, index, _, dlen, _, next, err := datagram.DecodeHeader(payload[offset:])
		if err != nil {
			e.CorruptedFrames++
			return
		}
		offset += datagram.HeaderSize
		if offset+int(dlen)+datagram.FooterSize > end {
			e.CorruptedFrames++
			return
		}
		data := payload[offset : offset+int(dlen)]
		offset += int(dlen)
		wc := binary.LittleEndian.Uint16(payload[offset : offset+datagram.FooterSize])
		offset += datagram.FooterSize

		e.dispatch(cmd, index, dlen, data, wc, now)

		if !next {
			break
		}
	}
}

func (e *Engine) dispatch(cmd datagram.Command, index uint8, dlen uint16, data []byte, wc uint16, now time.Time) {
	e.mu.Lock()
	slot := e.slots[index]
	busy := e.slotBusy[index]
	if busy && slot.dg != nil && slot.dg.Command == cmd && slot.dg.State() == datagram.StateSent && uint16(slot.dg.DataSize()) == dlen {
		e.slotBusy[index] = false
		e.slots[index] = outstanding{}
		e.mu.Unlock()
		slot.dg.MarkReceived(wc, data, now)
		return
	}
	e.mu.Unlock()
	e.UnmatchedFrames++
}

// CheckTimeouts scans all outstanding slots and moves any SENT datagram
// older than IOTimeout to TIMED_OUT. If this engine's link is down, every
// in-flight datagram fails to ERROR immediately instead of waiting out
// IOTimeout — no reply can arrive on a dead link. Called once per cycle
// from the master runtime.
func (e *Engine) CheckTimeouts(now time.Time) {
	linkDown := !e.adapter.LinkUp()
	e.mu.Lock()
	defer e.mu.Unlock()
	for idx := range e.slots {
		if !e.slotBusy[idx] {
			continue
		}
		dg := e.slots[idx].dg
		if dg.State() != datagram.StateSent {
			continue
		}
		switch {
		case linkDown:
			e.slotBusy[idx] = false
			e.slots[idx] = outstanding{}
			dg.MarkError()
		case now.Sub(dg.SentAt) > IOTimeout:
			e.slotBusy[idx] = false
			e.slots[idx] = outstanding{}
			dg.MarkTimedOut()
		}
	}
}
