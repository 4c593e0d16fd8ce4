// Package domain implements the process-data domain layer: it groups a
// slave population's mapped FMMU regions into logical-address datagram
// pairs, decides each pair's command family and expected working
// counter, and reconciles redundant-link responses against a pre-send
// shadow buffer every cycle.
package domain

import (
	"bytes"
	"errors"

	"github.com/samsamfire/goethercat/pkg/datagram"
)

// MaxDataSize is the default EC_MAX_DATA_SIZE: the largest process-data
// payload one datagram pair may carry before a new pair is opened.
const MaxDataSize = 1486

// Direction is which way one FMMU's mapped region moves data.
type Direction uint8

const (
	DirOutput Direction = iota // master -> slave
	DirInput                   // slave -> master
)

// ErrNotFinished is returned by Queue/Process when Finish has not been
// called yet.
var ErrNotFinished = errors.New("ethercat: domain has not been finished")

// Enqueuer carries a queued datagram to the link device its Device index
// names. The master satisfies it by routing each datagram onto the frame
// engine of that device, so a pair's main and backup datagrams travel
// physically distinct links.
type Enqueuer interface {
	Enqueue(dg *datagram.Datagram) error
}

// FMMU is one registered process-data region: a slave's mapped I/O of a
// given direction and size, in the order it was registered. Finish
// assigns LogicalOffset and places it within a Pair.
type FMMU struct {
	Direction Direction
	Size      int

	// LogicalOffset is this FMMU's offset into the domain's overall
	// logical address space, assigned by Finish.
	LogicalOffset uint32

	pair       *Pair
	pairOffset int // byte offset within the owning pair's buffer
}

// Pair is one logical-address datagram pair: a main datagram and, if the
// domain was built with backup links, one datagram per backup link, all
// addressing the same logical offset range.
type Pair struct {
	LogicalOffset uint32
	Size          int
	OutputSize    int
	InputSize     int

	Command    datagram.Command
	ExpectedWC uint16

	fmmus   []*FMMU
	Main    *datagram.Datagram
	Backups []*datagram.Datagram

	// shadow holds the main buffer's contents as of the last queue(),
	// the pre-send snapshot every subsequent process() reconciles
	// against.
	shadow []byte
}

// State is the per-cycle domain-wide summary Process reports.
type State uint8

const (
	StateZero State = iota
	StateIncomplete
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateZero:
		return "ZERO"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Domain groups FMMU-mapped process data into datagram pairs and owns
// the backing process-data buffer unless the application supplies one.
type Domain struct {
	MaxDataSize int
	NumBackups  int

	fmmus    []*FMMU
	pairs    []*Pair
	data     []byte
	finished bool

	// Stale lists, per Process call, the input FMMUs whose data this
	// cycle is neither a confirmed main update nor a backup correction;
	// callers that care about freshness check this instead of re-deriving
	// it from WCs.
	Stale []*FMMU

	// LastState is the State the most recent Process call returned, for
	// observers (the HTTP gateway's status endpoint) that poll between
	// cycles rather than driving Queue/Process themselves.
	LastState State
}

// New builds an empty Domain. numBackups is the number of backup links
// every pair gets a cloned datagram for (0 for a non-redundant master).
func New(numBackups int) *Domain {
	return &Domain{MaxDataSize: MaxDataSize, NumBackups: numBackups}
}

// RegisterFMMU appends one mapped region to the domain's FMMU list, in
// insertion order.
// Must be called before Finish.
func (d *Domain) RegisterFMMU(dir Direction, size int) *FMMU {
	f := &FMMU{Direction: dir, Size: size}
	d.fmmus = append(d.fmmus, f)
	return f
}

// Pairs returns the datagram pairs built by Finish.
func (d *Domain) Pairs() []*Pair {
	out := make([]*Pair, len(d.pairs))
	copy(out, d.pairs)
	return out
}

// Finish packs the registered FMMU list into datagram pairs: a new pair
// opens whenever the next FMMU would exceed MaxDataSize.
// Within a pair the command family is LRW if it carries both inputs and
// outputs, LWR if outputs only, LRD if inputs only, with expected
// working counter `2*outputs + inputs`, `outputs`, or `inputs`
// respectively.
func (d *Domain) Finish() error {
	d.pairs = nil
	var logical uint32
	var cur *Pair

	openPair := func() {
		cur = &Pair{LogicalOffset: logical}
		d.pairs = append(d.pairs, cur)
	}

	for _, f := range d.fmmus {
		if cur == nil || cur.Size+f.Size > d.MaxDataSize {
			openPair()
		}
		f.pair = cur
		f.pairOffset = cur.Size
		f.LogicalOffset = logical + uint32(cur.Size)
		cur.Size += f.Size
		cur.fmmus = append(cur.fmmus, f)
		switch f.Direction {
		case DirOutput:
			cur.OutputSize += f.Size
		case DirInput:
			cur.InputSize += f.Size
		}
		logical += uint32(f.Size)
	}

	total := 0
	for _, p := range d.pairs {
		total += p.Size
	}
	d.data = make([]byte, total)

	offset := 0
	for _, p := range d.pairs {
		switch {
		case p.OutputSize > 0 && p.InputSize > 0:
			p.Command = datagram.CmdLRW
			p.ExpectedWC = uint16(2*outputWords(p) + inputWords(p))
		case p.OutputSize > 0:
			p.Command = datagram.CmdLWR
			p.ExpectedWC = uint16(outputWords(p))
		default:
			p.Command = datagram.CmdLRD
			p.ExpectedWC = uint16(inputWords(p))
		}

		buf := d.data[offset : offset+p.Size]
		p.Main = datagram.NewExternal(p.Command, buf)
		p.Main.AddressLogical(p.LogicalOffset)
		_ = p.Main.SetDataSize(p.Size)
		p.shadow = make([]byte, p.Size)

		p.Backups = make([]*datagram.Datagram, d.NumBackups)
		for i := range p.Backups {
			bdg := datagram.New(p.Command, p.Size)
			bdg.AddressLogical(p.LogicalOffset)
			bdg.Device = datagram.DeviceBackup + datagram.DeviceIndex(i)
			_ = bdg.SetDataSize(p.Size)
			p.Backups[i] = bdg
		}
		offset += p.Size
	}

	d.finished = true
	return nil
}

// outputWords/inputWords count participating FMMUs, not bytes: each
// slave's FMMU access contributes exactly one WC unit regardless of its
// mapped region's size, so the expected-WC formula works on counts.
func outputWords(p *Pair) int {
	n := 0
	for _, f := range p.fmmus {
		if f.Direction == DirOutput {
			n++
		}
	}
	return n
}

func inputWords(p *Pair) int {
	n := 0
	for _, f := range p.fmmus {
		if f.Direction == DirInput {
			n++
		}
	}
	return n
}

// Data returns the domain's whole process-data buffer, application code
// reads/writes into it directly between Queue and Process calls.
func (d *Domain) Data() []byte { return d.data }

// Queue snapshots each pair's current main payload into its shadow
// buffer, then enqueues the main datagram and, for every backup link, a
// clone of the main payload. bus routes each datagram to the link device
// its Device index declares, so the backup clones leave on their own
// physical links rather than shadowing main's.
func (d *Domain) Queue(bus Enqueuer) error {
	if !d.finished {
		return ErrNotFinished
	}
	for _, p := range d.pairs {
		copy(p.shadow, p.Main.Payload())

		mainPayload := append([]byte(nil), p.Main.Payload()...)
		p.Main.Reset()
		if err := bus.Enqueue(p.Main); err != nil {
			return err
		}
		for _, b := range p.Backups {
			b.Reset()
			_ = b.SetPayload(mainPayload)
			if err := bus.Enqueue(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Process reconciles every pair's input regions against the pre-send
// shadow and reports the domain-wide state.
func (d *Domain) Process() (State, error) {
	if !d.finished {
		return StateZero, ErrNotFinished
	}
	d.Stale = d.Stale[:0]

	totalWC := 0
	expectedWC := 0
	for _, p := range d.pairs {
		totalWC += int(p.Main.WorkingCounter)
		for _, b := range p.Backups {
			totalWC += int(b.WorkingCounter)
		}
		expectedWC += int(p.ExpectedWC) * (1 + len(p.Backups))
		d.reconcile(p)
	}

	state := StateIncomplete
	switch {
	case totalWC == 0:
		state = StateZero
	case totalWC >= expectedWC:
		state = StateComplete
	}
	d.LastState = state
	return state, nil
}

// reconcile applies the per-input-FMMU redundancy rule: accept
// main if it changed since the shadow snapshot; else accept the first
// backup that changed; else accept main if its pair met its expected
// WC; else flag the FMMU stale for this cycle without touching its
// bytes, to avoid flickering application-visible data on a spurious WC
// mismatch.
func (d *Domain) reconcile(p *Pair) {
	for _, f := range p.fmmus {
		if f.Direction != DirInput {
			continue
		}
		region := p.Main.Payload()[f.pairOffset : f.pairOffset+f.Size]
		shadow := p.shadow[f.pairOffset : f.pairOffset+f.Size]
		if !bytes.Equal(region, shadow) {
			continue
		}

		accepted := false
		for _, b := range p.Backups {
			backupRegion := b.Payload()[f.pairOffset : f.pairOffset+f.Size]
			if !bytes.Equal(backupRegion, shadow) {
				copy(region, backupRegion)
				accepted = true
				break
			}
		}
		if accepted {
			continue
		}
		if p.Main.WorkingCounter == p.ExpectedWC {
			continue
		}
		d.Stale = append(d.Stale, f)
	}
}
