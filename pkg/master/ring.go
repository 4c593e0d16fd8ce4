// Package master implements the master FSM and its supporting
// external-datagram ring: the cyclic Broadcast/Validate/
// ReadSlaveStates/Scan/Configure/ServiceRequests state machine that
// drives the whole slave population, and the two-goroutine IDLE/
// OPERATION runtime that schedules it.
package master

import (
	"errors"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/pkg/datagram"
	"github.com/samsamfire/goethercat/pkg/frame"
)

// Enqueuer is where Drain pushes ready datagrams: a frame engine
// directly, or the Master itself, which routes each datagram to the
// engine its Device index names.
type Enqueuer interface {
	Enqueue(dg *datagram.Datagram) error
}

// MinRingSize is the minimum external-datagram ring size.
const MinRingSize = 16

// DefaultInjectionTimeout is how long a ring datagram may sit in INIT,
// never reaching the per-cycle send budget, before it is given up on.
const DefaultInjectionTimeout = 10 * time.Millisecond

// ErrRingFull is returned by Acquire when every ring slot is currently
// owned by the consumer side (in flight or awaiting release).
var ErrRingFull = errors.New("ethercat: external-datagram ring is full")

// Ring is the fixed pool of pre-sized datagrams slave FSMs borrow from
// instead of allocating. Two cursors: producer (FSM side,
// advanced by Acquire) and consumer (RT send side, advanced by Drain and
// Release). A producer may only acquire up to the slot just behind the
// consumer; past that it yields to the next cycle.
type Ring struct {
	mu       sync.Mutex
	slots    []*datagram.Datagram
	acquired []time.Time // acquisition timestamp per slot, for injection timeout
	producer int
	consumer int

	// PerCycleBudget bounds how many payload bytes Drain will enqueue in
	// one call, so a single oversize burst of FSM-issued datagrams
	// cannot exceed the cable's byte budget for one send interval.
	PerCycleBudget int

	// InjectionTimeout is how long a slot may remain un-enqueued before
	// Drain fails it forward (ERROR) to guarantee progress.
	InjectionTimeout time.Duration
}

// NewRing builds a Ring of n datagrams, each capacity bytes, commands
// assigned per-use by the caller via Acquire's returned Datagram fields.
func NewRing(n int, capacity int) *Ring {
	if n < MinRingSize {
		n = MinRingSize
	}
	r := &Ring{
		slots:            make([]*datagram.Datagram, n),
		acquired:         make([]time.Time, n),
		PerCycleBudget:   frame.EtherCATFrameHeaderSize + n*capacity,
		InjectionTimeout: DefaultInjectionTimeout,
	}
	for i := range r.slots {
		r.slots[i] = datagram.New(datagram.CmdNOP, capacity)
	}
	return r
}

// Len returns the ring's slot count.
func (r *Ring) Len() int { return len(r.slots) }

// Acquire returns the next free slot for the caller to address and fill,
// or nil if the ring is full (the next slot is the consumer's current
// position). The returned datagram is reset to INIT.
func (r *Ring) Acquire(now time.Time) *datagram.Datagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := (r.producer + 1) % len(r.slots)
	if next == r.consumer {
		return nil
	}
	r.producer = next
	dg := r.slots[next]
	dg.Reset()
	r.acquired[next] = now
	return dg
}

// Drain walks from consumer towards producer, enqueuing every datagram
// still in INIT into bus, subject to PerCycleBudget. A slot whose
// InjectionTimeout has elapsed without being enqueued is marked ERROR
// instead, to guarantee forward progress. It returns the
// number of datagrams enqueued.
func (r *Ring) Drain(bus Enqueuer, now time.Time) (int, error) {
	r.mu.Lock()
	budget := r.PerCycleBudget
	enqueued := 0
	used := 0
	idx := r.consumer
	for idx != r.producer {
		next := (idx + 1) % len(r.slots)
		dg := r.slots[next]
		if dg.State() == datagram.StateInit {
			if now.Sub(r.acquired[next]) > r.InjectionTimeout {
				dg.MarkError()
			} else if used+dg.WireLen() <= budget {
				r.mu.Unlock()
				if err := bus.Enqueue(dg); err != nil {
					return enqueued, err
				}
				r.mu.Lock()
				used += dg.WireLen()
				enqueued++
			} else {
				break // per-cycle budget exhausted; remaining slots wait for next cycle
			}
		}
		idx = next
	}
	r.mu.Unlock()
	return enqueued, nil
}

// Release returns a terminal-state (RECEIVED/TIMED_OUT/ERROR) datagram
// to the free pool by advancing the consumer cursor past it. Slots are
// only ever released in ring order: a slot not at the current consumer
// position is left as-is (its owner has not finished with it yet) and
// Release is a no-op for it.
func (r *Ring) Release(dg *datagram.Datagram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.consumer != r.producer {
		next := (r.consumer + 1) % len(r.slots)
		if r.slots[next] != dg {
			return
		}
		switch r.slots[next].State() {
		case datagram.StateReceived, datagram.StateTimedOut, datagram.StateError:
			r.consumer = next
		}
		return
	}
}
