// Package virtual implements an in-memory link.Link pair for tests: a
// registry of named endpoints lets two Links exchange frames directly
// inside the test process, with no network stack at all.
package virtual

import (
	"fmt"
	"sync"

	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterAdapter("virtual", func() link.Link { return &Link{} })
}

var (
	registryMu sync.Mutex
	endpoints  = map[string][]*Link{}
)

// Link is an in-process loopback link; every Link Open()'d under the
// same name receives every other same-named Link's sent frames (a
// shared virtual segment), which is enough to drive master+slave-
// simulator style tests without modeling collisions.
type Link struct {
	mu      sync.Mutex
	name    string
	mac     [6]byte
	handler func(frame []byte)
	up      bool
}

var nextMAC byte = 1

// Open registers this Link under name and assigns it a synthetic MAC.
func (l *Link) Open(name string) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	l.name = name
	l.mac = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, nextMAC}
	nextMAC++
	l.up = true
	endpoints[name] = append(endpoints[name], l)
	return nil
}

// Close deregisters the Link.
func (l *Link) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	l.mu.Lock()
	l.up = false
	l.mu.Unlock()
	peers := endpoints[l.name]
	for i, p := range peers {
		if p == l {
			endpoints[l.name] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	return nil
}

// Send delivers frame to every other Link sharing this Link's name.
func (l *Link) Send(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("virtual: frame too short (%d bytes)", len(frame))
	}
	registryMu.Lock()
	peers := append([]*Link(nil), endpoints[l.name]...)
	registryMu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	for _, p := range peers {
		if p == l {
			continue
		}
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(cp)
		}
	}
	return nil
}

// SetHandler installs the frame-received callback.
func (l *Link) SetHandler(h func(frame []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// LinkUp reports the carrier state: true after Open, false after Close or
// SetLinkUp(false).
func (l *Link) LinkUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// MAC returns the synthetic MAC assigned at Open.
func (l *Link) MAC() [6]byte { return l.mac }

// SetLinkUp forces the carrier state, used by tests exercising the
// "link down mid-cycle" scenario.
func (l *Link) SetLinkUp(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = up
}
