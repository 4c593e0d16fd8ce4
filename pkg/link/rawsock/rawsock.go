// Package rawsock implements link.Link over a Linux AF_PACKET/SOCK_RAW
// socket bound to a single network interface, filtered to the EtherCAT
// ethertype (0x88A4): a raw kernel socket bound to one named
// interface, pushing received frames into the registered handler.
package rawsock

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterAdapter("rawsock", func() link.Link { return &Link{} })
}

// htons converts a host-order uint16 to network byte order, as required
// by AF_PACKET's sll_protocol / ETH_P_* socket() argument.
func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// ethPECAT is ETH_P_ECAT; not present in golang.org/x/sys/unix's
// constant set, so it is defined locally the same way the kernel headers
// do (net/if_ether.h).
const ethPECAT = 0x88A4

// Link binds to one NIC via AF_PACKET.
type Link struct {
	mu      sync.Mutex
	fd      int
	ifindex int
	mac     [6]byte
	handler func(frame []byte)
	closed  bool
	wg      sync.WaitGroup
}

// Open creates the raw socket, binds it to ifName filtered to
// ETH_P_ECAT, and starts the receive loop.
func (l *Link) Open(ifName string) error {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(ethPECAT)))
	if err != nil {
		return fmt.Errorf("rawsock: socket: %w", err)
	}

	iface, err := interfaceByName(ifName)
	if err != nil {
		unix.Close(fd)
		return err
	}

	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rawsock: SO_BINDTODEVICE %s: %w", ifName, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(ethPECAT),
		Ifindex:  iface.index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rawsock: bind %s: %w", ifName, err)
	}

	l.fd = fd
	l.ifindex = iface.index
	l.mac = iface.mac

	l.wg.Add(1)
	go l.receiveLoop()
	return nil
}

// Close shuts down the receive loop and the socket.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	fd := l.fd
	l.mu.Unlock()
	err := unix.Close(fd)
	l.wg.Wait()
	return err
}

// Send writes a fully-built Ethernet frame to the socket.
func (l *Link) Send(frame []byte) error {
	_, err := unix.Write(l.fd, frame)
	return err
}

// SetHandler installs the frame-received callback.
func (l *Link) SetHandler(h func(frame []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// LinkUp reports carrier state. Watching the interface's carrier via
// netlink would be more precise; this master treats "socket open and
// not explicitly closed" as up.
func (l *Link) LinkUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.fd != 0
}

// MAC returns the bound interface's MAC address.
func (l *Link) MAC() [6]byte { return l.mac }

func (l *Link) receiveLoop() {
	defer l.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil && n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			h(frame)
		}
	}
}

type ifaceInfo struct {
	index int
	mac   [6]byte
}

// interfaceByName resolves a NIC name to its ifindex and MAC via an
// ioctl on a throwaway datagram socket, the traditional (and
// cgo-free) way to do this on Linux without pulling in net.Interfaces'
// broader netlink dependency.
func interfaceByName(name string) (ifaceInfo, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return ifaceInfo{}, err
	}
	defer unix.Close(fd)

	var ifr ifreq
	copy(ifr.Name[:], name)

	if err := ioctl(fd, unix.SIOCGIFINDEX, uintptr(unsafe.Pointer(&ifr))); err != nil {
		return ifaceInfo{}, fmt.Errorf("rawsock: SIOCGIFINDEX %s: %w", name, err)
	}
	index := int(binary.LittleEndian.Uint32(ifr.Data[:4]))

	if err := ioctl(fd, unix.SIOCGIFHWADDR, uintptr(unsafe.Pointer(&ifr))); err != nil {
		return ifaceInfo{}, fmt.Errorf("rawsock: SIOCGIFHWADDR %s: %w", name, err)
	}
	var mac [6]byte
	copy(mac[:], ifr.Data[2:8])

	return ifaceInfo{index: index, mac: mac}, nil
}

type ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data [24]byte
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
