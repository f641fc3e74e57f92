package daemon

import (
	"fmt"
	"net"
	"strconv"
)

const maxPort = 65535

// PortAllocator hands out loopback TCP ports for spawned servers. Freed
// ports are preferred over fresh ones, but only after a bind probe
// confirms nothing is still holding them (a just-stopped server may sit
// in TIME_WAIT). The allocator is not safe for concurrent use on its own;
// the Manager serializes access through its mutex.
type PortAllocator struct {
	nextPort int
	freeList []int
	inUse    map[int]bool
}

func NewPortAllocator(startPort int) *PortAllocator {
	return &PortAllocator{
		nextPort: startPort,
		inUse:    make(map[int]bool),
	}
}

// Allocate returns an available port, reusing freed ports first and
// falling back to the monotonic cursor. Fails once the cursor runs off
// the end of the 16-bit range.
func (a *PortAllocator) Allocate() (int, error) {
	// Drain the free list front-first
	for len(a.freeList) > 0 {
		port := a.freeList[0]
		a.freeList = a.freeList[1:]
		if a.isAvailable(port) {
			a.inUse[port] = true
			return port, nil
		}
	}

	for {
		if a.nextPort >= maxPort {
			return 0, fmt.Errorf("port allocation overflow - no more ports available")
		}

		port := a.nextPort
		a.nextPort++

		if !a.inUse[port] && a.isAvailable(port) {
			a.inUse[port] = true
			return port, nil
		}
	}
}

// Free returns a port to the back of the free list. Ports the allocator
// never handed out are ignored.
func (a *PortAllocator) Free(port int) {
	if a.inUse[port] {
		delete(a.inUse, port)
		a.freeList = append(a.freeList, port)
	}
}

// InUse reports whether the allocator currently considers port taken.
func (a *PortAllocator) InUse(port int) bool {
	return a.inUse[port]
}

// isAvailable probes availability by binding the loopback address and
// immediately closing the listener. Racy, but good enough for a
// single-tenant dev machine.
func (a *PortAllocator) isAvailable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
