package daemon

import (
	"net"
	"strconv"
	"testing"
)

// High cursor base keeps test allocations away from anything interesting
// on the host.
const testPortStart = 42800

func TestPortAllocatorSequential(t *testing.T) {
	a := NewPortAllocator(testPortStart)

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if first == second {
		t.Errorf("Allocator returned %d twice without a Free", first)
	}
	if !a.InUse(first) || !a.InUse(second) {
		t.Error("Allocated ports not marked in-use")
	}
}

func TestPortAllocatorReusesFreedPort(t *testing.T) {
	a := NewPortAllocator(testPortStart + 100)

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(port)

	reused, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if reused != port {
		t.Errorf("Expected freed port %d to be reused, got %d", port, reused)
	}
}

func TestPortAllocatorFreeListIsFIFO(t *testing.T) {
	a := NewPortAllocator(testPortStart + 200)

	p1, _ := a.Allocate()
	p2, _ := a.Allocate()
	a.Free(p1)
	a.Free(p2)

	got, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != p1 {
		t.Errorf("Expected oldest freed port %d first, got %d", p1, got)
	}
}

func TestPortAllocatorFreeUnknownPortIgnored(t *testing.T) {
	a := NewPortAllocator(testPortStart + 300)

	a.Free(12345)

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port == 12345 {
		t.Error("Free of an unallocated port must not seed the free list")
	}
}

func TestPortAllocatorSkipsBoundPort(t *testing.T) {
	start := testPortStart + 400
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(start))
	if err != nil {
		t.Skipf("Cannot bind %d: %v", start, err)
	}
	defer l.Close()

	a := NewPortAllocator(start)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port == start {
		t.Errorf("Allocator handed out port %d that is already bound", start)
	}
}

func TestPortAllocatorSkipsBoundFreedPort(t *testing.T) {
	a := NewPortAllocator(testPortStart + 500)

	p1, _ := a.Allocate()
	a.Free(p1)

	// Occupy the freed port so the bind probe rejects it
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p1))
	if err != nil {
		t.Skipf("Cannot bind %d: %v", p1, err)
	}
	defer l.Close()

	got, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got == p1 {
		t.Errorf("Allocator reused port %d despite it being bound", p1)
	}
}

func TestPortAllocatorOverflow(t *testing.T) {
	a := NewPortAllocator(maxPort)

	if _, err := a.Allocate(); err == nil {
		t.Error("Expected overflow error at the top of the port range")
	}
}
