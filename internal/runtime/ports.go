package runtime

import (
	"fmt"
	"net"
	"sync"
)

const maxPortAttempts = 10

// PortAllocator hands out host ports for container bindings. Assignments are
// unique process-wide until released; candidates already bound by other
// processes are skipped by probing a listener.
type PortAllocator struct {
	mu       sync.Mutex
	next     int
	min, max int
	assigned map[int]bool
	// probe is swapped out in tests.
	probe func(port int) bool
}

// NewPortAllocator creates an allocator over the inclusive [min, max] range.
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		next:     min,
		min:      min,
		max:      max,
		assigned: make(map[int]bool),
		probe:    probeListen,
	}
}

// Reserve returns a free host port and marks it assigned. At most
// maxPortAttempts candidates are tried; after that ErrPortExhausted is
// returned and the caller's create fails permanently for this invocation.
func (a *PortAllocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		candidate := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if a.assigned[candidate] {
			continue
		}
		if !a.probe(candidate) {
			continue
		}
		a.assigned[candidate] = true
		return candidate, nil
	}
	return 0, ErrPortExhausted
}

// Release returns a port to the pool. Releasing an unassigned port is a
// no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assigned, port)
}

// probeListen reports whether the port is bindable on the host right now.
func probeListen(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
