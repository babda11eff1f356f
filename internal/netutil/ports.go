package netutil

import (
	"fmt"
	"net"

	"github.com/screenroom/backend/internal/errdefs"
)

// Allocator probes successive TCP ports for availability. A port counts as
// available only when a bind+listen succeeds on both the IPv4 and the IPv6
// wildcard at that port. The probe holds no reservation; callers must claim
// the port immediately.
type Allocator struct {
	probe func(port int) bool
}

func NewAllocator() *Allocator {
	return &Allocator{probe: PortFree}
}

// NewAllocatorWithProbe swaps the availability check, for tests.
func NewAllocatorWithProbe(probe func(port int) bool) *Allocator {
	return &Allocator{probe: probe}
}

// Find returns the first available port in [start, start+attempts), or a
// PortExhausted error once the budget is spent.
func (a *Allocator) Find(start, attempts int) (int, error) {
	for i := 0; i < attempts; i++ {
		port := start + i
		if port > 65535 {
			break
		}
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, errdefs.PortExhausted(start, attempts)
}

// PortFree reports whether both address families can listen on the port.
func PortFree(port int) bool {
	for _, network := range []string{"tcp4", "tcp6"} {
		ln, err := net.Listen(network, fmt.Sprintf(":%d", port))
		if err != nil {
			return false
		}
		ln.Close()
	}
	return true
}
