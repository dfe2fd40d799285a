package neoflow

// ports.go holds the per-destination port number source used by the
// traffic generator. Every flow delivered to a host gets a destination port
// that no other flow to that host has used during the run.

import (
	"fmt"
)

// maxPort is the largest port number that can be handed out
const maxPort = 65535

// hostIdx identifies a host by pod index and index within the pod
type hostIdx struct {
	pod, host int
}

// PortAllocator hands out destination ports, one counter per destination host.
// Each counter starts at 1 and strictly increases.
type PortAllocator struct {
	next map[hostIdx]int
}

// CreatePortAllocator is a constructor
func CreatePortAllocator() *PortAllocator {
	pa := new(PortAllocator)
	pa.next = make(map[hostIdx]int)
	return pa
}

// Next returns the next unused port for the host at (pod, host).  Once 65535
// has been returned every further call for that host fails.
func (pa *PortAllocator) Next(pod, host int) (uint16, error) {
	hi := hostIdx{pod: pod, host: host}
	port, present := pa.next[hi]
	if !present {
		port = 1
	}
	if port > maxPort {
		return 0, fmt.Errorf("pod %d host %d: %w", pod, host, ErrPortSpaceExhausted)
	}
	pa.next[hi] = port + 1
	return uint16(port), nil
}

// Peek reports the port the next call to Next would return for (pod, host),
// without consuming it
func (pa *PortAllocator) Peek(pod, host int) int {
	port, present := pa.next[hostIdx{pod: pod, host: host}]
	if !present {
		return 1
	}
	return port
}
