package ports

import (
	"fmt"
	"net"

	"zen/internal/api"
	"zen/internal/catalog"
	"zen/internal/state"
	"zen/pkg/logging"
)

// Allocator hands out TCP ports per (user, app) from the app's manifest
// range. Allocations are recorded in the state store; the store's per-app
// bijection prevents two users of one app from sharing a port.
type Allocator struct {
	store *state.Store

	// probe reports whether a port can currently be bound on the host.
	// Best effort: a port that fails the probe is skipped.
	probe func(port int) bool
}

// New creates an allocator backed by the given store, probing the host with
// a localhost bind attempt.
func New(store *state.Store) *Allocator {
	return &Allocator{store: store, probe: listenProbe}
}

// NewWithProbe creates an allocator with a custom host probe. Used by tests.
func NewWithProbe(store *state.Store, probe func(port int) bool) *Allocator {
	return &Allocator{store: store, probe: probe}
}

// Allocate returns the lowest free port in the manifest's range for
// (user, app), recording the allocation. An allocation already recorded for
// the pair is returned unchanged, which keeps reinstall idempotent.
func (a *Allocator) Allocate(m *catalog.AppManifest, user string) (int, error) {
	if port, ok, err := a.store.AllocatedPort(user, m.Name); err != nil {
		return 0, err
	} else if ok {
		logging.Debug("PortAllocator", "Reusing recorded port %d for %s/%s", port, user, m.Name)
		return port, nil
	}

	inUse, err := a.store.PortsInUse(m.Name)
	if err != nil {
		return 0, err
	}

	for port := m.PortRange.Lo; port <= m.PortRange.Hi; port++ {
		if m.InternalRange != nil && m.InternalRange.Contains(port) {
			continue
		}
		if _, taken := inUse[port]; taken {
			continue
		}
		if !a.probe(port) {
			logging.Debug("PortAllocator", "Port %d is bound on the host, skipping", port)
			continue
		}
		if err := a.store.AllocatePort(user, m.Name, port); err != nil {
			// Lost a race against a concurrent allocation; try the
			// next candidate.
			logging.Debug("PortAllocator", "Port %d taken concurrently: %v", port, err)
			continue
		}
		logging.Info("PortAllocator", "Allocated port %d for %s/%s", port, user, m.Name)
		return port, nil
	}

	return 0, api.NewError(api.KindNoFreePort, "no free port for %s in range [%d, %d]", m.Name, m.PortRange.Lo, m.PortRange.Hi)
}

// Free releases the allocation for (user, app).
func (a *Allocator) Free(m *catalog.AppManifest, user string) error {
	return a.store.FreePort(user, m.Name)
}

func listenProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
