// Package uav implements the UAV Directory (spec.md §4.4): it maps
// inbound system IDs onto driver-created handlers, assigns each one the
// drone_id its owning network's id_formatter produces, and remembers the
// address each handler was last heard from at.
package uav

import (
	"sync"

	"github.com/flockwave-go/mavlink-core/internal/collab"
)

// Directory is the per-network UAV registry described in spec.md §4.4.
// It is safe for concurrent use.
type Directory struct {
	driver      collab.Driver
	registry    collab.UavRegistry
	idFormatter func(systemID uint8, networkID string) string
	networkID   string

	// OnDirectorySizeChange, if set, is called with the new count of
	// known handlers whenever a UAV is created, letting callers wire in
	// observability without this package depending on a metrics package.
	OnDirectorySizeChange func(count int)

	mu   sync.Mutex
	uavs map[uint8]collab.UavHandler
}

// New creates a Directory for one network. idFormatter is the pure
// function derived from that network's NetworkConfig.IDFormatter.
func New(driver collab.Driver, registry collab.UavRegistry, networkID string, idFormatter func(uint8, string) string) *Directory {
	return &Directory{
		driver:      driver,
		registry:    registry,
		idFormatter: idFormatter,
		networkID:   networkID,
		uavs:        make(map[uint8]collab.UavHandler),
	}
}

// Ensure returns the handler for systemID, creating and registering one
// via the Driver on first sight. System ID 0 is the MAVLink broadcast
// source and never names a real UAV, so Ensure returns nil for it
// (spec.md §4.4, law "broadcast messages are not attributed").
func (d *Directory) Ensure(systemID uint8) collab.UavHandler {
	if systemID == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if handler, ok := d.uavs[systemID]; ok {
		return handler
	}

	droneID := d.idFormatter(systemID, d.networkID)
	handler := d.driver.Ensure(systemID, droneID)
	if handler == nil {
		return nil
	}
	d.uavs[systemID] = handler
	if d.OnDirectorySizeChange != nil {
		d.OnDirectorySizeChange(len(d.uavs))
	}
	return handler
}

// UpdateAddress records the connection and identifiers a message from
// handler was most recently observed arriving on.
func (d *Directory) UpdateAddress(handler collab.UavHandler, addr collab.PeerAddr) {
	d.registry.UpdateAddress(handler, addr)
}

// AddressOf returns the last address recorded for handler, the connection
// a targeted send to that UAV should be attempted on first (spec.md §4.6).
func (d *Directory) AddressOf(handler collab.UavHandler) (collab.PeerAddr, bool) {
	return d.registry.AddressOf(handler)
}

// Handlers returns a snapshot of every handler currently known, keyed by
// system ID, for diagnostics.
func (d *Directory) Handlers() map[uint8]collab.UavHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint8]collab.UavHandler, len(d.uavs))
	for k, v := range d.uavs {
		out[k] = v
	}
	return out
}
