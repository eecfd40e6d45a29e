// Package collab declares the small collaborator interfaces a Network
// depends on but does not itself implement: per-UAV message handling,
// driver lookup, supervision of background work, and SSDP advertisement.
// Keeping these as interfaces lets tests substitute recording fakes
// without reaching into comm/network internals.
package collab

import (
	"context"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// UavHandler receives messages already dispatched to one UAV (spec.md §4.2).
// Implementations decide what to do with TELEMETRY/STATUS message types;
// the network only guarantees they are called on a single connection's
// sysid/compid pair.
type UavHandler interface {
	// ID is the directory-assigned drone_id for this handler (spec.md §3).
	ID() string

	// HandleMessage is invoked once per dispatched inbound message.
	HandleMessage(ctx context.Context, msg message.Message, componentID uint8)
}

// PreArmHandler is an optional UavHandler extension for delivering the
// pre-arm failure reason parsed out of a STATUSTEXT message (spec.md
// §4.2's "PreArm: " case). Handlers that don't implement it simply never
// receive these notifications.
type PreArmHandler interface {
	HandlePreArmFailure(reason string)
}

// DroneShowStatusHandler is an optional UavHandler extension for DATA16
// payloads carrying drone-show status (spec.md §4.2).
type DroneShowStatusHandler interface {
	HandleDroneShowStatus(payload [16]byte)
}

// Driver looks up or creates the handler responsible for a given system ID
// within one network, implementing the "ensure" half of the UAV Directory
// contract (spec.md §4.4). A nil return means the network should drop the
// message (system ID 0, or a driver that declines to adopt it).
type Driver interface {
	Ensure(systemID uint8, droneID string) UavHandler
}

// UavRegistry tracks the address (connection + identifiers) most recently
// observed for each handler, so targeted sends can be routed back to the
// connection a UAV was last heard from on (spec.md §4.4, §4.6).
type UavRegistry interface {
	UpdateAddress(handler UavHandler, addr PeerAddr)
	AddressOf(handler UavHandler) (PeerAddr, bool)
}

// PeerAddr identifies where a reply to a given UAV should be sent: the
// symbolic connection name it was last heard on, plus its MAVLink
// identifiers. gomavlib v3 exposes no addressable per-socket peer handle
// (see internal/transport), so targeting is expressed purely in these
// terms and relies on target_system/target_component at the wire level.
type PeerAddr struct {
	ConnectionName string
	SystemID       uint8
	ComponentID    uint8
}

// Supervisor runs a named background task and restarts it according to
// its own policy on unexpected exit, mirroring spec.md §5's requirement
// that connection and dispatch loops survive transient failures.
type Supervisor interface {
	Spawn(ctx context.Context, name string, task func(ctx context.Context) error)
}

// SSDPService advertises a discoverable endpoint on the local network.
// UseService registers a named, periodically-renewed advertisement and
// returns a function that withdraws it.
type SSDPService interface {
	UseService(name string, port int, location func() string) (unregister func())
}
