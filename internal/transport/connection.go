// Package transport implements the "Transport Set" of the MAVLink network
// core: an ordered collection of homogeneous connections, each an opaque
// handle that yields (message, peer) on receive and accepts (message,
// destination) on send.
//
// Every Connection wraps exactly one *gomavlib.Node built from a single
// gomavlib.EndpointConf. gomavlib already owns framing, dialect decoding,
// and reconnection at the socket level; Connection only adds the
// network-core vocabulary (symbolic name, typed inbound events, reopen).
package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Frame is one inbound MAVLink message together with its origin.
type Frame struct {
	ConnectionName string
	Message        message.Message
	SystemID       uint8
	ComponentID    uint8
}

// Connection is a single homogeneous MAVLink transport: a serial link, a
// UDP socket, or a TCP listener/dialer, addressed by a symbolic Name.
// Order among sibling Connections sharing the same Name is significant:
// sends prefer earlier connections, falling back to later ones.
type Connection struct {
	name     string
	endpoint gomavlib.EndpointConf
	systemID uint8

	node *gomavlib.Node
}

// New builds a Connection from an already-parsed endpoint configuration.
// The node is created (and starts communicating) immediately.
func New(name string, endpoint gomavlib.EndpointConf, systemID uint8) (*Connection, error) {
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{endpoint},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: systemID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection %q: %w", name, err)
	}

	return &Connection{
		name:     name,
		endpoint: endpoint,
		systemID: systemID,
		node:     node,
	}, nil
}

// NewFromURI parses a connection URI (spec.md §6) and builds a Connection
// from it.
func NewFromURI(name, uri string, systemID uint8) (*Connection, error) {
	endpoint, err := ParseEndpointURI(uri)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", name, err)
	}
	return New(name, endpoint, systemID)
}

// Name returns the symbolic channel name this connection was registered
// under ("" is the default channel per spec.md §4.1).
func (c *Connection) Name() string { return c.name }

// Events exposes the raw gomavlib event stream, including
// EventChannelOpen/Close/ParseError alongside received frames.
func (c *Connection) Events() chan gomavlib.Event { return c.node.Events() }

// Broadcast sends a message on every channel this connection currently
// has open. For point-to-point endpoints (serial, UDP client/server,
// TCP client) there is exactly one remote peer and this behaves as a
// unicast send; for TCP servers and UDP broadcast endpoints it reaches
// every connected peer. Per-peer addressing is left to MAVLink's own
// target_system/target_component fields (set by the caller before
// sending), matching how every example in this codebase's lineage sends
// targeted commands.
func (c *Connection) Broadcast(msg message.Message) error {
	return c.node.WriteMessageAll(msg)
}

// Reopen closes and recreates the underlying node from the same endpoint
// configuration, preserving this Connection's identity (Name) across the
// reopen, as required by spec.md §3.
func (c *Connection) Reopen() error {
	c.node.Close()

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{c.endpoint},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: c.systemID,
	})
	if err != nil {
		return fmt.Errorf("failed to reopen connection %q: %w", c.name, err)
	}
	c.node = node
	return nil
}

// Close releases the underlying node.
func (c *Connection) Close() {
	c.node.Close()
}

// ParseEndpointURI parses a connection URI of the form
// "<kind>:<args...>" into a gomavlib.EndpointConf. Supported kinds:
//
//	udp-server:<host:port>
//	udp-client:<host:port>
//	udp-broadcast:<broadcast host:port>:<local host:port>
//	tcp-server:<host:port>
//	tcp-client:<host:port>
//	serial:<device>:<baud>
func ParseEndpointURI(uri string) (gomavlib.EndpointConf, error) {
	parts := strings.SplitN(uri, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed connection uri: %q", uri)
	}
	kind, rest := parts[0], parts[1]

	switch kind {
	case "udp-server":
		return gomavlib.EndpointUDPServer{Address: rest}, nil

	case "udp-client":
		return gomavlib.EndpointUDPClient{Address: rest}, nil

	case "udp-broadcast":
		addrs := strings.SplitN(rest, ":", 3)
		if len(addrs) != 3 {
			return nil, fmt.Errorf("udp-broadcast requires <bcast host:port>:<local host:port>, got %q", rest)
		}
		return gomavlib.EndpointUDPBroadcast{
			BroadcastAddress: addrs[0] + ":" + addrs[1],
			LocalAddress:     addrs[2],
		}, nil

	case "tcp-server":
		return gomavlib.EndpointTCPServer{Address: rest}, nil

	case "tcp-client":
		return gomavlib.EndpointTCPClient{Address: rest}, nil

	case "serial":
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return nil, fmt.Errorf("serial requires <device>:<baud>, got %q", rest)
		}
		device, baudStr := rest[:idx], rest[idx+1:]
		baud, err := strconv.Atoi(baudStr)
		if err != nil {
			return nil, fmt.Errorf("serial: invalid baud rate %q: %w", baudStr, err)
		}
		return gomavlib.EndpointSerial{Device: device, Baud: baud}, nil

	default:
		return nil, fmt.Errorf("unknown connection kind: %q", kind)
	}
}
