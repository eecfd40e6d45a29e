// Package comm implements the Communication Manager (spec.md §4.1): it
// multiplexes a set of named transport.Connections into one inbound
// stream, serializes outbound sends per (channel name, peer), and
// optionally simulates packet loss for testing.
package comm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/logging"
	"github.com/flockwave-go/mavlink-core/internal/transport"
)

// Frame is one inbound message together with its channel name, handed to
// the consumer passed to Run.
type Frame struct {
	ChannelName string
	SystemID    uint8
	ComponentID uint8
	Message     message.Message
}

// namedConnection is one registered transport.Connection together with
// the lock that serializes outbound sends on that connection.
type namedConnection struct {
	name string
	conn *transport.Connection
	mu   sync.Mutex // serializes sends on this specific connection
}

// Manager is the Communication Manager. Zero value is not usable; build
// one with New.
type Manager struct {
	PacketLoss float64
	Logger     logging.Logger

	mu          sync.RWMutex
	connections []*namedConnection
	byName      map[string][]*namedConnection

	outbound   chan outboundRequest
	outboundWG sync.WaitGroup
}

type outboundRequest struct {
	msg          message.Message
	allowFailure bool
}

// New creates an empty Manager. packetLoss is the independent per-frame
// drop probability described in spec.md §4.1 ("packet-loss simulation").
func New(packetLoss float64, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default
	}
	return &Manager{
		PacketLoss: packetLoss,
		Logger:     logger,
		byName:     make(map[string][]*namedConnection),
		outbound:   make(chan outboundRequest, 256),
	}
}

// Add registers a transport under a symbolic channel name. The empty
// string is the default channel. Registration order is significant:
// SendPacket prefers earlier connections sharing the same name.
func (m *Manager) Add(name string, conn *transport.Connection) {
	nc := &namedConnection{name: name, conn: conn}

	m.mu.Lock()
	m.connections = append(m.connections, nc)
	m.byName[name] = append(m.byName[name], nc)
	m.mu.Unlock()
}

func (m *Manager) dropInbound() bool {
	return m.PacketLoss > 0 && rand.Float64() < m.PacketLoss
}

func (m *Manager) dropOutbound() bool {
	return m.PacketLoss > 0 && rand.Float64() < m.PacketLoss
}

// Run supervises every registered connection (reopening it on drop via
// supervisor), spawns the given background tasks under the same
// supervisor, and delivers inbound frames to consumer until ctx is
// cancelled. It does not return until ctx is done.
func (m *Manager) Run(ctx context.Context, consumer func(Frame), supervisor collab.Supervisor, tasks map[string]func(ctx context.Context) error) error {
	m.mu.RLock()
	conns := append([]*namedConnection(nil), m.connections...)
	m.mu.RUnlock()

	for _, nc := range conns {
		nc := nc
		supervisor.Spawn(ctx, "connection:"+nc.name, func(ctx context.Context) error {
			return m.pump(ctx, nc, consumer)
		})
	}

	for name, task := range tasks {
		supervisor.Spawn(ctx, name, task)
	}

	supervisor.Spawn(ctx, "outbound-drain", m.drainOutbound)

	<-ctx.Done()
	return ctx.Err()
}

// pump forwards one connection's events onto consumer until its node
// closes or ctx is cancelled. A closed event stream means the underlying
// node died, so pump reopens the connection itself before returning,
// ensuring the reopened node's (new) event channel is what the
// supervisor's next call to pump actually reads from (spec.md §4.1:
// "supervises connections (reopen on drop)"); RestartSupervisor.Spawn
// only re-invokes this function, it does not reach into the connection.
func (m *Manager) pump(ctx context.Context, nc *namedConnection, consumer func(Frame)) error {
	events := nc.conn.Events()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-events:
			if !ok {
				if err := m.Reopen(nc.name); err != nil {
					return fmt.Errorf("connection %q: event stream closed, reopen failed: %w", nc.name, err)
				}
				return fmt.Errorf("connection %q: event stream closed, reopened", nc.name)
			}

			frameEvt, isFrame := evt.(*gomavlib.EventFrame)
			if !isFrame {
				continue
			}

			if m.dropInbound() {
				continue
			}

			consumer(Frame{
				ChannelName: nc.name,
				SystemID:    frameEvt.SystemID(),
				ComponentID: frameEvt.ComponentID(),
				Message:     frameEvt.Message(),
			})
		}
	}
}

// SendPacket sends msg on the connection registered under destination's
// channel name, trying sibling connections sharing that name in
// registration order on failure (spec.md §4.1). It returns an error if
// no connection is registered under that name or all of them fail.
func (m *Manager) SendPacket(channelName string, msg message.Message) error {
	m.mu.RLock()
	candidates := append([]*namedConnection(nil), m.byName[channelName]...)
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return fmt.Errorf("comm: no connection registered under channel %q", channelName)
	}

	if m.dropOutbound() {
		return nil
	}

	var lastErr error
	for _, nc := range candidates {
		nc.mu.Lock()
		err := nc.conn.Broadcast(msg)
		nc.mu.Unlock()

		if err == nil {
			return nil
		}
		m.Logger.Warn("send on connection %q failed: %v", nc.name, err)
		lastErr = err
	}
	return lastErr
}

// BroadcastPacket emits msg on every registered connection. When
// allowFailure is true, per-connection errors are logged and swallowed;
// otherwise the first error encountered is returned immediately.
func (m *Manager) BroadcastPacket(msg message.Message, allowFailure bool) error {
	m.mu.RLock()
	conns := append([]*namedConnection(nil), m.connections...)
	m.mu.RUnlock()

	if m.dropOutbound() {
		return nil
	}

	var errs []error
	for _, nc := range conns {
		nc.mu.Lock()
		err := nc.conn.Broadcast(msg)
		nc.mu.Unlock()

		if err != nil {
			if !allowFailure {
				return err
			}
			m.Logger.Warn("broadcast on connection %q failed: %v", nc.name, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && !allowFailure {
		return errors.Join(errs...)
	}
	return nil
}

// EnqueueBroadcastPacket queues msg for asynchronous broadcast and
// returns immediately, intended for fire-and-forget paths such as RTK
// correction forwarding (spec.md §4.1). Failures are always logged, never
// reported to the caller, matching allow_failure=true semantics.
func (m *Manager) EnqueueBroadcastPacket(msg message.Message) {
	select {
	case m.outbound <- outboundRequest{msg: msg, allowFailure: true}:
	default:
		m.Logger.Warn("outbound queue full, dropping enqueued broadcast packet")
	}
}

func (m *Manager) drainOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.outbound:
			if err := m.BroadcastPacket(req.msg, req.allowFailure); err != nil {
				m.Logger.Warn("enqueued broadcast failed: %v", err)
			}
		}
	}
}

// Reopen reopens every connection registered under name. pump calls this
// itself when a connection's event stream closes, before reporting the
// drop to its supervisor (spec.md §4.1's reopen-on-drop).
func (m *Manager) Reopen(name string) error {
	m.mu.RLock()
	candidates := append([]*namedConnection(nil), m.byName[name]...)
	m.mu.RUnlock()

	var errs []error
	for _, nc := range candidates {
		nc.mu.Lock()
		err := nc.conn.Reopen()
		nc.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
