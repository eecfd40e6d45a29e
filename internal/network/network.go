// Package network ties the Communication Manager, Matcher Table, and UAV
// Directory together into one logical MAVLink network (spec.md §2, §4.2):
// it owns the inbound dispatch loop, the heartbeat emitter, and the
// single-UAV targeted send.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/comm"
	"github.com/flockwave-go/mavlink-core/internal/fields"
	"github.com/flockwave-go/mavlink-core/internal/logging"
	"github.com/flockwave-go/mavlink-core/internal/matcher"
	"github.com/flockwave-go/mavlink-core/internal/metrics"
	"github.com/flockwave-go/mavlink-core/internal/signals"
	"github.com/flockwave-go/mavlink-core/internal/uav"
)

// autopilotComponentID is MAV_COMP_ID_AUTOPILOT1, the only source
// component this core pays attention to (spec.md glossary).
const autopilotComponentID uint8 = 1

const preArmPrefix = "PreArm: "

// ErrNoAddress is returned by SendToUav when the target has no recorded
// peer address to send to (spec.md §4.6).
var ErrNoAddress = fmt.Errorf("network: target has no known address")

// TypeHandler processes one inbound frame. It decides for itself, the way
// spec.md §4.2's per-type table does, whether the message identifies a
// UAV worth creating a directory entry for; dispatch no longer does this
// unconditionally.
type TypeHandler func(ctx context.Context, n *Network, f comm.Frame)

// Network is one logical MAVLink network: a named group of connections
// presenting a single UAV namespace (spec.md §2).
type Network struct {
	ID       string
	SystemID uint8

	Comm      *comm.Manager
	Matchers  *matcher.Table
	Directory *uav.Directory
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	Signals   *signals.Bus

	mu          sync.Mutex
	warnedTypes map[string]bool
	handlers    map[string]TypeHandler
}

// New creates a Network and installs the default type handler table
// described in spec.md §4.2.
func New(id string, systemID uint8, comm *comm.Manager, matchers *matcher.Table, directory *uav.Directory, logger logging.Logger) *Network {
	if logger == nil {
		logger = logging.Default
	}
	n := &Network{
		ID:          id,
		SystemID:    systemID,
		Comm:        comm,
		Matchers:    matchers,
		Directory:   directory,
		Logger:      logger,
		Metrics:     metrics.Get(),
		warnedTypes: make(map[string]bool),
		handlers:    make(map[string]TypeHandler),
	}
	matchers.OnFulfill = func() { n.Metrics.MatcherResolutions.Inc() }
	directory.OnDirectorySizeChange = func(count int) { n.Metrics.UAVDirectorySize.WithLabelValues(n.ID).Set(float64(count)) }
	n.installDefaultHandlers()
	return n
}

// Start runs this network's inbound loop and periodic tasks until ctx is
// cancelled, via the given supervisor (spec.md §4.1 "run"). On return,
// every pending matcher is cancelled so callers blocked in
// SendToUavAndWait/SendToUavWaitForOneOf are released immediately instead
// of waiting out their own context deadline (spec.md §4.1, §5: "teardown
// cancels all pending matchers").
func (n *Network) Start(ctx context.Context, supervisor collab.Supervisor) error {
	defer n.Matchers.CancelAll()

	tasks := map[string]func(ctx context.Context) error{
		"heartbeat:" + n.ID: n.runHeartbeatEmitter,
	}
	return n.Comm.Run(ctx, n.dispatch, supervisor, tasks)
}

// dispatch implements the inbound loop of spec.md §4.2: component
// filter, matcher resolution, then type handler dispatch. Whether a
// directory entry gets created for the source system is left to the
// handler, since only some message types identify a UAV (spec.md §4.2's
// per-type table; `_examples/original_source`'s `_find_uav_from_message`
// is likewise called from individual handlers, never from the central
// dispatch loop).
func (n *Network) dispatch(f comm.Frame) {
	if f.ComponentID != autopilotComponentID {
		return
	}

	msgType := messageTypeName(f.Message)

	n.Matchers.Resolve(msgType, f.SystemID, f.Message)

	handler := n.typeHandler(msgType)

	n.Metrics.MessagesDispatched.WithLabelValues(n.ID, msgType).Inc()
	n.safeInvoke(handler, f)
}

// ensureUav resolves (creating on first sight) the UAV handler for f's
// source system and records the address the frame arrived on. Only
// handlers whose message type actually identifies a UAV call this
// (spec.md §4.2); broadcast-source frames (system_id 0) resolve to nil.
func (n *Network) ensureUav(f comm.Frame) collab.UavHandler {
	h := n.Directory.Ensure(f.SystemID)
	if h != nil {
		n.Directory.UpdateAddress(h, collab.PeerAddr{
			ConnectionName: f.ChannelName,
			SystemID:       f.SystemID,
			ComponentID:    f.ComponentID,
		})
	}
	return h
}

func (n *Network) safeInvoke(handler TypeHandler, f comm.Frame) {
	defer func() {
		if r := recover(); r != nil {
			n.Logger.Error("network %q: handler for %s panicked: %v", n.ID, messageTypeName(f.Message), r)
		}
	}()
	handler(context.Background(), n, f)
}

// typeHandler returns the handler installed for msgType, logging a
// one-time warning and installing a permanent no-op the first time an
// unregistered type is seen (spec.md §4.2).
func (n *Network) typeHandler(msgType string) TypeHandler {
	n.mu.Lock()
	defer n.mu.Unlock()

	if h, ok := n.handlers[msgType]; ok {
		return h
	}

	if !n.warnedTypes[msgType] {
		n.warnedTypes[msgType] = true
		n.Logger.Warn("network %q: no handler registered for message type %s, ignoring", n.ID, msgType)
		n.Metrics.UnknownTypeSeen.WithLabelValues(n.ID, msgType).Inc()
	}

	noop := func(context.Context, *Network, comm.Frame) {}
	n.handlers[msgType] = noop
	return noop
}

// On registers (or replaces) the handler for msgType.
func (n *Network) On(msgType string, handler TypeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[msgType] = handler
}

func messageTypeName(msg message.Message) string {
	return fmt.Sprintf("%T", msg)
}

// runHeartbeatEmitter broadcasts a GCS heartbeat once per second
// (spec.md §4.5). A tick missed to back-pressure is dropped, never
// queued, since BroadcastPacket is called directly from the ticker and
// the next tick simply supersedes an in-flight one.
func (n *Network) runHeartbeatEmitter(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.SendHeartbeat()
		}
	}
}

// SendHeartbeat broadcasts one GCS heartbeat immediately.
func (n *Network) SendHeartbeat() {
	err := n.Comm.BroadcastPacket(&common.MessageHeartbeat{
		Type:           common.MAV_TYPE_GCS,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		BaseMode:       0,
		CustomMode:     0,
		SystemStatus:   common.MAV_STATE_STANDBY,
		MavlinkVersion: 3,
	}, true)
	if err != nil {
		n.Logger.Warn("network %q: heartbeat broadcast failed: %v", n.ID, err)
	}
}

// BroadcastPacket exposes the underlying broadcast_packet operation to
// callers outside the network package (spec.md §4.1).
func (n *Network) BroadcastPacket(msg message.Message, allowFailure bool) error {
	return n.Comm.BroadcastPacket(msg, allowFailure)
}

// EnqueueBroadcastPacket exposes enqueue_broadcast_packet for fire-and-
// forget paths such as RTK forwarding (spec.md §4.1, §4.7).
func (n *Network) EnqueueBroadcastPacket(msg message.Message) {
	n.Comm.EnqueueBroadcastPacket(msg)
}

// defaultChannelName is the channel name targeted sends use when the
// target's recorded address does not name one explicitly.
const defaultChannelName = ""

// SendToUav implements the simple case of spec.md §4.6: mutate the
// outbound message's target fields, resolve the UAV's last-known
// channel, and send without waiting for a reply.
func (n *Network) SendToUav(target collab.UavHandler, systemID uint8, msg message.Message) error {
	addr, ok := n.Directory.AddressOf(target)
	if !ok {
		return ErrNoAddress
	}

	setTargetFields(msg, systemID)

	channel := addr.ConnectionName
	if channel == "" {
		channel = defaultChannelName
	}
	return n.Comm.SendPacket(channel, msg)
}

// SendToUavAndWait implements spec.md §4.6's wait_for_response case: the
// matcher scope is entered before the message is sent, per the "install
// the matcher before issuing the send" recommendation in spec.md §4.3.
func (n *Network) SendToUavAndWait(ctx context.Context, target collab.UavHandler, systemID uint8, msg message.Message, replyType string, predicate matcher.Predicate) (message.Message, error) {
	sourceSystem := systemID
	slot, cancel := n.Matchers.Expect(replyType, predicate, &sourceSystem)
	defer cancel()

	if err := n.SendToUav(target, systemID, msg); err != nil {
		return nil, err
	}

	return slot.Wait(ctx)
}

// WaitSpec is one entry of a wait_for_one_of set (spec.md §4.3, §4.6).
type WaitSpec struct {
	Type      string
	Predicate matcher.Predicate
}

// SendToUavWaitForOneOf implements spec.md §4.6's wait_for_one_of case:
// every matcher in waits is installed under one scope before the
// message is sent, and whichever resolves first wins; the rest are
// cancelled when the scope exits.
func (n *Network) SendToUavWaitForOneOf(ctx context.Context, target collab.UavHandler, systemID uint8, msg message.Message, waits map[string]WaitSpec) (string, message.Message, error) {
	sourceSystem := systemID

	type installed struct {
		label string
		slot  *matcher.Slot
	}
	slots := make([]installed, 0, len(waits))
	var cancels []func()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for label, w := range waits {
		slot, cancel := n.Matchers.Expect(w.Type, w.Predicate, &sourceSystem)
		cancels = append(cancels, cancel)
		slots = append(slots, installed{label: label, slot: slot})
	}

	if err := n.SendToUav(target, systemID, msg); err != nil {
		return "", nil, err
	}

	type result struct {
		label string
		msg   message.Message
		err   error
	}
	resultCh := make(chan result, len(slots))
	for _, s := range slots {
		s := s
		go func() {
			msg, err := s.slot.Wait(ctx)
			resultCh <- result{label: s.label, msg: msg, err: err}
		}()
	}

	for range slots {
		r := <-resultCh
		if r.err == nil {
			return r.label, r.msg, nil
		}
	}
	return "", nil, ctx.Err()
}

func setTargetFields(msg message.Message, systemID uint8) {
	fields.SetTargetFields(msg, systemID, autopilotComponentID)
}
