// Package rtk implements the RTK Fan-out Service (spec.md §4.7): a
// stand-alone TCP server that fans pre-encoded MAVLink RTK correction
// fragments out to Sidekick subscribers over line-delimited JSON, with
// bounded per-subscriber buffering and drop-on-overflow backpressure.
package rtk

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/logging"
)

// subscriberBufferSize is the fixed subscriber channel capacity from
// spec.md §6 ("subscriber channel capacity = 16").
const subscriberBufferSize = 16

// keepaliveInterval is how often an empty line is sent down an idle
// subscriber connection, ported from the original extension's
// "send keepalive packets (empty lines)" TODO.
const keepaliveInterval = 5 * time.Second

// Fragment is one (type, fields) pair describing a pre-encoded MAVLink
// message to forward to subscribers, mirroring the signal payload shape
// of mavlink:rtk_fragments.
type Fragment struct {
	Type   string
	Fields map[string]interface{}
}

// DropCounter records per-subscriber lifetime drop counts, typically
// backed by Prometheus (spec.md §5 supplement: observability for the
// only backpressure-sensitive path in the system).
type DropCounter interface {
	IncDropped(subscriberID string)
}

type subscriber struct {
	id    string
	ch    chan []byte
	drops uint64
}

// Service is the RTK fan-out TCP server.
type Service struct {
	Host    string
	Port    int
	Logger  logging.Logger
	Metrics DropCounter

	mu          sync.Mutex
	subscribers map[string]*subscriber
	listener    net.Listener
}

// NewService creates a fan-out service bound to host:port. The listener
// is not opened until Run is called.
func NewService(host string, port int, logger logging.Logger, metrics DropCounter) *Service {
	if logger == nil {
		logger = logging.Default
	}
	return &Service{
		Host:        host,
		Port:        port,
		Logger:      logger,
		Metrics:     metrics,
		subscribers: make(map[string]*subscriber),
	}
}

// Run opens the listener and accepts subscribers until ctx is cancelled.
// A per-client fault never tears down the acceptor (spec.md §4.7).
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtk: failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.Logger.Info("rtk: listening for sidekick connections on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtk: accept failed: %w", err)
		}
		go s.handleConnectionSafely(ctx, conn)
	}
}

// Address returns the address the service is currently listening on, or
// the empty string if it has not started yet.
func (s *Service) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) handleConnectionSafely(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("rtk: connection handler panicked: %v", r)
		}
	}()

	remote := conn.RemoteAddr().String()
	s.Logger.Info("rtk: sidekick connection accepted from %s", remote)
	s.handleConnection(ctx, conn)
	s.Logger.Info("rtk: sidekick connection from %s closed", remote)
}

func (s *Service) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sub := &subscriber{id: uuid.NewString(), ch: make(chan []byte, subscriberBufferSize)}

	s.mu.Lock()
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub.id)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	writer := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := writer.Write([]byte("\n")); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case data, ok := <-sub.ch:
			if !ok {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\n")); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
			ticker.Reset(keepaliveInterval)
		}
	}
}

// EmitFragments is the mavlink:rtk_fragments signal handler (spec.md
// §4.7): it encodes the batch once, then attempts a non-blocking send to
// every subscriber, dropping on a full channel and logging exactly one
// warning for the whole batch if any subscriber was dropped.
func (s *Service) EmitFragments(sender string, fragments []Fragment) {
	s.mu.Lock()
	if len(s.subscribers) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	data, err := encodeEnvelope(fragments)
	if err != nil {
		s.Logger.Error("rtk: failed to encode fragment batch: %v", err)
		return
	}

	dropped := 0
	for _, sub := range subs {
		select {
		case sub.ch <- data:
		default:
			dropped++
			sub.drops++
			if s.Metrics != nil {
				s.Metrics.IncDropped(sub.id)
			}
		}
	}

	if dropped > 0 {
		s.Logger.Warn("rtk: dropping outbound RTK correction packet for %d subscriber(s) due to backpressure", dropped)
	}
}

// fragmentPair marshals a Fragment as a two-element JSON array
// ["TYPE", {fields...}], matching spec.md §6's wire format.
type fragmentPair Fragment

func (p fragmentPair) MarshalJSON() ([]byte, error) {
	fields := p.Fields
	if raw, ok := fields["data"].([]byte); ok {
		fields = copyFieldsWithBase64Data(fields, raw)
	}
	return json.Marshal([2]interface{}{p.Type, fields})
}

func copyFieldsWithBase64Data(fields map[string]interface{}, raw []byte) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	out["data"] = base64.StdEncoding.EncodeToString(raw)
	return out
}

func encodeEnvelope(fragments []Fragment) ([]byte, error) {
	pairs := make([]fragmentPair, len(fragments))
	for i, f := range fragments {
		pairs[i] = fragmentPair(f)
	}
	return json.Marshal(struct {
		Type string         `json:"type"`
		Data []fragmentPair `json:"data"`
	}{Type: "rtk", Data: pairs})
}

// UseSSDP registers this service's listening address with ssdp under
// serviceName, scoped to the returned unregister function (spec.md §4.7,
// §6 "SSDP.use_service").
func (s *Service) UseSSDP(ssdp collab.SSDPService, serviceName string) (unregister func()) {
	return ssdp.UseService(serviceName, s.Port, func() string {
		return "tcp://" + s.Address()
	})
}
