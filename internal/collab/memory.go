package collab

import (
	"context"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/flockwave-go/mavlink-core/internal/logging"
)

// InMemoryUavRegistry is the default UavRegistry: a mutex-guarded map from
// handler identity to its last observed PeerAddr.
type InMemoryUavRegistry struct {
	mu        sync.RWMutex
	addresses map[UavHandler]PeerAddr
}

// NewInMemoryUavRegistry creates an empty registry.
func NewInMemoryUavRegistry() *InMemoryUavRegistry {
	return &InMemoryUavRegistry{addresses: make(map[UavHandler]PeerAddr)}
}

func (r *InMemoryUavRegistry) UpdateAddress(handler UavHandler, addr PeerAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[handler] = addr
}

func (r *InMemoryUavRegistry) AddressOf(handler UavHandler) (PeerAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addresses[handler]
	return addr, ok
}

// RestartSupervisor is the default Supervisor: it runs each task in its
// own goroutine and restarts it with a fixed backoff whenever it returns,
// with or without an error, until ctx is cancelled. This is the Go translation of
// spec.md §5's requirement that connection and dispatch loops survive
// transient failures instead of taking the whole network down with them.
type RestartSupervisor struct {
	Backoff time.Duration
	Logger  logging.Logger

	wg sync.WaitGroup
}

// NewRestartSupervisor creates a supervisor with a 1s restart backoff.
func NewRestartSupervisor(logger logging.Logger) *RestartSupervisor {
	if logger == nil {
		logger = logging.Default
	}
	return &RestartSupervisor{Backoff: time.Second, Logger: logger}
}

func (s *RestartSupervisor) Spawn(ctx context.Context, name string, task func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := task(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.Logger.Warn("task %q exited: %v, restarting in %s", name, err, s.Backoff)
			} else {
				s.Logger.Warn("task %q exited cleanly, restarting in %s", name, s.Backoff)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.Backoff):
			}
		}
	}()
}

// Wait blocks until every spawned task has returned (ctx cancellation is
// the expected way to make that happen).
func (s *RestartSupervisor) Wait() {
	s.wg.Wait()
}

// LoggingDriver is a minimal Driver that adopts every system ID it is
// offered and hands back a LoggingUavHandler. It is the default used by
// cmd/mavlink-core when no richer application-level driver is wired in;
// a real deployment is expected to supply its own Driver backed by a
// flight-plan or fleet-management system.
type LoggingDriver struct {
	Logger logging.Logger
}

// NewLoggingDriver creates a LoggingDriver.
func NewLoggingDriver(logger logging.Logger) *LoggingDriver {
	if logger == nil {
		logger = logging.Default
	}
	return &LoggingDriver{Logger: logger}
}

func (d *LoggingDriver) Ensure(systemID uint8, droneID string) UavHandler {
	d.Logger.Info("uav %s (system %d) registered", droneID, systemID)
	return &LoggingUavHandler{id: droneID, logger: d.Logger}
}

// LoggingUavHandler is a UavHandler that logs every message it receives
// at debug level, pre-arm failures at warn level, and drone-show status
// at info level. It implements PreArmHandler and DroneShowStatusHandler so the
// dispatch loop's optional-interface checks exercise those paths too.
type LoggingUavHandler struct {
	id     string
	logger logging.Logger
}

func (h *LoggingUavHandler) ID() string { return h.id }

func (h *LoggingUavHandler) HandleMessage(_ context.Context, msg message.Message, componentID uint8) {
	h.logger.Debug("uav %s: received %T from component %d", h.id, msg, componentID)
}

func (h *LoggingUavHandler) HandlePreArmFailure(reason string) {
	h.logger.Warn("uav %s: pre-arm check failed: %s", h.id, reason)
}

func (h *LoggingUavHandler) HandleDroneShowStatus(payload [16]byte) {
	h.logger.Info("uav %s: drone-show status %v", h.id, payload)
}
