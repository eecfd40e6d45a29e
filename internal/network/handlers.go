package network

import (
	"context"
	"strings"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/comm"
	"github.com/flockwave-go/mavlink-core/internal/logging"
)

// droneShowStatusType is the DATA16 sub-type this core recognizes as a
// drone-show status payload (spec.md §4.2).
const droneShowStatusType byte = 0x5b

// installDefaultHandlers wires up the illustrative type handler table
// from spec.md §4.2. Types explicitly absent here fall through to the
// warn-once-then-noop path in typeHandler.
func (n *Network) installDefaultHandlers() {
	n.handlers["*common.MessageHeartbeat"] = handleHeartbeat
	n.handlers["*common.MessageGlobalPositionInt"] = forwardToUav
	n.handlers["*common.MessageGpsRawInt"] = forwardToUav
	n.handlers["*common.MessageSysStatus"] = forwardToUav
	n.handlers["*common.MessageAutopilotVersion"] = forwardToUav
	n.handlers["*common.MessageData16"] = handleData16
	n.handlers["*common.MessageStatustext"] = handleStatustext
	n.handlers["*common.MessageTimesync"] = handleTimesync

	for _, noopType := range []string{
		"*common.MessageBadData",
		"*common.MessageCommandAck",
		"*common.MessageFileTransferProtocol",
		"*common.MessageGpsGlobalOrigin",
		"*common.MessageHomePosition",
		"*common.MessageHwstatus",
		"*common.MessageLocalPositionNed",
		"*common.MessageMeminfo",
		"*common.MessageMissionAck",
		"*common.MessageMissionCount",
		"*common.MessageMissionCurrent",
		"*common.MessageMissionItemInt",
		"*common.MessageMissionRequest",
		"*common.MessageNavControllerOutput",
		"*common.MessageParamValue",
		"*common.MessagePositionTargetGlobalInt",
		"*common.MessagePowerStatus",
	} {
		n.handlers[noopType] = func(context.Context, *Network, comm.Frame) {}
	}
}

// handleHeartbeat only creates a directory entry for vehicle heartbeats;
// a GCS heartbeat (this core's own, or another ground station's) never
// identifies a UAV (spec.md §4.2, `_handle_message_heartbeat`'s
// `is_vehicle` gate in `_examples/original_source`).
func handleHeartbeat(ctx context.Context, n *Network, f comm.Frame) {
	hb := f.Message.(*common.MessageHeartbeat)
	if hb.Type == common.MAV_TYPE_GCS {
		return
	}
	h := n.ensureUav(f)
	if h != nil {
		h.HandleMessage(ctx, f.Message, f.ComponentID)
	}
}

// forwardToUav is shared by the telemetry message types that always
// identify a UAV (GLOBAL_POSITION_INT, GPS_RAW_INT, SYS_STATUS,
// AUTOPILOT_VERSION in spec.md §4.2).
func forwardToUav(ctx context.Context, n *Network, f comm.Frame) {
	h := n.ensureUav(f)
	if h != nil {
		h.HandleMessage(ctx, f.Message, f.ComponentID)
	}
}

// handleData16 only creates a directory entry for the recognized
// drone-show status sub-type; other DATA16 payloads are ignored entirely
// (spec.md §4.2).
func handleData16(ctx context.Context, n *Network, f comm.Frame) {
	data16 := f.Message.(*common.MessageData16)
	if data16.Type != droneShowStatusType {
		return
	}

	h := n.ensureUav(f)
	if h == nil {
		return
	}
	if showHandler, ok := h.(collab.DroneShowStatusHandler); ok {
		showHandler.HandleDroneShowStatus(data16.Data)
	} else {
		h.HandleMessage(ctx, f.Message, f.ComponentID)
	}
}

// handleStatustext only creates a directory entry for a pre-arm failure
// line; any other STATUSTEXT is just logged, never attributed to a UAV
// (spec.md §4.2, `_handle_message_statustext` in
// `_examples/original_source`).
func handleStatustext(ctx context.Context, n *Network, f comm.Frame) {
	st := f.Message.(*common.MessageStatustext)

	if strings.HasPrefix(st.Text, preArmPrefix) {
		reason := st.Text[len(preArmPrefix):]
		h := n.ensureUav(f)
		if h != nil {
			if preArm, ok := h.(collab.PreArmHandler); ok {
				preArm.HandlePreArmFailure(reason)
				return
			}
			h.HandleMessage(ctx, f.Message, f.ComponentID)
		}
		return
	}

	logAtSeverity(n.Logger, uint8(st.Severity), st.Text)
}

// handleTimesync never creates a directory entry: a round-trip time
// estimate is not UAV telemetry, it is a property of the link itself
// (spec.md §4.2).
func handleTimesync(ctx context.Context, n *Network, f comm.Frame) {
	ts := f.Message.(*common.MessageTimesync)
	if ts.Tc1 == 0 {
		// Timesync request, not a reply; nothing to log.
		return
	}
	now := time.Now().UnixNano() / 1000
	roundTripMicros := now - ts.Ts1
	n.Logger.Info("network %q: timesync roundtrip %d msec", n.ID, roundTripMicros/1000)
}

// logAtSeverity maps a MAV_SEVERITY value onto this core's logging
// levels, mirroring the teacher's leveled logger.
func logAtSeverity(logger logging.Logger, severity uint8, text string) {
	switch {
	case severity <= uint8(common.MAV_SEVERITY_ERROR):
		logger.Error("%s", text)
	case severity <= uint8(common.MAV_SEVERITY_NOTICE):
		logger.Warn("%s", text)
	case severity <= uint8(common.MAV_SEVERITY_INFO):
		logger.Info("%s", text)
	default:
		logger.Debug("%s", text)
	}
}
