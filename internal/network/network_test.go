package network

import (
	"context"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/comm"
	"github.com/flockwave-go/mavlink-core/internal/logging"
	"github.com/flockwave-go/mavlink-core/internal/matcher"
	"github.com/flockwave-go/mavlink-core/internal/transport"
	"github.com/flockwave-go/mavlink-core/internal/uav"
)

type countingDriver struct{ created int }

func (d *countingDriver) Ensure(systemID uint8, droneID string) collab.UavHandler {
	d.created++
	return &plainHandler{}
}

func newTestNetwork(t *testing.T) (*Network, *countingDriver) {
	t.Helper()
	driver := &countingDriver{}
	directory := uav.New(driver, collab.NewInMemoryUavRegistry(), "net-a", func(sysID uint8, netID string) string {
		return netID
	})
	manager := comm.New(0, logging.Default)
	n := New("net-a", 255, manager, matcher.NewTable(), directory, logging.Default)
	return n, driver
}

func TestDispatchIgnoresNonAutopilotComponent(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    1,
		ComponentID: 200, // not MAV_COMP_ID_AUTOPILOT1
		Message:     &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR},
	})

	assert.Equal(t, 0, driver.created)
}

func TestDispatchCreatesUavOnFirstAutopilotMessage(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    3,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR},
	})

	assert.Equal(t, 1, driver.created)
}

func TestDispatchResolvesMatcherBeforeHandler(t *testing.T) {
	n, _ := newTestNetwork(t)

	sourceSys := uint8(3)
	slot, cancel := n.Matchers.Expect("*common.MessageHeartbeat", matcher.Any, &sourceSys)
	defer cancel()

	msg := &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR}
	n.dispatch(comm.Frame{ChannelName: "c0", SystemID: 3, ComponentID: autopilotComponentID, Message: msg})

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	got, err := slot.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, msg, got)
}

func TestTypeHandlerWarnsOnceForUnknownType(t *testing.T) {
	n, _ := newTestNetwork(t)
	logger := &recordingLogger{}
	n.Logger = logger

	h1 := n.typeHandler("*custom.UnknownType")
	h2 := n.typeHandler("*custom.UnknownType")

	assert.NotNil(t, h1)
	assert.NotNil(t, h2)
	assert.Len(t, logger.lines, 1)
}

func TestOnRegistersCustomHandler(t *testing.T) {
	n, _ := newTestNetwork(t)
	called := false
	n.On("*custom.Foo", func(context.Context, *Network, comm.Frame) {
		called = true
	})

	h := n.typeHandler("*custom.Foo")
	require.NotNil(t, h)
	h(context.Background(), n, comm.Frame{SystemID: 1, ComponentID: 1, Message: &common.MessageHeartbeat{}})
	assert.True(t, called)
}

func TestSafeInvokeRecoversFromPanic(t *testing.T) {
	n, _ := newTestNetwork(t)
	logger := &recordingLogger{}
	n.Logger = logger

	panicking := func(context.Context, *Network, comm.Frame) {
		panic("boom")
	}

	assert.NotPanics(t, func() {
		n.safeInvoke(panicking, comm.Frame{SystemID: 1, ComponentID: 1, Message: &common.MessageHeartbeat{}})
	})
	assert.Len(t, logger.lines, 1)
}

func TestDispatchDoesNotCreateUavForGCSHeartbeat(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageHeartbeat{Type: common.MAV_TYPE_GCS},
	})

	assert.Equal(t, 0, driver.created)
}

func TestDispatchDoesNotCreateUavForNonPreArmStatustext(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageStatustext{Text: "flying nominal"},
	})

	assert.Equal(t, 0, driver.created)
}

func TestDispatchDoesNotCreateUavForTimesync(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageTimesync{Tc1: 1, Ts1: 0},
	})

	assert.Equal(t, 0, driver.created)
}

func TestDispatchDoesNotCreateUavForNoopType(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessagePowerStatus{},
	})

	assert.Equal(t, 0, driver.created)
}

func TestDispatchCreatesUavForDroneShowData16ButNotOtherSubtypes(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageData16{Type: droneShowStatusType + 1},
	})
	assert.Equal(t, 0, driver.created)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageData16{Type: droneShowStatusType},
	})
	assert.Equal(t, 1, driver.created)
}

func TestDispatchCreatesUavForPreArmStatustext(t *testing.T) {
	n, driver := newTestNetwork(t)

	n.dispatch(comm.Frame{
		ChannelName: "c0",
		SystemID:    5,
		ComponentID: autopilotComponentID,
		Message:     &common.MessageStatustext{Text: "PreArm: Battery low"},
	})

	assert.Equal(t, 1, driver.created)
}

func TestSendToUavReturnsErrNoAddressWhenUnknown(t *testing.T) {
	n, _ := newTestNetwork(t)
	handler := &plainHandler{}

	err := n.SendToUav(handler, 3, &common.MessageCommandLong{})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestSendToUavSetsTargetFieldsAndSendsOnRecordedChannel(t *testing.T) {
	server, err := transport.New("loop-server", gomavlib.EndpointUDPServer{Address: "127.0.0.1:15770"}, 255)
	require.NoError(t, err)
	defer server.Close()

	client, err := transport.New("loop-client", gomavlib.EndpointUDPClient{Address: "127.0.0.1:15770"}, 17)
	require.NoError(t, err)
	defer client.Close()

	// Send one frame from the client so the server's node learns the
	// remote peer before SendToUav below tries to write back to it.
	require.Eventually(t, func() bool {
		return client.Broadcast(&common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR}) == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	manager := comm.New(0, logging.Default)
	manager.Add("c0", server)

	driver := &countingDriver{}
	directory := uav.New(driver, collab.NewInMemoryUavRegistry(), "net-a", func(sysID uint8, netID string) string { return netID })
	n := New("net-a", 255, manager, matcher.NewTable(), directory, logging.Default)

	handler := directory.Ensure(3)
	directory.UpdateAddress(handler, collab.PeerAddr{ConnectionName: "c0", SystemID: 3, ComponentID: autopilotComponentID})

	msg := &common.MessageCommandLong{}
	_ = n.SendToUav(handler, 3, msg)
	assert.Equal(t, uint8(3), msg.TargetSystem)
	assert.Equal(t, autopilotComponentID, msg.TargetComponent)
}

func TestBroadcastPacketAndEnqueueBroadcastPacketDelegateToComm(t *testing.T) {
	n, _ := newTestNetwork(t)
	assert.NoError(t, n.BroadcastPacket(&common.MessageHeartbeat{}, true))
	assert.NotPanics(t, func() { n.EnqueueBroadcastPacket(&common.MessageHeartbeat{}) })
}

func TestSendToUavAndWaitReturnsErrNoAddressWithoutSending(t *testing.T) {
	n, _ := newTestNetwork(t)
	handler := &plainHandler{}

	msg, err := n.SendToUavAndWait(context.Background(), handler, 3, &common.MessageCommandLong{}, "*common.MessageCommandAck", matcher.Any)
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Nil(t, msg)
}

func TestSendToUavAndWaitResolvesOnMatchingReply(t *testing.T) {
	server, err := transport.New("loop-server", gomavlib.EndpointUDPServer{Address: "127.0.0.1:15771"}, 255)
	require.NoError(t, err)
	defer server.Close()

	client, err := transport.New("loop-client", gomavlib.EndpointUDPClient{Address: "127.0.0.1:15771"}, 17)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.Broadcast(&common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR}) == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	manager := comm.New(0, logging.Default)
	manager.Add("c0", server)

	driver := &countingDriver{}
	directory := uav.New(driver, collab.NewInMemoryUavRegistry(), "net-a", func(sysID uint8, netID string) string { return netID })
	table := matcher.NewTable()
	n := New("net-a", 255, manager, table, directory, logging.Default)

	handler := directory.Ensure(17)
	directory.UpdateAddress(handler, collab.PeerAddr{ConnectionName: "c0", SystemID: 17, ComponentID: autopilotComponentID})

	ack := &common.MessageCommandAck{Command: common.MAV_CMD_COMPONENT_ARM_DISARM}
	go func() {
		time.Sleep(20 * time.Millisecond)
		table.Resolve(messageTypeName(ack), 17, ack)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := n.SendToUavAndWait(ctx, handler, 17, &common.MessageCommandLong{}, "*common.MessageCommandAck", matcher.Any)
	require.NoError(t, err)
	assert.Same(t, ack, got)
}

func TestSendToUavWaitForOneOfReturnsWinningLabel(t *testing.T) {
	server, err := transport.New("loop-server", gomavlib.EndpointUDPServer{Address: "127.0.0.1:15772"}, 255)
	require.NoError(t, err)
	defer server.Close()

	client, err := transport.New("loop-client", gomavlib.EndpointUDPClient{Address: "127.0.0.1:15772"}, 21)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.Broadcast(&common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR}) == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	manager := comm.New(0, logging.Default)
	manager.Add("c0", server)

	driver := &countingDriver{}
	directory := uav.New(driver, collab.NewInMemoryUavRegistry(), "net-a", func(sysID uint8, netID string) string { return netID })
	table := matcher.NewTable()
	n := New("net-a", 255, manager, table, directory, logging.Default)

	handler := directory.Ensure(21)
	directory.UpdateAddress(handler, collab.PeerAddr{ConnectionName: "c0", SystemID: 21, ComponentID: autopilotComponentID})

	ack := &common.MessageCommandAck{Command: common.MAV_CMD_COMPONENT_ARM_DISARM}
	go func() {
		time.Sleep(20 * time.Millisecond)
		table.Resolve(messageTypeName(ack), 21, ack)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	label, got, err := n.SendToUavWaitForOneOf(ctx, handler, 21, &common.MessageCommandLong{}, map[string]WaitSpec{
		"ack":    {Type: "*common.MessageCommandAck", Predicate: matcher.Any},
		"reject": {Type: "*common.MessageStatustext", Predicate: matcher.Any},
	})
	require.NoError(t, err)
	assert.Equal(t, "ack", label)
	assert.Same(t, ack, got)
}
