// ABOUTME: Tests for the WebSocket control server
// ABOUTME: Drives the engine over the wire with the protocol client
package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upasthiti/crossp2p-go/internal/version"
	"github.com/upasthiti/crossp2p-go/pkg/crossp2p"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/platform/sim"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

type harness struct {
	sim    *sim.Sim
	engine *crossp2p.Engine
	server *Server
	client *protocol.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := sim.New()
	engine := crossp2p.New(crossp2p.Options{
		Platform:         s.Platform(),
		JoinPollInterval: 5 * time.Millisecond,
		JoinDeadline:     100 * time.Millisecond,
	})
	srv := New(Config{Name: "test-daemon", Engine: engine})
	ts := httptest.NewServer(srv.Handler())

	client := protocol.NewClient(protocol.ClientConfig{
		ServerAddr: strings.TrimPrefix(ts.URL, "http://"),
		Name:       "test-controller",
	})
	require.NoError(t, client.Connect())

	t.Cleanup(func() {
		client.Close()
		srv.Close()
		ts.Close()
		engine.Close()
	})
	return &harness{sim: s, engine: engine, server: srv, client: client}
}

func (h *harness) call(t *testing.T, method string, args, out interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Call(ctx, method, args, out)
}

func (h *harness) nextEvent(t *testing.T, want protocol.EventType) protocol.EventMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.client.Events:
			if ev.Event.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", want)
		}
	}
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)

	hello := h.client.Server()
	assert.Equal(t, "test-daemon", hello.Name)
	assert.Equal(t, protocol.ProtocolVersion, hello.Version)
	assert.Equal(t, version.Product, hello.Product)
	assert.NotEmpty(t, hello.ServerID)
}

func TestCallBeforeInitialize(t *testing.T) {
	h := newHarness(t)

	err := h.call(t, protocol.MethodCreateRoom, protocol.CreateRoomArgs{RoomID: "r", SSID: "s", Password: "p"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotInitialized))

	var callErr *protocol.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, protocol.CodeNotInitialized, callErr.Code)
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t)

	err := h.call(t, "formQuorum", nil, nil)
	var callErr *protocol.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, protocol.CodeUnknownMethod, callErr.Code)
}

func TestInitializeStreamsEvent(t *testing.T) {
	h := newHarness(t)

	var res protocol.InitializeResult
	require.NoError(t, h.call(t, protocol.MethodInitialize, protocol.InitializeArgs{}, &res))
	assert.True(t, res.Success)
	assert.True(t, res.WifiAwareSupported)

	ev := h.nextEvent(t, protocol.EventInitialized)
	assert.Equal(t, protocol.ChannelEvents, ev.Channel)
	assert.Equal(t, "_attendance._tcp", ev.Event.Data["serviceType"])
}

func TestCreateRoomOverWire(t *testing.T) {
	h := newHarness(t)
	preferAware := false
	require.NoError(t, h.call(t, protocol.MethodInitialize, protocol.InitializeArgs{PreferAware: &preferAware}, nil))

	var res protocol.StrategyResult
	require.NoError(t, h.call(t, protocol.MethodCreateRoom,
		protocol.CreateRoomArgs{RoomID: "room1", SSID: "Attendance_room1", Password: "secret123"}, &res))
	assert.True(t, res.Success)
	assert.Equal(t, "hotspot", res.Method)
	assert.Equal(t, 1883, res.BrokerPort)

	ev := h.nextEvent(t, protocol.EventHotspotStarted)
	assert.Equal(t, "room1", ev.Event.Data["roomId"])
}

func TestInvalidArgumentsCode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call(t, protocol.MethodInitialize, nil, nil))

	err := h.call(t, protocol.MethodCreateRoom, protocol.CreateRoomArgs{RoomID: "room1"}, nil)
	var callErr *protocol.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, protocol.CodeInvalidArguments, callErr.Code)

	err = h.call(t, protocol.MethodStartBroadcast, map[string]interface{}{"port": "not-a-number"}, nil)
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, protocol.CodeInvalidArguments, callErr.Code)
}

func TestTelemetryOverWire(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBattery(64)

	var battery protocol.BatteryResult
	require.NoError(t, h.call(t, protocol.MethodGetBatteryLevel, nil, &battery))
	assert.Equal(t, 64, battery.BatteryLevel)

	var signal protocol.SignalResult
	require.NoError(t, h.call(t, protocol.MethodGetSignalStrength, nil, &signal))
	assert.Equal(t, protocol.SignalUnavailable, signal.SignalStrength)
}

func TestBroadcastAndDisconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call(t, protocol.MethodInitialize, nil, nil))

	var ok protocol.SuccessResult
	require.NoError(t, h.call(t, protocol.MethodStartBroadcast, protocol.StartBroadcastArgs{
		ServiceName: "Room-1",
		Port:        1883,
		TxtRecords:  map[string]string{"room": "room1"},
	}, &ok))
	assert.True(t, ok.Success)
	h.nextEvent(t, protocol.EventServiceRegistered)

	require.NoError(t, h.call(t, protocol.MethodDisconnect, nil, &ok))
	assert.True(t, ok.Success)
	h.nextEvent(t, protocol.EventDisconnected)
	assert.Equal(t, 0, h.sim.ActiveAdvertisements())
}

func TestDataChannelForwarded(t *testing.T) {
	h := newHarness(t)

	h.engine.PublishData(protocol.NewEvent("attendance", "student-7 present"))

	select {
	case ev := <-h.client.Events:
		assert.Equal(t, protocol.ChannelData, ev.Channel)
		assert.Equal(t, "student-7 present", ev.Event.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("data event not forwarded")
	}
}

func TestStartAdvertisesAndStops(t *testing.T) {
	engine := crossp2p.New(crossp2p.Options{Platform: sim.New().Platform()})
	defer engine.Close()
	advertiser := sim.New()

	srv := New(Config{Port: 0, Name: "lab-daemon", Engine: engine, Advertiser: advertiser})
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	require.Eventually(t, func() bool { return advertiser.ActiveAdvertisements() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, advertiser.Calls(sim.OpRegister))

	srv.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 0, advertiser.ActiveAdvertisements())
}

func TestDispatchCoversEveryMethod(t *testing.T) {
	methods := []string{
		protocol.MethodInitialize, protocol.MethodCreateRoom, protocol.MethodJoinNetwork,
		protocol.MethodScanNetworks, protocol.MethodSingleScan, protocol.MethodStartBroadcast,
		protocol.MethodStopBroadcast, protocol.MethodStartScan, protocol.MethodStopScan,
		protocol.MethodDisconnect, protocol.MethodGetBatteryLevel, protocol.MethodGetSignalStrength,
	}

	s := sim.New()
	s.SetAccessPoints([]platform.AccessPoint{{SSID: "Lab", Level: -40}})
	engine := crossp2p.New(crossp2p.Options{Platform: s.Platform()})
	defer engine.Close()
	srv := New(Config{Engine: engine})
	defer srv.Close()

	for _, m := range methods {
		_, err := srv.dispatch(context.Background(), protocol.Call{Method: m})
		assert.False(t, errors.Is(err, errUnknownMethod), "method %s not dispatched", m)
	}
}
