// ABOUTME: Tests for the individual room and join strategies
// ABOUTME: Runs each strategy against the simulated platform
package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/platform/sim"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

var room = Request{RoomID: "CS101", SSID: "Room-CS101", Passphrase: "secret123", ExpectedPeerCount: 30}

func TestAware_PublishesAndLeases(t *testing.T) {
	s := sim.New()
	a := &Aware{p2p: s, net: s, port: protocol.DefaultBrokerPort, log: zap.NewNop()}

	out, err := a.Attempt(context.Background(), room)
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, MethodAware, out.Result.Method)
	assert.Equal(t, InterfaceAware, out.Result.NetworkInterface)
	assert.Equal(t, "192.168.49.1", out.Result.BrokerAddress)
	assert.Equal(t, 1883, out.Result.BrokerPort)
	assert.Equal(t, "AttendanceRoom_CS101", out.Result.Metadata["serviceName"])
	require.NotNil(t, out.Lease)
	assert.Equal(t, LeasePeerToPeer, out.Lease.Kind)
	assert.Equal(t, 1, s.ActiveSessions())
	assert.Equal(t, 1, s.ActivePublishes())

	require.NoError(t, out.Lease.Release())
	require.NoError(t, out.Lease.Release())
	assert.Zero(t, s.ActiveSessions())
	assert.Zero(t, s.ActivePublishes())
}

func TestAware_PublishFailureClosesSession(t *testing.T) {
	s := sim.New()
	s.Fail(sim.OpPublish, errors.New("publish rejected"))
	a := &Aware{p2p: s, net: s, port: protocol.DefaultBrokerPort, log: zap.NewNop()}

	_, err := a.Attempt(context.Background(), room)
	assert.Error(t, err)
	assert.Zero(t, s.ActiveSessions())
}

func TestHotspot_ReportsPlatformConfig(t *testing.T) {
	s := sim.New()
	s.SetHotspotSSID("DIRECT-ab-Room")
	s.SetLocalIP("")
	h := &Hotspot{hotspot: s, net: s, port: protocol.DefaultBrokerPort, log: zap.NewNop()}

	out, err := h.Attempt(context.Background(), room)
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, MethodHotspot, out.Result.Method)
	assert.Equal(t, InterfaceHotspot, out.Result.NetworkInterface)
	assert.Equal(t, protocol.DefaultBrokerAddress, out.Result.BrokerAddress)
	assert.Equal(t, "DIRECT-ab-Room", out.Result.Metadata["ssid"])
	assert.Equal(t, "secret123", out.Result.Metadata["password"])

	require.NotNil(t, out.Lease.Stopped())
	s.StopHotspots()
	select {
	case <-out.Lease.Stopped():
	case <-time.After(time.Second):
		t.Fatal("lease did not observe hotspot stop")
	}
}

func TestLegacyHotspot_RequiresManualSetup(t *testing.T) {
	out, err := LegacyHotspot{}.Attempt(context.Background(), room)
	require.NoError(t, err)
	assert.False(t, out.Result.Success)
	assert.Nil(t, out.Lease)
	assert.Equal(t, true, out.Result.Metadata["requiresManualSetup"])
	assert.Equal(t, room.SSID, out.Result.Metadata["ssid"])
}

func TestSuggestion_StatusMapping(t *testing.T) {
	tests := []struct {
		status       platform.SuggestionStatus
		success      bool
		alreadyConn  bool
		userApproval bool
	}{
		{platform.SuggestionAdded, true, false, false},
		{platform.SuggestionDuplicate, true, false, false},
		{platform.SuggestionAlreadyAssociated, true, true, false},
		{platform.SuggestionDenied, false, false, true},
		{platform.SuggestionFailed, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			s := sim.New()
			s.SetSuggestionStatus(tt.status)
			sg := &Suggestion{wifi: s, log: zap.NewNop()}

			out, err := sg.Attempt(context.Background(), Request{SSID: "Room-1", Passphrase: "pw", PeerID: "s1"})
			require.NoError(t, err)
			assert.Equal(t, tt.success, out.Result.Success)
			assert.Equal(t, MethodNetworkSuggestion, out.Result.Method)
			if tt.alreadyConn {
				assert.Equal(t, true, out.Result.Metadata["alreadyConnected"])
			}
			if tt.userApproval {
				assert.Equal(t, true, out.Result.Metadata["requiresUserApproval"])
			}
		})
	}
}

func newLegacy(s *sim.Sim, clk clock.Clock) *LegacyJoin {
	return &LegacyJoin{
		wifi:     s,
		clock:    clk,
		interval: DefaultJoinPollInterval,
		deadline: DefaultJoinDeadline,
		log:      zap.NewNop(),
	}
}

// drive advances the mock clock by step until the attempt finishes
func drive(t *testing.T, mock *clock.Mock, step time.Duration, run func() (Outcome, error)) (Outcome, error) {
	t.Helper()
	type res struct {
		out Outcome
		err error
	}
	done := make(chan res, 1)
	go func() {
		out, err := run()
		done <- res{out, err}
	}()

	for i := 0; i < 1000; i++ {
		select {
		case r := <-done:
			return r.out, r.err
		default:
		}
		mock.Add(step)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("attempt did not finish")
	return Outcome{}, nil
}

func TestLegacyJoin_ConfirmsAssociation(t *testing.T) {
	s := sim.New()
	s.SetAssociateAfter(2)
	mock := clock.NewMock()
	l := newLegacy(s, mock)

	out, err := drive(t, mock, DefaultJoinPollInterval, func() (Outcome, error) {
		return l.Attempt(context.Background(), Request{SSID: "Room-1", Passphrase: "pw"})
	})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, MethodLegacyJoin, out.Result.Method)
	assert.Nil(t, out.Result.Metadata["alreadyConnected"])
	assert.GreaterOrEqual(t, s.Calls(sim.OpPoll), 3)
}

func TestLegacyJoin_DeadlineExpires(t *testing.T) {
	s := sim.New()
	s.SetAssociateAfter(-1)
	mock := clock.NewMock()
	l := newLegacy(s, mock)

	start := mock.Now()
	_, err := drive(t, mock, DefaultJoinPollInterval, func() (Outcome, error) {
		return l.Attempt(context.Background(), Request{SSID: "Room-1", Passphrase: "pw"})
	})
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.GreaterOrEqual(t, mock.Now().Sub(start), DefaultJoinDeadline)
}

func TestLegacyJoin_AlreadyAssociated(t *testing.T) {
	s := sim.New()
	s.SetCurrentSSID("Room-1")
	l := newLegacy(s, clock.NewMock())

	out, err := l.Attempt(context.Background(), Request{SSID: "Room-1"})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, true, out.Result.Metadata["alreadyConnected"])
	assert.Zero(t, s.Calls(sim.OpAddNetwork))
}

func TestLegacyJoin_AddFailure(t *testing.T) {
	s := sim.New()
	s.Fail(sim.OpAddNetwork, errors.New("profile rejected"))
	l := newLegacy(s, clock.NewMock())

	_, err := l.Attempt(context.Background(), Request{SSID: "Room-1"})
	assert.ErrorContains(t, err, "profile rejected")
}
