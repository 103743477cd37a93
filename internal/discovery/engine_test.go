// ABOUTME: Tests for the discovery engine
// ABOUTME: Broadcast replacement, two-phase scans, dedup and single-scan deadlines
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upasthiti/crossp2p-go/internal/events"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/platform/sim"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

const attendance = "_attendance._tcp"

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) add(ev protocol.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Event(nil), l.events...)
}

func (l *eventLog) count(t protocol.EventType) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) types() []protocol.EventType {
	var out []protocol.EventType
	for _, ev := range l.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ protocol.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(typ) >= n }, time.Second, time.Millisecond,
		"waiting for %d %s events, have %v", n, typ, l.types())
}

func newTestEngine(t *testing.T, clk clock.Clock) (*Engine, *sim.Sim, *eventLog) {
	t.Helper()
	s := sim.New()
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	log := &eventLog{}
	bus.Subscribe(protocol.ChannelEvents, log.add)
	return NewEngine(EngineConfig{Discovery: s, Bus: bus, Clock: clk}), s, log
}

func remote(name string) platform.ServiceInfo {
	return platform.ServiceInfo{
		Name:       name,
		Type:       attendance,
		Host:       "192.168.49.10",
		Port:       1883,
		Attributes: map[string]string{"room": "room1"},
	}
}

func TestStartBroadcast_Registers(t *testing.T) {
	e, s, log := newTestEngine(t, nil)

	err := e.StartBroadcast(context.Background(), platform.ServiceInfo{
		Name: "Room-Room1", Type: attendance, Port: 8080, Attributes: map[string]string{"room": "room1"},
	})
	require.NoError(t, err)

	log.waitFor(t, protocol.EventServiceRegistered, 1)
	ev := log.all()[0]
	assert.Equal(t, "Room-Room1", ev.Data["serviceName"])
	assert.Equal(t, 8080, ev.Data["port"])
	assert.Equal(t, 1, s.ActiveAdvertisements())
	assert.Equal(t, []protocol.DiscoveryRegistration{
		{ServiceType: attendance, Mode: protocol.Broadcasting, Active: true},
	}, e.Registrations())
}

func TestStartBroadcast_ReplacesPrevious(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartBroadcast(ctx, platform.ServiceInfo{Name: "Room-Room1", Type: attendance, Port: 8080}))
	require.NoError(t, e.StartBroadcast(ctx, platform.ServiceInfo{Name: "Room-Room2", Type: attendance, Port: 8080}))

	log.waitFor(t, protocol.EventServiceUnregistered, 1)
	require.Eventually(t, func() bool {
		for _, ev := range log.all() {
			if ev.Type == protocol.EventServiceRegistered && ev.Data["serviceName"] == "Room-Room2" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, s.ActiveAdvertisements())
	_, err := s.Resolve(ctx, platform.ServiceInfo{Name: "Room-Room1", Type: attendance})
	assert.ErrorIs(t, err, sim.ErrNotFound)
	_, err = s.Resolve(ctx, platform.ServiceInfo{Name: "Room-Room2", Type: attendance})
	assert.NoError(t, err)
	assert.Len(t, e.Registrations(), 1)
}

func TestStartBroadcast_FailuresBecomeEvents(t *testing.T) {
	t.Run("sync", func(t *testing.T) {
		e, s, log := newTestEngine(t, nil)
		s.Fail(sim.OpRegister, errors.New("nsd busy"))

		err := e.StartBroadcast(context.Background(), platform.ServiceInfo{Name: "a", Type: attendance, Port: 1})
		require.NoError(t, err)
		log.waitFor(t, protocol.EventError, 1)
		assert.Empty(t, e.Registrations())
	})

	t.Run("async", func(t *testing.T) {
		e, s, log := newTestEngine(t, nil)
		s.FailRegistrationAsync(errors.New("name conflict"))

		err := e.StartBroadcast(context.Background(), platform.ServiceInfo{Name: "a", Type: attendance, Port: 1})
		require.NoError(t, err)
		log.waitFor(t, protocol.EventError, 1)
		assert.Contains(t, log.all()[0].Message, "name conflict")
		require.Eventually(t, func() bool { return len(e.Registrations()) == 0 }, time.Second, time.Millisecond)
		assert.Zero(t, log.count(protocol.EventServiceRegistered))
	})
}

func TestStartBroadcast_InvalidArguments(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	tests := []platform.ServiceInfo{
		{Type: attendance, Port: 1},
		{Name: "a", Port: 1},
		{Name: "a", Type: attendance},
		{Name: "a", Type: attendance, Port: 70000},
	}
	for _, info := range tests {
		assert.ErrorIs(t, e.StartBroadcast(context.Background(), info), protocol.ErrInvalidArguments)
	}
}

func TestStopWithoutStart_NoEvents(t *testing.T) {
	e, _, log := newTestEngine(t, nil)

	assert.NoError(t, e.StopBroadcast())
	assert.NoError(t, e.StopScan())
	assert.NoError(t, e.StopBroadcast())
	assert.NoError(t, e.StopScan())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.all())
}

func TestScan_FoundResolvedLost(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	s.InjectFound(remote("classroom-1"))

	require.NoError(t, e.StartScan(context.Background(), attendance))
	log.waitFor(t, protocol.EventServiceResolved, 1)

	var resolved protocol.Event
	for _, ev := range log.all() {
		if ev.Type == protocol.EventServiceResolved {
			resolved = ev
		}
	}
	assert.Equal(t, "classroom-1_"+attendance, resolved.Data["serviceId"])
	assert.Equal(t, "192.168.49.10", resolved.Data["hostName"])
	assert.Equal(t, 1883, resolved.Data["port"])
	assert.Equal(t, map[string]string{"room": "room1"}, resolved.Data["txtRecords"])

	services := e.Services()
	require.Len(t, services, 1)
	assert.Equal(t, "classroom-1", services[0].Name)

	s.InjectLost("classroom-1", attendance)
	log.waitFor(t, protocol.EventServiceLost, 1)
	assert.Empty(t, e.Services())

	require.NoError(t, e.StopScan())
	log.waitFor(t, protocol.EventDiscoveryStopped, 1)

	assert.Equal(t, []protocol.EventType{
		protocol.EventDiscoveryStarted,
		protocol.EventServiceFound,
		protocol.EventServiceResolved,
		protocol.EventServiceLost,
		protocol.EventDiscoveryStopped,
	}, log.types())
}

// heldResolver answers Resolve only once release is closed
type heldResolver struct {
	*sim.Sim
	release chan struct{}
	entered chan struct{}
}

func (h *heldResolver) Resolve(ctx context.Context, info platform.ServiceInfo) (platform.ServiceInfo, error) {
	h.entered <- struct{}{}
	<-h.release
	return remote(info.Name), nil
}

func TestScan_LostDuringResolveStaysLost(t *testing.T) {
	s := sim.New()
	held := &heldResolver{Sim: s, release: make(chan struct{}), entered: make(chan struct{}, 2)}
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	log := &eventLog{}
	bus.Subscribe(protocol.ChannelEvents, log.add)
	e := NewEngine(EngineConfig{Discovery: held, Bus: bus})

	require.NoError(t, e.StartScan(context.Background(), attendance))
	s.InjectFound(remote("classroom-1"))
	<-held.entered

	s.InjectLost("classroom-1", attendance)
	log.waitFor(t, protocol.EventServiceLost, 1)
	close(held.release)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, e.Services())
	assert.Zero(t, log.count(protocol.EventServiceResolved))
	assert.Zero(t, log.count(protocol.EventError))

	// a later sighting resolves normally
	s.InjectFound(remote("classroom-1"))
	log.waitFor(t, protocol.EventServiceResolved, 1)
	assert.Len(t, e.Services(), 1)
}

func TestScan_DuplicateFoundResolvedOnce(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	s.SetFoundRepeat(4)
	s.SetResolveDelay(20 * time.Millisecond)

	require.NoError(t, e.StartScan(context.Background(), attendance))
	s.InjectFound(remote("classroom-1"))

	log.waitFor(t, protocol.EventServiceResolved, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count(protocol.EventServiceFound))
	assert.Equal(t, 1, log.count(protocol.EventServiceResolved))
	assert.Equal(t, 1, s.Calls(sim.OpResolve))
}

func TestScan_StopClearsRegistryAndDropsLateResolves(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	s.InjectFound(remote("classroom-1"))
	require.NoError(t, e.StartScan(context.Background(), attendance))
	log.waitFor(t, protocol.EventServiceResolved, 1)

	s.SetResolveDelay(time.Hour)
	s.InjectFound(remote("classroom-2"))
	log.waitFor(t, protocol.EventServiceFound, 2)

	require.NoError(t, e.StopScan())
	assert.Empty(t, e.Services())
	assert.Zero(t, s.ActiveBrowses())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, log.count(protocol.EventServiceResolved))
	assert.Equal(t, protocol.EventDiscoveryStopped, log.types()[len(log.types())-1])
}

func TestScan_ReplacesPrevious(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartScan(ctx, attendance))
	require.NoError(t, e.StartScan(ctx, "_other._tcp"))

	log.waitFor(t, protocol.EventDiscoveryStarted, 2)
	assert.Equal(t, 1, log.count(protocol.EventDiscoveryStopped))
	assert.Equal(t, 1, s.ActiveBrowses())
	assert.Equal(t, []protocol.DiscoveryRegistration{
		{ServiceType: "_other._tcp", Mode: protocol.Scanning, Active: true},
	}, e.Registrations())
}

func TestScan_BrowseFailureIsEvent(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	require.NoError(t, e.StartScan(context.Background(), attendance))
	s.FailBrowses(errors.New("multicast unavailable"))
	log.waitFor(t, protocol.EventError, 1)
}

func TestSingleScan_DedupAndDeadline(t *testing.T) {
	mock := clock.NewMock()
	e, s, log := newTestEngine(t, mock)
	s.SetFoundRepeat(5)
	for i := 0; i < 3; i++ {
		s.InjectFound(remote(fmt.Sprintf("classroom-%d", i)))
	}

	type result struct {
		recs []protocol.ServiceRecord
		err  error
	}
	done := make(chan result, 1)
	go func() {
		recs, err := e.SingleScan(context.Background(), attendance, 3*time.Second)
		done <- result{recs, err}
	}()

	// let every resolve land before the deadline
	require.Eventually(t, func() bool { return s.Calls(sim.OpResolve) == 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	start := mock.Now()
	var res result
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "single scan did not return")
		select {
		case res = <-done:
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}

	require.NoError(t, res.err)
	assert.LessOrEqual(t, mock.Now().Sub(start), 3*time.Second+100*time.Millisecond)
	require.Len(t, res.recs, 3)
	ids := map[string]bool{}
	for _, rec := range res.recs {
		assert.False(t, ids[rec.ID], "duplicate %s", rec.ID)
		ids[rec.ID] = true
		assert.Equal(t, 1883, rec.Port)
	}
	assert.Equal(t, 3, s.Calls(sim.OpResolve))
	assert.Zero(t, s.ActiveBrowses())
	assert.Empty(t, log.all())
}

func TestSingleScan_ReturnsWithinTimeout(t *testing.T) {
	e, s, _ := newTestEngine(t, nil)
	s.SetResolveDelay(time.Hour)
	s.InjectFound(remote("slow"))

	start := time.Now()
	recs, err := e.SingleScan(context.Background(), attendance, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Zero(t, s.ActiveBrowses())
}

func TestSingleScan_ConcurrentScansKeepSeparateResults(t *testing.T) {
	e, s, _ := newTestEngine(t, nil)
	s.SetFoundRepeat(2)
	s.InjectFound(remote("a"))
	s.InjectFound(remote("b"))

	var wg sync.WaitGroup
	results := make([][]protocol.ServiceRecord, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs, err := e.SingleScan(context.Background(), attendance, 100*time.Millisecond)
			assert.NoError(t, err)
			results[i] = recs
		}(i)
	}
	wg.Wait()

	for _, recs := range results {
		assert.Len(t, recs, 2)
	}
	assert.Zero(t, s.ActiveBrowses())
}

func TestSingleScan_Errors(t *testing.T) {
	e, s, _ := newTestEngine(t, nil)

	_, err := e.SingleScan(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, protocol.ErrInvalidArguments)

	s.Fail(sim.OpDiscover, errors.New("no multicast"))
	_, err = e.SingleScan(context.Background(), attendance, time.Second)
	assert.ErrorContains(t, err, "no multicast")
}

func TestClearRegistry(t *testing.T) {
	e, s, log := newTestEngine(t, nil)
	s.InjectFound(remote("classroom-1"))
	require.NoError(t, e.StartScan(context.Background(), attendance))
	log.waitFor(t, protocol.EventServiceResolved, 1)

	e.ClearRegistry()
	assert.Empty(t, e.Services())
}
