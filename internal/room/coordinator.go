// ABOUTME: Room formation and network joining with ordered strategy fallback
// ABOUTME: Owns the room state machine, the held strategy lease and the connectivity observer
package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upasthiti/crossp2p-go/internal/events"
	"github.com/upasthiti/crossp2p-go/internal/strategy"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultAttemptTimeout bounds each strategy attempt
const DefaultAttemptTimeout = 15 * time.Second

// Config wires a Coordinator to its collaborators
type Config struct {
	Registry       *strategy.Registry
	Capabilities   platform.CapabilityProvider
	Connectivity   platform.Connectivity // optional
	Bus            *events.Bus
	Clock          clock.Clock
	AttemptTimeout time.Duration
	Logger         *zap.Logger
}

// Coordinator drives createRoom and joinNetwork
type Coordinator struct {
	registry     *strategy.Registry
	caps         platform.CapabilityProvider
	connectivity platform.Connectivity
	bus          *events.Bus
	clock        clock.Clock
	timeout      time.Duration
	log          *zap.Logger

	// formMu serializes formation so two strategies never run at once
	formMu sync.Mutex
	group  singleflight.Group

	mu         sync.Mutex
	prefs      strategy.Preferences
	room       protocol.Room
	lease      *strategy.Lease
	observer   io.Closer
	joinedSSID string
	observerID uint64

	// epoch advances on Interrupt; work started under an older epoch
	// must not install state
	epoch      uint64
	cancelWork context.CancelFunc
}

// New creates a coordinator in the idle state
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Coordinator{
		registry:     cfg.Registry,
		caps:         cfg.Capabilities,
		connectivity: cfg.Connectivity,
		bus:          cfg.Bus,
		clock:        cfg.Clock,
		timeout:      cfg.AttemptTimeout,
		log:          cfg.Logger.Named("room"),
		prefs:        strategy.Preferences{PreferAware: true},
		room:         protocol.Room{State: protocol.RoomIdle},
	}
}

// SetPreferences replaces the negotiation preferences
func (c *Coordinator) SetPreferences(p strategy.Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefs = p
}

// Room returns a snapshot of the current room
func (c *Coordinator) Room() protocol.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// CreateRoom forms a room, trying each eligible strategy in priority
// order until one succeeds. Concurrent calls with identical arguments
// share one formation; any other calls run one after another. The
// formation runs detached from ctx, so a caller that gives up does not
// abort it for the others; Interrupt does.
func (c *Coordinator) CreateRoom(ctx context.Context, req strategy.Request) (protocol.StrategyResult, error) {
	if req.RoomID == "" || req.SSID == "" || req.Passphrase == "" {
		return protocol.StrategyResult{}, fmt.Errorf("roomId, ssid and password are required: %w", protocol.ErrInvalidArguments)
	}
	if req.ExpectedPeerCount <= 0 {
		req.ExpectedPeerCount = protocol.DefaultExpectedPeerCount
	}

	ch := c.group.DoChan(flightKey(req), func() (interface{}, error) {
		epoch := c.currentEpoch()
		c.formMu.Lock()
		defer c.formMu.Unlock()
		return c.form(epoch, req), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return protocol.StrategyResult{}, r.Err
		}
		if r.Shared {
			c.log.Debug("shared room formation", zap.String("roomId", req.RoomID))
		}
		return r.Val.(protocol.StrategyResult), nil
	case <-ctx.Done():
		return protocol.StrategyResult{}, ctx.Err()
	}
}

// flightKey identifies formations that may share one result
func flightKey(req strategy.Request) string {
	return strings.Join([]string{req.RoomID, req.SSID, req.Passphrase, strconv.Itoa(req.ExpectedPeerCount)}, "\x00")
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// begin returns the context of work started under epoch; it is already
// cancelled when an Interrupt came since
func (c *Coordinator) begin(epoch uint64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.current(epoch) {
		c.cancelWork = cancel
	} else {
		cancel()
	}
	c.mu.Unlock()
	return ctx, cancel
}

// current reports whether no Interrupt happened since epoch; callers hold mu
func (c *Coordinator) current(epoch uint64) bool {
	return c.epoch == epoch
}

// Interrupt abandons a running formation or join. Its context is
// cancelled and whatever it acquires afterwards is released, not installed.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	c.epoch++
	cancel := c.cancelWork
	c.cancelWork = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) form(epoch uint64, req strategy.Request) protocol.StrategyResult {
	ctx, cancel := c.begin(epoch)
	defer cancel()

	if err := c.releaseLease(); err != nil {
		c.log.Warn("release previous room", zap.Error(err))
	}

	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return protocol.Failed("", "room formation interrupted by disconnect")
	}
	prefs := c.prefs
	c.room = protocol.Room{
		ID:                req.RoomID,
		SSID:              req.SSID,
		Passphrase:        req.Passphrase,
		ExpectedPeerCount: req.ExpectedPeerCount,
		State:             protocol.RoomForming,
	}
	c.mu.Unlock()

	caps := c.caps.Capabilities(ctx)
	candidates := c.registry.Candidates(strategy.KindRoom, caps, prefs)
	c.log.Info("forming room",
		zap.String("roomId", req.RoomID),
		zap.Strings("candidates", c.registry.Methods(strategy.KindRoom, caps, prefs)))

	var (
		attempted []string
		failures  []string
	)
	for _, s := range candidates {
		if ctx.Err() != nil {
			failures = append(failures, "cancelled: "+ctx.Err().Error())
			break
		}
		method := s.Method()
		attempted = append(attempted, method)

		c.mu.Lock()
		if c.current(epoch) {
			c.room.FormingMethod = method
		}
		c.mu.Unlock()

		out, err := c.attempt(ctx, s, req)
		if err == nil && out.Result.Success && c.activate(epoch, req, out) {
			c.bus.Emit(successEvent(req, out.Result))
			return out.Result
		}

		if out.Lease != nil {
			if rerr := out.Lease.Release(); rerr != nil {
				c.log.Warn("release lease of failed strategy", zap.String("method", method), zap.Error(rerr))
			}
		}
		if c.interrupted(epoch) {
			c.log.Info("room formation interrupted", zap.String("roomId", req.RoomID), zap.String("method", method))
			return protocol.Failed(method, "room formation interrupted by disconnect")
		}
		reason := failureReason(err, out.Result)
		failures = append(failures, method+": "+reason)
		c.log.Info("room strategy failed", zap.String("method", method), zap.String("reason", reason))
		c.bus.Emit(protocol.ErrorEvent(
			fmt.Sprintf("%s failed: %s", method, reason),
			map[string]any{"method": method, "roomId": req.RoomID},
		))
	}

	c.mu.Lock()
	if c.current(epoch) {
		c.room.State = protocol.RoomFailed
		c.room.FormingMethod = ""
	}
	c.mu.Unlock()

	if attempted == nil {
		attempted = []string{}
	}
	msg := "all strategies exhausted"
	if len(failures) > 0 {
		msg += ": " + strings.Join(failures, "; ")
	}
	msg += "; manual setup required"

	return protocol.StrategyResult{Success: false, Error: msg}.
		WithMetadata("requiresManualSetup", true).
		WithMetadata("ssid", req.SSID).
		WithMetadata("password", req.Passphrase).
		WithMetadata("attempted", attempted)
}

func (c *Coordinator) attempt(ctx context.Context, s strategy.Strategy, req strategy.Request) (out strategy.Outcome, err error) {
	actx, cancel := c.clock.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v: %w", r, protocol.ErrStrategyFailure)
		}
	}()

	out, err = s.Attempt(actx, req)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("no result within %s: %w", c.timeout, protocol.ErrTimeout)
	}
	return out, err
}

func (c *Coordinator) interrupted(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.current(epoch)
}

// activate installs a successful outcome; it reports false when an
// Interrupt came first, leaving the lease to the caller
func (c *Coordinator) activate(epoch uint64, req strategy.Request, out strategy.Outcome) bool {
	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return false
	}
	c.room.State = protocol.RoomActive
	c.room.ActiveStrategyMethod = out.Result.Method
	c.room.FormingMethod = ""
	c.lease = out.Lease
	c.mu.Unlock()

	c.log.Info("room active",
		zap.String("roomId", req.RoomID),
		zap.String("method", out.Result.Method),
		zap.String("broker", fmt.Sprintf("%s:%d", out.Result.BrokerAddress, out.Result.BrokerPort)))

	if stopped := out.Lease.Stopped(); stopped != nil {
		go c.watchLease(out.Lease, stopped)
	}
	return true
}

// watchLease reports a hotspot the platform tore down on its own
func (c *Coordinator) watchLease(lease *strategy.Lease, stopped <-chan struct{}) {
	<-stopped

	c.mu.Lock()
	if c.lease != lease {
		c.mu.Unlock()
		return
	}
	c.lease = nil
	c.room.State = protocol.RoomFailed
	roomID := c.room.ID
	c.mu.Unlock()

	c.log.Warn("hotspot stopped by platform", zap.String("roomId", roomID))
	c.bus.Emit(protocol.Event{
		Type:    protocol.EventHotspotStopped,
		Message: "Hotspot stopped",
		Data:    map[string]any{"roomId": roomID},
	})
}

func successEvent(req strategy.Request, r protocol.StrategyResult) protocol.Event {
	data := map[string]any{
		"roomId":     req.RoomID,
		"method":     r.Method,
		"brokerIp":   r.BrokerAddress,
		"brokerPort": r.BrokerPort,
	}
	if r.Method == strategy.MethodAware {
		data["serviceName"] = r.Metadata["serviceName"]
		return protocol.Event{Type: protocol.EventWifiAwarePublishStarted, Message: "Wi-Fi Aware publish started", Data: data}
	}
	if ssid, ok := r.Metadata["ssid"]; ok {
		data["ssid"] = ssid
	} else {
		data["ssid"] = req.SSID
	}
	return protocol.Event{Type: protocol.EventHotspotStarted, Message: "Hotspot started", Data: data}
}

func failureReason(err error, r protocol.StrategyResult) string {
	if err != nil {
		return err.Error()
	}
	if r.Error != "" {
		return r.Error
	}
	return "unsuccessful"
}

// JoinNetwork associates with ssid, preferring a declarative suggestion and
// falling back to an imperative join confirmed by polling
func (c *Coordinator) JoinNetwork(ctx context.Context, req strategy.Request) (protocol.StrategyResult, error) {
	if req.SSID == "" || req.PeerID == "" {
		return protocol.StrategyResult{}, fmt.Errorf("ssid and studentId are required: %w", protocol.ErrInvalidArguments)
	}

	epoch := c.currentEpoch()
	c.formMu.Lock()
	defer c.formMu.Unlock()

	wctx, cancel := c.begin(epoch)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	ctx = wctx

	c.mu.Lock()
	prefs := c.prefs
	c.mu.Unlock()

	caps := c.caps.Capabilities(ctx)
	candidates := c.registry.Candidates(strategy.KindJoin, caps, prefs)
	if len(candidates) == 0 {
		return protocol.Failed("", "no join method available on this platform: "+protocol.ErrPlatformUnsupported.Error()), nil
	}

	// the previous network's observer would report this join as a loss
	if err := c.ReleaseObserver(); err != nil {
		c.log.Warn("release previous observer", zap.Error(err))
	}

	var (
		failures []string
		last     string
		metadata = map[string]any{}
	)
	for _, s := range candidates {
		method := s.Method()
		last = method

		out, err := c.attempt(ctx, s, req)
		if c.interrupted(epoch) {
			return protocol.Failed(method, "join interrupted by disconnect"), nil
		}
		if err == nil && out.Result.Success {
			c.log.Info("joined network", zap.String("ssid", req.SSID), zap.String("method", method))
			c.observe(epoch, req.SSID)
			c.bus.Emit(protocol.Event{
				Type:    protocol.EventNetworkJoined,
				Message: "Joined network " + req.SSID,
				Data:    map[string]any{"ssid": req.SSID, "studentId": req.PeerID},
			})
			return out.Result, nil
		}

		reason := failureReason(err, out.Result)
		failures = append(failures, method+": "+reason)
		c.log.Info("join strategy failed", zap.String("method", method), zap.String("reason", reason))

		for k, v := range out.Result.Metadata {
			metadata[k] = v
		}
		if ctx.Err() != nil {
			break
		}
	}

	result := protocol.Failed(last, "join failed: "+strings.Join(failures, "; "))
	for k, v := range metadata {
		result = result.WithMetadata(k, v)
	}
	return result, nil
}

// observe installs a connectivity observer watching ssid
func (c *Coordinator) observe(epoch uint64, ssid string) {
	if c.connectivity == nil {
		return
	}

	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return
	}
	c.observerID++
	id := c.observerID
	c.joinedSSID = ssid
	c.mu.Unlock()

	closer, err := c.connectivity.Observe(context.Background(), func(st platform.ConnectivityState) {
		c.onConnectivity(id, st)
	})
	if err != nil {
		c.log.Warn("register connectivity observer", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.observerID != id || !c.current(epoch) {
		c.mu.Unlock()
		closer.Close()
		return
	}
	c.observer = closer
	c.mu.Unlock()
}

func (c *Coordinator) onConnectivity(id uint64, st platform.ConnectivityState) {
	c.mu.Lock()
	ssid := c.joinedSSID
	current := c.observerID == id && ssid != ""
	c.mu.Unlock()
	if !current {
		return
	}

	lost := (!st.Connected && (st.SSID == "" || st.SSID == ssid)) || (st.Connected && st.SSID != ssid)
	if !lost {
		return
	}
	c.log.Warn("joined network lost", zap.String("ssid", ssid), zap.String("now", st.SSID))
	c.bus.Emit(protocol.ErrorEvent("Lost connection to "+ssid, map[string]any{"ssid": ssid}))
}

// ReleaseSession stops a held peer-to-peer session
func (c *Coordinator) ReleaseSession() error {
	return c.releaseLeaseOf(strategy.LeasePeerToPeer)
}

// ReleaseHotspot releases a held hotspot reservation
func (c *Coordinator) ReleaseHotspot() error {
	return c.releaseLeaseOf(strategy.LeaseHotspot)
}

func (c *Coordinator) releaseLeaseOf(kind strategy.LeaseKind) error {
	c.mu.Lock()
	lease := c.lease
	if lease == nil || lease.Kind != kind {
		c.mu.Unlock()
		return nil
	}
	c.lease = nil
	c.mu.Unlock()
	return lease.Release()
}

func (c *Coordinator) releaseLease() error {
	c.mu.Lock()
	lease := c.lease
	c.lease = nil
	c.mu.Unlock()
	return lease.Release()
}

// ReleaseObserver unregisters the connectivity observer of the last join
func (c *Coordinator) ReleaseObserver() error {
	c.mu.Lock()
	obs := c.observer
	c.observer = nil
	c.observerID++
	c.joinedSSID = ""
	c.mu.Unlock()
	if obs == nil {
		return nil
	}
	return obs.Close()
}

// Reset clears the room back to idle
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = protocol.Room{State: protocol.RoomIdle}
}
