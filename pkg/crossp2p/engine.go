// ABOUTME: Engine facade exposing the request/response surface
// ABOUTME: Wires the bus, strategy table, room coordinator and discovery engine
package crossp2p

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upasthiti/crossp2p-go/internal/discovery"
	"github.com/upasthiti/crossp2p-go/internal/events"
	"github.com/upasthiti/crossp2p-go/internal/room"
	"github.com/upasthiti/crossp2p-go/internal/strategy"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// Options configure an Engine
type Options struct {
	Platform platform.Platform
	Clock    clock.Clock
	Logger   *zap.Logger
	// Level, when set, is raised to debug by InitOptions.EnableDebugLogs
	Level *zap.AtomicLevel

	AttemptTimeout   time.Duration
	JoinPollInterval time.Duration
	JoinDeadline     time.Duration
}

// InitOptions are the arguments of Initialize
type InitOptions struct {
	ServiceType     string
	PreferAware     bool
	EnableDebugLogs bool
}

// DefaultInitOptions returns the defaults used when a caller omits arguments
func DefaultInitOptions() InitOptions {
	return InitOptions{ServiceType: protocol.DefaultServiceType, PreferAware: true}
}

// Engine is the orchestration engine
type Engine struct {
	platform platform.Platform
	clock    clock.Clock
	log      *zap.Logger
	level    *zap.AtomicLevel

	bus       *events.Bus
	rooms     *room.Coordinator
	discovery *discovery.Engine

	mu          sync.Mutex
	initialized bool
	serviceType string
}

// New wires an engine over opts.Platform. Capabilities and Discovery are
// required; every other collaborator may be nil.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger

	bus := events.New(log)
	registry := strategy.DefaultRegistry(opts.Platform, strategy.Options{
		Clock:            opts.Clock,
		JoinPollInterval: opts.JoinPollInterval,
		JoinDeadline:     opts.JoinDeadline,
	}, log)

	return &Engine{
		platform: opts.Platform,
		clock:    opts.Clock,
		log:      log.Named("engine"),
		level:    opts.Level,
		bus:      bus,
		rooms: room.New(room.Config{
			Registry:       registry,
			Capabilities:   opts.Platform.Capabilities,
			Connectivity:   opts.Platform.Connectivity,
			Bus:            bus,
			Clock:          opts.Clock,
			AttemptTimeout: opts.AttemptTimeout,
			Logger:         log,
		}),
		discovery: discovery.NewEngine(discovery.EngineConfig{
			Discovery: opts.Platform.Discovery,
			Bus:       bus,
			Clock:     opts.Clock,
			Logger:    log,
		}),
		serviceType: protocol.DefaultServiceType,
	}
}

// SubscribeEvents installs h as the lifecycle event subscriber, replacing any previous one
func (e *Engine) SubscribeEvents(h func(protocol.Event)) (unsubscribe func()) {
	return e.bus.Subscribe(protocol.ChannelEvents, h)
}

// SubscribeData installs h as the data channel subscriber
func (e *Engine) SubscribeData(h func(protocol.Event)) (unsubscribe func()) {
	return e.bus.Subscribe(protocol.ChannelData, h)
}

// PublishData publishes ev on the data channel
func (e *Engine) PublishData(ev protocol.Event) {
	e.bus.Publish(protocol.ChannelData, ev)
}

// Initialize records preferences and probes capabilities; it may be called again
func (e *Engine) Initialize(ctx context.Context, opts InitOptions) (protocol.InitializeResult, error) {
	if opts.ServiceType == "" {
		opts.ServiceType = protocol.DefaultServiceType
	}
	if opts.EnableDebugLogs && e.level != nil {
		e.level.SetLevel(zap.DebugLevel)
	}

	caps := e.platform.Capabilities.Capabilities(ctx)
	awareSupported := caps.PeerToPeer && e.platform.PeerToPeer != nil

	e.rooms.SetPreferences(strategy.Preferences{PreferAware: opts.PreferAware})

	e.mu.Lock()
	e.initialized = true
	e.serviceType = opts.ServiceType
	e.mu.Unlock()

	e.log.Info("initialized",
		zap.String("platform", caps.Platform),
		zap.Bool("wifiAwareSupported", awareSupported),
		zap.Bool("preferAware", opts.PreferAware),
		zap.String("serviceType", opts.ServiceType))

	e.bus.Emit(protocol.Event{
		Type:    protocol.EventInitialized,
		Message: "Plugin initialized",
		Data: map[string]any{
			"wifiAwareSupported": awareSupported,
			"platform":           caps.Platform,
			"apiLevel":           caps.APILevel,
			"serviceType":        opts.ServiceType,
		},
	})

	return protocol.InitializeResult{Success: true, WifiAwareSupported: awareSupported}, nil
}

func (e *Engine) requireInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return protocol.ErrNotInitialized
	}
	return nil
}

func (e *Engine) defaultServiceType(t string) string {
	if t != "" {
		return t
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serviceType
}

// CreateRoom forms a room; an exhausted strategy list is an unsuccessful result, not an error
func (e *Engine) CreateRoom(ctx context.Context, args protocol.CreateRoomArgs) (protocol.StrategyResult, error) {
	if err := e.requireInit(); err != nil {
		return protocol.StrategyResult{}, err
	}
	return e.rooms.CreateRoom(ctx, strategy.Request{
		RoomID:            args.RoomID,
		SSID:              args.SSID,
		Passphrase:        args.Password,
		ExpectedPeerCount: args.ExpectedSize,
	})
}

// JoinNetwork associates with a room's network
func (e *Engine) JoinNetwork(ctx context.Context, args protocol.JoinNetworkArgs) (protocol.StrategyResult, error) {
	if err := e.requireInit(); err != nil {
		return protocol.StrategyResult{}, err
	}
	return e.rooms.JoinNetwork(ctx, strategy.Request{
		SSID:       args.SSID,
		Passphrase: args.Password,
		PeerID:     args.StudentID,
	})
}

// ScanNetworks lists visible networks: no hidden SSIDs, one row per SSID,
// strongest first. It holds no engine state and works before Initialize.
func (e *Engine) ScanNetworks(ctx context.Context) (protocol.ScanNetworksResult, error) {
	if e.platform.WiFi == nil {
		return protocol.ScanNetworksResult{}, fmt.Errorf("wifi scanning: %w", protocol.ErrPlatformUnsupported)
	}
	aps, err := e.platform.WiFi.ScanResults(ctx)
	if err != nil {
		return protocol.ScanNetworksResult{}, fmt.Errorf("scan: %w", err)
	}

	now := e.clock.Now().UnixMilli()
	seen := make(map[string]bool, len(aps))
	networks := make([]protocol.Network, 0, len(aps))
	for _, ap := range aps {
		if ap.SSID == "" || seen[ap.SSID] {
			continue
		}
		seen[ap.SSID] = true
		networks = append(networks, protocol.Network{
			SSID:           ap.SSID,
			BSSID:          ap.BSSID,
			SignalStrength: ap.Level,
			Frequency:      ap.Frequency,
			Capabilities:   ap.Security,
			IsSecure:       isSecure(ap.Security),
			Timestamp:      now,
		})
	}
	sort.SliceStable(networks, func(i, j int) bool {
		return networks[i].SignalStrength > networks[j].SignalStrength
	})

	return protocol.ScanNetworksResult{Networks: networks, Count: len(networks)}, nil
}

func isSecure(capabilities string) bool {
	for _, marker := range []string{"WPA", "WEP", "SAE", "EAP"} {
		if strings.Contains(capabilities, marker) {
			return true
		}
	}
	return false
}

// SingleScan runs a bounded scan and returns what it resolved
func (e *Engine) SingleScan(ctx context.Context, args protocol.SingleScanArgs) (protocol.SingleScanResult, error) {
	if err := e.requireInit(); err != nil {
		return protocol.SingleScanResult{}, err
	}
	timeout := time.Duration(args.Timeout) * time.Millisecond
	recs, err := e.discovery.SingleScan(ctx, e.defaultServiceType(args.ServiceType), timeout)
	if err != nil {
		return protocol.SingleScanResult{}, err
	}
	return protocol.SingleScanResult{Services: recs, Count: len(recs)}, nil
}

// StartBroadcast advertises a service, replacing any running broadcast
func (e *Engine) StartBroadcast(ctx context.Context, args protocol.StartBroadcastArgs) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.discovery.StartBroadcast(ctx, platform.ServiceInfo{
		Name:       args.ServiceName,
		Type:       e.defaultServiceType(args.ServiceType),
		Port:       args.Port,
		Attributes: args.TxtRecords,
	})
}

// StopBroadcast stops advertising; always succeeds
func (e *Engine) StopBroadcast() error {
	if err := e.discovery.StopBroadcast(); err != nil {
		e.log.Warn("stop broadcast", zap.Error(err))
	}
	return nil
}

// StartScan starts continuous discovery, replacing any running scan
func (e *Engine) StartScan(ctx context.Context, args protocol.StartScanArgs) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.discovery.StartScan(ctx, e.defaultServiceType(args.ServiceType))
}

// StopScan stops continuous discovery; always succeeds
func (e *Engine) StopScan() error {
	if err := e.discovery.StopScan(); err != nil {
		e.log.Warn("stop scan", zap.Error(err))
	}
	return nil
}

// BatteryLevel returns the battery percentage or protocol.BatteryUnavailable
func (e *Engine) BatteryLevel(ctx context.Context) int {
	if e.platform.Telemetry == nil {
		return protocol.BatteryUnavailable
	}
	level, err := e.platform.Telemetry.BatteryLevel(ctx)
	if err != nil {
		e.log.Debug("battery level unavailable", zap.Error(err))
		return protocol.BatteryUnavailable
	}
	return level
}

// SignalStrength returns the associated network's signal in dBm or
// protocol.SignalUnavailable
func (e *Engine) SignalStrength(ctx context.Context) int {
	if e.platform.Telemetry == nil {
		return protocol.SignalUnavailable
	}
	dbm, err := e.platform.Telemetry.SignalStrength(ctx)
	if err != nil {
		e.log.Debug("signal strength unavailable", zap.Error(err))
		return protocol.SignalUnavailable
	}
	return dbm
}

// Room returns a snapshot of the current room
func (e *Engine) Room() protocol.Room {
	return e.rooms.Room()
}

// Services returns the services resolved by the running scan
func (e *Engine) Services() []protocol.ServiceRecord {
	return e.discovery.Services()
}

// Registrations reports the active broadcast and scan
func (e *Engine) Registrations() []protocol.DiscoveryRegistration {
	return e.discovery.Registrations()
}

// Close tears everything down and stops event delivery
func (e *Engine) Close() error {
	if err := e.requireInit(); err == nil {
		e.Disconnect(context.Background())
	}
	e.bus.Close()
	return nil
}
