// ABOUTME: Service broadcast and discovery lifecycle over a DNS-SD primitive
// ABOUTME: One broadcast and one scan at a time, two-phase find/resolve, bounded single scans
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upasthiti/crossp2p-go/internal/events"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// EngineConfig wires an Engine to its collaborators
type EngineConfig struct {
	Discovery platform.ServiceDiscovery
	Bus       *events.Bus
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Engine owns the active broadcast, the active scan and the registry of
// services the scan resolved. Events are published while mu is held so
// their order matches the order of registry changes.
type Engine struct {
	sd    platform.ServiceDiscovery
	bus   *events.Bus
	clock clock.Clock
	log   *zap.Logger

	broadcastOp sync.Mutex
	scanOp      sync.Mutex

	mu        sync.Mutex
	gen       uint64
	broadcast *broadcast
	scan      *scan
	services  map[string]protocol.ServiceRecord
}

type broadcast struct {
	gen  uint64
	info platform.ServiceInfo
	adv  platform.Advertisement
}

type scan struct {
	gen         uint64
	serviceType string
	browse      platform.Browse
	cancel      context.CancelFunc
	ctx         context.Context

	// resolving maps a key to the token of its in-flight resolve. A lost
	// service drops its entry so a late result is discarded.
	resolving map[string]uint64
	next      uint64
}

// NewEngine creates an idle engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		sd:       cfg.Discovery,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		log:      cfg.Logger.Named("discovery"),
		services: make(map[string]protocol.ServiceRecord),
	}
}

// StartBroadcast replaces any running broadcast with info. Registration
// completes asynchronously; its outcome is reported as serviceRegistered
// or error events, never as a returned error.
func (e *Engine) StartBroadcast(ctx context.Context, info platform.ServiceInfo) error {
	if info.Name == "" || info.Type == "" || info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("serviceName, serviceType and a valid port are required: %w", protocol.ErrInvalidArguments)
	}

	e.broadcastOp.Lock()
	defer e.broadcastOp.Unlock()

	e.stopBroadcastLocked()

	adv, err := e.sd.Register(ctx, info)
	if err != nil {
		e.log.Warn("register service", zap.String("name", info.Name), zap.Error(err))
		e.bus.Emit(protocol.ErrorEvent("Service registration failed: "+err.Error(), serviceData(info)))
		return nil
	}

	e.mu.Lock()
	e.gen++
	b := &broadcast{gen: e.gen, info: info, adv: adv}
	e.broadcast = b
	e.mu.Unlock()

	go e.awaitRegistration(b)
	return nil
}

func (e *Engine) awaitRegistration(b *broadcast) {
	err := <-b.adv.Registered()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broadcast != b {
		e.log.Debug("stale registration result dropped", zap.String("name", b.info.Name))
		return
	}

	if err != nil {
		e.broadcast = nil
		go func() {
			if cerr := b.adv.Close(); cerr != nil {
				e.log.Debug("close failed advertisement", zap.Error(cerr))
			}
		}()
		e.log.Warn("service registration failed", zap.String("name", b.info.Name), zap.Error(err))
		e.bus.Emit(protocol.ErrorEvent("Service registration failed: "+err.Error(), serviceData(b.info)))
		return
	}

	e.log.Info("service registered", zap.String("name", b.info.Name), zap.String("type", b.info.Type), zap.Int("port", b.info.Port))
	data := serviceData(b.info)
	data["port"] = b.info.Port
	e.bus.Emit(protocol.Event{Type: protocol.EventServiceRegistered, Message: "Service registered: " + b.info.Name, Data: data})
}

// StopBroadcast stops the running broadcast; a no-op without one
func (e *Engine) StopBroadcast() error {
	e.broadcastOp.Lock()
	defer e.broadcastOp.Unlock()
	return e.stopBroadcastLocked()
}

func (e *Engine) stopBroadcastLocked() error {
	e.mu.Lock()
	b := e.broadcast
	if b == nil {
		e.mu.Unlock()
		return nil
	}
	e.broadcast = nil
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventServiceUnregistered,
		Message: "Service unregistered: " + b.info.Name,
		Data:    serviceData(b.info),
	})
	e.mu.Unlock()

	err := b.adv.Close()
	if err != nil {
		e.log.Warn("unregister service", zap.String("name", b.info.Name), zap.Error(err))
	}
	return err
}

// StartScan replaces any running scan with a continuous scan for serviceType
func (e *Engine) StartScan(ctx context.Context, serviceType string) error {
	if serviceType == "" {
		return fmt.Errorf("serviceType is required: %w", protocol.ErrInvalidArguments)
	}

	e.scanOp.Lock()
	defer e.scanOp.Unlock()

	e.stopScanLocked()

	browse, err := e.sd.Discover(ctx, serviceType)
	if err != nil {
		e.log.Warn("start discovery", zap.String("type", serviceType), zap.Error(err))
		e.bus.Emit(protocol.ErrorEvent("Discovery failed to start: "+err.Error(), map[string]any{"serviceType": serviceType}))
		return nil
	}

	sctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.gen++
	s := &scan{
		gen:         e.gen,
		serviceType: serviceType,
		browse:      browse,
		ctx:         sctx,
		cancel:      cancel,
		resolving:   make(map[string]uint64),
	}
	e.scan = s
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventDiscoveryStarted,
		Message: "Discovery started for " + serviceType,
		Data:    map[string]any{"serviceType": serviceType},
	})
	e.mu.Unlock()

	e.log.Info("discovery started", zap.String("type", serviceType))
	go e.consume(s)
	return nil
}

func (e *Engine) consume(s *scan) {
	for ev := range s.browse.Events() {
		switch ev.Kind {
		case platform.ServiceFound:
			e.onFound(s, ev.Service)
		case platform.ServiceLost:
			e.onLost(s, ev.Service)
		case platform.BrowseFailed:
			e.mu.Lock()
			if e.scan == s {
				e.log.Warn("discovery failed", zap.String("type", s.serviceType), zap.Error(ev.Err))
				e.bus.Emit(protocol.ErrorEvent("Discovery failed: "+errString(ev.Err), map[string]any{"serviceType": s.serviceType}))
			}
			e.mu.Unlock()
		}
	}
}

// onFound announces a new service and resolves it once
func (e *Engine) onFound(s *scan, info platform.ServiceInfo) {
	key := protocol.ServiceKey(info.Name, info.Type)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scan != s {
		return
	}
	if _, known := e.services[key]; known {
		return
	}
	if _, inFlight := s.resolving[key]; inFlight {
		return
	}
	s.next++
	token := s.next
	s.resolving[key] = token

	e.log.Debug("service found", zap.String("name", info.Name), zap.String("type", info.Type))
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventServiceFound,
		Message: "Service found: " + info.Name,
		Data:    map[string]any{"serviceId": key, "serviceName": info.Name, "serviceType": info.Type},
	})

	go e.resolve(s, key, token, info)
}

func (e *Engine) resolve(s *scan, key string, token uint64, info platform.ServiceInfo) {
	full, err := e.sd.Resolve(s.ctx, info)

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.resolving[key] != token {
		e.log.Debug("discarding resolve of lost service", zap.String("id", key))
		return
	}
	delete(s.resolving, key)
	if e.scan != s {
		return
	}
	if err != nil {
		e.log.Warn("resolve service", zap.String("name", info.Name), zap.Error(err))
		e.bus.Emit(protocol.ErrorEvent("Failed to resolve "+info.Name+": "+err.Error(), serviceData(info)))
		return
	}

	rec := toRecord(full)
	e.services[key] = rec
	e.log.Info("service resolved", zap.String("id", rec.ID), zap.String("host", rec.Host), zap.Int("port", rec.Port))
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventServiceResolved,
		Message: "Service resolved: " + rec.Name,
		Data:    protocol.RecordData(rec),
	})
}

func (e *Engine) onLost(s *scan, info platform.ServiceInfo) {
	key := protocol.ServiceKey(info.Name, info.Type)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scan != s {
		return
	}
	delete(e.services, key)
	delete(s.resolving, key)
	e.log.Debug("service lost", zap.String("id", key))
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventServiceLost,
		Message: "Service lost: " + info.Name,
		Data:    map[string]any{"serviceId": key, "serviceName": info.Name, "serviceType": info.Type},
	})
}

// StopScan stops the running scan and forgets what it found; a no-op without one
func (e *Engine) StopScan() error {
	e.scanOp.Lock()
	defer e.scanOp.Unlock()
	return e.stopScanLocked()
}

func (e *Engine) stopScanLocked() error {
	e.mu.Lock()
	s := e.scan
	if s == nil {
		e.mu.Unlock()
		return nil
	}
	e.scan = nil
	s.cancel()
	for key, rec := range e.services {
		if rec.Type == s.serviceType {
			delete(e.services, key)
		}
	}
	e.bus.Emit(protocol.Event{
		Type:    protocol.EventDiscoveryStopped,
		Message: "Discovery stopped for " + s.serviceType,
		Data:    map[string]any{"serviceType": s.serviceType},
	})
	e.mu.Unlock()

	e.log.Info("discovery stopped", zap.String("type", s.serviceType))
	err := s.browse.Close()
	if err != nil {
		e.log.Warn("stop discovery", zap.String("type", s.serviceType), zap.Error(err))
	}
	return err
}

// SingleScan browses serviceType for timeout and returns every service
// resolved in that window, each composite key at most once. The result
// is returned directly; no events are published.
func (e *Engine) SingleScan(ctx context.Context, serviceType string, timeout time.Duration) ([]protocol.ServiceRecord, error) {
	if serviceType == "" {
		return nil, fmt.Errorf("serviceType is required: %w", protocol.ErrInvalidArguments)
	}
	if timeout <= 0 {
		timeout = protocol.DefaultSingleScanTimeout
	}

	timer := e.clock.Timer(timeout)
	defer timer.Stop()

	browse, err := e.sd.Discover(ctx, serviceType)
	if err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if err := browse.Close(); err != nil {
				e.log.Debug("stop single scan", zap.Error(err))
			}
		})
	}
	defer stop()

	rctx, cancelResolves := context.WithCancel(ctx)
	defer cancelResolves()

	var (
		mu      sync.Mutex
		seen    = make(map[string]bool)
		records []protocol.ServiceRecord
		closed  bool
	)

	resolve := func(info platform.ServiceInfo) {
		full, err := e.sd.Resolve(rctx, info)
		if err != nil {
			e.log.Debug("single scan resolve", zap.String("name", info.Name), zap.Error(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		records = append(records, toRecord(full))
	}

	notes := browse.Events()
	var ctxErr error
loop:
	for {
		select {
		case ev, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if ev.Kind != platform.ServiceFound {
				continue
			}
			key := protocol.ServiceKey(ev.Service.Name, ev.Service.Type)
			mu.Lock()
			dup := seen[key]
			seen[key] = true
			mu.Unlock()
			if !dup {
				go resolve(ev.Service)
			}
		case <-timer.C:
			break loop
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break loop
		}
	}

	stop()
	cancelResolves()

	mu.Lock()
	closed = true
	out := make([]protocol.ServiceRecord, len(records))
	copy(out, records)
	mu.Unlock()

	e.log.Debug("single scan finished", zap.String("type", serviceType), zap.Int("count", len(out)))
	return out, ctxErr
}

// Services returns the registry of resolved services ordered by id
func (e *Engine) Services() []protocol.ServiceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.ServiceRecord, 0, len(e.services))
	for _, rec := range e.services {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registrations reports the active broadcast and scan
func (e *Engine) Registrations() []protocol.DiscoveryRegistration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.DiscoveryRegistration
	if e.broadcast != nil {
		out = append(out, protocol.DiscoveryRegistration{ServiceType: e.broadcast.info.Type, Mode: protocol.Broadcasting, Active: true})
	}
	if e.scan != nil {
		out = append(out, protocol.DiscoveryRegistration{ServiceType: e.scan.serviceType, Mode: protocol.Scanning, Active: true})
	}
	return out
}

// ClearRegistry forgets every resolved service
func (e *Engine) ClearRegistry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services = make(map[string]protocol.ServiceRecord)
}

func toRecord(info platform.ServiceInfo) protocol.ServiceRecord {
	attrs := make(map[string]string, len(info.Attributes))
	for k, v := range info.Attributes {
		attrs[k] = v
	}
	return protocol.ServiceRecord{
		ID:         protocol.ServiceKey(info.Name, info.Type),
		Name:       info.Name,
		Type:       info.Type,
		Host:       info.Host,
		Port:       info.Port,
		Attributes: attrs,
	}
}

func serviceData(info platform.ServiceInfo) map[string]any {
	return map[string]any{"serviceName": info.Name, "serviceType": info.Type}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
