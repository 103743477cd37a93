// ABOUTME: Scriptable in-memory platform for tests and the daemon's --sim mode
// ABOUTME: Simulates peer-to-peer, hotspot, Wi-Fi join, connectivity and DNS-SD
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

// Operation names counted by Calls
const (
	OpAttach     = "attach"
	OpPublish    = "publish"
	OpHotspot    = "hotspot"
	OpSuggest    = "suggest"
	OpAddNetwork = "addNetwork"
	OpEnable     = "enable"
	OpPoll       = "poll"
	OpRegister   = "register"
	OpDiscover   = "discover"
	OpResolve    = "resolve"
)

// ErrNotFound is returned when resolving a service the simulator does not know
var ErrNotFound = errors.New("service not found")

// Sim is a thread-safe scripted platform. The zero value is not usable;
// construct with New.
type Sim struct {
	mu sync.Mutex

	caps    platform.Capabilities
	failure map[string]error
	blocked map[string]bool
	calls   map[string]int

	// peer-to-peer
	sessions  map[*session]struct{}
	publishes map[*publication]struct{}

	// hotspot
	hotspotSSID string
	hotspots    map[*reservation]struct{}

	// wifi
	suggestion     platform.SuggestionStatus
	associateAfter int
	pendingSSID    string
	currentSSID    string
	polls          int
	networks       map[string]string
	nextNetwork    int
	accessPoints   []platform.AccessPoint

	// connectivity
	observers map[int]func(platform.ConnectivityState)
	nextObsID int

	// service discovery
	services      map[string]platform.ServiceInfo
	browses       map[*browse]struct{}
	adverts       map[*advert]struct{}
	registerAsync error
	foundRepeat   int
	resolveDelay  time.Duration

	// telemetry
	battery int
	signal  int
	localIP string
}

// New returns a simulator with every capability enabled
func New() *Sim {
	return &Sim{
		caps: platform.Capabilities{
			Platform:           "sim",
			APILevel:           33,
			PeerToPeer:         true,
			LocalHotspot:       true,
			LegacyHotspot:      true,
			NetworkSuggestions: true,
			LegacyJoin:         true,
		},
		failure:    make(map[string]error),
		blocked:    make(map[string]bool),
		calls:      make(map[string]int),
		sessions:   make(map[*session]struct{}),
		publishes:  make(map[*publication]struct{}),
		hotspots:   make(map[*reservation]struct{}),
		networks:   make(map[string]string),
		observers:  make(map[int]func(platform.ConnectivityState)),
		services:   make(map[string]platform.ServiceInfo),
		browses:    make(map[*browse]struct{}),
		adverts:    make(map[*advert]struct{}),
		suggestion: platform.SuggestionAdded,
		battery:    80,
		signal:     -55,
		localIP:    "192.168.49.1",
	}
}

// Platform bundles the simulator as every collaborator
func (s *Sim) Platform() platform.Platform {
	return platform.Platform{
		Capabilities: s,
		PeerToPeer:   s,
		Hotspot:      s,
		WiFi:         s,
		Connectivity: s,
		Discovery:    s,
		Telemetry:    s,
		Network:      s,
	}
}

// SetCapabilities replaces the reported capabilities
func (s *Sim) SetCapabilities(c platform.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = c
}

// Fail makes op return err; a nil err clears the failure
func (s *Sim) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failure, op)
		return
	}
	s.failure[op] = err
}

// Block makes op wait until its context is done
func (s *Sim) Block(op string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[op] = blocked
}

// Calls reports how often op was invoked
func (s *Sim) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts op and returns its block flag and scripted failure
func (s *Sim) enter(op string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.blocked[op], s.failure[op]
}

func (s *Sim) gate(ctx context.Context, op string) error {
	blocked, err := s.enter(op)
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Capabilities implements platform.CapabilityProvider
func (s *Sim) Capabilities(ctx context.Context) platform.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

type session struct {
	sim *Sim
}

type publication struct {
	sim  *Sim
	name string
}

// Attach implements platform.PeerToPeer
func (s *Sim) Attach(ctx context.Context) (platform.AwareSession, error) {
	if err := s.gate(ctx, OpAttach); err != nil {
		return nil, err
	}
	sess := &session{sim: s}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	return sess, nil
}

func (p *session) Publish(ctx context.Context, cfg platform.PublishConfig) (io.Closer, error) {
	if err := p.sim.gate(ctx, OpPublish); err != nil {
		return nil, err
	}
	pub := &publication{sim: p.sim, name: cfg.ServiceName}
	p.sim.mu.Lock()
	p.sim.publishes[pub] = struct{}{}
	p.sim.mu.Unlock()
	return pub, nil
}

func (p *session) Close() error {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	delete(p.sim.sessions, p)
	return nil
}

func (p *publication) Close() error {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	delete(p.sim.publishes, p)
	return nil
}

// ActiveSessions reports attached peer-to-peer sessions
func (s *Sim) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ActivePublishes reports running peer-to-peer publishes
func (s *Sim) ActivePublishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publishes)
}

type reservation struct {
	sim     *Sim
	cfg     platform.HotspotConfig
	stopped chan struct{}
	once    sync.Once
}

// SetHotspotSSID makes hotspots come up with ssid instead of the requested one
func (s *Sim) SetHotspotSSID(ssid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotspotSSID = ssid
}

// StartLocalOnly implements platform.Hotspot
func (s *Sim) StartLocalOnly(ctx context.Context, ssid, passphrase string) (platform.HotspotReservation, error) {
	if err := s.gate(ctx, OpHotspot); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hotspotSSID != "" {
		ssid = s.hotspotSSID
	}
	r := &reservation{
		sim:     s,
		cfg:     platform.HotspotConfig{SSID: ssid, Passphrase: passphrase, Interface: "ap0"},
		stopped: make(chan struct{}),
	}
	s.hotspots[r] = struct{}{}
	return r, nil
}

func (r *reservation) Config() platform.HotspotConfig { return r.cfg }

func (r *reservation) Stopped() <-chan struct{} { return r.stopped }

func (r *reservation) Close() error {
	r.sim.mu.Lock()
	delete(r.sim.hotspots, r)
	r.sim.mu.Unlock()
	r.once.Do(func() { close(r.stopped) })
	return nil
}

// ActiveHotspots reports held hotspot reservations
func (s *Sim) ActiveHotspots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hotspots)
}

// StopHotspots tears down every hotspot as if the platform revoked them
func (s *Sim) StopHotspots() {
	s.mu.Lock()
	held := make([]*reservation, 0, len(s.hotspots))
	for r := range s.hotspots {
		held = append(held, r)
	}
	s.mu.Unlock()
	for _, r := range held {
		r.Close()
	}
}

// SetSuggestionStatus scripts the outcome of AddNetworkSuggestion
func (s *Sim) SetSuggestionStatus(status platform.SuggestionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestion = status
}

// SetAssociateAfter makes a legacy join visible after n SSID polls; negative never associates
func (s *Sim) SetAssociateAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associateAfter = n
}

// SetCurrentSSID sets the associated network
func (s *Sim) SetCurrentSSID(ssid string) {
	s.mu.Lock()
	s.currentSSID = ssid
	s.mu.Unlock()
	s.notify(platform.ConnectivityState{SSID: ssid, Connected: ssid != ""})
}

// SetAccessPoints scripts scan results
func (s *Sim) SetAccessPoints(aps []platform.AccessPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessPoints = append([]platform.AccessPoint(nil), aps...)
}

// AddNetworkSuggestion implements platform.WiFi
func (s *Sim) AddNetworkSuggestion(ctx context.Context, profile platform.NetworkProfile) (platform.SuggestionStatus, error) {
	if err := s.gate(ctx, OpSuggest); err != nil {
		return platform.SuggestionFailed, err
	}
	s.mu.Lock()
	status := s.suggestion
	if status == platform.SuggestionAdded || status == platform.SuggestionDuplicate {
		s.currentSSID = profile.SSID
	}
	s.mu.Unlock()

	if status == platform.SuggestionAdded || status == platform.SuggestionDuplicate {
		s.notify(platform.ConnectivityState{SSID: profile.SSID, Connected: true})
	}
	return status, nil
}

// AddNetwork implements platform.WiFi
func (s *Sim) AddNetwork(ctx context.Context, profile platform.NetworkProfile) (string, error) {
	if err := s.gate(ctx, OpAddNetwork); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNetwork++
	id := fmt.Sprintf("net-%d", s.nextNetwork)
	s.networks[id] = profile.SSID
	return id, nil
}

// EnableNetwork implements platform.WiFi
func (s *Sim) EnableNetwork(ctx context.Context, networkID string) error {
	if err := s.gate(ctx, OpEnable); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ssid, ok := s.networks[networkID]
	if !ok {
		return fmt.Errorf("unknown network %q", networkID)
	}
	s.pendingSSID = ssid
	s.polls = 0
	return nil
}

// CurrentSSID implements platform.WiFi
func (s *Sim) CurrentSSID(ctx context.Context) (string, error) {
	if err := s.gate(ctx, OpPoll); err != nil {
		return "", err
	}
	s.mu.Lock()
	associated := false
	if s.pendingSSID != "" {
		s.polls++
		if s.associateAfter >= 0 && s.polls > s.associateAfter {
			s.currentSSID = s.pendingSSID
			s.pendingSSID = ""
			associated = true
		}
	}
	ssid := s.currentSSID
	s.mu.Unlock()

	if associated {
		s.notify(platform.ConnectivityState{SSID: ssid, Connected: true})
	}
	return ssid, nil
}

// ScanResults implements platform.WiFi
func (s *Sim) ScanResults(ctx context.Context) ([]platform.AccessPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.AccessPoint(nil), s.accessPoints...), nil
}

// Observe implements platform.Connectivity
func (s *Sim) Observe(ctx context.Context, fn func(platform.ConnectivityState)) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.observers[id] = fn
	return platform.CloserFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
		return nil
	}), nil
}

// ActiveObservers reports registered connectivity observers
func (s *Sim) ActiveObservers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// DropConnection disassociates and notifies observers
func (s *Sim) DropConnection() {
	s.mu.Lock()
	ssid := s.currentSSID
	s.currentSSID = ""
	s.mu.Unlock()
	s.notify(platform.ConnectivityState{SSID: ssid, Connected: false})
}

func (s *Sim) notify(state platform.ConnectivityState) {
	s.mu.Lock()
	fns := make([]func(platform.ConnectivityState), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

type advert struct {
	sim        *Sim
	key        string
	registered chan error
	once       sync.Once
}

func (a *advert) Registered() <-chan error { return a.registered }

func (a *advert) Close() error {
	a.once.Do(func() {
		a.sim.mu.Lock()
		info, ok := a.sim.services[a.key]
		delete(a.sim.services, a.key)
		delete(a.sim.adverts, a)
		a.sim.mu.Unlock()
		if ok {
			a.sim.broadcast(platform.BrowseEvent{Kind: platform.ServiceLost, Service: bare(info)})
		}
	})
	return nil
}

type browse struct {
	serviceType string
	mu          sync.Mutex
	events      chan platform.BrowseEvent
	closed      bool
	sim         *Sim
}

func (b *browse) Events() <-chan platform.BrowseEvent { return b.events }

func (b *browse) Close() error {
	b.sim.mu.Lock()
	delete(b.sim.browses, b)
	b.sim.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

func (b *browse) send(ev platform.BrowseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
	}
}

// FailRegistrationAsync makes registrations report err after being accepted
func (s *Sim) FailRegistrationAsync(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerAsync = err
}

// SetFoundRepeat makes every found notification repeat n extra times
func (s *Sim) SetFoundRepeat(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foundRepeat = n
}

// SetResolveDelay delays every resolve by d
func (s *Sim) SetResolveDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveDelay = d
}

// Register implements platform.ServiceDiscovery
func (s *Sim) Register(ctx context.Context, info platform.ServiceInfo) (platform.Advertisement, error) {
	if err := s.gate(ctx, OpRegister); err != nil {
		return nil, err
	}
	key := protocol.ServiceKey(info.Name, info.Type)
	a := &advert{sim: s, key: key, registered: make(chan error, 1)}

	s.mu.Lock()
	asyncErr := s.registerAsync
	if asyncErr == nil {
		s.services[key] = info
		s.adverts[a] = struct{}{}
	}
	s.mu.Unlock()

	a.registered <- asyncErr
	close(a.registered)
	if asyncErr == nil {
		s.broadcast(platform.BrowseEvent{Kind: platform.ServiceFound, Service: bare(info)})
	}
	return a, nil
}

// ActiveAdvertisements reports registrations not yet closed
func (s *Sim) ActiveAdvertisements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adverts)
}

// Discover implements platform.ServiceDiscovery; already known services are
// reported immediately
func (s *Sim) Discover(ctx context.Context, serviceType string) (platform.Browse, error) {
	if err := s.gate(ctx, OpDiscover); err != nil {
		return nil, err
	}
	b := &browse{serviceType: serviceType, events: make(chan platform.BrowseEvent, 1024), sim: s}

	s.mu.Lock()
	s.browses[b] = struct{}{}
	var known []platform.ServiceInfo
	for _, info := range s.services {
		if info.Type == serviceType {
			known = append(known, info)
		}
	}
	repeat := s.foundRepeat
	s.mu.Unlock()

	for _, info := range known {
		for i := 0; i <= repeat; i++ {
			b.send(platform.BrowseEvent{Kind: platform.ServiceFound, Service: bare(info)})
		}
	}
	return b, nil
}

// ActiveBrowses reports browses not yet closed
func (s *Sim) ActiveBrowses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.browses)
}

// Resolve implements platform.ServiceDiscovery
func (s *Sim) Resolve(ctx context.Context, info platform.ServiceInfo) (platform.ServiceInfo, error) {
	if err := s.gate(ctx, OpResolve); err != nil {
		return platform.ServiceInfo{}, err
	}
	s.mu.Lock()
	delay := s.resolveDelay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return platform.ServiceInfo{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.services[protocol.ServiceKey(info.Name, info.Type)]
	if !ok {
		return platform.ServiceInfo{}, fmt.Errorf("%s: %w", info.Name, ErrNotFound)
	}
	return full, nil
}

// InjectFound makes a remote service visible to browses of its type
func (s *Sim) InjectFound(info platform.ServiceInfo) {
	s.mu.Lock()
	s.services[protocol.ServiceKey(info.Name, info.Type)] = info
	s.mu.Unlock()
	s.broadcast(platform.BrowseEvent{Kind: platform.ServiceFound, Service: bare(info)})
}

// InjectLost removes a remote service and notifies browses
func (s *Sim) InjectLost(name, serviceType string) {
	s.mu.Lock()
	delete(s.services, protocol.ServiceKey(name, serviceType))
	s.mu.Unlock()
	s.broadcast(platform.BrowseEvent{
		Kind:    platform.ServiceLost,
		Service: platform.ServiceInfo{Name: name, Type: serviceType},
	})
}

// FailBrowses reports a browse failure to every running browse
func (s *Sim) FailBrowses(err error) {
	s.broadcast(platform.BrowseEvent{Kind: platform.BrowseFailed, Err: err})
}

func (s *Sim) broadcast(ev platform.BrowseEvent) {
	s.mu.Lock()
	targets := make([]*browse, 0, len(s.browses))
	for b := range s.browses {
		if ev.Kind == platform.BrowseFailed || b.serviceType == ev.Service.Type {
			targets = append(targets, b)
		}
	}
	repeat := 0
	if ev.Kind == platform.ServiceFound {
		repeat = s.foundRepeat
	}
	s.mu.Unlock()

	for _, b := range targets {
		for i := 0; i <= repeat; i++ {
			b.send(ev)
		}
	}
}

// bare strips what only resolution reveals
func bare(info platform.ServiceInfo) platform.ServiceInfo {
	return platform.ServiceInfo{Name: info.Name, Type: info.Type}
}

// SetBattery sets the reported battery level
func (s *Sim) SetBattery(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = level
}

// SetSignal sets the reported signal strength
func (s *Sim) SetSignal(dbm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = dbm
}

// SetLocalIP sets the reported local address; empty reports an error
func (s *Sim) SetLocalIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localIP = ip
}

// BatteryLevel implements platform.Telemetry
func (s *Sim) BatteryLevel(ctx context.Context) (int, error) {
	_, err := s.enter("battery")
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, nil
}

// SignalStrength implements platform.Telemetry
func (s *Sim) SignalStrength(ctx context.Context) (int, error) {
	_, err := s.enter("signal")
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentSSID == "" {
		return 0, errors.New("not associated")
	}
	return s.signal, nil
}

// LocalIPv4 implements platform.NetworkInfo
func (s *Sim) LocalIPv4(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localIP == "" {
		return "", errors.New("no local address")
	}
	return s.localIP, nil
}
