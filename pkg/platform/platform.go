// ABOUTME: Contracts for the native collaborators the engine drives
// ABOUTME: Capabilities, peer-to-peer, hotspot, Wi-Fi, discovery and telemetry
package platform

import (
	"context"
	"io"
)

// Capabilities describes what the host platform can do
type Capabilities struct {
	// Platform names the host, e.g. "linux" or "sim"
	Platform string
	// APILevel is the platform API generation, 0 when not meaningful
	APILevel int

	PeerToPeer         bool // Aware-style peer-to-peer sessions
	LocalHotspot       bool // modern local-only hotspot API
	LegacyHotspot      bool // legacy hotspot path (manual setup)
	NetworkSuggestions bool // declarative join
	LegacyJoin         bool // imperative add/enable join
}

// CapabilityProvider answers capability queries
type CapabilityProvider interface {
	Capabilities(ctx context.Context) Capabilities
}

// PublishConfig describes a peer-to-peer publish
type PublishConfig struct {
	ServiceName string
	Info        []byte
}

// PeerToPeer attaches to the peer-to-peer subsystem
type PeerToPeer interface {
	// Attach blocks until the session is attached or ctx is done
	Attach(ctx context.Context) (AwareSession, error)
}

// AwareSession is an attached peer-to-peer session
type AwareSession interface {
	// Publish blocks until publishing started or ctx is done
	Publish(ctx context.Context, cfg PublishConfig) (io.Closer, error)
	Close() error
}

// HotspotConfig is the configuration a hotspot came up with
type HotspotConfig struct {
	SSID       string
	Passphrase string
	Interface  string
}

// HotspotReservation is a held local-only hotspot
type HotspotReservation interface {
	Config() HotspotConfig
	// Stopped is closed when the platform tears the hotspot down on its own
	Stopped() <-chan struct{}
	Close() error
}

// Hotspot starts local-only hotspots
type Hotspot interface {
	// StartLocalOnly blocks until the hotspot started, failed or ctx is done
	StartLocalOnly(ctx context.Context, ssid, passphrase string) (HotspotReservation, error)
}

// NetworkProfile is a network to join
type NetworkProfile struct {
	SSID       string
	Passphrase string
}

// SuggestionStatus is the outcome of a declarative join
type SuggestionStatus int

const (
	SuggestionAdded SuggestionStatus = iota
	SuggestionDuplicate
	SuggestionAlreadyAssociated
	SuggestionDenied
	SuggestionFailed
)

func (s SuggestionStatus) String() string {
	switch s {
	case SuggestionAdded:
		return "added"
	case SuggestionDuplicate:
		return "duplicate"
	case SuggestionAlreadyAssociated:
		return "already associated"
	case SuggestionDenied:
		return "denied"
	default:
		return "failed"
	}
}

// AccessPoint is one raw scan result
type AccessPoint struct {
	SSID      string
	BSSID     string
	Level     int // dBm
	Frequency int // MHz
	Security  string
}

// WiFi is the join/association and scan surface
type WiFi interface {
	AddNetworkSuggestion(ctx context.Context, profile NetworkProfile) (SuggestionStatus, error)
	AddNetwork(ctx context.Context, profile NetworkProfile) (string, error)
	EnableNetwork(ctx context.Context, networkID string) error
	CurrentSSID(ctx context.Context) (string, error)
	ScanResults(ctx context.Context) ([]AccessPoint, error)
}

// ConnectivityState is reported to connectivity observers
type ConnectivityState struct {
	SSID      string
	Connected bool
}

// Connectivity registers connectivity-change observers
type Connectivity interface {
	Observe(ctx context.Context, fn func(ConnectivityState)) (io.Closer, error)
}

// ServiceInfo is what the discovery primitive knows about a service;
// Host, Port and Attributes are only filled in after Resolve
type ServiceInfo struct {
	Name       string
	Type       string
	Host       string
	Port       int
	Attributes map[string]string
}

// Advertisement is a pending or active service registration
type Advertisement interface {
	// Registered yields nil once registered or the failure, then is closed
	Registered() <-chan error
	io.Closer
}

// BrowseEventKind distinguishes browse notifications
type BrowseEventKind int

const (
	ServiceFound BrowseEventKind = iota
	ServiceLost
	BrowseFailed
)

// BrowseEvent is one raw discovery notification
type BrowseEvent struct {
	Kind    BrowseEventKind
	Service ServiceInfo
	Err     error
}

// Browse is a running discovery
type Browse interface {
	// Events is closed after the browse stops
	Events() <-chan BrowseEvent
	io.Closer
}

// ServiceDiscovery is the advertise/discover/resolve primitive
type ServiceDiscovery interface {
	Register(ctx context.Context, info ServiceInfo) (Advertisement, error)
	Discover(ctx context.Context, serviceType string) (Browse, error)
	// Resolve blocks until the service is resolved or ctx is done
	Resolve(ctx context.Context, info ServiceInfo) (ServiceInfo, error)
}

// Telemetry reports device health
type Telemetry interface {
	BatteryLevel(ctx context.Context) (int, error)
	SignalStrength(ctx context.Context) (int, error)
}

// NetworkInfo reports the local address peers should use
type NetworkInfo interface {
	LocalIPv4(ctx context.Context) (string, error)
}

// Platform bundles the owned collaborator handles injected into the engine.
// PeerToPeer, Hotspot, WiFi and Connectivity may be nil when unsupported.
type Platform struct {
	Capabilities CapabilityProvider
	PeerToPeer   PeerToPeer
	Hotspot      Hotspot
	WiFi         WiFi
	Connectivity Connectivity
	Discovery    ServiceDiscovery
	Telemetry    Telemetry
	Network      NetworkInfo
}

// CloserFunc adapts a function to io.Closer
type CloserFunc func() error

// Close calls f
func (f CloserFunc) Close() error { return f() }
