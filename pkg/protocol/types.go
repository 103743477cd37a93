// ABOUTME: Data model shared by the engine, its collaborators and the wire
// ABOUTME: Room, StrategyResult, ServiceRecord, Network and Event types
package protocol

import "time"

// Defaults carried by every engine unless overridden
const (
	DefaultServiceType       = "_attendance._tcp"
	DefaultBrokerPort        = 1883
	DefaultExpectedPeerCount = 50
	DefaultBrokerAddress     = "192.168.1.1"
	DefaultSingleScanTimeout = 10 * time.Second

	// BatteryUnavailable and SignalUnavailable are reported when telemetry is missing
	BatteryUnavailable = -1
	SignalUnavailable  = -1
)

// RoomState is the lifecycle state of a room
type RoomState string

const (
	RoomIdle    RoomState = "idle"
	RoomForming RoomState = "forming"
	RoomActive  RoomState = "active"
	RoomFailed  RoomState = "failed"
)

// Room is the ephemeral ad hoc network session
type Room struct {
	ID                   string    `json:"roomId,omitempty"`
	SSID                 string    `json:"ssid,omitempty"`
	Passphrase           string    `json:"-"`
	ExpectedPeerCount    int       `json:"expectedSize,omitempty"`
	State                RoomState `json:"state"`
	FormingMethod        string    `json:"formingMethod,omitempty"`
	ActiveStrategyMethod string    `json:"method,omitempty"`
}

// StrategyResult is the immutable outcome of one strategy attempt or of a
// whole createRoom/joinNetwork call
type StrategyResult struct {
	Success          bool           `json:"success"`
	Method           string         `json:"method,omitempty"`
	BrokerAddress    string         `json:"brokerIp,omitempty"`
	BrokerPort       int            `json:"brokerPort,omitempty"`
	NetworkInterface string         `json:"networkInterface,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Failed builds an unsuccessful result for method
func Failed(method, reason string) StrategyResult {
	return StrategyResult{Success: false, Method: method, Error: reason}
}

// WithMetadata returns a copy of r with key set in its metadata
func (r StrategyResult) WithMetadata(key string, value any) StrategyResult {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// ServiceRecord is a fully resolved discovered service
type ServiceRecord struct {
	ID         string            `json:"serviceId"`
	Name       string            `json:"serviceName"`
	Type       string            `json:"serviceType"`
	Host       string            `json:"hostName"`
	Port       int               `json:"port"`
	Attributes map[string]string `json:"txtRecords"`
}

// ServiceKey is the composite dedup key of a service
func ServiceKey(name, serviceType string) string {
	return name + "_" + serviceType
}

// RegistrationMode distinguishes outbound advertisements from scans
type RegistrationMode string

const (
	Broadcasting RegistrationMode = "broadcasting"
	Scanning     RegistrationMode = "scanning"
)

// DiscoveryRegistration describes one active broadcast or scan
type DiscoveryRegistration struct {
	ServiceType string           `json:"serviceType"`
	Mode        RegistrationMode `json:"mode"`
	Active      bool             `json:"active"`
}

// Network is one row of a Wi-Fi scan
type Network struct {
	SSID           string `json:"ssid"`
	BSSID          string `json:"bssid"`
	SignalStrength int    `json:"signalStrength"`
	Frequency      int    `json:"frequency"`
	Capabilities   string `json:"capabilities"`
	IsSecure       bool   `json:"isSecure"`
	Timestamp      int64  `json:"timestamp"`
}
