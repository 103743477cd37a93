// ABOUTME: crossp2p control protocol message type definitions
// ABOUTME: Envelope, handshake, method calls, results and streamed events
package protocol

import "encoding/json"

// ProtocolVersion is the control protocol version spoken by server and client
const ProtocolVersion = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeCall        = "engine/call"
	TypeResult      = "engine/result"
	TypeEvent       = "engine/event"
	TypeServerError = "server/error"
)

// Method names of the request/response surface
const (
	MethodInitialize        = "initialize"
	MethodCreateRoom        = "createRoom"
	MethodJoinNetwork       = "joinNetwork"
	MethodScanNetworks      = "scanNetworks"
	MethodSingleScan        = "singleScan"
	MethodStartBroadcast    = "startBroadcast"
	MethodStopBroadcast     = "stopBroadcast"
	MethodStartScan         = "startScan"
	MethodStopScan          = "stopScan"
	MethodDisconnect        = "disconnect"
	MethodGetBatteryLevel   = "getBatteryLevel"
	MethodGetSignalStrength = "getSignalStrength"
)

// Bus channel names carried in engine/event messages
const (
	ChannelEvents = "events"
	ChannelData   = "data"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// DecodePayload re-decodes a generically parsed payload into out
func DecodePayload(payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ClientHello is sent by controllers to initiate the handshake
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Product  string `json:"product"`
}

// Call invokes one engine method
type Call struct {
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Result answers a Call; exactly one of Result or Error is set
type Result struct {
	Result interface{}   `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload is a structured failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage streams one bus event to a controller
type EventMessage struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// InitializeArgs are the arguments of initialize
type InitializeArgs struct {
	ServiceType     string `json:"serviceType,omitempty"`
	PreferAware     *bool  `json:"preferAware,omitempty"`
	EnableDebugLogs bool   `json:"enableDebugLogs,omitempty"`
}

// InitializeResult answers initialize
type InitializeResult struct {
	Success            bool `json:"success"`
	WifiAwareSupported bool `json:"wifiAwareSupported"`
}

// CreateRoomArgs are the arguments of createRoom
type CreateRoomArgs struct {
	RoomID       string `json:"roomId"`
	SSID         string `json:"ssid"`
	Password     string `json:"password"`
	ExpectedSize int    `json:"expectedSize,omitempty"`
}

// JoinNetworkArgs are the arguments of joinNetwork
type JoinNetworkArgs struct {
	SSID      string `json:"ssid"`
	Password  string `json:"password,omitempty"`
	StudentID string `json:"studentId"`
}

// ScanNetworksResult answers scanNetworks
type ScanNetworksResult struct {
	Networks []Network `json:"networks"`
	Count    int       `json:"count"`
}

// SingleScanArgs are the arguments of singleScan; Timeout is in milliseconds
type SingleScanArgs struct {
	ServiceType string `json:"serviceType"`
	Timeout     int    `json:"timeout,omitempty"`
}

// SingleScanResult answers singleScan
type SingleScanResult struct {
	Services []ServiceRecord `json:"services"`
	Count    int             `json:"count"`
}

// StartBroadcastArgs are the arguments of startBroadcast
type StartBroadcastArgs struct {
	ServiceName string            `json:"serviceName"`
	ServiceType string            `json:"serviceType"`
	Port        int               `json:"port"`
	TxtRecords  map[string]string `json:"txtRecords,omitempty"`
}

// StartScanArgs are the arguments of startScan
type StartScanArgs struct {
	ServiceType string `json:"serviceType"`
}

// SuccessResult answers the fire-and-forget methods
type SuccessResult struct {
	Success bool `json:"success"`
}

// BatteryResult answers getBatteryLevel
type BatteryResult struct {
	BatteryLevel int `json:"batteryLevel"`
}

// SignalResult answers getSignalStrength
type SignalResult struct {
	SignalStrength int `json:"signalStrength"`
}
