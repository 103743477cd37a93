// ABOUTME: Event stream payloads published on the engine's bus
// ABOUTME: Event types mirror the lifecycle of rooms, joins and discovery
package protocol

// EventType identifies the kind of lifecycle event
type EventType string

const (
	EventInitialized             EventType = "initialized"
	EventHotspotStarted          EventType = "hotspotStarted"
	EventHotspotStopped          EventType = "hotspotStopped"
	EventWifiAwarePublishStarted EventType = "wifiAwarePublishStarted"
	EventNetworkJoined           EventType = "networkJoined"
	EventServiceRegistered       EventType = "serviceRegistered"
	EventServiceUnregistered     EventType = "serviceUnregistered"
	EventDiscoveryStarted        EventType = "discoveryStarted"
	EventServiceFound            EventType = "serviceFound"
	EventServiceResolved         EventType = "serviceResolved"
	EventServiceLost             EventType = "serviceLost"
	EventDiscoveryStopped        EventType = "discoveryStopped"
	EventDisconnected            EventType = "disconnected"
	EventError                   EventType = "error"
)

// Event is a transient notification; it is never persisted
type Event struct {
	Type    EventType      `json:"type"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event without data
func NewEvent(t EventType, message string) Event {
	return Event{Type: t, Message: message}
}

// ErrorEvent builds an error-typed event
func ErrorEvent(message string, data map[string]any) Event {
	return Event{Type: EventError, Message: message, Data: data}
}

// RecordData flattens a service record into event data
func RecordData(rec ServiceRecord) map[string]any {
	attrs := make(map[string]string, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"serviceId":   rec.ID,
		"serviceName": rec.Name,
		"serviceType": rec.Type,
		"hostName":    rec.Host,
		"port":        rec.Port,
		"txtRecords":  attrs,
	}
}
