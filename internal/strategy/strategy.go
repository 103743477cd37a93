// ABOUTME: Uniform contract for room-forming and network-joining strategies
// ABOUTME: Requests, outcomes and the leases that keep platform resources held
package strategy

import (
	"context"
	"sync"

	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

// Method names reported in StrategyResult.Method
const (
	MethodAware             = "aware"
	MethodHotspot           = "hotspot"
	MethodLegacyHotspot     = "legacyHotspot"
	MethodNetworkSuggestion = "networkSuggestion"
	MethodLegacyJoin        = "legacy"
)

// Network interface labels reported by successful room strategies
const (
	InterfaceAware   = "WiFiAware"
	InterfaceHotspot = "LocalOnlyHotspot"
)

// AwareServicePrefix prefixes the room id in peer-to-peer publishes
const AwareServicePrefix = "AttendanceRoom_"

// Request carries the arguments of createRoom or joinNetwork
type Request struct {
	RoomID            string
	SSID              string
	Passphrase        string
	ExpectedPeerCount int
	PeerID            string
}

// Strategy is one way of forming a room or joining a network.
// Attempt returns an error for platform failures and an unsuccessful
// result for soft failures; both make the caller fall back.
type Strategy interface {
	Method() string
	Attempt(ctx context.Context, req Request) (Outcome, error)
}

// Outcome is a strategy's result plus whatever it holds on success
type Outcome struct {
	Result protocol.StrategyResult
	Lease  *Lease
}

// LeaseKind tells teardown which resource a lease holds
type LeaseKind string

const (
	LeasePeerToPeer LeaseKind = "peerToPeer"
	LeaseHotspot    LeaseKind = "hotspot"
)

// Lease holds a platform resource acquired by a successful strategy
type Lease struct {
	Kind    LeaseKind
	Method  string
	stopped <-chan struct{}
	release func() error
	once    sync.Once
	err     error
}

// NewLease wraps release; stopped may be nil when the resource never stops on its own
func NewLease(kind LeaseKind, method string, stopped <-chan struct{}, release func() error) *Lease {
	return &Lease{Kind: kind, Method: method, stopped: stopped, release: release}
}

// Stopped is closed when the platform tears the resource down; nil if it never does
func (l *Lease) Stopped() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.stopped
}

// Release frees the resource once; later calls return the first result
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release()
		}
	})
	return l.err
}
