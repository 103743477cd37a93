// ABOUTME: Room-forming strategies: peer-to-peer publish, local-only hotspot, legacy hotspot
// ABOUTME: Each success yields a broker address and a lease on the platform resource
package strategy

import (
	"context"
	"fmt"

	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Aware forms a room by publishing over a peer-to-peer session
type Aware struct {
	p2p  platform.PeerToPeer
	net  platform.NetworkInfo
	port int
	log  *zap.Logger
}

// Method implements Strategy
func (a *Aware) Method() string { return MethodAware }

// Attempt attaches a session and publishes the room; the session is
// closed again if publishing fails
func (a *Aware) Attempt(ctx context.Context, req Request) (Outcome, error) {
	sess, err := a.p2p.Attach(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("attach: %w", err)
	}

	name := AwareServicePrefix + req.RoomID
	pub, err := sess.Publish(ctx, platform.PublishConfig{ServiceName: name, Info: []byte(req.SSID)})
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			a.log.Warn("close session after failed publish", zap.Error(cerr))
		}
		return Outcome{}, fmt.Errorf("publish: %w", err)
	}

	a.log.Info("peer-to-peer publish started", zap.String("service", name))

	result := protocol.StrategyResult{
		Success:          true,
		Method:           MethodAware,
		BrokerAddress:    brokerAddress(ctx, a.net, a.log),
		BrokerPort:       a.port,
		NetworkInterface: InterfaceAware,
	}.WithMetadata("roomId", req.RoomID).WithMetadata("serviceName", name)

	lease := NewLease(LeasePeerToPeer, MethodAware, nil, func() error {
		return multierr.Append(pub.Close(), sess.Close())
	})
	return Outcome{Result: result, Lease: lease}, nil
}

// Hotspot forms a room by reserving a local-only hotspot
type Hotspot struct {
	hotspot platform.Hotspot
	net     platform.NetworkInfo
	port    int
	log     *zap.Logger
}

// Method implements Strategy
func (h *Hotspot) Method() string { return MethodHotspot }

// Attempt reserves the hotspot; the reported SSID and passphrase are the
// ones the platform actually brought up
func (h *Hotspot) Attempt(ctx context.Context, req Request) (Outcome, error) {
	res, err := h.hotspot.StartLocalOnly(ctx, req.SSID, req.Passphrase)
	if err != nil {
		return Outcome{}, fmt.Errorf("start hotspot: %w", err)
	}

	cfg := res.Config()
	h.log.Info("local-only hotspot started",
		zap.String("ssid", cfg.SSID), zap.String("interface", cfg.Interface))

	result := protocol.StrategyResult{
		Success:          true,
		Method:           MethodHotspot,
		BrokerAddress:    brokerAddress(ctx, h.net, h.log),
		BrokerPort:       h.port,
		NetworkInterface: InterfaceHotspot,
	}.WithMetadata("roomId", req.RoomID).
		WithMetadata("ssid", cfg.SSID).
		WithMetadata("password", cfg.Passphrase)

	return Outcome{Result: result, Lease: NewLease(LeaseHotspot, MethodHotspot, res.Stopped(), res.Close)}, nil
}

// LegacyHotspot is the last resort on platforms that cannot create a
// hotspot programmatically; it always asks for manual setup
type LegacyHotspot struct{}

// Method implements Strategy
func (LegacyHotspot) Method() string { return MethodLegacyHotspot }

// Attempt implements Strategy
func (LegacyHotspot) Attempt(ctx context.Context, req Request) (Outcome, error) {
	result := protocol.Failed(MethodLegacyHotspot, "hotspot must be enabled manually").
		WithMetadata("requiresManualSetup", true).
		WithMetadata("ssid", req.SSID).
		WithMetadata("password", req.Passphrase)
	return Outcome{Result: result}, nil
}

func brokerAddress(ctx context.Context, n platform.NetworkInfo, log *zap.Logger) string {
	if n == nil {
		return protocol.DefaultBrokerAddress
	}
	ip, err := n.LocalIPv4(ctx)
	if err != nil || ip == "" {
		log.Debug("local address unavailable, using fallback", zap.Error(err))
		return protocol.DefaultBrokerAddress
	}
	return ip
}
