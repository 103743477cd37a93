// ABOUTME: Join strategies: declarative network suggestion and imperative add/enable
// ABOUTME: The imperative path confirms association by polling on the injected clock
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// Suggestion joins by handing the platform a network suggestion
type Suggestion struct {
	wifi platform.WiFi
	log  *zap.Logger
}

// Method implements Strategy
func (s *Suggestion) Method() string { return MethodNetworkSuggestion }

// Attempt maps suggestion statuses: added and duplicate are success,
// already associated is success with alreadyConnected set
func (s *Suggestion) Attempt(ctx context.Context, req Request) (Outcome, error) {
	status, err := s.wifi.AddNetworkSuggestion(ctx, platform.NetworkProfile{SSID: req.SSID, Passphrase: req.Passphrase})
	if err != nil {
		return Outcome{}, fmt.Errorf("add suggestion: %w", err)
	}

	s.log.Debug("network suggestion", zap.String("ssid", req.SSID), zap.Stringer("status", status))

	ok := protocol.StrategyResult{Success: true, Method: MethodNetworkSuggestion}.WithMetadata("ssid", req.SSID)
	switch status {
	case platform.SuggestionAdded, platform.SuggestionDuplicate:
		return Outcome{Result: ok}, nil
	case platform.SuggestionAlreadyAssociated:
		return Outcome{Result: ok.WithMetadata("alreadyConnected", true)}, nil
	case platform.SuggestionDenied:
		return Outcome{Result: protocol.Failed(MethodNetworkSuggestion, "suggestion denied by user").
			WithMetadata("requiresUserApproval", true)}, nil
	default:
		return Outcome{Result: protocol.Failed(MethodNetworkSuggestion, "suggestion "+status.String())}, nil
	}
}

// LegacyJoin adds and enables a network profile, then polls the
// associated SSID until it matches or the deadline passes
type LegacyJoin struct {
	wifi     platform.WiFi
	clock    clock.Clock
	interval time.Duration
	deadline time.Duration
	log      *zap.Logger
}

// Method implements Strategy
func (l *LegacyJoin) Method() string { return MethodLegacyJoin }

// Attempt implements Strategy
func (l *LegacyJoin) Attempt(ctx context.Context, req Request) (Outcome, error) {
	ok := protocol.StrategyResult{Success: true, Method: MethodLegacyJoin}.WithMetadata("ssid", req.SSID)

	current, err := l.wifi.CurrentSSID(ctx)
	if err == nil && current == req.SSID {
		return Outcome{Result: ok.WithMetadata("alreadyConnected", true)}, nil
	}

	id, err := l.wifi.AddNetwork(ctx, platform.NetworkProfile{SSID: req.SSID, Passphrase: req.Passphrase})
	if err != nil {
		return Outcome{}, fmt.Errorf("add network: %w", err)
	}
	if err := l.wifi.EnableNetwork(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("enable network: %w", err)
	}

	deadline := l.clock.Timer(l.deadline)
	defer deadline.Stop()
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline.C:
			return Outcome{}, fmt.Errorf("association with %q not confirmed within %s: %w",
				req.SSID, l.deadline, protocol.ErrTimeout)
		case <-ticker.C:
			current, err := l.wifi.CurrentSSID(ctx)
			if err != nil {
				l.log.Debug("poll associated ssid", zap.Error(err))
				continue
			}
			if current == req.SSID {
				return Outcome{Result: ok}, nil
			}
		}
	}
}
