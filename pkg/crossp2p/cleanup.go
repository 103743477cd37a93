// ABOUTME: Idempotent teardown run by disconnect
// ABOUTME: Every step runs even when earlier ones fail; failures are aggregated and logged
package crossp2p

import (
	"context"
	"fmt"

	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type cleanupStep struct {
	name string
	run  func() error
}

// cleanupCoordinator runs teardown steps in order
type cleanupCoordinator struct {
	steps []cleanupStep
	log   *zap.Logger
}

func (c *cleanupCoordinator) run() error {
	var errs error
	for _, s := range c.steps {
		errs = multierr.Append(errs, runStep(s))
	}
	for _, err := range multierr.Errors(errs) {
		c.log.Warn("cleanup step failed", zap.Error(err))
	}
	return errs
}

func runStep(s cleanupStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", protocol.ErrCleanup, s.name, r)
		}
	}()
	if err := s.run(); err != nil {
		return fmt.Errorf("%w: %s: %w", protocol.ErrCleanup, s.name, err)
	}
	return nil
}

func (e *Engine) cleanup() *cleanupCoordinator {
	return &cleanupCoordinator{
		log: e.log,
		steps: []cleanupStep{
			{"interrupt room formation", func() error { e.rooms.Interrupt(); return nil }},
			{"stop peer-to-peer session", e.rooms.ReleaseSession},
			{"release hotspot", e.rooms.ReleaseHotspot},
			{"stop broadcast", e.discovery.StopBroadcast},
			{"stop scan", e.discovery.StopScan},
			{"release connectivity observer", e.rooms.ReleaseObserver},
			{"clear room", func() error { e.rooms.Reset(); return nil }},
			{"clear service registry", func() error { e.discovery.ClearRegistry(); return nil }},
		},
	}
}

// Disconnect tears down every session, reservation, registration and
// observer, then publishes one disconnected event. It always succeeds,
// before Initialize and however many steps fail.
func (e *Engine) Disconnect(ctx context.Context) (protocol.SuccessResult, error) {
	if err := e.cleanup().run(); err != nil {
		e.log.Warn("disconnect finished with cleanup errors", zap.Int("failed", len(multierr.Errors(err))))
	} else {
		e.log.Info("disconnected")
	}

	e.bus.Emit(protocol.NewEvent(protocol.EventDisconnected, "Disconnected from network"))
	return protocol.SuccessResult{Success: true}, nil
}
