// ABOUTME: Entry point for the crossp2p daemon
// ABOUTME: Parses flags, builds the platform and serves the control endpoint
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/upasthiti/crossp2p-go/internal/config"
	"github.com/upasthiti/crossp2p-go/internal/discovery"
	"github.com/upasthiti/crossp2p-go/internal/logging"
	"github.com/upasthiti/crossp2p-go/internal/netmgr"
	"github.com/upasthiti/crossp2p-go/internal/server"
	"github.com/upasthiti/crossp2p-go/internal/version"
	"github.com/upasthiti/crossp2p-go/pkg/crossp2p"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/platform/sim"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Port, "WebSocket control port")
	name := flag.String("name", cfg.Name, "Daemon friendly name (default: hostname-crossp2p)")
	logFile := flag.String("log-file", cfg.LogFile, "Log file path")
	debug := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	noMDNS := flag.Bool("no-mdns", !cfg.EnableMDNS, "Disable mDNS advertisement of the control endpoint")
	platformName := flag.String("platform", cfg.Platform, "Platform backend: linux or sim")
	iface := flag.String("interface", cfg.Interface, "Wi-Fi interface (default: first Wi-Fi device)")
	serviceType := flag.String("service-type", cfg.ServiceType, "Default DNS-SD service type")
	noAware := flag.Bool("no-aware", !cfg.PreferAware, "Skip the peer-to-peer strategy when forming rooms")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	logger, err := logging.New(logging.Config{File: *logFile, Debug: *debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Logger

	daemonName := *name
	if daemonName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		daemonName = fmt.Sprintf("%s-crossp2p", hostname)
	}

	log.Info("starting crossp2p daemon",
		zap.String("name", daemonName),
		zap.Int("port", *port),
		zap.String("platform", *platformName),
		zap.String("logFile", *logFile))

	mdns := discovery.NewMDNS(discovery.MDNSConfig{Logger: log})

	p, closePlatform, err := buildPlatform(*platformName, *iface, mdns, log)
	if err != nil {
		log.Fatal("platform unavailable", zap.Error(err))
	}
	defer closePlatform()

	engine := crossp2p.New(crossp2p.Options{
		Platform:         p,
		Logger:           log,
		Level:            &logger.Level,
		AttemptTimeout:   cfg.AttemptTimeout,
		JoinPollInterval: cfg.JoinPollInterval,
		JoinDeadline:     cfg.JoinDeadline,
	})
	defer engine.Close()

	if _, err := engine.Initialize(context.Background(), crossp2p.InitOptions{
		ServiceType:     *serviceType,
		PreferAware:     !*noAware,
		EnableDebugLogs: *debug,
	}); err != nil {
		log.Fatal("initialize engine", zap.Error(err))
	}

	srvConfig := server.Config{
		Port:   *port,
		Name:   daemonName,
		Engine: engine,
		Logger: log,
	}
	if !*noMDNS {
		srvConfig.Advertiser = mdns
	}
	srv := server.New(srvConfig)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// buildPlatform returns the collaborators for name and a function releasing them
func buildPlatform(name, iface string, sd platform.ServiceDiscovery, log *zap.Logger) (platform.Platform, func(), error) {
	switch name {
	case "sim":
		p := sim.New().Platform()
		p.Discovery = sd
		return p, func() {}, nil
	case "linux":
		nm, err := netmgr.Connect(netmgr.Config{Interface: iface, Logger: log})
		if err != nil {
			return platform.Platform{}, nil, err
		}
		p := nm.Platform()
		p.Discovery = sd
		return p, func() { nm.Close() }, nil
	default:
		return platform.Platform{}, nil, fmt.Errorf("unknown platform %q (want linux or sim)", name)
	}
}
