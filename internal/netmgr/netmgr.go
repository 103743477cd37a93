// ABOUTME: NetworkManager and UPower adapter over the system D-Bus
// ABOUTME: Capabilities, AP-mode hotspot, imperative join, scans, connectivity and telemetry
package netmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/godbus/dbus/v5"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

const (
	nmDest       = "org.freedesktop.NetworkManager"
	nmPath       = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettings   = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	nmIface      = "org.freedesktop.NetworkManager"
	deviceIface  = nmIface + ".Device"
	wirelessIfc  = nmIface + ".Device.Wireless"
	apIface      = nmIface + ".AccessPoint"
	activeIface  = nmIface + ".Connection.Active"
	settingsIfc  = nmIface + ".Settings"
	connIface    = nmIface + ".Settings.Connection"
	ip4Iface     = nmIface + ".IP4Config"
	upowerDest   = "org.freedesktop.UPower"
	upowerDevice = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	upowerIface  = "org.freedesktop.UPower.Device"

	deviceTypeWiFi = 2
	wifiCapAP      = 0x40

	activeActivated   = 2
	activeDeactivated = 4

	// NM_STATE_CONNECTED_SITE and above mean a usable link
	stateConnectedSite = 60
)

// ErrNoWiFiDevice is returned when NetworkManager manages no Wi-Fi device
var ErrNoWiFiDevice = errors.New("no wifi device managed by NetworkManager")

// Config tunes the adapter
type Config struct {
	// Interface pins the Wi-Fi device; empty picks the first one
	Interface string
	// WatchInterval is how often held hotspots are checked
	WatchInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Client talks to NetworkManager and UPower
type Client struct {
	conn   *dbus.Conn
	config Config
	clock  clock.Clock
	log    *zap.Logger

	mu       sync.Mutex
	networks map[string]dbus.ObjectPath
}

// Connect opens a private system bus connection
func Connect(config Config) (*Client, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = 2 * time.Second
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Client{
		conn:     conn,
		config:   config,
		clock:    config.Clock,
		log:      config.Logger.Named("netmgr"),
		networks: make(map[string]dbus.ObjectPath),
	}, nil
}

// Close closes the bus connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Platform exposes the adapter as collaborators; peer-to-peer and
// service discovery are not provided by NetworkManager
func (c *Client) Platform() platform.Platform {
	return platform.Platform{
		Capabilities: c,
		Hotspot:      c,
		WiFi:         c,
		Connectivity: c,
		Telemetry:    c,
		Network:      c,
	}
}

func prop[T any](obj dbus.BusObject, name string) (T, error) {
	var zero T
	v, err := obj.GetProperty(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s has type %T", name, v.Value())
	}
	return t, nil
}

func (c *Client) nm() dbus.BusObject { return c.conn.Object(nmDest, nmPath) }

func (c *Client) obj(path dbus.ObjectPath) dbus.BusObject { return c.conn.Object(nmDest, path) }

// wifiDevice finds the Wi-Fi device path and its interface name
func (c *Client) wifiDevice(ctx context.Context) (dbus.ObjectPath, string, error) {
	var devices []dbus.ObjectPath
	if err := c.nm().CallWithContext(ctx, nmIface+".GetDevices", 0).Store(&devices); err != nil {
		return "", "", fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		o := c.obj(dev)
		typ, err := prop[uint32](o, deviceIface+".DeviceType")
		if err != nil || typ != deviceTypeWiFi {
			continue
		}
		name, _ := prop[string](o, deviceIface+".Interface")
		if c.config.Interface != "" && name != c.config.Interface {
			continue
		}
		return dev, name, nil
	}
	return "", "", ErrNoWiFiDevice
}

// Capabilities implements platform.CapabilityProvider
func (c *Client) Capabilities(ctx context.Context) platform.Capabilities {
	caps := platform.Capabilities{Platform: "linux-networkmanager", LegacyHotspot: true}

	dev, _, err := c.wifiDevice(ctx)
	if err != nil {
		c.log.Debug("capability probe", zap.Error(err))
		return caps
	}
	caps.LegacyJoin = true

	wcaps, err := prop[uint32](c.obj(dev), wirelessIfc+".WirelessCapabilities")
	if err == nil {
		caps.LocalHotspot = apCapable(wcaps)
	}
	return caps
}

func apCapable(wirelessCaps uint32) bool {
	return wirelessCaps&wifiCapAP != 0
}

func hotspotSettings(ssid, passphrase string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant("crossp2p-" + ssid),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("ap"),
			"band": dbus.MakeVariant("bg"),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(passphrase),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

func clientSettings(ssid, passphrase string) map[string]map[string]dbus.Variant {
	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":   dbus.MakeVariant(ssid),
			"type": dbus.MakeVariant("802-11-wireless"),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("auto")},
	}
	if passphrase != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(passphrase),
		}
	}
	return settings
}

type hotspot struct {
	client   *Client
	cfg      platform.HotspotConfig
	settings dbus.ObjectPath
	active   dbus.ObjectPath
	stopped  chan struct{}
	done     chan struct{}
	once     sync.Once
	stopOnce sync.Once
	err      error
}

func (h *hotspot) Config() platform.HotspotConfig { return h.cfg }

func (h *hotspot) Stopped() <-chan struct{} { return h.stopped }

func (h *hotspot) Close() error {
	h.once.Do(func() {
		close(h.done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := h.client
		err := c.nm().CallWithContext(ctx, nmIface+".DeactivateConnection", 0, h.active).Err
		if derr := c.obj(h.settings).CallWithContext(ctx, connIface+".Delete", 0).Err; derr != nil {
			err = errors.Join(err, derr)
		}
		h.err = err
		h.markStopped()
	})
	return h.err
}

func (h *hotspot) markStopped() {
	h.stopOnce.Do(func() { close(h.stopped) })
}

// watch closes stopped when NetworkManager drops the AP connection
func (h *hotspot) watch() {
	ticker := h.client.clock.Ticker(h.client.config.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			state, err := prop[uint32](h.client.obj(h.active), activeIface+".State")
			if err != nil || state == activeDeactivated {
				h.client.log.Info("hotspot connection gone", zap.String("ssid", h.cfg.SSID), zap.Error(err))
				h.markStopped()
				return
			}
		}
	}
}

// StartLocalOnly brings up an AP-mode connection with shared IPv4
func (c *Client) StartLocalOnly(ctx context.Context, ssid, passphrase string) (platform.HotspotReservation, error) {
	dev, ifname, err := c.wifiDevice(ctx)
	if err != nil {
		return nil, err
	}

	var settings, active dbus.ObjectPath
	err = c.nm().CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0,
		hotspotSettings(ssid, passphrase), dev, dbus.ObjectPath("/")).Store(&settings, &active)
	if err != nil {
		return nil, fmt.Errorf("activate hotspot: %w", err)
	}

	h := &hotspot{
		client:   c,
		cfg:      platform.HotspotConfig{SSID: ssid, Passphrase: passphrase, Interface: ifname},
		settings: settings,
		active:   active,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.waitActivated(ctx, active); err != nil {
		h.Close()
		return nil, err
	}

	c.log.Info("hotspot active", zap.String("ssid", ssid), zap.String("interface", ifname))
	go h.watch()
	return h, nil
}

func (c *Client) waitActivated(ctx context.Context, active dbus.ObjectPath) error {
	ticker := c.clock.Ticker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := prop[uint32](c.obj(active), activeIface+".State")
		if err != nil {
			return fmt.Errorf("read activation state: %w", err)
		}
		switch state {
		case activeActivated:
			return nil
		case activeDeactivated:
			return errors.New("connection deactivated during activation")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddNetworkSuggestion is not offered by NetworkManager
func (c *Client) AddNetworkSuggestion(ctx context.Context, profile platform.NetworkProfile) (platform.SuggestionStatus, error) {
	return platform.SuggestionFailed, fmt.Errorf("network suggestions: %w", protocol.ErrPlatformUnsupported)
}

// AddNetwork stores a client connection profile and returns its id
func (c *Client) AddNetwork(ctx context.Context, profile platform.NetworkProfile) (string, error) {
	var path dbus.ObjectPath
	err := c.obj(nmSettings).CallWithContext(ctx, settingsIfc+".AddConnection", 0,
		clientSettings(profile.SSID, profile.Passphrase)).Store(&path)
	if err != nil {
		return "", fmt.Errorf("add connection: %w", err)
	}
	id := string(path)
	c.mu.Lock()
	c.networks[id] = path
	c.mu.Unlock()
	return id, nil
}

// EnableNetwork activates a profile added by AddNetwork
func (c *Client) EnableNetwork(ctx context.Context, networkID string) error {
	c.mu.Lock()
	path, ok := c.networks[networkID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown network %q: %w", networkID, protocol.ErrInvalidArguments)
	}
	dev, _, err := c.wifiDevice(ctx)
	if err != nil {
		return err
	}
	var active dbus.ObjectPath
	return c.nm().CallWithContext(ctx, nmIface+".ActivateConnection", 0, path, dev, dbus.ObjectPath("/")).Store(&active)
}

func (c *Client) activeAP(ctx context.Context) (dbus.BusObject, error) {
	dev, _, err := c.wifiDevice(ctx)
	if err != nil {
		return nil, err
	}
	ap, err := prop[dbus.ObjectPath](c.obj(dev), wirelessIfc+".ActiveAccessPoint")
	if err != nil {
		return nil, err
	}
	if ap == "/" || ap == "" {
		return nil, nil
	}
	return c.obj(ap), nil
}

// CurrentSSID returns the associated SSID or "" when not associated
func (c *Client) CurrentSSID(ctx context.Context) (string, error) {
	ap, err := c.activeAP(ctx)
	if err != nil || ap == nil {
		return "", err
	}
	ssid, err := prop[[]byte](ap, apIface+".Ssid")
	return string(ssid), err
}

// ScanResults requests a scan and returns the access points NetworkManager knows
func (c *Client) ScanResults(ctx context.Context) ([]platform.AccessPoint, error) {
	dev, _, err := c.wifiDevice(ctx)
	if err != nil {
		return nil, err
	}
	wifi := c.obj(dev)
	if err := wifi.CallWithContext(ctx, wirelessIfc+".RequestScan", 0, map[string]dbus.Variant{}).Err; err != nil {
		c.log.Debug("request scan", zap.Error(err))
	}

	var paths []dbus.ObjectPath
	if err := wifi.CallWithContext(ctx, wirelessIfc+".GetAllAccessPoints", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("list access points: %w", err)
	}

	aps := make([]platform.AccessPoint, 0, len(paths))
	for _, p := range paths {
		o := c.obj(p)
		ssid, _ := prop[[]byte](o, apIface+".Ssid")
		bssid, _ := prop[string](o, apIface+".HwAddress")
		strength, _ := prop[byte](o, apIface+".Strength")
		freq, _ := prop[uint32](o, apIface+".Frequency")
		flags, _ := prop[uint32](o, apIface+".Flags")
		wpa, _ := prop[uint32](o, apIface+".WpaFlags")
		rsn, _ := prop[uint32](o, apIface+".RsnFlags")
		aps = append(aps, platform.AccessPoint{
			SSID:      string(ssid),
			BSSID:     bssid,
			Level:     strengthToDBm(strength),
			Frequency: int(freq),
			Security:  securityString(flags, wpa, rsn),
		})
	}
	return aps, nil
}

// strengthToDBm maps NetworkManager's 0-100 quality onto dBm
func strengthToDBm(strength byte) int {
	return int(strength)/2 - 100
}

func securityString(flags, wpa, rsn uint32) string {
	s := ""
	if rsn != 0 {
		s += "[WPA2-PSK]"
	}
	if wpa != 0 {
		s += "[WPA-PSK]"
	}
	if s == "" && flags&0x1 != 0 {
		s += "[WEP]"
	}
	return s + "[ESS]"
}

type observer struct {
	client *Client
	ch     chan *dbus.Signal
	done   chan struct{}
	once   sync.Once
	opts   []dbus.MatchOption
}

func (o *observer) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		o.client.conn.RemoveSignal(o.ch)
		err = o.client.conn.RemoveMatchSignal(o.opts...)
	})
	return err
}

// Observe reports NetworkManager state changes to fn
func (c *Client) Observe(ctx context.Context, fn func(platform.ConnectivityState)) (io.Closer, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmIface),
		dbus.WithMatchMember("StateChanged"),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("subscribe state changes: %w", err)
	}

	o := &observer{client: c, ch: make(chan *dbus.Signal, 8), done: make(chan struct{}), opts: opts}
	c.conn.Signal(o.ch)

	go func() {
		for {
			select {
			case <-o.done:
				return
			case sig := <-o.ch:
				if sig == nil || sig.Name != nmIface+".StateChanged" || len(sig.Body) == 0 {
					continue
				}
				state, _ := sig.Body[0].(uint32)
				qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				ssid, _ := c.CurrentSSID(qctx)
				cancel()
				fn(platform.ConnectivityState{SSID: ssid, Connected: state >= stateConnectedSite})
			}
		}
	}()
	return o, nil
}

// BatteryLevel reads the UPower display device percentage
func (c *Client) BatteryLevel(ctx context.Context) (int, error) {
	dev := c.conn.Object(upowerDest, upowerDevice)
	present, err := prop[bool](dev, upowerIface+".IsPresent")
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, errors.New("no battery present")
	}
	pct, err := prop[float64](dev, upowerIface+".Percentage")
	if err != nil {
		return 0, err
	}
	return int(pct + 0.5), nil
}

// SignalStrength reports the associated access point in dBm
func (c *Client) SignalStrength(ctx context.Context) (int, error) {
	ap, err := c.activeAP(ctx)
	if err != nil {
		return 0, err
	}
	if ap == nil {
		return 0, errors.New("not associated")
	}
	strength, err := prop[byte](ap, apIface+".Strength")
	if err != nil {
		return 0, err
	}
	return strengthToDBm(strength), nil
}

// LocalIPv4 reads the Wi-Fi device's first IPv4 address
func (c *Client) LocalIPv4(ctx context.Context) (string, error) {
	dev, _, err := c.wifiDevice(ctx)
	if err != nil {
		return "", err
	}
	cfg, err := prop[dbus.ObjectPath](c.obj(dev), deviceIface+".Ip4Config")
	if err != nil {
		return "", err
	}
	if cfg == "/" {
		return "", errors.New("no IPv4 configuration")
	}
	data, err := prop[[]map[string]dbus.Variant](c.obj(cfg), ip4Iface+".AddressData")
	if err != nil {
		return "", err
	}
	return firstAddress(data)
}

func firstAddress(data []map[string]dbus.Variant) (string, error) {
	for _, entry := range data {
		if v, ok := entry["address"]; ok {
			if addr, ok := v.Value().(string); ok && addr != "" {
				return addr, nil
			}
		}
	}
	return "", errors.New("no IPv4 address assigned")
}
