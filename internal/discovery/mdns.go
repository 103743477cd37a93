// ABOUTME: Multicast DNS implementation of the service discovery primitive
// ABOUTME: Advertises with an mdns responder and browses with periodic queries
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// ErrServiceNotFound is returned by Resolve when no responder answers for the service
var ErrServiceNotFound = errors.New("service not found")

// MDNSConfig tunes the mDNS primitive
type MDNSConfig struct {
	// Domain is the DNS-SD domain, "local" by default
	Domain string
	// QueryTimeout bounds each browse query round
	QueryTimeout time.Duration
	// BrowseInterval is the pause between browse rounds
	BrowseInterval time.Duration
	Logger         *zap.Logger
}

// MDNS advertises, browses and resolves services over multicast DNS
type MDNS struct {
	config MDNSConfig
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]platform.ServiceInfo
}

// NewMDNS creates the mDNS primitive
func NewMDNS(config MDNSConfig) *MDNS {
	if config.Domain == "" {
		config.Domain = "local"
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = time.Second
	}
	if config.BrowseInterval <= 0 {
		config.BrowseInterval = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &MDNS{
		config: config,
		log:    config.Logger.Named("mdns"),
		cache:  make(map[string]platform.ServiceInfo),
	}
}

type mdnsAdvert struct {
	server     *mdns.Server
	registered chan error
	once       sync.Once
	err        error
}

func (a *mdnsAdvert) Registered() <-chan error { return a.registered }

func (a *mdnsAdvert) Close() error {
	a.once.Do(func() { a.err = a.server.Shutdown() })
	return a.err
}

// Register starts a responder for info on every up, non-loopback IPv4 address
func (m *MDNS) Register(ctx context.Context, info platform.ServiceInfo) (platform.Advertisement, error) {
	ips, err := getLocalIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		info.Name,
		info.Type,
		m.config.Domain+".",
		"",
		info.Port,
		ips,
		formatTXT(info.Attributes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.Info("advertising mDNS service",
		zap.String("name", info.Name), zap.String("type", info.Type), zap.Int("port", info.Port))

	adv := &mdnsAdvert{server: server, registered: make(chan error, 1)}
	adv.registered <- nil
	close(adv.registered)
	return adv, nil
}

type mdnsBrowse struct {
	events chan platform.BrowseEvent
	cancel context.CancelFunc
}

func (b *mdnsBrowse) Events() <-chan platform.BrowseEvent { return b.events }

func (b *mdnsBrowse) Close() error {
	b.cancel()
	return nil
}

// Discover browses serviceType until the returned browse is closed. A
// service is reported lost when a whole query round passes without it.
func (m *MDNS) Discover(ctx context.Context, serviceType string) (platform.Browse, error) {
	bctx, cancel := context.WithCancel(context.Background())
	b := &mdnsBrowse{events: make(chan platform.BrowseEvent, 64), cancel: cancel}
	go m.browseLoop(bctx, serviceType, b.events)
	return b, nil
}

func (m *MDNS) browseLoop(ctx context.Context, serviceType string, out chan<- platform.BrowseEvent) {
	defer close(out)

	send := func(ev platform.BrowseEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	present := make(map[string]platform.ServiceInfo)
	for {
		round, err := m.query(ctx, serviceType)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("mdns query failed", zap.String("type", serviceType), zap.Error(err))
			if !send(platform.BrowseEvent{Kind: platform.BrowseFailed, Err: err}) {
				return
			}
		} else {
			for key, info := range round {
				if _, ok := present[key]; !ok {
					m.log.Debug("discovered service", zap.String("name", info.Name), zap.String("host", info.Host))
					if !send(platform.BrowseEvent{Kind: platform.ServiceFound, Service: bareInfo(info)}) {
						return
					}
				}
			}
			for key, info := range present {
				if _, ok := round[key]; !ok {
					m.forget(key)
					if !send(platform.BrowseEvent{Kind: platform.ServiceLost, Service: bareInfo(info)}) {
						return
					}
				}
			}
			present = round
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.BrowseInterval):
		}
	}
}

// query runs one mdns query round and caches every complete answer
func (m *MDNS) query(ctx context.Context, serviceType string) (map[string]platform.ServiceInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	found := make(map[string]platform.ServiceInfo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			info, ok := m.toInfo(entry, serviceType)
			if !ok {
				continue
			}
			key := protocol.ServiceKey(info.Name, info.Type)
			found[key] = info
			m.mu.Lock()
			m.cache[key] = info
			m.mu.Unlock()
		}
	}()

	params := &mdns.QueryParam{
		Service:     serviceType,
		Domain:      m.config.Domain,
		Timeout:     m.config.QueryTimeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done

	return found, err
}

func (m *MDNS) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
}

// Resolve answers from the browse cache, querying once on a miss
func (m *MDNS) Resolve(ctx context.Context, info platform.ServiceInfo) (platform.ServiceInfo, error) {
	key := protocol.ServiceKey(info.Name, info.Type)

	m.mu.Lock()
	full, ok := m.cache[key]
	m.mu.Unlock()
	if ok {
		return full, nil
	}

	round, err := m.query(ctx, info.Type)
	if err != nil {
		return platform.ServiceInfo{}, fmt.Errorf("resolve %s: %w", info.Name, err)
	}
	if full, ok := round[key]; ok {
		return full, nil
	}
	if ctx.Err() != nil {
		return platform.ServiceInfo{}, ctx.Err()
	}
	return platform.ServiceInfo{}, fmt.Errorf("resolve %s: %w", info.Name, ErrServiceNotFound)
}

func (m *MDNS) toInfo(entry *mdns.ServiceEntry, serviceType string) (platform.ServiceInfo, bool) {
	name := instanceName(entry.Name, serviceType, m.config.Domain)
	if name == "" || entry.Port == 0 {
		return platform.ServiceInfo{}, false
	}

	host := entry.Host
	if entry.AddrV4 != nil {
		host = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		host = entry.AddrV6.String()
	}

	return platform.ServiceInfo{
		Name:       name,
		Type:       serviceType,
		Host:       strings.TrimSuffix(host, "."),
		Port:       entry.Port,
		Attributes: parseTXT(entry.InfoFields),
	}, true
}

// instanceName strips "._type._tcp.domain." from a service entry name
func instanceName(full, serviceType, domain string) string {
	suffix := "." + serviceType + "." + domain + "."
	if !strings.HasSuffix(full, suffix) {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSuffix(full, suffix), `\ `, " ")
}

func formatTXT(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+attrs[k])
	}
	return txt
}

func parseTXT(fields []string) map[string]string {
	attrs := make(map[string]string, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		k, v, _ := strings.Cut(f, "=")
		attrs[k] = v
	}
	return attrs
}

func bareInfo(info platform.ServiceInfo) platform.ServiceInfo {
	return platform.ServiceInfo{Name: info.Name, Type: info.Type}
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}

// LocalIPv4 returns the first up, non-loopback IPv4 address
func LocalIPv4() (string, error) {
	ips, err := getLocalIPs()
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", errors.New("no IPv4 address on any up interface")
	}
	return ips[0].String(), nil
}
