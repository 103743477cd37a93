// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests entry name parsing, TXT records and the resolve cache
package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
)

func TestNewMDNS(t *testing.T) {
	m := NewMDNS(MDNSConfig{})
	if m == nil {
		t.Fatal("expected mdns primitive to be created")
	}
	if m.config.Domain != "local" {
		t.Errorf("expected default domain local, got %s", m.config.Domain)
	}
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		full string
		want string
	}{
		{"Room-1._attendance._tcp.local.", "Room-1"},
		{`Room\ One._attendance._tcp.local.`, "Room One"},
		{"Room-1._other._tcp.local.", ""},
		{"garbage", ""},
	}

	for _, tt := range tests {
		if got := instanceName(tt.full, "_attendance._tcp", "local"); got != tt.want {
			t.Errorf("instanceName(%q) = %q, want %q", tt.full, got, tt.want)
		}
	}
}

func TestTXTRoundTrip(t *testing.T) {
	txt := formatTXT(map[string]string{"room": "room1", "broker": "1883"})
	if len(txt) != 2 || txt[0] != "broker=1883" || txt[1] != "room=room1" {
		t.Fatalf("unexpected txt %v", txt)
	}

	attrs := parseTXT(append(txt, "", "flag"))
	if attrs["room"] != "room1" || attrs["broker"] != "1883" {
		t.Errorf("unexpected attrs %v", attrs)
	}
	if v, ok := attrs["flag"]; !ok || v != "" {
		t.Errorf("expected bare key to map to empty value, got %q %v", v, ok)
	}
}

func TestToInfo(t *testing.T) {
	m := NewMDNS(MDNSConfig{})
	entry := &mdns.ServiceEntry{
		Name:       "Room-1._attendance._tcp.local.",
		Host:       "classroom.local.",
		AddrV4:     net.ParseIP("192.168.49.1"),
		Port:       1883,
		InfoFields: []string{"room=room1"},
	}

	info, ok := m.toInfo(entry, "_attendance._tcp")
	if !ok {
		t.Fatal("expected entry to convert")
	}
	if info.Name != "Room-1" || info.Host != "192.168.49.1" || info.Port != 1883 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.Attributes["room"] != "room1" {
		t.Errorf("unexpected attributes %v", info.Attributes)
	}

	entry.AddrV4 = nil
	info, _ = m.toInfo(entry, "_attendance._tcp")
	if info.Host != "classroom.local" {
		t.Errorf("expected host name fallback, got %s", info.Host)
	}

	entry.Port = 0
	if _, ok := m.toInfo(entry, "_attendance._tcp"); ok {
		t.Error("expected incomplete entry to be skipped")
	}
}

func TestResolveFromCache(t *testing.T) {
	m := NewMDNS(MDNSConfig{})
	want := platform.ServiceInfo{Name: "Room-1", Type: "_attendance._tcp", Host: "192.168.49.1", Port: 1883}
	m.cache["Room-1__attendance._tcp"] = want

	got, err := m.Resolve(context.Background(), platform.ServiceInfo{Name: "Room-1", Type: "_attendance._tcp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Host != want.Host || got.Port != want.Port {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
