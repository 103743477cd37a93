// ABOUTME: Tests for version constants
// ABOUTME: Checks the values controllers see in server/hello
package version

import (
	"regexp"
	"testing"
)

func TestVersionIsSemver(t *testing.T) {
	if !regexp.MustCompile(`^\d+\.\d+\.\d+$`).MatchString(Version) {
		t.Errorf("Version %q is not major.minor.patch", Version)
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"Product", Product},
		{"Manufacturer", Manufacturer},
	}

	for _, tt := range tests {
		if tt.value == "" || len(tt.value) > 64 {
			t.Errorf("%s %q should be a short non-empty name", tt.name, tt.value)
		}
	}

	if Product != "crossp2p" {
		t.Errorf("Product = %q; mDNS lookups and controllers expect crossp2p", Product)
	}
}
