// ABOUTME: Tests for crossp2p protocol types
// ABOUTME: Verifies wire key names, error codes and value semantics
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStrategyResultWireKeys(t *testing.T) {
	res := StrategyResult{
		Success:          true,
		Method:           "hotspot",
		BrokerAddress:    "192.168.49.1",
		BrokerPort:       DefaultBrokerPort,
		NetworkInterface: "LocalOnlyHotspot",
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	for _, key := range []string{`"brokerIp":"192.168.49.1"`, `"brokerPort":1883`, `"method":"hotspot"`, `"networkInterface"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}

	if strings.Contains(string(data), `"error"`) {
		t.Errorf("successful result should omit error: %s", data)
	}
}

func TestWithMetadataCopies(t *testing.T) {
	base := Failed("legacyHotspot", "manual setup required")
	withSSID := base.WithMetadata("ssid", "Class-42")
	withBoth := withSSID.WithMetadata("requiresManualSetup", true)

	if base.Metadata != nil {
		t.Error("base result should not be mutated")
	}
	if len(withSSID.Metadata) != 1 {
		t.Errorf("expected 1 metadata key, got %d", len(withSSID.Metadata))
	}
	if len(withBoth.Metadata) != 2 {
		t.Errorf("expected 2 metadata keys, got %d", len(withBoth.Metadata))
	}
}

func TestServiceKey(t *testing.T) {
	if got := ServiceKey("Room-Room1", "_attendance._tcp"); got != "Room-Room1__attendance._tcp" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{ErrNotInitialized, CodeNotInitialized},
		{fmt.Errorf("createRoom: %w", ErrInvalidArguments), CodeInvalidArguments},
		{fmt.Errorf("join: %w", ErrTimeout), CodeTimeout},
		{ErrPlatformUnsupported, CodePlatformUnsupported},
		{ErrStrategyFailure, CodeStrategyFailure},
		{ErrCleanup, CodeCleanup},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.code {
			t.Errorf("ErrorCode(%v): expected %q, got %q", tt.err, tt.code, got)
		}
	}
}

func TestCallErrorMatchesSentinel(t *testing.T) {
	err := error(&CallError{Code: CodeNotInitialized, Message: "engine not initialized"})

	if !errors.Is(err, ErrNotInitialized) {
		t.Error("expected CallError to match ErrNotInitialized")
	}
	if errors.Is(err, ErrInvalidArguments) {
		t.Error("CallError should not match a different sentinel")
	}
}

func TestRecordDataCopiesAttributes(t *testing.T) {
	rec := ServiceRecord{
		ID:         ServiceKey("broker", "_attendance._tcp"),
		Name:       "broker",
		Type:       "_attendance._tcp",
		Host:       "192.168.49.1",
		Port:       1883,
		Attributes: map[string]string{"room": "room1"},
	}

	data := RecordData(rec)
	attrs := data["txtRecords"].(map[string]string)
	attrs["room"] = "changed"

	if rec.Attributes["room"] != "room1" {
		t.Error("RecordData should not alias the record's attributes")
	}
}

func TestDecodePayload(t *testing.T) {
	var generic interface{}
	if err := json.Unmarshal([]byte(`{"method":"createRoom","args":{"roomId":"room1","expectedSize":30}}`), &generic); err != nil {
		t.Fatal(err)
	}

	var call Call
	if err := DecodePayload(generic, &call); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	var args CreateRoomArgs
	if err := DecodePayload(call.Args, &args); err != nil {
		t.Fatalf("decode args failed: %v", err)
	}

	if call.Method != MethodCreateRoom || args.RoomID != "room1" || args.ExpectedSize != 30 {
		t.Errorf("unexpected decode result: %+v %+v", call, args)
	}
}
