package events

import "testing"

func TestNormalizeSegmentIsDeterministic(t *testing.T) {
	a := NormalizeSegment("error-update-firmware-device")
	b := NormalizeSegment("ERROR_UPDATE_FIRMWARE_DEVICE")
	if a != b {
		t.Fatalf("expected identical normalization, got %q and %q", a, b)
	}
	if a != "ErrorUpdateFirmwareDevice" {
		t.Fatalf("expected ErrorUpdateFirmwareDevice, got %q", a)
	}
}

func TestResolve(t *testing.T) {
	cases := []struct {
		topic string
		want  Type
		ok    bool
	}{
		{"fleet/ABC123/status", TypeStatus, true},
		{"fleet/ABC123/STATUS", TypeStatus, true},
		{"fleet/ABC123/telemetry", TypeTelemetry, true},
		{"fleet/ABC123/error-update-firmware-device", TypeErrorUpdateFirmwareDevice, true},
		{"fleet/ABC123/ERROR_UPDATE_FIRMWARE_DEVICE", TypeErrorUpdateFirmwareDevice, true},
		{"status", TypeStatus, true},
		{"fleet/ABC123/bogus", TypeNone, false},
		{"fleet/ABC123/", TypeNone, false},
	}
	for _, c := range cases {
		got, ok := Resolve(c.topic)
		if got != c.want || ok != c.ok {
			t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", c.topic, got, ok, c.want, c.ok)
		}
	}
}

func TestResolveCachesMisses(t *testing.T) {
	if _, ok := Resolve("fleet/ABC123/never-seen-before"); ok {
		t.Fatal("expected no match")
	}
	if cached, ok := cache.Load("neverseenbefore"); !ok {
		t.Fatal("expected miss to be cached")
	} else if cached.(Type) != TypeNone {
		t.Fatalf("expected cached miss, got %q", cached.(Type))
	}
	// a second resolve answers from the cache and stays a miss
	if _, ok := Resolve("other/never_seen_before"); ok {
		t.Fatal("expected cached miss on second resolve")
	}
}
