package domain

import "testing"

func TestNewBlacklistEntryClampsHitCount(t *testing.T) {
	cases := map[int]int{
		-5:          0,
		0:           0,
		42:          42,
		MaxHitCount: MaxHitCount,
		3000000000:  MaxHitCount,
		1 << 40:     MaxHitCount,
	}
	for in, want := range cases {
		if got := NewBlacklistEntry("a.com", "", "", "", in).HitCount; got != want {
			t.Fatalf("hit count %d: expected %d, got %d", in, want, got)
		}
	}
}

func TestNewBlacklistEntryDefaults(t *testing.T) {
	entry := NewBlacklistEntry("  Example.COM ", " ", "", " Phishing ", 1)
	if entry.Domain != "example.com" {
		t.Fatalf("expected canonical domain, got %q", entry.Domain)
	}
	if entry.Name != DefaultName || entry.Category != "phishing" {
		t.Fatalf("unexpected defaults: %+v", entry)
	}
}
