package directory

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.Get(ctx, "chip-1"); ok {
		t.Fatal("expected no binding")
	}

	if err := m.Set(ctx, "chip-1", "client-a", 0); err != nil {
		t.Fatal(err)
	}
	clientID, ok, err := m.Get(ctx, "chip-1")
	if err != nil || !ok || clientID != "client-a" {
		t.Fatalf("expected client-a, got %q ok=%v err=%v", clientID, ok, err)
	}

	// last write wins
	if err := m.Set(ctx, "chip-1", "client-b", 0); err != nil {
		t.Fatal(err)
	}
	clientID, _, _ = m.Get(ctx, "chip-1")
	if clientID != "client-b" {
		t.Fatalf("expected client-b, got %q", clientID)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "chip-1", "client-a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "chip-1"); !ok {
		t.Fatal("expected live binding")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "chip-1"); ok {
		t.Fatal("expected binding to have expired")
	}
	// a fresh write replaces the expired binding
	if err := m.Set(ctx, "chip-1", "client-b", time.Minute); err != nil {
		t.Fatal(err)
	}
	clientID, ok, _ := m.Get(ctx, "chip-1")
	if !ok || clientID != "client-b" {
		t.Fatalf("expected client-b, got %q ok=%v", clientID, ok)
	}
}

func TestMemoryChipIDByClient(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Set(ctx, "chip-1", "client-a", 0)
	m.Set(ctx, "chip-2", "client-b", 0)

	chipID, ok, err := m.ChipIDByClient(ctx, "client-b")
	if err != nil || !ok || chipID != "chip-2" {
		t.Fatalf("expected chip-2, got %q ok=%v err=%v", chipID, ok, err)
	}
	if _, ok, _ := m.ChipIDByClient(ctx, "client-z"); ok {
		t.Fatal("expected no chip for unknown client")
	}
}
