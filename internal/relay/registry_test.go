package relay

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryOccupyVacate(t *testing.T) {
	r := NewRegistry(testConfig("dev1"))
	fc := &fakeClient{}
	key := DynamicKey("rig1")

	if err := r.occupy(&slot{key: key, client: fc}); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	if err := r.occupy(&slot{key: key, client: &fakeClient{}}); !errors.Is(err, ErrSlotRunning) {
		t.Fatalf("second occupy = %v, want ErrSlotRunning", err)
	}
	if !r.owns(key, fc) {
		t.Error("owns() should be true for the occupant")
	}

	if !r.vacate(key) {
		t.Error("vacate() should report an occupied slot")
	}
	if r.vacate(key) {
		t.Error("second vacate() should be a no-op")
	}
	if fc.Shutdowns() != 1 {
		t.Errorf("shutdowns = %d, want 1", fc.Shutdowns())
	}
	if r.owns(key, fc) {
		t.Error("owns() should be false after vacate")
	}
}

func TestRegistryUpstreamConfig(t *testing.T) {
	r := NewRegistry(testConfig("dev1", "dev2"))
	fs, err := r.UpstreamConfig("dev2")
	if err != nil {
		t.Fatalf("UpstreamConfig: %v", err)
	}
	if fs.Stratum.Server != "dev2.pool.example" {
		t.Errorf("server = %q", fs.Stratum.Server)
	}
	if _, err := r.UpstreamConfig("main"); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("UpstreamConfig(main) = %v, want ErrUnknownSlot", err)
	}
}

func TestRegistryVacateAll(t *testing.T) {
	r := NewRegistry(testConfig("dev1"))
	clients := []*fakeClient{{}, {}, {}}
	keys := []SlotKey{FixedKey("dev1"), DynamicKey("a"), DynamicKey("b")}
	for i, k := range keys {
		if err := r.occupy(&slot{key: k, client: clients[i]}); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.vacateAll(); n != 3 {
		t.Errorf("vacateAll() = %d, want 3", n)
	}
	if n := r.vacateAll(); n != 0 {
		t.Errorf("second vacateAll() = %d, want 0", n)
	}
	for i, fc := range clients {
		if fc.Shutdowns() != 1 {
			t.Errorf("client %d shutdowns = %d, want 1", i, fc.Shutdowns())
		}
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry(testConfig("dev1"))
	now := time.Now()
	_ = r.occupy(&slot{key: DynamicKey("zeta"), worker: "zeta", client: &fakeClient{}, startedAt: now})
	_ = r.occupy(&slot{key: DynamicKey("alpha"), worker: "alpha", client: &fakeClient{}, startedAt: now})
	_ = r.occupy(&slot{key: FixedKey("dev1"), worker: "wallet", algo: "minotaurx", client: &fakeClient{}, startedAt: now})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	wantIDs := []string{"dev1", "alpha", "zeta"}
	for i, id := range wantIDs {
		if snap[i].ID != id {
			t.Errorf("snap[%d].ID = %q, want %q", i, snap[i].ID, id)
		}
	}
	if snap[0].Kind != "fixed" || snap[0].Algo != "minotaurx" {
		t.Errorf("snap[0] = %+v", snap[0])
	}
}

func TestPortUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Port
		wantErr bool
	}{
		{`3333`, 3333, false},
		{`"3333"`, 3333, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"abc"`, 0, true},
	}
	for _, tt := range tests {
		var p Port
		err := p.UnmarshalJSON([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalJSON(%s) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if p != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %d, want %d", tt.in, p, tt.want)
		}
	}
}
