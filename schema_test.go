package amondawa

import (
	"context"
	"testing"

	"github.com/traycho/amondawa/internal/keys"
	"github.com/traycho/amondawa/internal/kv/memkv"
)

// TestSchemaBootstrapSeedsCurrentSlot mirrors DatapointsSchema.create's
// staggered bootstrap: the slot that maps to "now" is seeded INITIAL with
// the right tbase even before any maintenance tick runs.
func TestSchemaBootstrapSeedsCurrentSlot(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}

	current := schema.Current()
	if current == nil {
		t.Fatal("Current() = nil, want the bootstrap-seeded slot")
	}
	if current.Master().State != StateInitial {
		t.Fatalf("state = %v, want INITIAL before create_tables", current.Master().State)
	}
}

// TestSchemaMaintenanceEnsuresCurrent exercises spec.md §4.6 rule 3: a
// freshly bootstrapped schema's current slot is INITIAL, so the first
// maintenance tick must create its tables.
func TestSchemaMaintenanceEnsuresCurrent(t *testing.T) {
	cfg := testConfig()
	client := memkv.New() // zero create delay: tables reach ACTIVE immediately
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.PerformMaintenance(ctx); err != nil {
		t.Fatal(err)
	}

	current := schema.Current()
	if current == nil {
		t.Fatal("Current() = nil after maintenance")
	}
	state, err := current.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateActive {
		t.Fatalf("state = %v, want ACTIVE", state)
	}
}

// TestSchemaMaintenanceCreatesNext exercises rule 1 with an aggressive
// threshold that always fires.
func TestSchemaMaintenanceCreatesNext(t *testing.T) {
	cfg := testConfig()
	cfg.MXCreateNextMin = 0
	cfg.MXCreateNextPct = 100 // threshold == BLOCK_SIZE: time_remaining is always below it
	client := memkv.New()
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.PerformMaintenance(ctx); err != nil {
		t.Fatal(err)
	}

	next := schema.Next()
	if next == nil {
		t.Fatal("Next() = nil, want the next block created")
	}
}

// TestSchemaMaintenanceTurnsDownPrevious exercises rule 2: an ACTIVE
// previous block past the (here, zero) turndown threshold gets its write
// capacity reduced.
func TestSchemaMaintenanceTurnsDownPrevious(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}

	prev, err := schema.CreateBlock(ctx, nowMillis()-cfg.BlockSize())
	if err != nil {
		t.Fatal(err)
	}
	if err := prev.CreateTables(ctx, prev.TBase()); err != nil {
		t.Fatal(err)
	}
	if schema.Previous() == nil {
		t.Fatal("Previous() = nil after manually seeding the previous slot")
	}

	cfg.MXTurndownMin = 0
	cfg.MXTurndownPct = 0 // threshold == 0: time_expired > 0 almost always true
	if err := schema.PerformMaintenance(ctx); err != nil {
		t.Fatal(err)
	}

	state, err := prev.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateTurnedDown {
		t.Fatalf("state = %v, want TURNED_DOWN", state)
	}
}

// TestSchemaOutOfWindowDrop exercises spec.md §8 scenario 3: a write whose
// block hasn't been created is silently dropped.
func TestSchemaOutOfWindowDrop(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}

	if got := schema.GetBlock(0); got != nil {
		t.Fatalf("GetBlock(0) = %v, want nil (no block created for the epoch)", got)
	}
	if err := schema.StoreDatapoint(ctx, 0, "d", "m", keys.Tags{}, 1.0); err != nil {
		t.Fatalf("StoreDatapoint on an unknown block must not error: %v", err)
	}
}

// TestSchemaQueryFanOut exercises spec.md §8 scenario 4: points in two
// distinct blocks are both returned by a window spanning both.
func TestSchemaQueryFanOut(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	ctx := context.Background()

	schema, err := NewSchema(ctx, cfg, client)
	if err != nil {
		t.Fatal(err)
	}

	blockSize := cfg.BlockSize()
	now := nowMillis()
	tsCurrent := now
	tsPrevious := now - blockSize - blockSize/2

	currentBlock, err := schema.CreateBlock(ctx, tsCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if err := currentBlock.CreateTables(ctx, currentBlock.TBase()); err != nil {
		t.Fatal(err)
	}
	previousBlock, err := schema.CreateBlock(ctx, tsPrevious)
	if err != nil {
		t.Fatal(err)
	}
	if err := previousBlock.CreateTables(ctx, previousBlock.TBase()); err != nil {
		t.Fatal(err)
	}
	if currentBlock.N() == previousBlock.N() {
		t.Fatal("test fixture error: the two probe timestamps landed in the same slot")
	}

	tags := keys.Tags{"h": "a"}
	if err := schema.StoreDatapoint(ctx, tsCurrent, "d", "m", tags, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := schema.StoreDatapoint(ctx, tsPrevious, "d", "m", tags, 2.0); err != nil {
		t.Fatal(err)
	}

	found, err := schema.QueryIndex(ctx, "d", "m", tsPrevious-10, tsCurrent+10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("len(found) = %d, want 2 (one per block)", len(found))
	}

	for _, ik := range found {
		items, err := schema.QueryDatapoints(ctx, ik, tsPrevious-10, tsCurrent+10, []string{"value"})
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 1 {
			t.Fatalf("len(items) = %d, want 1 for tbase %d", len(items), ik.TBase)
		}
	}
}
