package amondawa

import (
	"context"
	"testing"
	"time"

	"github.com/traycho/amondawa/internal/dedup"
	"github.com/traycho/amondawa/internal/keys"
	"github.com/traycho/amondawa/internal/kv/memkv"
)

func testConfig() *Config {
	return (&Config{
		StoreHistoryBlocks: 3,
		StoreHistory:       3000,
		CacheWriteIndexKey: 1024,
		BatchMaxItems:      25,
		BatchFlushIdle:     time.Hour,
		MaintenanceTick:    time.Hour,
	}).WithDefaults()
}

// TestBlockRoutingAndStore exercises spec.md §8 scenario 1: a point
// written at ts=10050 with BLOCK_SIZE=1000 lands in the block whose
// tbase=10000 at toffset=50.
func TestBlockRoutingAndStore(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	dedupCache, err := dedup.New(cfg.CacheWriteIndexKey)
	if err != nil {
		t.Fatal(err)
	}
	block := newBlock(2, cfg, client, dedupCache)
	ctx := context.Background()

	if err := block.CreateTables(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	state, err := block.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateActive {
		t.Fatalf("state = %v, want ACTIVE", state)
	}

	tags := keys.Tags{"h": "a"}
	if err := block.StoreDatapoint(ctx, 10050, "d", "m", tags, 1.5); err != nil {
		t.Fatal(err)
	}

	indexKeys, err := block.QueryIndex(ctx, "d", "m", 10000, 10050)
	if err != nil {
		t.Fatal(err)
	}
	if len(indexKeys) != 1 {
		t.Fatalf("len(indexKeys) = %d, want 1", len(indexKeys))
	}
	if indexKeys[0].TBase != 10000 {
		t.Fatalf("TBase = %d, want 10000", indexKeys[0].TBase)
	}
	if indexKeys[0].Tags["h"] != "a" {
		t.Fatalf("tags = %v, want h=a", indexKeys[0].Tags)
	}

	items, err := block.QueryDatapoints(ctx, indexKeys[0], 10000, 10999, []string{"value"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if got := itemInt64(items[0]["toffset"]); got != 50 {
		t.Fatalf("toffset = %d, want 50", got)
	}
	if got := toFloat(items[0]["value"]); got != 1.5 {
		t.Fatalf("value = %v, want 1.5", got)
	}
}

// TestBlockDedupWritesOneIndexRow exercises spec.md §8 scenario 2: writing
// the same tuple twice yields one index row and one datapoints row.
func TestBlockDedupWritesOneIndexRow(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	dedupCache, err := dedup.New(cfg.CacheWriteIndexKey)
	if err != nil {
		t.Fatal(err)
	}
	block := newBlock(2, cfg, client, dedupCache)
	ctx := context.Background()

	if err := block.CreateTables(ctx, 10000); err != nil {
		t.Fatal(err)
	}

	tags := keys.Tags{"h": "a"}
	for i := 0; i < 2; i++ {
		if err := block.StoreDatapoint(ctx, 10050, "d", "m", tags, 1.5); err != nil {
			t.Fatal(err)
		}
	}
	indexKeys, err := block.QueryIndex(ctx, "d", "m", 10000, 10050)
	if err != nil {
		t.Fatal(err)
	}
	if len(indexKeys) != 1 {
		t.Fatalf("len(indexKeys) = %d, want 1 (idempotent index write)", len(indexKeys))
	}

	items, err := block.QueryDatapoints(ctx, indexKeys[0], 10000, 10999, []string{"value"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 (idempotent datapoint overwrite)", len(items))
	}
}

// TestBlockReplaceMismatch asserts the misuse case from spec.md §7 kind 5.
func TestBlockReplaceMismatch(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	dedupCache, _ := dedup.New(cfg.CacheWriteIndexKey)
	block := newBlock(2, cfg, client, dedupCache)
	ctx := context.Background()

	if err := block.CreateTables(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	// ts=3050 has block_pos = 3050%4000/1000 = 3, not slot 2.
	if err := block.Replace(ctx, 3050); err != ErrBlockPosMismatch {
		t.Fatalf("err = %v, want ErrBlockPosMismatch", err)
	}
}

// TestBlockTurndownReleasesWriter exercises spec.md §8 scenario 6.
func TestBlockTurndownReleasesWriter(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	dedupCache, _ := dedup.New(cfg.CacheWriteIndexKey)
	block := newBlock(2, cfg, client, dedupCache)
	ctx := context.Background()

	if err := block.CreateTables(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	if err := block.TurndownTables(ctx); err != nil {
		t.Fatal(err)
	}
	state, err := block.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateTurnedDown {
		t.Fatalf("state = %v, want TURNED_DOWN", state)
	}

	// A write after turndown is a silent drop: no writer is bound.
	if err := block.StoreDatapoint(ctx, 10050, "d", "m", keys.Tags{}, 1.0); err != nil {
		t.Fatal(err)
	}
}

// TestBlockRecycle exercises the ring-recycle path: delete_tables followed
// by a fresh INITIAL record at the new tbase.
func TestBlockRecycle(t *testing.T) {
	cfg := testConfig()
	client := memkv.New()
	dedupCache, _ := dedup.New(cfg.CacheWriteIndexKey)
	block := newBlock(2, cfg, client, dedupCache)
	ctx := context.Background()

	if err := block.CreateTables(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	if err := block.Replace(ctx, 14050); err != nil { // still slot 2, next cycle's tbase
		t.Fatal(err)
	}
	if block.TBase() != 14000 {
		t.Fatalf("TBase = %d, want 14000", block.TBase())
	}
	if block.Master().State != StateInitial {
		t.Fatalf("state = %v, want INITIAL after recycle", block.Master().State)
	}
}
