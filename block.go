package amondawa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/traycho/amondawa/internal/batch"
	"github.com/traycho/amondawa/internal/dedup"
	"github.com/traycho/amondawa/internal/keys"
	"github.com/traycho/amondawa/internal/kv"
	"github.com/traycho/amondawa/internal/metrics"
	"github.com/traycho/amondawa/internal/timeutil"
)

// masterTableName is the master record table (spec.md §6): hash=n numeric,
// range=tbase numeric, throughput {read:5, write:5}.
const masterTableName = "amdw_dp_master"

// State is a Block's lifecycle state (spec.md §4.4), derived from the
// master record plus live descriptions of the two physical tables.
type State string

const (
	StateInitial    State = "INITIAL"
	StateCreating   State = "CREATING"
	StateActive     State = "ACTIVE"
	StateTurnedDown State = "TURNED_DOWN"
	StateUndefined  State = "UNDEFINED"
)

// MasterRecord is the persisted metadata for one ring slot, modeled as a
// tagged record rather than the source's schemaless item (spec.md §9).
type MasterRecord struct {
	N              int64
	TBase          int64
	State          State
	DataPointsName string
	IndexName      string
}

func dataPointsTableName(tbase int64) string { return fmt.Sprintf("amdw_dp_%d", tbase) }
func indexTableName(tbase int64) string      { return fmt.Sprintf("amdw_dp_index_%d", tbase) }

// Block is one logical time slice of the ring: a master record plus the
// datapoints/index table handles and batched writer bound to it. Grounded
// in original_source/amondawa/dp_schema.py's Block class.
type Block struct {
	cfg    *Config
	client kv.Client
	dedup  *dedup.Cache

	mu     sync.Mutex
	master MasterRecord
	writer *batch.Writer
}

// newBlock constructs a Block for ring slot n with no bound tables; callers
// populate master via Refresh or by assigning an initial record directly
// (Schema does this at construction time).
func newBlock(n int64, cfg *Config, client kv.Client, dedupCache *dedup.Cache) *Block {
	return &Block{
		cfg:    cfg,
		client: client,
		dedup:  dedupCache,
		master: MasterRecord{N: n, State: StateInitial},
	}
}

// N is the block's ring slot index.
func (b *Block) N() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.master.N
}

// TBase is the block's current block-aligned start timestamp.
func (b *Block) TBase() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.master.TBase
}

// Master returns a copy of the block's current in-memory master record.
func (b *Block) Master() MasterRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.master
}

func calcState(desc kv.TableDescription) State {
	if desc.Status != kv.StatusActive {
		return StateCreating
	}
	if desc.Throughput.Write == 1 {
		return StateTurnedDown
	}
	return StateActive
}

// State probes the two physical tables and derives the block's live state
// (spec.md §4.4's table). A block still INITIAL never touches the backend.
func (b *Block) State(ctx context.Context) (State, error) {
	b.mu.Lock()
	master := b.master
	b.mu.Unlock()

	if master.State == StateInitial || master.DataPointsName == "" {
		return StateInitial, nil
	}

	dpDesc, err := b.client.DescribeTable(ctx, master.DataPointsName)
	if err != nil {
		return StateUndefined, fmt.Errorf("amondawa: describe %q: %w", master.DataPointsName, err)
	}
	idxDesc, err := b.client.DescribeTable(ctx, master.IndexName)
	if err != nil {
		return StateUndefined, fmt.Errorf("amondawa: describe %q: %w", master.IndexName, err)
	}

	s1, s2 := calcState(dpDesc), calcState(idxDesc)
	if s1 != s2 {
		return StateUndefined, nil
	}
	return s1, nil
}

// CreateTables binds this block to tbase: it creates the datapoints and
// index tables if they don't already exist (INITIAL -> CREATING), or binds
// to them if they survived from a prior process (spec.md §4.4 transitions).
func (b *Block) CreateTables(ctx context.Context, tbase int64) error {
	b.mu.Lock()
	alreadyBound := b.writer != nil
	n := b.master.N
	b.mu.Unlock()
	if alreadyBound {
		_, err := b.State(ctx)
		return err
	}

	dpName := dataPointsTableName(tbase)
	idxName := indexTableName(tbase)
	blocks := b.cfg.Blocks()

	dpDesc, dpErr := b.client.DescribeTable(ctx, dpName)
	idxDesc, idxErr := b.client.DescribeTable(ctx, idxName)

	state := StateCreating
	if dpErr == nil && idxErr == nil {
		s1, s2 := calcState(dpDesc), calcState(idxDesc)
		if s1 != s2 {
			state = StateUndefined
		} else {
			state = s1
		}
	} else {
		if dpErr != nil {
			schema := kv.KeySchema{HashKey: "domain_metric_tbase_tags", HashType: kv.AttrString, RangeKey: "toffset", RangeType: kv.AttrNumber}
			tp := kv.Throughput{Read: b.cfg.TPReadDatapoints / blocks, Write: b.cfg.TPWriteDatapoints}
			if err := b.client.CreateTable(ctx, dpName, schema, tp); err != nil {
				return fmt.Errorf("amondawa: create %q: %w", dpName, err)
			}
		}
		if idxErr != nil {
			schema := kv.KeySchema{HashKey: "domain_metric", HashType: kv.AttrString, RangeKey: "tbase_tags", RangeType: kv.AttrString}
			tp := kv.Throughput{Read: b.cfg.TPReadIndexKey / blocks, Write: b.cfg.TPWriteIndexKey}
			if err := b.client.CreateTable(ctx, idxName, schema, tp); err != nil {
				return fmt.Errorf("amondawa: create %q: %w", idxName, err)
			}
		}
	}

	b.mu.Lock()
	b.master.N = n
	b.master.TBase = tbase
	b.master.DataPointsName = dpName
	b.master.IndexName = idxName
	b.master.State = state
	b.writer = batch.New(b.client, dpName, b.cfg.BatchMaxItems, b.cfg.BatchFlushIdle)
	master := b.master
	b.mu.Unlock()

	return b.persistMaster(ctx, master)
}

// WaitForActive polls State every retry until it reports ACTIVE or maxWait
// elapses, then persists whatever state was last observed.
func (b *Block) WaitForActive(ctx context.Context, maxWait, retry time.Duration) (State, error) {
	deadline := time.Now().Add(maxWait)
	var state State
	for {
		var err error
		state, err = b.State(ctx)
		if err != nil {
			return state, err
		}
		if state == StateActive || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(retry):
		}
	}

	b.mu.Lock()
	b.master.State = state
	master := b.master
	b.mu.Unlock()
	return state, b.persistMaster(ctx, master)
}

// TurndownTables flushes and releases the batched writer and reduces both
// tables' write capacity to 1 (spec.md §4.4 ACTIVE -> TURNED_DOWN).
func (b *Block) TurndownTables(ctx context.Context) error {
	b.mu.Lock()
	writer := b.writer
	dpName, idxName := b.master.DataPointsName, b.master.IndexName
	b.writer = nil
	b.mu.Unlock()

	if writer != nil {
		if err := writer.Close(ctx); err != nil {
			log.Error().Err(err).Str("table", dpName).Msg("amondawa: flush on turndown failed")
		}
	}

	blocks := b.cfg.Blocks()
	if err := b.client.UpdateThroughput(ctx, dpName, kv.Throughput{Read: b.cfg.TPReadDatapoints / blocks, Write: 1}); err != nil {
		return fmt.Errorf("amondawa: turndown %q: %w", dpName, err)
	}
	if err := b.client.UpdateThroughput(ctx, idxName, kv.Throughput{Read: b.cfg.TPReadIndexKey / blocks, Write: 1}); err != nil {
		return fmt.Errorf("amondawa: turndown %q: %w", idxName, err)
	}

	b.mu.Lock()
	b.master.State = StateTurnedDown
	master := b.master
	b.mu.Unlock()
	return b.persistMaster(ctx, master)
}

// DeleteTables deletes both physical tables and reinitializes the slot's
// master record to INITIAL at a new tbase (spec.md §4.4 recycle). ts == 0
// reuses the block's current tbase, matching delete_tables(timestamp=None)
// in the original source.
func (b *Block) DeleteTables(ctx context.Context, ts int64) error {
	b.mu.Lock()
	n := b.master.N
	oldTBase := b.master.TBase
	dpName, idxName := b.master.DataPointsName, b.master.IndexName
	writer := b.writer
	b.writer = nil
	b.mu.Unlock()

	if writer != nil {
		if err := writer.Close(ctx); err != nil {
			log.Error().Err(err).Str("table", dpName).Msg("amondawa: flush on recycle failed")
		}
	}
	if dpName != "" {
		if err := b.client.DeleteTable(ctx, dpName); err != nil {
			log.Error().Err(err).Str("table", dpName).Msg("amondawa: delete datapoints table failed")
		}
	}
	if idxName != "" {
		if err := b.client.DeleteTable(ctx, idxName); err != nil {
			log.Error().Err(err).Str("table", idxName).Msg("amondawa: delete index table failed")
		}
	}
	if err := b.client.DeleteItem(ctx, masterTableName, n, oldTBase); err != nil {
		log.Error().Err(err).Int64("n", n).Int64("tbase", oldTBase).Msg("amondawa: delete master record failed")
	}

	effectiveTS := ts
	if effectiveTS == 0 {
		effectiveTS = oldTBase
	}
	newTBase := timeutil.BaseTime(effectiveTS, b.cfg.BlockSize())

	b.mu.Lock()
	b.master = MasterRecord{N: n, TBase: newTBase, State: StateInitial}
	master := b.master
	b.mu.Unlock()
	return b.persistMaster(ctx, master)
}

// Replace reuses this slot for a new tbase derived from ts, the ring
// recycle operation. ts must belong to this slot (ErrBlockPosMismatch
// otherwise); a ts still mapping to the current tbase is a no-op.
func (b *Block) Replace(ctx context.Context, ts int64) error {
	b.mu.Lock()
	n := b.master.N
	tbase := b.master.TBase
	b.mu.Unlock()

	blockSize := b.cfg.BlockSize()
	if timeutil.BlockPos(ts, blockSize, b.cfg.Blocks()) != n {
		return ErrBlockPosMismatch
	}
	if timeutil.BaseTime(ts, blockSize) == tbase {
		return nil
	}
	return b.DeleteTables(ctx, ts)
}

// Refresh re-reads the master record from the backend, recovering from any
// out-of-process mutation, and rebinds the batched writer if a table name
// is present but no writer is currently bound.
func (b *Block) Refresh(ctx context.Context) error {
	b.mu.Lock()
	n := b.master.N
	b.mu.Unlock()

	items, err := b.client.Query(ctx, masterTableName, kv.Query{HashValue: n, Consistent: true})
	if err != nil {
		return fmt.Errorf("amondawa: refresh master record for slot %d: %w", n, err)
	}
	if len(items) == 0 {
		return nil
	}
	master := decodeMaster(items[len(items)-1])

	b.mu.Lock()
	b.master = master
	if master.DataPointsName != "" && b.writer == nil {
		b.writer = batch.New(b.client, master.DataPointsName, b.cfg.BatchMaxItems, b.cfg.BatchFlushIdle)
	}
	b.mu.Unlock()
	return nil
}

// StoreDatapoint writes the index row (deduped) and enqueues the datapoint
// itself into the batched writer. It silently drops the write if the block
// has no bound writer; whether an unbound block is ACTIVE, CREATING or
// TURNED_DOWN, the caller should never see an error for this known
// transient condition (spec.md §4.4, §7 kind 1). ErrWriterClosed surfaces
// the narrower race where a writer was bound at the top of this call but
// TurndownTables/DeleteTables closed it before Put reached the backend.
func (b *Block) StoreDatapoint(ctx context.Context, ts int64, domain, metric string, tags keys.Tags, value float64) error {
	b.mu.Lock()
	writer := b.writer
	tbase := b.master.TBase
	idxName := b.master.IndexName
	b.mu.Unlock()
	if writer == nil {
		return nil
	}

	key := keys.DataPointsHashKey(domain, metric, tbase, tags)
	if !b.dedup.Get(key) {
		idxItem := kv.Item{
			"domain_metric": keys.IndexHashKey(domain, metric),
			"tbase_tags":    keys.IndexRangeKey(tbase, tags),
		}
		if idxName != "" {
			if err := b.client.PutItem(ctx, idxName, idxItem, true); err != nil {
				return fmt.Errorf("amondawa: write index row: %w", err)
			}
		}
		b.dedup.Put(key)
		metrics.IndexWrites.WithLabelValues(domain).Inc()
	}

	item := kv.Item{
		"domain_metric_tbase_tags": key,
		"toffset":                  timeutil.OffsetTime(ts, tbase),
		"value":                    value,
	}
	if err := writer.Put(ctx, item); err != nil {
		if errors.Is(err, batch.ErrClosed) {
			return ErrWriterClosed
		}
		return fmt.Errorf("amondawa: enqueue datapoint: %w", err)
	}
	metrics.DatapointsWritten.WithLabelValues(domain).Inc()
	return nil
}

// QueryIndex returns the index keys in [base_time(start), base_time(end)+1)
// for (domain, metric). Returns nil, nil when the block has no index table.
func (b *Block) QueryIndex(ctx context.Context, domain, metric string, start, end int64) ([]keys.IndexKey, error) {
	b.mu.Lock()
	idxName := b.master.IndexName
	b.mu.Unlock()
	if idxName == "" {
		return nil, nil
	}

	blockSize := b.cfg.BlockSize()
	lowTBase := timeutil.BaseTime(start, blockSize)
	highTBase := timeutil.BaseTime(end, blockSize) + 1

	q := kv.Query{
		HashValue: keys.IndexHashKey(domain, metric),
		RangeOp:   kv.RangeBetween,
		RangeLow:  keys.IndexRangeLowerBound(lowTBase),
		RangeHigh: keys.IndexRangeUpperBound(highTBase),
	}
	items, err := b.client.Query(ctx, idxName, q)
	if err != nil {
		return nil, fmt.Errorf("amondawa: query index %q: %w", idxName, err)
	}

	out := make([]keys.IndexKey, 0, len(items))
	for _, item := range items {
		hk, _ := item["domain_metric"].(string)
		rk, _ := item["tbase_tags"].(string)
		ik, err := keys.ParseIndexKey(hk, rk)
		if err != nil {
			log.Error().Err(err).Str("table", idxName).Msg("amondawa: malformed index row")
			continue
		}
		out = append(out, ik)
	}
	return out, nil
}

// QueryDatapoints returns the rows for indexKey in [offset(start),
// offset(end)], newest first. Points still buffered in the block's batched
// writer are flushed first, so the query sees them. Returns nil, nil when
// the block has no datapoints table.
func (b *Block) QueryDatapoints(ctx context.Context, indexKey keys.IndexKey, start, end int64, attrs []string) ([]kv.Item, error) {
	b.mu.Lock()
	dpName := b.master.DataPointsName
	tbase := b.master.TBase
	writer := b.writer
	b.mu.Unlock()
	if dpName == "" {
		return nil, nil
	}
	if writer != nil {
		if err := writer.Flush(ctx); err != nil {
			return nil, fmt.Errorf("amondawa: flush before query %q: %w", dpName, err)
		}
	}

	lo, hi := timeutil.OffsetRange(tbase, start, end, b.cfg.BlockSize())
	q := kv.Query{
		HashValue:  indexKey.DataPointsKey(),
		RangeOp:    kv.RangeBetween,
		RangeLow:   lo,
		RangeHigh:  hi,
		Descending: true,
		Attributes: append([]string{"toffset"}, attrs...),
	}
	items, err := b.client.Query(ctx, dpName, q)
	if err != nil {
		return nil, fmt.Errorf("amondawa: query datapoints %q: %w", dpName, err)
	}
	return items, nil
}

func (b *Block) persistMaster(ctx context.Context, m MasterRecord) error {
	item := kv.Item{"n": m.N, "tbase": m.TBase, "state": string(m.State)}
	if m.DataPointsName != "" {
		item["data_points_name"] = m.DataPointsName
	}
	if m.IndexName != "" {
		item["index_name"] = m.IndexName
	}
	if err := b.client.PutItem(ctx, masterTableName, item, true); err != nil {
		return fmt.Errorf("amondawa: persist master record for slot %d: %w", m.N, err)
	}
	return nil
}

func decodeMaster(item kv.Item) MasterRecord {
	m := MasterRecord{
		N:     itemInt64(item["n"]),
		TBase: itemInt64(item["tbase"]),
		State: State(itemString(item["state"])),
	}
	m.DataPointsName = itemString(item["data_points_name"])
	m.IndexName = itemString(item["index_name"])
	return m
}

func itemInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func itemString(v interface{}) string {
	s, _ := v.(string)
	return s
}
