package amondawa

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traycho/amondawa/internal/dedup"
	"github.com/traycho/amondawa/internal/keys"
	"github.com/traycho/amondawa/internal/kv"
	"github.com/traycho/amondawa/internal/metrics"
	"github.com/traycho/amondawa/internal/timeutil"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// Schema owns the ring of BLOCKS Block instances and the master table,
// routing writes and queries to the right block(s). Grounded in
// original_source/amondawa/dp_schema.py's DatapointsSchema.
type Schema struct {
	cfg    *Config
	client kv.Client
	dedup  *dedup.Cache
	blocks []*Block
}

// NewSchema creates the master table if absent, loads each ring slot's
// master record, and seeds any slot still missing one to INITIAL at a
// staggered future tbase (mirroring DatapointsSchema.create's bootstrap).
func NewSchema(ctx context.Context, cfg *Config, client kv.Client) (*Schema, error) {
	dedupCache, err := dedup.New(cfg.CacheWriteIndexKey)
	if err != nil {
		return nil, fmt.Errorf("amondawa: build dedup cache: %w", err)
	}

	if _, err := client.DescribeTable(ctx, masterTableName); err != nil {
		schema := kv.KeySchema{HashKey: "n", HashType: kv.AttrNumber, RangeKey: "tbase", RangeType: kv.AttrNumber}
		if err := client.CreateTable(ctx, masterTableName, schema, kv.Throughput{Read: 5, Write: 5}); err != nil {
			return nil, fmt.Errorf("amondawa: create master table: %w", err)
		}
	}

	blocks := make([]*Block, cfg.Blocks())
	for n := range blocks {
		blocks[n] = newBlock(int64(n), cfg, client, dedupCache)
	}
	s := &Schema{cfg: cfg, client: client, dedup: dedupCache, blocks: blocks}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) bootstrap(ctx context.Context) error {
	now := nowMillis()
	blockSize := s.cfg.BlockSize()
	blocksN := s.cfg.Blocks()

	for i := int64(0); i < blocksN; i++ {
		block := s.blocks[i]
		if err := block.Refresh(ctx); err != nil {
			return err
		}
		if m := block.Master(); m.TBase != 0 || m.DataPointsName != "" {
			continue // a master record already persisted for this slot
		}

		next := now + i*blockSize
		master := MasterRecord{
			N:     timeutil.BlockPos(next, blockSize, blocksN),
			TBase: timeutil.BaseTime(next, blockSize),
			State: StateInitial,
		}
		block.mu.Lock()
		block.master = master
		block.mu.Unlock()
		if err := block.persistMaster(ctx, master); err != nil {
			return err
		}
	}
	return nil
}

// GetBlock returns the ring slot for t only if it currently holds the block
// containing t; otherwise nil, so out-of-window timestamps fall through
// silently (spec.md §4.5).
func (s *Schema) GetBlock(t int64) *Block {
	blockSize := s.cfg.BlockSize()
	block := s.blocks[timeutil.BlockPos(t, blockSize, s.cfg.Blocks())]
	if block.TBase() == timeutil.BaseTime(t, blockSize) {
		return block
	}
	return nil
}

// Current, Previous and Next are shortcuts for GetBlock(now),
// GetBlock(now - BLOCK_SIZE) and GetBlock(now + BLOCK_SIZE).
func (s *Schema) Current() *Block  { return s.GetBlock(nowMillis()) }
func (s *Schema) Previous() *Block { return s.GetBlock(nowMillis() - s.cfg.BlockSize()) }
func (s *Schema) Next() *Block     { return s.GetBlock(nowMillis() + s.cfg.BlockSize()) }

// StoreDatapoint routes to GetBlock(ts); a missing block is a silent
// out-of-window drop (spec.md §7 kind 1).
func (s *Schema) StoreDatapoint(ctx context.Context, ts int64, domain, metric string, tags keys.Tags, value float64) error {
	block := s.GetBlock(ts)
	if block == nil {
		metrics.DatapointsDropped.WithLabelValues(domain, "out_of_window").Inc()
		return nil
	}
	return block.StoreDatapoint(ctx, ts, domain, metric, tags, value)
}

// QueryIndex clamps the window to the available history, fans out over
// every block touching [start, end] concurrently, and concatenates their
// index results.
func (s *Schema) QueryIndex(ctx context.Context, domain, metric string, start, end int64) ([]keys.IndexKey, error) {
	queryStart := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues("query_index").Observe(time.Since(queryStart).Seconds())
	}()

	now := nowMillis()
	if floor := now - s.cfg.AvailableHistory(); start < floor {
		start = floor
	}
	if end > now {
		end = now
	}

	blockSize := s.cfg.BlockSize()
	lowTBase := timeutil.BaseTime(start, blockSize)
	highTBase := timeutil.BaseTime(end, blockSize)
	var touched []*Block
	for tbase := lowTBase; tbase <= highTBase; tbase += blockSize {
		block := s.GetBlock(tbase)
		if block == nil {
			continue
		}
		touched = append(touched, block)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]keys.IndexKey, len(touched))
	for i, block := range touched {
		i, block := i, block
		g.Go(func() error {
			ks, err := block.QueryIndex(gctx, domain, metric, start, end)
			if err != nil {
				return err
			}
			results[i] = ks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []keys.IndexKey
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// QueryDatapoints routes by the index key's embedded tbase.
func (s *Schema) QueryDatapoints(ctx context.Context, indexKey keys.IndexKey, start, end int64, attrs []string) ([]kv.Item, error) {
	queryStart := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues("query_datapoints").Observe(time.Since(queryStart).Seconds())
	}()

	block := s.GetBlock(indexKey.TBase)
	if block == nil {
		return nil, nil
	}
	return block.QueryDatapoints(ctx, indexKey, start, end, attrs)
}

// TimeExpired returns ms and percent of BLOCK_SIZE elapsed in the current
// block.
func (s *Schema) TimeExpired() (ms int64, pct int) {
	now := nowMillis()
	blockSize := s.cfg.BlockSize()
	ms = now - timeutil.BaseTime(now, blockSize)
	pct = int(math.Round(100 * float64(ms) / float64(blockSize)))
	return ms, pct
}

// TimeRemaining returns ms and percent of BLOCK_SIZE remaining in the
// current block.
func (s *Schema) TimeRemaining() (ms int64, pct int) {
	now := nowMillis()
	blockSize := s.cfg.BlockSize()
	ms = timeutil.BaseTime(now, blockSize) + blockSize - now
	pct = int(math.Round(100 * float64(ms) / float64(blockSize)))
	return ms, pct
}

// CreateBlock reuses the slot for ts, the ring recycle operation
// (DatapointsSchema.create_block / Block.replace).
func (s *Schema) CreateBlock(ctx context.Context, ts int64) (*Block, error) {
	n := timeutil.BlockPos(ts, s.cfg.BlockSize(), s.cfg.Blocks())
	block := s.blocks[n]
	if err := block.Replace(ctx, ts); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Schema) shouldCreateNext(ctx context.Context) (bool, error) {
	if next := s.Next(); next != nil {
		state, err := next.State(ctx)
		if err != nil {
			return false, err
		}
		if state == StateActive {
			return false, nil
		}
	}
	remaining, _ := s.TimeRemaining()
	threshold := maxInt64(s.cfg.MXCreateNextMin*60000, int64(float64(s.cfg.BlockSize())*s.cfg.MXCreateNextPct/100))
	return remaining < threshold, nil
}

func (s *Schema) shouldTurndownPrevious(ctx context.Context) (bool, error) {
	prev := s.Previous()
	if prev == nil {
		return false, nil
	}
	state, err := prev.State(ctx)
	if err != nil {
		return false, err
	}
	if state != StateActive {
		return false, nil
	}
	expired, _ := s.TimeExpired()
	threshold := minInt64(s.cfg.MXTurndownMin*60000, int64(float64(s.cfg.BlockSize())*s.cfg.MXTurndownPct/100))
	return expired > threshold, nil
}

// PerformMaintenance runs the three independent, idempotent rules (spec.md
// §4.6). Each rule's failure is logged and counted but never prevents the
// others from running; the caller gets back every error that occurred, but
// the maintenance loop itself never aborts on it.
func (s *Schema) PerformMaintenance(ctx context.Context) error {
	var errs []error

	if ok, err := s.shouldCreateNext(ctx); err != nil {
		s.noteMaintenanceError("create_next", err)
		errs = append(errs, err)
	} else if ok {
		next, err := s.CreateBlock(ctx, nowMillis()+s.cfg.BlockSize())
		if err != nil {
			s.noteMaintenanceError("create_next", err)
			errs = append(errs, err)
		} else if err := next.CreateTables(ctx, next.TBase()); err != nil {
			s.noteMaintenanceError("create_next", err)
			errs = append(errs, err)
		}
	}

	if ok, err := s.shouldTurndownPrevious(ctx); err != nil {
		s.noteMaintenanceError("turndown_previous", err)
		errs = append(errs, err)
	} else if ok {
		if err := s.Previous().TurndownTables(ctx); err != nil {
			s.noteMaintenanceError("turndown_previous", err)
			errs = append(errs, err)
		}
	}

	current := s.Current()
	needsCreate := current == nil
	if current != nil {
		state, err := current.State(ctx)
		if err != nil {
			s.noteMaintenanceError("ensure_current", err)
			errs = append(errs, err)
		} else if state == StateInitial {
			needsCreate = true
		}
	}
	if needsCreate {
		created, err := s.CreateBlock(ctx, nowMillis())
		if err != nil {
			s.noteMaintenanceError("ensure_current", err)
			errs = append(errs, err)
		} else if err := created.CreateTables(ctx, created.TBase()); err != nil {
			s.noteMaintenanceError("ensure_current", err)
			errs = append(errs, err)
		}
	}

	s.reportBlockStates(ctx)
	return errors.Join(errs...)
}

var allStates = []State{StateInitial, StateCreating, StateActive, StateTurnedDown, StateUndefined}

func (s *Schema) reportBlockStates(ctx context.Context) {
	for _, block := range s.blocks {
		state, err := block.State(ctx)
		if err != nil {
			continue
		}
		slot := strconv.FormatInt(block.N(), 10)
		for _, st := range allStates {
			v := 0.0
			if st == state {
				v = 1
			}
			metrics.BlockState.WithLabelValues(slot, string(st)).Set(v)
		}
	}
}

func (s *Schema) noteMaintenanceError(rule string, err error) {
	metrics.MaintenanceErrors.WithLabelValues(rule).Inc()
	log.Error().Err(err).Str("rule", rule).Msg("amondawa: maintenance rule failed")
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
