// Package memkv is an in-memory reference implementation of kv.Client. It
// stands in for a real hosted key-value database: table creation completes
// asynchronously after a configurable delay (so callers exercise the same
// CREATING -> ACTIVE polling the real backend requires), table deletion
// takes effect immediately, and item payloads are snappy-compressed before being held, standing in
// for the backend's own storage-layer compression.
package memkv

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/golang/snappy"

	"github.com/traycho/amondawa/internal/kv"
)

func init() {
	// Item values are stored behind interface{}; gob needs the concrete
	// types registered up front to decode them back out.
	gob.Register("")
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register([]byte(nil))
}

// Client is a process-local kv.Client backed by Go maps.
type Client struct {
	mu           sync.RWMutex
	tables       map[string]*table
	createDelay  time.Duration
	describeTTL  *bigcache.BigCache
}

type table struct {
	schema     kv.KeySchema
	throughput kv.Throughput
	readyAt    time.Time
	deleted    bool
	// rows is hashKey -> rangeKey(stringified) -> compressed, gob-encoded Item.
	rows map[string]map[string][]byte
}

// Option configures a Client.
type Option func(*Client)

// WithCreateDelay sets how long CreateTable takes to reach ACTIVE. Zero
// (the default) makes tables active immediately, which is convenient for
// unit tests; production-like exercises should set a small positive delay
// to drive the block state machine through CREATING.
func WithCreateDelay(d time.Duration) Option {
	return func(c *Client) { c.createDelay = d }
}

// New constructs an empty in-memory Client.
func New(opts ...Option) *Client {
	cacheCfg := bigcache.DefaultConfig(2 * time.Second)
	cacheCfg.CleanWindow = 1 * time.Second
	cache, _ := bigcache.New(context.Background(), cacheCfg)

	c := &Client{
		tables:      make(map[string]*table),
		describeTTL: cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateTable(_ context.Context, name string, schema kv.KeySchema, tp kv.Throughput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tables[name]; ok && !t.deleted {
		return nil
	}
	c.tables[name] = &table{
		schema:     schema,
		throughput: tp,
		readyAt:    time.Now().Add(c.createDelay),
		rows:       make(map[string]map[string][]byte),
	}
	c.describeTTL.Delete(name) //nolint:errcheck
	return nil
}

func (c *Client) DeleteTable(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return fmt.Errorf("memkv: table %q does not exist", name)
	}
	t.deleted = true
	delete(c.tables, name)
	c.describeTTL.Delete(name) //nolint:errcheck
	return nil
}

func (c *Client) DescribeTable(_ context.Context, name string) (kv.TableDescription, error) {
	if cached, err := c.describeTTL.Get(name); err == nil {
		return decodeDescription(cached), nil
	}

	c.mu.RLock()
	t, ok := c.tables[name]
	c.mu.RUnlock()
	if !ok {
		return kv.TableDescription{}, fmt.Errorf("memkv: table %q does not exist", name)
	}

	status := kv.StatusActive
	if time.Now().Before(t.readyAt) {
		status = kv.StatusCreating
	}
	desc := kv.TableDescription{Name: name, Status: status, Throughput: t.throughput}
	if status == kv.StatusActive {
		// Only ACTIVE is cached: a CREATING result would outlive readyAt.
		c.describeTTL.Set(name, encodeDescription(desc)) //nolint:errcheck
	}
	return desc, nil
}

func (c *Client) UpdateThroughput(_ context.Context, name string, tp kv.Throughput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return fmt.Errorf("memkv: table %q does not exist", name)
	}
	t.throughput = tp
	t.readyAt = time.Now().Add(c.createDelay)
	c.describeTTL.Delete(name) //nolint:errcheck
	return nil
}

func (c *Client) PutItem(_ context.Context, name string, item kv.Item, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return fmt.Errorf("memkv: table %q does not exist", name)
	}

	hk := fmt.Sprint(item[t.schema.HashKey])
	rk := ""
	if t.schema.RangeKey != "" {
		rk = compareKey(t.schema, item[t.schema.RangeKey])
	}

	bucket, ok := t.rows[hk]
	if !ok {
		bucket = make(map[string][]byte)
		t.rows[hk] = bucket
	}
	if !overwrite {
		if _, exists := bucket[rk]; exists {
			return fmt.Errorf("memkv: item already exists for hash %q range %q", hk, rk)
		}
	}

	enc, err := encodeItem(item)
	if err != nil {
		return err
	}
	bucket[rk] = enc
	return nil
}

func (c *Client) DeleteItem(_ context.Context, name string, hashValue, rangeValue interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return fmt.Errorf("memkv: table %q does not exist", name)
	}
	hk := fmt.Sprint(hashValue)
	bucket, ok := t.rows[hk]
	if !ok {
		return nil
	}
	rk := ""
	if t.schema.RangeKey != "" {
		rk = compareKey(t.schema, rangeValue)
	}
	delete(bucket, rk)
	return nil
}

func (c *Client) BatchWriteItem(ctx context.Context, name string, items []kv.Item) error {
	for _, item := range items {
		if err := c.PutItem(ctx, name, item, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Query(_ context.Context, name string, q kv.Query) ([]kv.Item, error) {
	c.mu.RLock()
	t, ok := c.tables[name]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	hk := fmt.Sprint(q.HashValue)
	bucket := t.rows[hk]
	items := make([]kv.Item, 0, len(bucket))
	for rk, enc := range bucket {
		if !rangeMatches(t.schema, q, rk) {
			continue
		}
		item, err := decodeItem(enc)
		if err != nil {
			return nil, err
		}
		items = append(items, projectAttributes(item, q.Attributes))
	}

	sortByRange(t.schema, items)
	if q.Descending {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

func rangeMatches(schema kv.KeySchema, q kv.Query, rk string) bool {
	switch q.RangeOp {
	case kv.RangeNone:
		return true
	case kv.RangeEqual:
		return rk == compareKey(schema, q.RangeLow)
	case kv.RangeBetween:
		return compareLE(schema, compareKey(schema, q.RangeLow), rk) &&
			compareLE(schema, rk, compareKey(schema, q.RangeHigh))
	default:
		return true
	}
}

func compareKey(schema kv.KeySchema, v interface{}) string {
	if schema.RangeType == kv.AttrNumber {
		return numericKey(v)
	}
	return fmt.Sprint(v)
}

// numericKey renders a number left-padded so that lexical and numeric
// ordering agree, matching how a real hosted database's NUMBER range key
// sorts.
func numericKey(v interface{}) string {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case float64:
		n = int64(x)
	default:
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

func compareLE(schema kv.KeySchema, a, b string) bool {
	return a <= b
}

func sortByRange(schema kv.KeySchema, items []kv.Item) {
	key := schema.RangeKey
	if key == "" {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		if schema.RangeType == kv.AttrNumber {
			return toInt64(items[i][key]) < toInt64(items[j][key])
		}
		return fmt.Sprint(items[i][key]) < fmt.Sprint(items[j][key])
	})
}

func toInt64(v interface{}) int64 {
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

func projectAttributes(item kv.Item, attrs []string) kv.Item {
	if attrs == nil {
		return item
	}
	out := make(kv.Item, len(attrs))
	for _, a := range attrs {
		if v, ok := item[a]; ok {
			out[a] = v
		}
	}
	return out
}

func encodeItem(item kv.Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, fmt.Errorf("memkv: encode item: %w", err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decodeItem(enc []byte) (kv.Item, error) {
	raw, err := snappy.Decode(nil, enc)
	if err != nil {
		return nil, fmt.Errorf("memkv: decompress item: %w", err)
	}
	var item kv.Item
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&item); err != nil {
		return nil, fmt.Errorf("memkv: decode item: %w", err)
	}
	return item, nil
}

func encodeDescription(desc kv.TableDescription) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(desc)
	return buf.Bytes()
}

func decodeDescription(enc []byte) kv.TableDescription {
	var desc kv.TableDescription
	_ = gob.NewDecoder(bytes.NewReader(enc)).Decode(&desc)
	return desc
}
