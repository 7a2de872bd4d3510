// Package keys builds and parses the composite keys the engine stores
// datapoints and index rows under (spec.md §3). Layout is grounded in
// original_source/amondawa/dp_schema.py's util.hdata_points_key,
// index_hash_key and index_range_key.
package keys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/unit-io/bpool"
)

// bufPool pools the scratch buffers used to assemble key strings on the
// write hot path, mirroring the teacher's WAL record-assembly buffer pool
// (wal/reader.go's *bpool.Buffer).
var bufPool = bpool.NewBufferPool(64)

var scratchMu sync.Mutex

// joinScratch concatenates parts using a pooled scratch buffer instead of a
// fresh allocation per call.
func joinScratch(parts ...string) string {
	scratchMu.Lock()
	defer scratchMu.Unlock()

	buf := bufPool.Get()
	defer bufPool.Put(buf)
	buf.Reset()

	total := int64(0)
	for _, p := range parts {
		total += int64(len(p))
	}
	off, err := buf.Extend(total)
	if err != nil {
		// Fall back to a plain concatenation; correctness over the scratch
		// buffer's allocation saving.
		return strings.Join(parts, "")
	}
	b, err := buf.Slice(off, off+total)
	if err != nil {
		return strings.Join(parts, "")
	}
	pos := 0
	for _, p := range parts {
		pos += copy(b[pos:], p)
	}
	return string(b)
}

// Tags is a metric's tag set, always rendered in a stable (sorted) order so
// the same logical tag set always produces the same key string.
type Tags map[string]string

func (t Tags) encode() string {
	if len(t) == 0 {
		return ""
	}
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names)*2)
	for i, k := range names {
		if i > 0 {
			parts = append(parts, ",")
		}
		parts = append(parts, k, "=", t[k])
	}
	return joinScratch(parts...)
}

func parseTags(s string) Tags {
	tags := Tags{}
	if s == "" {
		return tags
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			tags[kv[0]] = kv[1]
		}
	}
	return tags
}

// IndexHashKey is the index table's hash key: domain + metric.
func IndexHashKey(domain, metric string) string {
	return joinScratch(domain, ":", metric)
}

// tbasePadWidth is wide enough that zero-padded decimal millisecond epochs
// never overflow it, so lexical and numeric ordering of the padded value
// always agree regardless of the timestamp's magnitude.
const tbasePadWidth = 20

func padTBase(tbase int64) string {
	return fmt.Sprintf("%0*d", tbasePadWidth, tbase)
}

// IndexRangeKey is the index table's range key: tbase + tag set, so a query
// for (domain, metric) can range-scan by time while still carrying the
// full tag set of each point that was ever written in that window. tbase is
// zero-padded so a plain string BETWEEN scan sorts in time order.
func IndexRangeKey(tbase int64, tags Tags) string {
	return joinScratch(padTBase(tbase), "|", tags.encode())
}

// IndexRangeLowerBound is the inclusive lower bound of a BETWEEN scan that
// covers every row with a tbase >= lowTBase: the padded tbase alone sorts
// before any row sharing that prefix, tags or not.
func IndexRangeLowerBound(lowTBase int64) string {
	return padTBase(lowTBase)
}

// IndexRangeUpperBound is the inclusive upper bound of a BETWEEN scan that
// covers every row with a tbase <= highTBase: IndexRangeKey always puts '|'
// right after the padded tbase, and '~' sorts after '|', so it brackets
// every tag suffix for highTBase whatever characters the tags contain.
func IndexRangeUpperBound(highTBase int64) string {
	return padTBase(highTBase) + "~"
}

// DataPointsHashKey is the datapoints table's hash key: domain, metric,
// tbase and tag set all embedded, so a point written at time t is never
// addressable from any block but the one whose tbase == base_time(t).
func DataPointsHashKey(domain, metric string, tbase int64, tags Tags) string {
	return joinScratch(domain, ":", metric, ":", strconv.FormatInt(tbase, 10), ":", tags.encode())
}

// IndexKey is a decoded row from the index table: enough to construct the
// corresponding datapoints table hash key and to route a follow-up
// datapoints query to the right block (the tbase is embedded).
type IndexKey struct {
	Domain string
	Metric string
	TBase  int64
	Tags   Tags
}

// ParseIndexKey reconstructs an IndexKey from an index table row's hash and
// range key strings.
func ParseIndexKey(hashKey, rangeKey string) (IndexKey, error) {
	hparts := strings.SplitN(hashKey, ":", 2)
	if len(hparts) != 2 {
		return IndexKey{}, fmt.Errorf("keys: malformed index hash key %q", hashKey)
	}
	rparts := strings.SplitN(rangeKey, "|", 2)
	if len(rparts) != 2 {
		return IndexKey{}, fmt.Errorf("keys: malformed index range key %q", rangeKey)
	}
	tbase, err := strconv.ParseInt(strings.TrimLeft(rparts[0], "0"), 10, 64)
	if err != nil {
		if rparts[0] == strings.Repeat("0", len(rparts[0])) {
			tbase = 0
		} else {
			return IndexKey{}, fmt.Errorf("keys: malformed tbase in %q: %w", rangeKey, err)
		}
	}
	return IndexKey{Domain: hparts[0], Metric: hparts[1], TBase: tbase, Tags: parseTags(rparts[1])}, nil
}

// DataPointsKey returns the datapoints table hash key this index key
// addresses.
func (k IndexKey) DataPointsKey() string {
	return DataPointsHashKey(k.Domain, k.Metric, k.TBase, k.Tags)
}
