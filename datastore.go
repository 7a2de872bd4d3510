package amondawa

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/traycho/amondawa/internal/keys"
)

// DataPoint is a single (timestamp, value) pair within a DataPointSet.
type DataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// DataPointSet is one named, tagged series of points, the unit the write
// API accepts. Grounded in http.py's add_datapoints, which iterates
// `DataPointSet.from_json_object(request.get_json())`; the original's
// datastore.py wire shape was not retrieved, so the JSON layout here is a
// supplemented design decision (see DESIGN.md).
type DataPointSet struct {
	Name   string      `json:"name"`
	Tags   keys.Tags   `json:"tags"`
	Points []DataPoint `json:"datapoints"`
}

// DataPointSetsFromJSON decodes the POST /api/v1/datapoints request body.
func DataPointSetsFromJSON(body []byte) ([]DataPointSet, error) {
	var sets []DataPointSet
	if err := json.Unmarshal(body, &sets); err != nil {
		return nil, fmt.Errorf("amondawa: decode datapoint sets: %w", err)
	}
	return sets, nil
}

// QueryMetric is one query criterion, the unit both query endpoints
// accept. Grounded in http.py's `QueryMetric.from_json_object`.
type QueryMetric struct {
	Name          string    `json:"name"`
	Tags          keys.Tags `json:"tags"`
	StartAbsolute int64     `json:"start_absolute"`
	EndAbsolute   int64     `json:"end_absolute"`
}

// QueryMetricsFromJSON decodes a query request body (shared by both query
// endpoints).
func QueryMetricsFromJSON(body []byte) ([]QueryMetric, error) {
	var queries []QueryMetric
	if err := json.Unmarshal(body, &queries); err != nil {
		return nil, fmt.Errorf("amondawa: decode query metrics: %w", err)
	}
	return queries, nil
}

// MetricResult is one metric's worth of values within a QueryResult.
type MetricResult struct {
	Name   string    `json:"name"`
	Tags   keys.Tags `json:"tags"`
	Values [][2]float64 `json:"values"` // [timestamp, value] pairs
}

// QueryResult is the per-query response shape of POST
// /api/v1/datapoints/query (spec.md §6).
type QueryResult struct {
	SampleSize int            `json:"sample_size"`
	Results    []MetricResult `json:"results"`
}

// Datastore is the facade the HTTP layer calls, one level above Schema.
// It resolves DataPointSet/QueryMetric wire shapes into Schema calls and
// performs the query-result assembly http.py's query_database handler does
// inline. Grounded in the (unretrieved) amondawa.datastore.Datastore.
type Datastore struct {
	schema *Schema

	mu         sync.RWMutex
	metricNames map[string]struct{}
	tagNames    map[string]struct{}
	tagValues   map[string]struct{}
}

// NewDatastore wraps schema in a Datastore with an empty metric/tag
// catalog.
func NewDatastore(schema *Schema) *Datastore {
	return &Datastore{
		schema:      schema,
		metricNames: make(map[string]struct{}),
		tagNames:    make(map[string]struct{}),
		tagValues:   make(map[string]struct{}),
	}
}

// PutDataPoints stores every point in dps under domain, then records its
// name and tags in the best-effort in-memory catalog (non-authoritative
// across a process restart; see SPEC_FULL.md §5).
func (d *Datastore) PutDataPoints(ctx context.Context, domain string, dps DataPointSet) error {
	for _, p := range dps.Points {
		if err := d.schema.StoreDatapoint(ctx, p.Timestamp, domain, dps.Name, dps.Tags, p.Value); err != nil {
			return fmt.Errorf("amondawa: store datapoint for %q: %w", dps.Name, err)
		}
	}
	d.observe(dps.Name, dps.Tags)
	return nil
}

func (d *Datastore) observe(name string, tags keys.Tags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metricNames[name] = struct{}{}
	for k, v := range tags {
		d.tagNames[k] = struct{}{}
		d.tagValues[v] = struct{}{}
	}
}

func tagsMatch(filter, candidate keys.Tags) bool {
	for k, v := range filter {
		if candidate[k] != v {
			return false
		}
	}
	return true
}

// QueryDatabase runs one QueryMetric under domain: fetches matching index
// keys, then for each one fetches and assembles the datapoint rows.
func (d *Datastore) QueryDatabase(ctx context.Context, domain string, q QueryMetric) (QueryResult, error) {
	indexKeys, err := d.schema.QueryIndex(ctx, domain, q.Name, q.StartAbsolute, q.EndAbsolute)
	if err != nil {
		return QueryResult{}, err
	}

	var result QueryResult
	for _, ik := range indexKeys {
		if !tagsMatch(q.Tags, ik.Tags) {
			continue
		}
		items, err := d.schema.QueryDatapoints(ctx, ik, q.StartAbsolute, q.EndAbsolute, []string{"value"})
		if err != nil {
			return QueryResult{}, err
		}
		values := make([][2]float64, 0, len(items))
		for _, item := range items {
			ts := ik.TBase + itemInt64(item["toffset"])
			values = append(values, [2]float64{float64(ts), toFloat(item["value"])})
		}
		result.SampleSize += len(values)
		result.Results = append(result.Results, MetricResult{Name: q.Name, Tags: ik.Tags, Values: values})
	}
	return result, nil
}

// QueryMetricTags is the same lookup as QueryDatabase but returns only the
// distinct tag sets found, without fetching any datapoint values (POST
// /api/v1/datapoints/query/tags).
func (d *Datastore) QueryMetricTags(ctx context.Context, domain string, q QueryMetric) ([]keys.Tags, error) {
	indexKeys, err := d.schema.QueryIndex(ctx, domain, q.Name, q.StartAbsolute, q.EndAbsolute)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(indexKeys))
	var out []keys.Tags
	for _, ik := range indexKeys {
		if !tagsMatch(q.Tags, ik.Tags) {
			continue
		}
		sig := fmt.Sprint(ik.Tags)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, ik.Tags)
	}
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetMetricNames, GetTagNames and GetTagValues serve the flat /api/v1/*names
// routes from the in-memory catalog.
func (d *Datastore) GetMetricNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.metricNames)
}

func (d *Datastore) GetTagNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.tagNames)
}

func (d *Datastore) GetTagValues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.tagValues)
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}
