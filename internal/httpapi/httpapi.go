// Package httpapi is the thin HTTP adapter that makes the storage engine
// runnable end to end: it is out-of-core per spec.md §1 ("interfaces
// only"), but SPEC_FULL.md §5 keeps the original's six working routes so
// the engine has a real front door. Grounded in http.py's Flask routes and,
// for the gorilla/mux routing shape itself, grafana-tempo's
// cmd/tempo-federated-querier/http.go.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/traycho/amondawa"
	"github.com/traycho/amondawa/internal/keys"
)

// Handler adapts a Datastore to the routes in SPEC_FULL.md §5.
type Handler struct {
	datastore *amondawa.Datastore
	log       zerolog.Logger
}

// NewHandler builds a Handler over datastore.
func NewHandler(datastore *amondawa.Datastore, log zerolog.Logger) *Handler {
	return &Handler{datastore: datastore, log: log}
}

// RegisterRoutes wires every route onto r, including the original's
// unimplemented stubs (which answer 501, matching upstream rather than
// inventing new scope).
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/datapoints", h.addDatapoints).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/datapoints/query", h.queryDatabase).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/datapoints/query/tags", h.queryMetricTags).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/metricnames", h.metricNames).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tagnames", h.tagNames).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tagvalues", h.tagValues).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/datapoints/delete", h.notImplemented).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/metric/{metric_name}", h.notImplemented).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/version", h.notImplemented).Methods(http.MethodGet)
}

// domainFromRequest hardcodes "nodomain", preserved verbatim from the
// original's _get_datastore. Real derivation from auth or path is an open
// question the core engine leaves to the integrator (spec.md §9).
func domainFromRequest(r *http.Request) string {
	_ = r
	return "nodomain"
}

func (h *Handler) addDatapoints(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sets, err := amondawa.DataPointSetsFromJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	domain := domainFromRequest(r)
	for _, dps := range sets {
		if err := h.datastore.PutDataPoints(r.Context(), domain, dps); err != nil {
			h.log.Error().Err(err).Str("metric", dps.Name).Msg("httpapi: store datapoints failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queryDatabase(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	queries, err := amondawa.QueryMetricsFromJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	domain := domainFromRequest(r)
	results := make([]amondawa.QueryResult, len(queries))

	// Dispatched concurrently, mirroring http.py's query_database spawning
	// one gather thread per QueryMetric.
	g, ctx := errgroup.WithContext(r.Context())
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, err := h.datastore.QueryDatabase(ctx, domain, q)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.log.Error().Err(err).Msg("httpapi: query failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{"queries": results})
}

type metricTagsResult struct {
	Name string      `json:"name"`
	Tags []keys.Tags `json:"tags"`
}

func (h *Handler) queryMetricTags(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	queries, err := amondawa.QueryMetricsFromJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	domain := domainFromRequest(r)
	out := make([]metricTagsResult, len(queries))

	g, ctx := errgroup.WithContext(r.Context())
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			tags, err := h.datastore.QueryMetricTags(ctx, domain, q)
			if err != nil {
				return err
			}
			out[i] = metricTagsResult{Name: q.Name, Tags: tags}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.log.Error().Err(err).Msg("httpapi: query tags failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{"results": out})
}

func (h *Handler) metricNames(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{"results": h.datastore.GetMetricNames()})
}

func (h *Handler) tagNames(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{"results": h.datastore.GetTagNames()})
}

func (h *Handler) tagValues(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{"results": h.datastore.GetTagValues()})
}

func (h *Handler) notImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented", http.StatusNotImplemented)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("httpapi: encode response failed")
	}
}
