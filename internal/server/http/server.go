// Package httpserver exposes the operational HTTP surface of the collector.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricemesh/config"
	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/conductor"
	"github.com/coachpo/pricemesh/internal/monitor"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/persistence"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/snapshot"
	"github.com/coachpo/pricemesh/internal/source"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath  = "/healthz"
	sourcesPath = "/sources"
	collectPath = "/collect"

	monitorPath      = "/monitor"
	monitorStartPath = monitorPath + "/start"
	monitorStopPath  = monitorPath + "/stop"

	roundsPath    = "/rounds"
	historyPrefix = "/history/"

	swaggerSpecPath = "/docs/openapi.json"
	swaggerUIPath   = "/docs"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options carries the collaborators served over HTTP. The scheduler, snapshot
// store, and history store are optional; their routes answer 503 when absent.
type Options struct {
	Environment    config.Environment
	Registry       *source.Registry
	Catalog        *source.Catalog
	Orchestrator   *conductor.Orchestrator
	Limits         *ratelimit.Registry
	Counters       *observability.RuntimeMetrics
	Scheduler      *monitor.Scheduler
	Snapshots      snapshot.Store
	History        persistence.HistoryStore
	LimitPerSource int
}

type httpServer struct {
	environment    config.Environment
	registry       *source.Registry
	catalog        *source.Catalog
	orchestrator   *conductor.Orchestrator
	limits         *ratelimit.Registry
	counters       *observability.RuntimeMetrics
	scheduler      *monitor.Scheduler
	snapshots      snapshot.Store
	history        persistence.HistoryStore
	limitPerSource int
}

type collectRequest struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources"`
	Limit   int      `json:"limit"`
}

type sourceStatus struct {
	Name          string   `json:"name"`
	Title         string   `json:"title,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
	MinSpacing    string   `json:"min_spacing"`
	MaxConcurrent int      `json:"max_concurrent"`
	InFlight      int      `json:"in_flight"`
}

// NewHandler builds the collector's HTTP handler.
func NewHandler(opts Options) http.Handler {
	if opts.Catalog == nil {
		opts.Catalog = source.NewCatalog()
	}
	if opts.Limits == nil {
		opts.Limits = ratelimit.NewRegistry(ratelimit.DefaultLimits())
	}
	if opts.Counters == nil {
		opts.Counters = observability.NewRuntimeMetrics()
	}
	server := &httpServer{
		environment:    opts.Environment,
		registry:       opts.Registry,
		catalog:        opts.Catalog,
		orchestrator:   opts.Orchestrator,
		limits:         opts.Limits,
		counters:       opts.Counters,
		scheduler:      opts.Scheduler,
		snapshots:      opts.Snapshots,
		history:        opts.History,
		limitPerSource: opts.LimitPerSource,
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(sourcesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSources,
	}))
	mux.Handle(collectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postCollect,
	}))

	mux.Handle(monitorPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getMonitor,
	}))
	mux.Handle(monitorStartPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.startMonitor,
	}))
	mux.Handle(monitorStopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.stopMonitor,
	}))

	mux.Handle(roundsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRounds,
	}))
	mux.Handle(historyPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHistory,
	}))

	if opts.Environment == config.EnvDev {
		mux.Handle(swaggerSpecPath, http.HandlerFunc(server.serveSwaggerSpec))
		mux.Handle(swaggerUIPath, http.HandlerFunc(server.serveSwaggerUI))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) getSources(w http.ResponseWriter, _ *http.Request) {
	list := make([]sourceStatus, 0, s.catalog.Len())
	for _, src := range s.catalog.All() {
		stats := s.limits.Get(src.Name()).Stats()
		status := sourceStatus{
			Name:          src.Name(),
			MinSpacing:    stats.MinSpacing.String(),
			MaxConcurrent: stats.MaxConcurrent,
			InFlight:      stats.InFlight,
		}
		if s.registry != nil {
			if desc, ok := s.registry.Lookup(src.Name()); ok {
				status.Title = desc.Title
				status.Aliases = desc.Aliases
			}
		}
		list = append(list, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": list,
		"metrics": s.counters.Snapshot(),
	})
}

func (s *httpServer) postCollect(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "collector unavailable")
		return
	}
	limitRequestBody(w, r)
	req, err := decodeCollectRequest(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	sources, err := s.resolveSources(req.Sources)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.limitPerSource
	}

	result, err := s.orchestrator.Collect(r.Context(), req.Query, sources, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if s.history != nil {
		// A storage failure never voids results the sources already delivered.
		if err := s.history.SaveRound(r.Context(), result); err != nil {
			observability.Log().Error("round persist failed",
				observability.Field{Key: "round_id", Value: result.RoundID},
				observability.Field{Key: "error", Value: err},
			)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) resolveSources(names []string) ([]source.Source, error) {
	if len(names) == 0 {
		sources := s.catalog.All()
		if len(sources) == 0 {
			return nil, fmt.Errorf("no sources configured")
		}
		return sources, nil
	}
	sources := make([]source.Source, 0, len(names))
	for _, name := range names {
		src, ok := s.catalog.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (s *httpServer) getMonitor(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not configured")
		return
	}
	payload := map[string]any{"status": s.scheduler.Status()}
	if s.snapshots != nil {
		latest, err := s.snapshots.Latest(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if latest != nil {
			payload["latest"] = latest
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) startMonitor(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not configured")
		return
	}
	// The loop outlives this request; only Stop or process shutdown ends it.
	if err := s.scheduler.Start(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *httpServer) stopMonitor(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not configured")
		return
	}
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *httpServer) getRounds(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rounds, err := s.history.RecentRounds(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds})
}

func (s *httpServer) getHistory(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, historyPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "source and product id required")
		return
	}
	name, productID, ok := strings.Cut(rest, "/")
	name = strings.ToLower(strings.TrimSpace(name))
	productID = strings.Trim(strings.TrimSpace(productID), "/")
	if !ok || name == "" || productID == "" {
		writeError(w, http.StatusNotFound, "source and product id required")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.history.PriceHistory(r.Context(), name, productID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":     name,
		"product_id": productID,
		"points":     points,
	})
}

func (s *httpServer) serveSwaggerSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(swaggerSpec))
}

func (s *httpServer) serveSwaggerUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != swaggerUIPath {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerUIHTML))
}

func decodeCollectRequest(r *http.Request) (collectRequest, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var req collectRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		return req, fmt.Errorf("decode payload: %w", err)
	}
	return req, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	return limit, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeFailure(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindPermanent:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.KindThrottled:
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errs.KindCancelled:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

const swaggerSpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Pricemesh Collector API",
    "version": "1.0.0",
    "description": "Operational surface for the pricemesh collection service."
  },
  "servers": [
    { "url": "http://localhost:8880", "description": "Local development" }
  ],
  "paths": {
    "/healthz": {
      "get": {
        "summary": "Liveness probe",
        "responses": {
          "200": { "description": "Service is up" }
        }
      }
    },
    "/sources": {
      "get": {
        "summary": "List configured sources with admission stats",
        "responses": {
          "200": { "description": "Source list" }
        }
      }
    },
    "/collect": {
      "post": {
        "summary": "Run one collection round",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "properties": {
                  "query": { "type": "string" },
                  "sources": { "type": "array", "items": { "type": "string" } },
                  "limit": { "type": "integer" }
                },
                "required": ["query"]
              }
            }
          }
        },
        "responses": {
          "200": { "description": "Aggregated round result" },
          "400": { "description": "Validation error" }
        }
      }
    },
    "/monitor": {
      "get": {
        "summary": "Monitor status and latest snapshot",
        "responses": {
          "200": { "description": "Monitor state" },
          "503": { "description": "Monitor not configured" }
        }
      }
    },
    "/monitor/start": {
      "post": {
        "summary": "Start the monitoring loop",
        "responses": {
          "200": { "description": "Monitor started" },
          "409": { "description": "Monitor already running" }
        }
      }
    },
    "/monitor/stop": {
      "post": {
        "summary": "Stop the monitoring loop",
        "responses": {
          "200": { "description": "Monitor stopped" }
        }
      }
    },
    "/rounds": {
      "get": {
        "summary": "List recently completed rounds",
        "parameters": [
          { "name": "limit", "in": "query", "required": false, "schema": { "type": "integer" } }
        ],
        "responses": {
          "200": { "description": "Round summaries" },
          "503": { "description": "History store not configured" }
        }
      }
    },
    "/history/{source}/{id}": {
      "get": {
        "summary": "Price history for one product",
        "parameters": [
          { "name": "source", "in": "path", "required": true, "schema": { "type": "string" } },
          { "name": "id", "in": "path", "required": true, "schema": { "type": "string" } },
          { "name": "limit", "in": "query", "required": false, "schema": { "type": "integer" } }
        ],
        "responses": {
          "200": { "description": "Stored price points" },
          "503": { "description": "History store not configured" }
        }
      }
    }
  }
}`

var swaggerUIHTML = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Pricemesh API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin:0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function() {
      SwaggerUIBundle({
        url: '%s',
        dom_id: '#swagger-ui',
        presets: [SwaggerUIBundle.presets.apis],
        layout: 'BaseLayout'
      });
    });
  </script>
</body>
</html>`, swaggerSpecPath)
