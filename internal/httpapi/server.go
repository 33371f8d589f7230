// Package httpapi exposes the coordination core over HTTP: REST endpoints
// for agents, tasks, locks, conflicts, sessions, and rules, plus an SSE
// stream mirroring the internal event hub.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/qmlh/crewd/internal/audit"
	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/coord"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/fileops"
	"github.com/qmlh/crewd/internal/store"
	"github.com/qmlh/crewd/internal/store/postgres"
	"github.com/qmlh/crewd/internal/store/sqlite"
	"github.com/qmlh/crewd/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read
// more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (IDE shell on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics

	// Injected components; built with defaults when nil.
	Coord   *coord.Manager
	Files   *fileops.Manager
	Clock   clock.Clock
	Journal *audit.Journal
}

// App holds the HTTP server and the coordination components behind it.
type App struct {
	Server  *http.Server
	Hub     *SSEHub
	Events  *events.Hub
	Coord   *coord.Manager
	Files   *fileops.Manager
	Store   store.Store
	Journal *audit.Journal
	Home    string

	bridge *events.Subscription
}

// NewApp opens the store, builds missing components, restores persisted
// state, and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = sqlite.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	hub := events.NewHub()

	cm := opts.Coord
	if cm == nil {
		cm = coord.New(coord.Options{Clock: clk, Hub: hub, Journal: opts.Journal})
	}
	fm := opts.Files
	if fm == nil {
		fm = fileops.New(fileops.Options{Clock: clk, Hub: cm.Hub()})
	}

	app := &App{
		Hub:     NewSSEHub(),
		Events:  cm.Hub(),
		Coord:   cm,
		Files:   fm,
		Store:   st,
		Journal: opts.Journal,
		Home:    opts.Home,
	}
	if err := app.restoreState(context.Background()); err != nil {
		slog.Warn("state restore failed", "err", err)
	}

	mux := http.NewServeMux()
	app.registerRoutes(mux, opts)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "crewd")
	}
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Bridge internal events onto the SSE stream.
	app.bridge = app.Events.Subscribe(models.DefaultSSEChannelBuffer)
	go func() {
		for ev := range app.bridge.C {
			app.Hub.PublishJSON(ev)
		}
	}()
	return app, nil
}

// restoreState reloads persisted rules, policy sets, change history, and
// conflicts. A fresh home gets the default rules.
func (a *App) restoreState(ctx context.Context) error {
	rules, err := a.Store.LoadRules(ctx)
	if err != nil {
		return err
	}
	engine := a.Coord.Rules()
	for _, r := range rules {
		if _, err := engine.AddRule(r); err != nil {
			slog.Warn("persisted rule rejected", "rule", r.Name, "err", err)
		}
	}
	if len(rules) == 0 {
		engine.LoadDefaults()
	}
	sets, err := a.Store.LoadPolicySets(ctx)
	if err != nil {
		return err
	}
	for _, p := range sets {
		if _, err := engine.AddPolicySet(p); err != nil {
			slog.Warn("persisted policy set rejected", "policy", p.Name, "err", err)
		}
	}
	changes, err := a.Store.LoadChanges(ctx, "", 0)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		a.Files.Tracker().Restore(ch)
	}
	conflicts, err := a.Store.LoadConflicts(ctx, true)
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		a.Files.RestoreConflict(c)
	}
	return nil
}

// SaveState persists rules, policy sets, the change history, and the
// conflict ledger. Called on shutdown.
func (a *App) SaveState(ctx context.Context) error {
	engine := a.Coord.Rules()
	if err := a.Store.SaveRules(ctx, engine.Rules()); err != nil {
		return err
	}
	if err := a.Store.SavePolicySets(ctx, engine.PolicySets()); err != nil {
		return err
	}
	if err := a.Store.SaveConflicts(ctx, a.Files.Conflicts(true)); err != nil {
		return err
	}
	return a.Store.AppendChanges(ctx, a.Files.Tracker().All())
}

// Close releases everything the app owns: the event bridge, file manager,
// coordination core, and store.
func (a *App) Close(ctx context.Context) error {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if err := a.SaveState(ctx); err != nil {
		slog.Warn("state save failed", "err", err)
	}
	_ = a.Files.Close()
	_ = a.Coord.Close(ctx)
	return a.Store.Close()
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeError maps the core's typed errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errs.IsLockConflict(err), errs.IsConflictDetected(err), errs.IsCapacity(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errs.IsValidation(err), errs.IsCycle(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
