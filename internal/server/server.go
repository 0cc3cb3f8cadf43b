// Package server is the HTTP + WebSocket API surface over the tenant
// registry.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/tenant"
)

// Config tunes the API server.
type Config struct {
	ListenAddr string
	Logger     logging.Logger
}

// Server routes API requests to tenant apps.
type Server struct {
	cfg      Config
	registry *tenant.Registry
	router   chi.Router
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewServer builds the API surface over an already-wired registry.
func NewServer(cfg Config, registry *tenant.Registry) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		router:   chi.NewRouter(),
		logger:   logger.With(logging.Field{Key: "component", Value: "server"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: tighten for production
				return true
			},
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/tenants", s.optionsHandler("GET"))
	r.Options("/tenants/{codename}", s.optionsHandler("GET"))
	r.Options("/tenants/{codename}/search", s.optionsHandler("GET"))
	r.Options("/tenants/{codename}/doc", s.optionsHandler("GET"))
	r.Options("/tenants/{codename}/tree", s.optionsHandler("GET"))
	r.Options("/tenants/{codename}/sync", s.optionsHandler("POST"))
	r.Options("/tenants/{codename}/status", s.optionsHandler("GET"))
	r.Options("/ws/tenants/{codename}/events", s.optionsHandler("GET"))

	r.Get("/tenants", s.handleListTenants)
	r.Get("/tenants/{codename}", s.handleGetTenant)
	r.Get("/tenants/{codename}/search", s.handleSearch)
	r.Get("/tenants/{codename}/doc", s.handleGetDoc)
	r.Get("/tenants/{codename}/tree", s.handleTree)
	r.Post("/tenants/{codename}/sync", s.handleTriggerSync)
	r.Get("/tenants/{codename}/status", s.handleStatus)

	r.Get("/ws/tenants/{codename}/events", s.handleEventsWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}
	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) app(w http.ResponseWriter, r *http.Request) (*tenant.App, bool) {
	codename := chi.URLParam(r, "codename")
	app, ok := s.registry.Get(codename)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tenant: "+codename)
		return nil, false
	}
	return app, true
}

// --- HTTP handlers ---

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	apps := s.registry.List()
	out := make([]tenant.Health, 0, len(apps))
	for _, app := range apps {
		out = append(out, app.Health(r.Context()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, app.Health(r.Context()))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing q query parameter")
		return
	}
	limit := 0
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}

	results, err := app.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Warn("search failed", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []tenant.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, "missing uri query parameter")
		return
	}
	contextMode := r.URL.Query().Get("context")

	doc, content, err := app.Fetch(r.Context(), uri, contextMode)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownContextMode) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("doc fetch failed",
			logging.Field{Key: "uri", Value: uri},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":               doc.URL,
		"title":             doc.Title,
		"markdown_rel_path": doc.MarkdownRelPath,
		"content":           content,
		"excerpt":           doc.Excerpt,
		"first_seen_at":     doc.FirstSeenAt,
		"last_fetched_at":   doc.LastFetchedAt,
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	depth := 1
	if ds := r.URL.Query().Get("depth"); ds != "" {
		if v, err := strconv.Atoi(ds); err == nil {
			depth = v
		}
	}

	nodes, err := app.BrowseTree(path, depth)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	var body struct {
		ForceCrawler  bool `json:"force_crawler"`
		ForceFullSync bool `json:"force_full_sync"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	result := app.TriggerSync(r.Context(), body.ForceCrawler, body.ForceFullSync)
	switch {
	case result.Success:
		writeJSON(w, http.StatusOK, result)
	case result.Message == "sync already running":
		writeJSON(w, http.StatusConflict, result)
	default:
		writeJSON(w, http.StatusInternalServerError, result)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	st, err := app.Status(r.Context())
	if err != nil {
		s.logger.Warn("status failed", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- WebSockets ---

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	app, ok := s.app(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	events, cancel := app.SubscribeEvents()
	defer cancel()

	// Drain the client side so close frames are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
