package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citychain/ledger-node/app"
	"github.com/citychain/ledger-node/gossip"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/router"
	service_registry "github.com/citychain/ledger-node/srvreg"
)

// maxPeerBody bounds inter-node payloads.
const maxPeerBody = 64 << 20

// WebServer handles HTTP requests
type WebServer struct {
	app             *app.Application
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	limiter         *RateLimiter
	gatherer        prometheus.Gatherer
}

// NewWebServer creates a new web server. Client-facing routes go through
// the service registry; the submit route is rate limited per client.
func NewWebServer(
	app *app.Application,
	httpPort string,
	logger cmtlog.Logger,
	serviceRegistry *service_registry.ServiceRegistry,
	limiter *RateLimiter,
	gatherer prometheus.Gatherer,
) *WebServer {
	ws := &WebServer{
		app:             app,
		httpAddr:        ":" + httpPort,
		logger:          logger.With("module", "server"),
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		limiter:         limiter,
		gatherer:        gatherer,
	}

	ws.server = &http.Server{
		Addr:              ws.httpAddr,
		Handler:           ws.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Routes builds the handler tree.
func (ws *WebServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", ws.handleRoot)
	r.Get("/debug", ws.handleDebug)
	r.Get("/healthz", ws.handleHealth)
	if ws.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(ws.gatherer, promhttp.HandlerOpts{}))
	}

	// Inter-node
	r.Post(router.TransactionsPath, ws.handleForwardedTransactions)
	r.Post(router.BlocksPath, ws.handleForwardedBlocks)
	r.Post(gossip.TransactionsPath, ws.handleGossipTransactions)
	r.Post(gossip.BlocksPath, ws.handleGossipBlocks)

	// Client-facing
	r.With(ws.limiter.Middleware).Post("/transactions", ws.handleServiceAPI)
	r.Post("/proof-of-place", ws.handleServiceAPI)
	for _, prefix := range []string{"/transactions", "/chain", "/poh", "/anchors", "/representatives", "/proof-of-place"} {
		r.Get(prefix, ws.handleServiceAPI)
		r.Get(prefix+"/*", ws.handleServiceAPI)
		r.Post(prefix+"/*", ws.handleServiceAPI)
	}
	return r
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	cfg := ws.app.Config()
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<h1>Hierarchical Ledger Node</h1>"))
	w.Write([]byte("<p>Node ID: " + html.EscapeString(cfg.NodeID) + "</p>"))
	w.Write([]byte("<p>Tier: " + html.EscapeString(string(ws.app.Router().Tier())) + "</p>"))
	w.Write([]byte("<p>Municipality: " + html.EscapeString(cfg.Municipality) + "</p>"))
	w.Write([]byte(fmt.Sprintf("<p>Height: %d</p>", ws.app.Chain().Len())))
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	cfg := ws.app.Config()
	total, approved := ws.app.PendingCount()
	debugInfo := map[string]interface{}{
		"node_id":          cfg.NodeID,
		"tier":             ws.app.Router().Tier(),
		"municipality":     cfg.Municipality,
		"uptime":           time.Since(ws.startTime).String(),
		"height":           ws.app.Chain().Len(),
		"pending":          total,
		"pending_approved": approved,
		"last_block_at":    ws.app.LastBlockAt(),
		"poh_length":       ws.app.PoH().Len(),
		"poh_digest":       ws.app.PoH().Digest(),
		"municipalities":   ws.app.Registry().Municipalities(),
	}
	if tip, ok := ws.app.Chain().Tip(); ok {
		debugInfo["tip_hash"] = tip.Hash
	}
	if n, err := ws.app.Repository().CountAnalytics(); err == nil {
		debugInfo["analytics_transactions"] = n
	} else {
		ws.logger.Error("Counting analytics transactions", "err", err)
	}
	writeJSON(w, http.StatusOK, debugInfo)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := ws.app.Repository().Ping(); err != nil {
		JSONError(w, "Storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleServiceAPI dispatches client requests through the service registry
func (ws *WebServer) handleServiceAPI(w http.ResponseWriter, r *http.Request) {
	req, err := service_registry.ConvertHttpRequest(r)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	resp, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.Info("Service request failed", "method", req.Method, "path", req.Path, "err", err)
	}
	if resp == nil {
		JSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(resp.Body))
}

func (ws *WebServer) handleForwardedTransactions(w http.ResponseWriter, r *http.Request) {
	var txs []ledger.Transaction
	if !decodePeerBody(w, r, &txs) {
		return
	}
	accepted := ws.app.AcceptForwarded(txs)
	writeJSON(w, http.StatusOK, map[string]int{"received": len(txs), "accepted": accepted})
}

func (ws *WebServer) handleForwardedBlocks(w http.ResponseWriter, r *http.Request) {
	var blocks []*ledger.Block
	if !decodePeerBody(w, r, &blocks) {
		return
	}
	origin := r.Header.Get(router.OriginHeader)
	if origin == "" {
		origin = clientID(r)
	}
	anchored, err := ws.app.AcceptAnchors(origin, blocks)
	if err != nil {
		ws.logger.Info("Some forwarded blocks were refused", "origin", origin, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]int{"received": len(blocks), "anchored": anchored})
}

func (ws *WebServer) handleGossipTransactions(w http.ResponseWriter, r *http.Request) {
	var txs []ledger.Transaction
	if !decodePeerBody(w, r, &txs) {
		return
	}
	merged := ws.app.MergeTransactions(txs)
	writeJSON(w, http.StatusOK, map[string]int{"received": len(txs), "merged": merged})
}

func (ws *WebServer) handleGossipBlocks(w http.ResponseWriter, r *http.Request) {
	var blocks []*ledger.Block
	if !decodePeerBody(w, r, &blocks) {
		return
	}
	merged := ws.app.MergeBlocks(blocks)
	writeJSON(w, http.StatusOK, map[string]int{"received": len(blocks), "merged": merged})
}

func decodePeerBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeerBody))
	if err != nil {
		JSONError(w, "Failed to read body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		JSONError(w, "Invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
