package srvreg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtsync "github.com/cometbft/cometbft/libs/sync"

	"github.com/citychain/ledger-node/app"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository"
)

// maxBodyBytes bounds a client request body.
const maxBodyBytes = 10 << 20

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Query      url.Values        `json:"-"`
	Params     map[string]string `json:"-"`

	ctx context.Context
}

func contextFor(req *Request) context.Context {
	if req.ctx != nil {
		return req.ctx
	}
	return context.Background()
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Response represents the computed response from a handler
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all client-facing service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          cmtsync.RWMutex
	app         *app.Application
	logger      cmtlog.Logger
}

// ConvertHttpRequest converts an http.Request to Request
func ConvertHttpRequest(r *http.Request) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		body = compactJSON(strings.TrimSpace(string(bodyBytes)))
	}

	req := &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		Timestamp:  time.Now(),
		Query:      r.URL.Query(),
		ctx:        r.Context(),
	}
	req.GenerateRequestID()
	return req, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(application *app.Application, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		app:         application,
		logger:      logger.With("module", "srvreg"),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a path along with the values of
// its ":name" segments.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	method = strings.ToUpper(method)
	key := RouteKey{Method: method, Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, map[string]string{}, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != method || sr.exactRoutes[routeKey] {
			continue
		}
		if params, ok := matchPath(routeKey.Path, path); ok {
			return handler, params, true
		}
	}
	return nil, nil, false
}

// matchPath matches patterns like "/transactions/:id" against
// "/transactions/123" and extracts {"id": "123"}.
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(strings.TrimRight(pattern, "/"), "/")
	pathParts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := 0; i < len(patternParts); i++ {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return nil, false
			}
			value, err := url.PathUnescape(pathParts[i])
			if err != nil {
				return nil, false
			}
			params[patternParts[i][1:]] = value
			continue
		}
		if patternParts[i] != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}

// RegisterDefaultServices sets up the client-facing ledger services
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Transactions
	sr.RegisterHandler("POST", "/transactions", true, sr.SubmitTransactionHandler)
	sr.RegisterHandler("GET", "/transactions/pending", true, sr.PendingTransactionsHandler)
	sr.RegisterHandler("GET", "/transactions/:id", false, sr.GetTransactionHandler)
	sr.RegisterHandler("POST", "/transactions/:id/status", false, sr.UpdateStatusHandler)
	sr.RegisterHandler("POST", "/transactions/:id/reject", false, sr.RejectTransactionHandler)
	// Chain and PoH
	sr.RegisterHandler("GET", "/chain", true, sr.GetChainHandler)
	sr.RegisterHandler("GET", "/chain/verify", true, sr.VerifyChainHandler)
	sr.RegisterHandler("GET", "/chain/:index", false, sr.GetBlockHandler)
	sr.RegisterHandler("GET", "/poh", true, sr.GetPohHandler)
	sr.RegisterHandler("GET", "/anchors", true, sr.GetAnchorsHandler)
	// Proof-of-Place
	sr.RegisterHandler("POST", "/proof-of-place", true, sr.GenerateProofOfPlaceHandler)
	sr.RegisterHandler("POST", "/proof-of-place/verify", true, sr.VerifyProofOfPlaceHandler)
	// Representatives
	sr.RegisterHandler("GET", "/representatives/:municipality", false, sr.GetRepresentativesHandler)
	sr.RegisterHandler("POST", "/representatives/:municipality/elect", false, sr.ElectRepresentativeHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, params, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		services.logger.Debug("Service registry handler not found", "method", req.Method, "path", req.Path)
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}
	req.Params = params
	return handler(req)
}

// StatusForError maps the ledger error taxonomy onto HTTP status codes.
func StatusForError(err error) int {
	var verr *ledger.ValidationError
	var rerr *repository.RepositoryError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr), errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnknownDestination):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrNoRepresentativeAvailable), errors.Is(err, ledger.ErrRepresentativeTermExpired):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrForwardingFailure):
		return http.StatusAccepted
	case errors.As(err, &rerr) && rerr.Transient():
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
