package srvreg

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/citychain/ledger-node/ledger"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

func jsonResponse(statusCode int, v interface{}) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Internal server error"}`,
		}, err
	}
	return &Response{StatusCode: statusCode, Headers: defaultHeaders, Body: string(body)}, nil
}

func errorResponse(err error) (*Response, error) {
	statusCode := StatusForError(err)
	message := err.Error()
	if statusCode == http.StatusInternalServerError {
		message = "Internal server error"
	}
	resp, _ := jsonResponse(statusCode, map[string]string{"error": message})
	return resp, err
}

type submitResponse struct {
	Message       string             `json:"message"`
	Transaction   ledger.Transaction `json:"transaction"`
	Duplicate     bool               `json:"duplicate"`
	Approved      bool               `json:"approved"`
	Forwarded     bool               `json:"forwarded"`
	ApprovalError string             `json:"approval_error,omitempty"`
	ForwardError  string             `json:"forward_error,omitempty"`
	PohDigest     string             `json:"poh_digest,omitempty"`
	PendingCount  int                `json:"pending_count"`
	MunicipalNode string             `json:"municipal_node,omitempty"`
}

// SubmitTransactionHandler accepts a new transaction. 201 means approved and
// acknowledged upstream, 202 means stored and still pending, 200 means the id
// was already known.
func (sr *ServiceRegistry) SubmitTransactionHandler(req *Request) (*Response, error) {
	var tx ledger.Transaction
	if err := json.Unmarshal([]byte(req.Body), &tx); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid transaction body: " + err.Error()})
	}

	result, err := sr.app.Submit(contextFor(req), tx)
	if err != nil {
		return errorResponse(err)
	}

	resp := submitResponse{
		Message:       "Transaction accepted",
		Transaction:   result.Transaction,
		Duplicate:     result.Duplicate,
		Approved:      result.Approved,
		Forwarded:     result.Forwarded,
		PohDigest:     result.PohDigest,
		PendingCount:  result.PendingCount,
		MunicipalNode: result.MunicipalNode,
	}
	if result.ApprovalErr != nil {
		resp.ApprovalError = result.ApprovalErr.Error()
	}
	if result.ForwardErr != nil {
		resp.ForwardError = result.ForwardErr.Error()
	}

	statusCode := http.StatusCreated
	switch {
	case result.Duplicate:
		resp.Message = "Transaction already known"
		statusCode = http.StatusOK
	case !result.Approved || !result.Forwarded:
		resp.Message = "Transaction pending"
		statusCode = http.StatusAccepted
	}
	return jsonResponse(statusCode, resp)
}

func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	tx, err := sr.app.Transaction(req.Params["id"])
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, tx)
}

// PendingTransactionsHandler lists the pending set, optionally filtered by
// receiver and receiver_municipality.
func (sr *ServiceRegistry) PendingTransactionsHandler(req *Request) (*Response, error) {
	txs := sr.app.PendingFor(req.Query.Get("receiver"), req.Query.Get("receiver_municipality"))
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"count":        len(txs),
		"transactions": txs,
	})
}

type updateStatusBody struct {
	NewStatus string `json:"new_status"`
}

func (sr *ServiceRegistry) UpdateStatusHandler(req *Request) (*Response, error) {
	var body updateStatusBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid body: " + err.Error()})
	}
	status, err := ledger.ParseStatus(body.NewStatus)
	if err != nil {
		return errorResponse(err)
	}
	tx, err := sr.app.UpdateStatus(req.Params["id"], status)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, tx)
}

func (sr *ServiceRegistry) RejectTransactionHandler(req *Request) (*Response, error) {
	tx, err := sr.app.Reject(req.Params["id"])
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, tx)
}

// GetChainHandler returns the local chain, or its last ?limit= blocks.
func (sr *ServiceRegistry) GetChainHandler(req *Request) (*Response, error) {
	chain := sr.app.Chain()
	blocks := chain.Blocks()
	if raw := req.Query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		blocks = chain.Last(limit)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"height": chain.Len(),
		"blocks": blocks,
	})
}

// GetBlockHandler returns one chain block with the PoH digest committed
// alongside it.
func (sr *ServiceRegistry) GetBlockHandler(req *Request) (*Response, error) {
	index, err := strconv.ParseUint(req.Params["index"], 10, 64)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid block index"})
	}
	block, digest, err := sr.app.Block(index)
	if err != nil {
		return errorResponse(err)
	}
	resp := map[string]interface{}{"block": block}
	if digest != "" {
		resp["poh_digest"] = digest
	}
	return jsonResponse(http.StatusOK, resp)
}

func (sr *ServiceRegistry) VerifyChainHandler(req *Request) (*Response, error) {
	resp := map[string]interface{}{"height": sr.app.Chain().Len(), "valid": true}
	if err := sr.app.Chain().Verify(); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	return jsonResponse(http.StatusOK, resp)
}

// GetPohHandler returns the PoH digest; ?entries=true includes the log.
func (sr *ServiceRegistry) GetPohHandler(req *Request) (*Response, error) {
	log := sr.app.PoH()
	resp := map[string]interface{}{
		"length": log.Len(),
		"digest": log.Digest(),
	}
	if req.Query.Get("entries") == "true" {
		resp["entries"] = log.Entries()
	}
	return jsonResponse(http.StatusOK, resp)
}

const defaultAnchorLimit = 50

// GetAnchorsHandler lists the most recent lower tier blocks anchored here.
func (sr *ServiceRegistry) GetAnchorsHandler(req *Request) (*Response, error) {
	limit := defaultAnchorLimit
	if raw := req.Query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = n
	}
	anchors, err := sr.app.Repository().Anchors(limit)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"count":   len(anchors),
		"anchors": anchors,
	})
}

type proofResponse struct {
	Proof     string    `json:"proof"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// GenerateProofOfPlaceHandler binds the posted location to the current
// instant. The returned timestamp is the created_at a transaction must
// carry for the proof to verify.
func (sr *ServiceRegistry) GenerateProofOfPlaceHandler(req *Request) (*Response, error) {
	var loc ledger.Location
	if err := json.Unmarshal([]byte(req.Body), &loc); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid location: " + err.Error()})
	}
	proof, at, err := sr.app.ProofOfPlace(loc)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, proofResponse{Proof: proof, Timestamp: at, Latitude: loc.Latitude, Longitude: loc.Longitude})
}

func (sr *ServiceRegistry) VerifyProofOfPlaceHandler(req *Request) (*Response, error) {
	var body proofResponse
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "Invalid body: " + err.Error()})
	}
	loc := ledger.Location{Latitude: body.Latitude, Longitude: body.Longitude}
	return jsonResponse(http.StatusOK, map[string]bool{
		"is_valid": ledger.VerifyProofOfPlace(body.Proof, loc, body.Timestamp),
	})
}

func (sr *ServiceRegistry) GetRepresentativesHandler(req *Request) (*Response, error) {
	municipality := req.Params["municipality"]
	registry := sr.app.Registry()
	resp := map[string]interface{}{
		"municipality": municipality,
		"roster":       registry.Roster(municipality),
	}
	if rep, ok := registry.Active(municipality); ok {
		resp["active"] = rep
	}
	return jsonResponse(http.StatusOK, resp)
}

func (sr *ServiceRegistry) ElectRepresentativeHandler(req *Request) (*Response, error) {
	rep, err := sr.app.Registry().Elect(req.Params["municipality"])
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, rep)
}
