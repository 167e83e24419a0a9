package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citychain/ledger-node/app"
	"github.com/citychain/ledger-node/dpos"
	"github.com/citychain/ledger-node/evaluation"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/metrics"
	"github.com/citychain/ledger-node/repository"
	"github.com/citychain/ledger-node/router"
	"github.com/citychain/ledger-node/signer"
	service_registry "github.com/citychain/ledger-node/srvreg"
)

type testNode struct {
	app *app.Application
	srv *httptest.Server
}

func newTestNode(t *testing.T, limit RateLimit) *testNode {
	t.Helper()
	logger := cmtlog.NewNopLogger()
	dsn := func() string { return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()) }
	db, err := repository.Connect(repository.DriverSQLite, dsn(), logger)
	require.NoError(t, err)
	analytics, err := repository.Connect(repository.DriverSQLite, dsn(), logger)
	require.NoError(t, err)
	repo := repository.New(db, analytics, nil, logger)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	registry := dpos.NewRegistry(signer.Generate(), "Asia-Tokyo", logger, dpos.WithStore(repo))
	require.NoError(t, registry.Bootstrap("Asia-Tokyo", []string{"rep-1", "rep-2"}))

	cfg := app.DefaultAppConfig()
	cfg.NodeID = "node-test"
	cfg.Municipality = "Asia-Tokyo"
	reg := prometheus.NewRegistry()
	application := app.NewApplication(
		cfg,
		repo,
		router.New(router.TierGlobal, router.Tables{}),
		router.NewForwarder(time.Second, logger),
		registry,
		evaluation.NewRegistry(repo, logger),
		metrics.New(reg),
		logger,
	)

	services := service_registry.NewServiceRegistry(application, logger)
	services.RegisterDefaultServices()
	ws := NewWebServer(application, "0", logger, services, NewRateLimiter(limit), reg)

	srv := httptest.NewServer(ws.Routes())
	t.Cleanup(srv.Close)
	return &testNode{app: application, srv: srv}
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, n.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func transfer(amount float64) map[string]interface{} {
	return map[string]interface{}{
		"sender":                "Alice",
		"receiver":              "Bob",
		"amount":                amount,
		"sender_municipality":   "Asia-Tokyo",
		"receiver_municipality": "Asia-Osaka",
		"transaction_type":      "send",
	}
}

func TestTransactionEndpoints(t *testing.T) {
	node := newTestNode(t, RateLimit{})

	code, body := node.do(t, http.MethodPost, "/transactions", transfer(25))
	require.Equal(t, http.StatusCreated, code, string(body))
	var submitted struct {
		Transaction ledger.Transaction `json:"transaction"`
		Approved    bool               `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(body, &submitted))
	id := submitted.Transaction.ID
	assert.NotEmpty(t, id)
	assert.True(t, submitted.Approved)
	assert.Equal(t, ledger.StatusSendComplete, submitted.Transaction.Status)

	code, body = node.do(t, http.MethodGet, "/transactions/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	var got ledger.Transaction
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, id, got.ID)

	code, body = node.do(t, http.MethodGet, "/transactions/pending?receiver=Bob", nil)
	require.Equal(t, http.StatusOK, code)
	var pending struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Equal(t, 1, pending.Count)

	code, body = node.do(t, http.MethodGet, "/transactions/pending?receiver=Carol", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Zero(t, pending.Count)

	code, _ = node.do(t, http.MethodPost, "/transactions/"+id+"/reject", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = node.do(t, http.MethodPost, "/transactions/"+id+"/status", map[string]string{"new_status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = node.do(t, http.MethodPost, "/transactions/"+id+"/status", map[string]string{"new_status": "shared"})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, ledger.StatusShared, got.Status)

	code, _ = node.do(t, http.MethodGet, "/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubmitValidationError(t *testing.T) {
	node := newTestNode(t, RateLimit{})

	code, body := node.do(t, http.MethodPost, "/transactions", transfer(0))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "amount")

	code, _ = node.do(t, http.MethodPost, "/transactions", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubmitIsRateLimited(t *testing.T) {
	node := newTestNode(t, RateLimit{RequestsPerMinute: 1, Burst: 1})

	code, _ := node.do(t, http.MethodPost, "/transactions", transfer(1))
	assert.Equal(t, http.StatusCreated, code)
	code, _ = node.do(t, http.MethodPost, "/transactions", transfer(1))
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Reads are not limited.
	code, _ = node.do(t, http.MethodGet, "/transactions/pending", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestChainAndPohEndpoints(t *testing.T) {
	node := newTestNode(t, RateLimit{})
	code, _ := node.do(t, http.MethodPost, "/transactions", transfer(3))
	require.Equal(t, http.StatusCreated, code)
	_, err := node.app.TryAssemble(context.Background())
	require.NoError(t, err)

	code, body := node.do(t, http.MethodGet, "/chain", nil)
	require.Equal(t, http.StatusOK, code)
	var chain struct {
		Height int             `json:"height"`
		Blocks []*ledger.Block `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(body, &chain))
	assert.Equal(t, 1, chain.Height)
	require.Len(t, chain.Blocks, 1)
	assert.NoError(t, chain.Blocks[0].Verify())

	code, body = node.do(t, http.MethodGet, "/chain/verify", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"valid":true`)

	code, body = node.do(t, http.MethodGet, "/poh?entries=true", nil)
	require.Equal(t, http.StatusOK, code)
	var poh struct {
		Length  int      `json:"length"`
		Entries []string `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &poh))
	assert.Equal(t, 1, poh.Length)
	assert.Len(t, poh.Entries, 1)
}

func TestRepresentativeEndpoints(t *testing.T) {
	node := newTestNode(t, RateLimit{})

	code, body := node.do(t, http.MethodPost, "/representatives/Asia-Tokyo/elect", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = node.do(t, http.MethodGet, "/representatives/Asia-Tokyo", nil)
	require.Equal(t, http.StatusOK, code)
	var reps struct {
		Roster []dpos.Representative `json:"roster"`
		Active *dpos.Representative  `json:"active"`
	}
	require.NoError(t, json.Unmarshal(body, &reps))
	assert.Len(t, reps.Roster, 2)
	require.NotNil(t, reps.Active)

	code, _ = node.do(t, http.MethodPost, "/representatives/Europe-Paris/elect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPeerEndpoints(t *testing.T) {
	origin := newTestNode(t, RateLimit{})
	peer := newTestNode(t, RateLimit{})

	code, _ := origin.do(t, http.MethodPost, "/transactions", transfer(9))
	require.Equal(t, http.StatusCreated, code)

	code, body := peer.do(t, http.MethodPost, "/gossip/transactions", origin.app.PendingTransactions())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"merged":1`)

	_, err := origin.app.TryAssemble(context.Background())
	require.NoError(t, err)
	code, body = peer.do(t, http.MethodPost, "/gossip/blocks", origin.app.RecentBlocks(10))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"merged":1`)
	assert.Equal(t, 1, peer.app.Chain().Len())
	assert.Empty(t, peer.app.PendingTransactions())

	code, body = peer.do(t, http.MethodPost, "/forward/blocks", origin.app.RecentBlocks(10))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"anchored":1`)

	code, _ = peer.do(t, http.MethodPost, "/gossip/blocks", "garbage")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = peer.do(t, http.MethodGet, "/anchors?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var anchors struct {
		Count   int                 `json:"count"`
		Anchors []repository.Anchor `json:"anchors"`
	}
	require.NoError(t, json.Unmarshal(body, &anchors))
	require.Equal(t, 1, anchors.Count)
	assert.Equal(t, "127.0.0.1", anchors.Anchors[0].Origin)
	assert.NoError(t, anchors.Anchors[0].Block.Verify())

	code, _ = peer.do(t, http.MethodGet, "/anchors?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBlockEndpoint(t *testing.T) {
	node := newTestNode(t, RateLimit{})
	code, _ := node.do(t, http.MethodPost, "/transactions", transfer(4))
	require.Equal(t, http.StatusCreated, code)
	block, err := node.app.TryAssemble(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)

	code, body := node.do(t, http.MethodGet, "/chain/0", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var got struct {
		Block *ledger.Block `json:"block"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.NotNil(t, got.Block)
	assert.Equal(t, block.Hash, got.Block.Hash)

	code, _ = node.do(t, http.MethodGet, "/chain/9", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = node.do(t, http.MethodGet, "/chain/tip", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProofOfPlaceEndpoints(t *testing.T) {
	node := newTestNode(t, RateLimit{})
	tokyo := map[string]float64{"latitude": 35.6762, "longitude": 139.6503}

	code, body := node.do(t, http.MethodPost, "/proof-of-place", tokyo)
	require.Equal(t, http.StatusOK, code, string(body))
	var issued struct {
		Proof     string    `json:"proof"`
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(body, &issued))
	assert.Len(t, issued.Proof, 64)

	verify := func(lat float64) bool {
		code, body := node.do(t, http.MethodPost, "/proof-of-place/verify", map[string]interface{}{
			"proof":     issued.Proof,
			"latitude":  lat,
			"longitude": tokyo["longitude"],
			"timestamp": issued.Timestamp,
		})
		require.Equal(t, http.StatusOK, code, string(body))
		var out struct {
			IsValid bool `json:"is_valid"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		return out.IsValid
	}
	assert.True(t, verify(tokyo["latitude"]))
	assert.False(t, verify(48.8566))

	code, _ = node.do(t, http.MethodPost, "/proof-of-place", map[string]float64{"latitude": 120})
	assert.Equal(t, http.StatusBadRequest, code)

	// A transaction created at the issued instant carries the proof.
	tx := transfer(5)
	tx["location"] = tokyo
	tx["proof_of_place"] = issued.Proof
	tx["created_at"] = issued.Timestamp
	code, body = node.do(t, http.MethodPost, "/transactions", tx)
	require.Equal(t, http.StatusCreated, code, string(body))

	tx["transaction_id"] = "moved"
	tx["location"] = map[string]float64{"latitude": 48.8566, "longitude": 2.3522}
	code, _ = node.do(t, http.MethodPost, "/transactions", tx)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInfraEndpoints(t *testing.T) {
	node := newTestNode(t, RateLimit{})
	code, _ := node.do(t, http.MethodPost, "/transactions", transfer(2))
	require.Equal(t, http.StatusCreated, code)

	code, body := node.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = node.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "ledger_lifecycle_transactions_submitted_total 1")

	code, body = node.do(t, http.MethodGet, "/debug", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"node_id":"node-test"`)
	assert.Contains(t, string(body), `"analytics_transactions":0`)

	code, body = node.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "node-test")
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientID(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientID(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientID(r))
}
