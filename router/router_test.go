package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citychain/ledger-node/ledger"
)

func TestTableResolve(t *testing.T) {
	table := Table{"Asia": "http://asia", DefaultKey: "http://default"}

	got, err := table.Resolve("Asia")
	require.NoError(t, err)
	assert.Equal(t, "http://asia", got)

	got, err = table.Resolve("Europe")
	require.NoError(t, err)
	assert.Equal(t, "http://default", got)

	_, err = Table{"Asia": "http://asia"}.Resolve("Europe")
	assert.ErrorIs(t, err, ledger.ErrUnknownDestination)
}

func TestResolveUpstreamByTier(t *testing.T) {
	tables := Tables{
		Continental: Table{"Asia": "http://continental-asia"},
		Global:      Table{DefaultKey: "http://global"},
	}

	endpoint, ok, err := New(TierMunicipal, tables).ResolveUpstream("Asia")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://continental-asia", endpoint)

	_, ok, err = New(TierMunicipal, tables).ResolveUpstream("Europe")
	assert.True(t, ok)
	assert.ErrorIs(t, err, ledger.ErrUnknownDestination)

	endpoint, ok, err = New(TierContinental, tables).ResolveUpstream("Asia")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://global", endpoint)

	_, ok, err = New(TierGlobal, tables).ResolveUpstream("Asia")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveMunicipal(t *testing.T) {
	r := New(TierMunicipal, Tables{Municipal: Table{
		"Asia-Tokyo": "http://tokyo",
		"Asia-Osaka": "http://osaka",
		DefaultKey:   "http://fallback",
	}})

	got, err := r.ResolveMunicipal("Asia-Tokyo", "Asia-Osaka")
	require.NoError(t, err)
	assert.Equal(t, "http://tokyo", got)

	got, err = r.ResolveMunicipal("Asia-Nagoya", "Asia-Osaka")
	require.NoError(t, err)
	assert.Equal(t, "http://osaka", got)

	got, err = r.ResolveMunicipal("Asia-Nagoya", "Asia-Kyoto")
	require.NoError(t, err)
	assert.Equal(t, "http://fallback", got)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Continental")
	require.NoError(t, err)
	assert.Equal(t, TierContinental, tier)
	_, err = ParseTier("planetary")
	assert.Error(t, err)
}

func TestForwarder(t *testing.T) {
	var received []ledger.Transaction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, TransactionsPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarder(time.Second, cmtlog.NewNopLogger())
	tx := &ledger.Transaction{ID: "tx-1", Amount: 5}
	require.NoError(t, f.ForwardTransaction(context.Background(), srv.URL+"/", tx))
	require.Len(t, received, 1)
	assert.Equal(t, "tx-1", received[0].ID)
}

func TestForwarderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewForwarder(time.Second, cmtlog.NewNopLogger())
	err := f.ForwardBlock(context.Background(), srv.URL, &ledger.Block{})
	assert.ErrorIs(t, err, ledger.ErrForwardingFailure)

	err = f.ForwardBlock(context.Background(), "http://127.0.0.1:1", &ledger.Block{})
	assert.ErrorIs(t, err, ledger.ErrForwardingFailure)
}

type countingRetrier struct{ calls atomic.Int32 }

func (c *countingRetrier) RetryForwards(context.Context) (int, int) {
	c.calls.Add(1)
	return 0, 0
}

func TestRelayRetriesPeriodically(t *testing.T) {
	retrier := &countingRetrier{}
	relay := NewRelay(retrier, 10*time.Millisecond, cmtlog.NewNopLogger())
	require.NoError(t, relay.Start())
	defer relay.Stop()

	assert.Eventually(t, func() bool { return retrier.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
