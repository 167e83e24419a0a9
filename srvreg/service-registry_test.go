package srvreg

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		params  map[string]string
		ok      bool
	}{
		{"/transactions/:id", "/transactions/abc", map[string]string{"id": "abc"}, true},
		{"/transactions/:id/status", "/transactions/abc/status", map[string]string{"id": "abc"}, true},
		{"/representatives/:municipality", "/representatives/Asia-Tokyo", map[string]string{"municipality": "Asia-Tokyo"}, true},
		{"/representatives/:municipality", "/representatives/North%20America-New%20York", map[string]string{"municipality": "North America-New York"}, true},
		{"/transactions/:id", "/transactions/", nil, false},
		{"/transactions/:id", "/transactions/a/b", nil, false},
		{"/transactions/:id/status", "/transactions/a/reject", nil, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.pattern, tt.path), func(t *testing.T) {
			params, ok := matchPath(tt.pattern, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.params, params)
			}
		})
	}
}

func TestExactRoutesWinOverPatterns(t *testing.T) {
	sr := NewServiceRegistry(nil, cmtlog.NewNopLogger())
	var hit string
	sr.RegisterHandler("GET", "/transactions/pending", true, func(*Request) (*Response, error) {
		hit = "pending"
		return &Response{StatusCode: http.StatusOK}, nil
	})
	sr.RegisterHandler("GET", "/transactions/:id", false, func(req *Request) (*Response, error) {
		hit = "id:" + req.Params["id"]
		return &Response{StatusCode: http.StatusOK}, nil
	})

	for path, want := range map[string]string{
		"/transactions/pending": "pending",
		"/transactions/tx-9":    "id:tx-9",
	} {
		req := &Request{Method: "get", Path: path}
		resp, err := req.GenerateResponse(sr)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, hit)
	}

	resp, err := (&Request{Method: "DELETE", Path: "/transactions/tx-9"}).GenerateResponse(sr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusForError(&ledger.ValidationError{Field: "amount", Reason: "zero"}))
	assert.Equal(t, http.StatusNotFound, StatusForError(fmt.Errorf("lookup: %w", ledger.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, StatusForError(ledger.ErrInvalidTransition))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusForError(ledger.ErrUnknownDestination))
	assert.Equal(t, http.StatusAccepted, StatusForError(ledger.ErrForwardingFailure))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForError(ledger.ErrNoRepresentativeAvailable))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(ledger.ErrPersistence))

	down := &repository.RepositoryError{Code: repository.PgErrConnectionFailure, Message: "Saving transaction"}
	assert.Equal(t, http.StatusServiceUnavailable, StatusForError(fmt.Errorf("submit: %w", down)))
	broken := &repository.RepositoryError{Code: repository.PgErrNotNullViolation, Message: "Saving transaction"}
	assert.Equal(t, http.StatusInternalServerError, StatusForError(broken))
}

func TestConvertHttpRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/transactions?receiver=Bob", bytes.NewBufferString("{ \"amount\" : 5 }"))
	r.Header.Set("Content-Type", "application/json")

	req, err := ConvertHttpRequest(r)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":5}`, req.Body)
	assert.Equal(t, "Bob", req.Query.Get("receiver"))
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Len(t, req.RequestID, 32)
	assert.NotNil(t, contextFor(req))
}
