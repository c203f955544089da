package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-studio/backend/internal/patch"
)

func TestReadReturnsDataAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("If-Match"))
		w.Header().Set("ETag", `"signal-v3"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"signal"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	res, err := c.Read(context.Background(), "/api/flows/signal")
	require.NoError(t, err)
	assert.Equal(t, "signal-v3", res.Token)
	assert.Equal(t, http.StatusOK, res.Status)

	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, res.Decode(&doc))
	assert.Equal(t, "signal", doc.ID)
}

func TestWriteSendsPreconditionAndPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, `"signal-v3"`, r.Header.Get("If-Match"))
		assert.Equal(t, "application/json-patch+json", r.Header.Get("Content-Type"))

		var ops []patch.Op
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ops))
		if assert.Len(t, ops, 1) {
			assert.Equal(t, patch.Replace, ops[0].Op)
		}

		w.Header().Set("ETag", `"signal-v4"`)
		_, _ = io.WriteString(w, `{"id":"signal","title":"new"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Write(context.Background(), "/api/flows/signal",
		[]patch.Op{patch.ReplaceOp("/title", "new")}, "signal-v3")
	require.NoError(t, err)
	assert.Equal(t, "signal-v4", res.Token)
}

func TestWritePreconditionFailedIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"signal-v9"`)
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = io.WriteString(w, `{"id":"signal","title":"theirs"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Write(context.Background(), "/api/flows/signal",
		[]patch.Op{patch.ReplaceOp("/title", "mine")}, "signal-v3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrTransport))

	ce, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "signal-v9", ce.Token)
	assert.JSONEq(t, `{"id":"signal","title":"theirs"}`, string(ce.Snapshot))
}

func TestNonSuccessIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"about:blank","title":"Unavailable","status":503,"detail":"store offline"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Read(context.Background(), "/api/flows/signal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, "store offline", te.Detail)
}

func TestNetworkFailureIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	_, err := c.Read(context.Background(), "/api/flows/signal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.StatusCode)
}

func TestDoOmitsIfMatchWithoutToken(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"run_id":"r1"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Do(context.Background(), http.MethodPost, "/api/runs", map[string]string{"flow_key": "signal"}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Empty(t, seen.Get("If-Match"))
	assert.Equal(t, "application/json", seen.Get("Content-Type"))
}

func TestWriteRequiresToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Write(context.Background(), "/api/flows/x", []patch.Op{patch.RemoveOp("/nodes/0")}, "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestETagHelpers(t *testing.T) {
	assert.Equal(t, "abc", ParseETag(` "abc" `))
	assert.Equal(t, `W/"abc"`, ParseETag(`W/"abc"`))
	assert.Equal(t, `"abc"`, FormatETag("abc"))
	assert.Equal(t, `W/"abc"`, FormatETag(`W/"abc"`))
	assert.Equal(t, "flows", family("/api/flows/signal"))
	assert.Equal(t, "runs", family("/api/runs"))
}
