package pricegatesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/submissions":
			_, _ = w.Write([]byte(`{"id":"s1","status":"done","message":"Price updated","blockchainProductId":"P1","trail":["idle","done"]}`))
		case "/v0/options/states":
			_, _ = w.Write([]byte(`{"level":"state","values":["Bihar"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	ctx := context.Background()

	res, err := c.Submit(ctx, Selection{Commodity: "Wheat", State: "Bihar", District: "Patna", Market: "Patna Market"}, 2100)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "/v0/submissions", gotPath)
	require.Equal(t, 2100.0, gotBody["price"])
	require.Equal(t, "done", res.Status)
	require.Equal(t, "P1", res.ProductID)

	opts, err := c.Options(ctx, "states", Selection{Commodity: "Wheat"})
	require.NoError(t, err)
	require.Equal(t, "commodity=Wheat", gotQuery)
	require.Equal(t, []string{"Bihar"}, opts.Values)
}

func TestClientMapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vendor-3", r.Header.Get("X-Actor-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"product not registered on ledger"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "vendor-3"
	_, err := c.UpdatePrice(context.Background(), "P404", 10)
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	require.Equal(t, "product not registered on ledger", err.Error())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "not_found", apiErr.Code)
}

func TestClientFallsBackToRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).CheckPrice(context.Background(), Selection{}, 1)
	require.Error(t, err)
	require.False(t, IsNotFound(err))
	require.Contains(t, err.Error(), "status=502")
}
