package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor_Success(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success": true, "signature": "5abc"}`))
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL)
	out, err := exec.Execute(context.Background(), Order{
		Mint:          "MintAddr",
		SolAmount:     decimal.RequireFromString("0.25"),
		AutoSell:      true,
		TakeProfitPct: 50,
		StopLossPct:   20,
	})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "5abc", out.Signature)

	assert.Equal(t, "MintAddr", got["token"])
	assert.Equal(t, 0.25, got["sol_amount"])
	assert.Equal(t, true, got["auto_sell"])
	assert.Equal(t, float64(50), got["take_profit_pct"])
	assert.NotEmpty(t, got["request_id"])
}

func TestHTTPExecutor_ServiceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success": false, "error": "insufficient balance"}`))
	}))
	defer server.Close()

	out, err := NewHTTPExecutor(server.URL).Execute(context.Background(), Order{Mint: "m", SolAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "insufficient balance", out.Error)
}

func TestHTTPExecutor_BadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := NewHTTPExecutor(server.URL).Execute(context.Background(), Order{Mint: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPExecutor_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPExecutor(url).Execute(context.Background(), Order{Mint: "m"})
	assert.Error(t, err)
}

func TestDryRunExecutor(t *testing.T) {
	logger, hook := test.NewNullLogger()

	out, err := NewDryRunExecutor(logger).Execute(context.Background(), Order{Mint: "m", SolAmount: decimal.RequireFromString("0.1")})
	require.NoError(t, err)
	assert.True(t, out.Success)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "m", hook.LastEntry().Data["mint"])
}
