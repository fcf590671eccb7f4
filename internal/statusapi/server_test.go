package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-flowwatch/internal/dispatcher"
	"solana-flowwatch/internal/observability"
	"solana-flowwatch/internal/solana"
)

type fixedStats dispatcher.Snapshot

func (f fixedStats) Stats() dispatcher.Snapshot { return dispatcher.Snapshot(f) }

type fixedState solana.ConnState

func (f fixedState) State() solana.ConnState { return solana.ConnState(f) }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	logger, _ := test.NewNullLogger()

	open := New(Options{State: fixedState(solana.StateOpen), Mode: "stream", Logger: logger})
	rec := get(t, open, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, solana.StateOpen.String(), body["transport"])

	down := New(Options{State: fixedState(solana.StateDisconnected), Mode: "stream", Logger: logger})
	rec = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	poll := New(Options{Mode: "poll", Logger: logger})
	assert.Equal(t, http.StatusOK, get(t, poll, "/health").Code)
}

func TestStats(t *testing.T) {
	logger, _ := test.NewNullLogger()
	snap := dispatcher.Snapshot{
		Received: map[string]int{"token_create": 3},
		Dropped:  map[string]int{dispatcher.ReasonDuplicate: 1},
		Executed: 2,
	}
	s := New(Options{Stats: fixedStats(snap), Logger: logger})

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got dispatcher.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Received["token_create"])
	assert.Equal(t, 1, got.Dropped[dispatcher.ReasonDuplicate])
	assert.Equal(t, 2, got.Executed)

	assert.Equal(t, http.StatusNotFound, get(t, New(Options{Logger: logger}), "/stats").Code)
}

func TestMetrics(t *testing.T) {
	observability.RecordEventReceived("token_create")

	logger, _ := test.NewNullLogger()
	rec := get(t, New(Options{Logger: logger}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "events_received_total")
}
