package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectationsForSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/expectations", r.URL.Path)
		assert.Equal(t, "collector-1", r.URL.Query().Get("source_id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode([]Expectation{
			{
				ID:        "exp-1",
				Kind:      KindDetection,
				AssetID:   "asset-1",
				CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
				Signatures: []Signature{
					{Type: SigProcessName, Value: "cmd.exe"},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	expectations, err := c.ExpectationsForSource(context.Background(), "collector-1")
	require.NoError(t, err)
	require.Len(t, expectations, 1)
	assert.Equal(t, "exp-1", expectations[0].ID)
	assert.Equal(t, KindDetection, expectations[0].Kind)
}

func TestAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/assets/asset-1", r.URL.Path)
		json.NewEncoder(w).Encode(Asset{ID: "asset-1", Hostname: "ws-042"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	asset, err := c.Asset(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-042", asset.Hostname)
}

func TestUpdateExpectation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/expectations/exp-1", r.URL.Path)

		var input UpdateInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, "collector-1", input.CollectorID)
		assert.Equal(t, ResultDetected, input.Result)
		assert.True(t, input.IsSuccess)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	err := c.UpdateExpectation(context.Background(), "exp-1", UpdateInput{
		CollectorID: "collector-1",
		Result:      ResultDetected,
		IsSuccess:   true,
	})
	require.NoError(t, err)
}

func TestBulkUpdateExpectations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/expectations/bulk", r.URL.Path)

		var body struct {
			Inputs map[string]UpdateInput `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Inputs, 2)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	err := c.BulkUpdateExpectations(context.Background(), map[string]UpdateInput{
		"exp-1": {CollectorID: "collector-1", Result: ResultDetected, IsSuccess: true},
		"exp-2": {CollectorID: "collector-1", Result: ResultNotDetected},
	})
	require.NoError(t, err)
}

func TestBulkCreateTraces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/expectation-traces/bulk", r.URL.Path)

		var body struct {
			Traces []Trace `json:"traces"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Traces, 1)
		assert.Equal(t, "exp-1", body.Traces[0].ExpectationID)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	err := c.BulkCreateTraces(context.Background(), []Trace{
		{ExpectationID: "exp-1", SourceID: "collector-1", AlertName: "Suspicious process"},
	})
	require.NoError(t, err)
}

func TestClientErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expectation not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	err := c.UpdateExpectation(context.Background(), "missing", UpdateInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "expectation not found")
}

func TestFilledBy(t *testing.T) {
	exp := Expectation{
		Results: []ExpectationResult{
			{SourceID: "collector-1", Result: ResultDetected},
		},
	}
	assert.True(t, exp.FilledBy("collector-1"))
	assert.False(t, exp.FilledBy("collector-2"))
}
