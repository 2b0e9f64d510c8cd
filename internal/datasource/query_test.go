package datasource

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ixedge/sigcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryClient_Query_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(queryResponse{
			Status: queryResponseStatusOK,
			Results: []struct {
				Data [][]any `json:"data"`
			}{{Data: [][]any{{"8082_07_04"}}}},
		})
	}))
	defer srv.Close()

	c := newQueryClient("test", srv.URL, config.RetryConfig{MaxAttempts: 3, DelayMS: 1})
	row, err := c.query(t.Context(), "SELECT camera_id")
	require.NoError(t, err)
	assert.Equal(t, "8082_07_04", row[0])
}

func TestQueryClient_Query_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(queryResponse{
			Status: queryResponseStatusOK,
			Results: []struct {
				Data [][]any `json:"data"`
			}{{Data: [][]any{{float64(42)}}}},
		})
	}))
	defer srv.Close()

	c := newQueryClient("test", srv.URL, config.RetryConfig{MaxAttempts: 5, DelayMS: 1})
	row, err := c.query(t.Context(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, float64(42), row[0])
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueryClient_Query_ExhaustsRetriesThenFails(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newQueryClient("test", srv.URL, config.RetryConfig{MaxAttempts: 3, DelayMS: 1})
	_, err := c.query(t.Context(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueryClient_Ping_BackendStatusFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(queryResponse{Status: 0})
	}))
	defer srv.Close()

	c := newQueryClient("test", srv.URL, config.RetryConfig{MaxAttempts: 1, DelayMS: 1})
	err := c.ping(t.Context())
	require.Error(t, err)
}
