package datasource

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ixedge/sigcore/internal/config"
	"github.com/ixedge/sigcore/internal/site"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func camRow(cameraID string) queryResponse {
	return queryResponse{
		Status: queryResponseStatusOK,
		Results: []struct {
			Data [][]any `json:"data"`
		}{{Data: [][]any{{cameraID}}}},
	}
}

// phaseDurationsRow builds a realistic 17-column SOITDSPOTINTSSTTS row:
// LC_CNT followed by 8 A-ring then 8 B-ring phase durations.
func phaseDurationsRow(lc int, durationsA, durationsB []int) queryResponse {
	row := make([]any, 0, 17)
	row = append(row, float64(lc))
	for _, d := range durationsA {
		row = append(row, float64(d))
	}
	for _, d := range durationsB {
		row = append(row, float64(d))
	}
	return queryResponse{
		Status: queryResponseStatusOK,
		Results: []struct {
			Data [][]any `json:"data"`
		}{{Data: [][]any{row}}},
	}
}

// movementsRow builds a realistic 16-column SOITDINTSPHASINFO row.
func movementsRow(movements []int) queryResponse {
	row := make([]any, len(movements))
	for i, m := range movements {
		row[i] = float64(m)
	}
	return queryResponse{
		Status: queryResponseStatusOK,
		Results: []struct {
			Data [][]any `json:"data"`
		}{{Data: [][]any{row}}},
	}
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestRemote_Connect_ResolvesSiteAndInvokesRecovery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(camRow("8082_07_04"))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)

	camCfg := config.BackendConfig{
		Enabled: true, Host: host, Port: port,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
	}

	r := NewRemote(camCfg, config.BackendConfig{}, nil)
	defer r.Disconnect()

	var gotRecovery atomic.Bool
	r.SetRecoveryCallback(func(d site.Descriptor) {
		gotRecovery.Store(true)
	})
	r.SetIP("10.0.0.5")

	up, err := r.Connect(t.Context())
	require.NoError(t, err)
	assert.True(t, up)
	assert.True(t, r.IsConnected())

	d, err := r.GetSiteInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "8082", d.IntersectionID)
	assert.Equal(t, 4, d.TargetPhase)
	assert.True(t, gotRecovery.Load())
}

func TestRemote_GetSiteInfo_CamDBDownPublishesSentinel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	camCfg := config.BackendConfig{
		Enabled: true, Host: host, Port: port,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
	}

	r := NewRemote(camCfg, config.BackendConfig{}, nil)
	defer r.Disconnect()
	r.SetIP("10.0.0.5")

	// cam_db never comes up; GetSiteInfo must still degrade gracefully
	// rather than propagate the connect failure as an error.
	_, _ = r.Connect(t.Context())

	d, err := r.GetSiteInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, site.PendingCamID, d.CameraID)
	assert.Equal(t, "0000", d.IntersectionID)
	assert.Equal(t, 0, d.TargetPhase)
	assert.True(t, d.Valid)
	assert.False(t, d.SupportsSignal)
}

func TestRemote_GetPhaseDurations_ParsesFlatSeventeenColumnRow(t *testing.T) {
	t.Parallel()

	durationsA := []int{20, 30, 40, 50, 60, 70, 80, 90}
	durationsB := []int{10, 20, 30, 40, 50, 60, 70, 80}

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotQuery = req.Query
		_ = json.NewEncoder(w).Encode(phaseDurationsRow(123, durationsA, durationsB))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	sigCfg := config.BackendConfig{
		Enabled: true, Host: host, Port: port,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
	}

	r := NewRemote(sigCfg, sigCfg, nil)
	defer r.Disconnect()

	_, err := r.Connect(t.Context())
	require.NoError(t, err)

	durations, lc, err := r.GetPhaseDurations(t.Context(), "8082")
	require.NoError(t, err)
	assert.Equal(t, 123, lc)
	assert.Equal(t, append(append([]int{}, durationsA...), durationsB...), durations)
	assert.Contains(t, gotQuery, "SOITDSPOTINTSSTTS")
	assert.Contains(t, gotQuery, "LC_CNT")
	assert.Contains(t, gotQuery, "A_RING_1_PHAS_HR")
	assert.Contains(t, gotQuery, "B_RING_8_PHAS_HR")
	assert.Contains(t, gotQuery, "SPOT_INTS_ID = 8082")
}

func TestRemote_GetMovements_ParsesFlatSixteenColumnRow(t *testing.T) {
	t.Parallel()

	movements := []int{1, 2, 3, 5, 6, 7, 8, 9, 10, 11, 4, 4, 13, 14, 15, 16}

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotQuery = req.Query
		_ = json.NewEncoder(w).Encode(movementsRow(movements))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	sigCfg := config.BackendConfig{
		Enabled: true, Host: host, Port: port,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
	}

	r := NewRemote(sigCfg, sigCfg, nil)
	defer r.Disconnect()

	_, err := r.Connect(t.Context())
	require.NoError(t, err)

	got, err := r.GetMovements(t.Context(), "8082")
	require.NoError(t, err)
	assert.Equal(t, movements, got)
	assert.Contains(t, gotQuery, "SOITDINTSPHASINFO")
	assert.Contains(t, gotQuery, "A_RING_1_PHAS_MVMT_NO")
	assert.Contains(t, gotQuery, "B_RING_8_PHAS_MVMT_NO")
	assert.Contains(t, gotQuery, "OPER_SE_CD = '0'")
	assert.Contains(t, gotQuery, "ORDER BY CLCT_DT DESC LIMIT 1")
	assert.Contains(t, gotQuery, "SPOT_INTS_ID = 8082")
}

func TestRemote_Connect_AllBackendsDownReturnsError(t *testing.T) {
	t.Parallel()

	camCfg := config.BackendConfig{
		Enabled: true, Host: "127.0.0.1", Port: 1,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
	}

	r := NewRemote(camCfg, config.BackendConfig{}, nil)
	defer r.Disconnect()

	up, err := r.Connect(t.Context())
	require.Error(t, err)
	assert.False(t, up)
	assert.False(t, r.IsConnected())
}

func TestRemote_BackgroundReconnect_RestoresConnectivity(t *testing.T) {
	t.Parallel()

	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(camRow("8082_07_04"))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)

	camCfg := config.BackendConfig{
		Enabled: true, Host: host, Port: port,
		Retry: config.RetryConfig{MaxAttempts: 1, DelayMS: 1},
		BackgroundReconnect: config.ReconnectConfig{
			Enabled:           true,
			InitialDelayMS:    5,
			MaxDelayMS:        20,
			BackoffMultiplier: 1.5,
			CheckIntervalSec:  0,
			JitterFactor:      0.01,
		},
	}

	r := NewRemote(camCfg, config.BackendConfig{}, nil)
	defer r.Disconnect()

	connUp, err := r.Connect(t.Context())
	require.Error(t, err)
	assert.False(t, connUp)

	up.Store(true)

	require.Eventually(t, func() bool {
		return r.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
}
