package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ixedge/sigcore/internal/config"
	"github.com/ixedge/sigcore/internal/site"
)

// backend wraps one logical database connection (cam_db or signal_db):
// its query client, its up/down state, and the config governing its
// background reconnect loop.
type backend struct {
	name string
	cfg  config.BackendConfig

	mu        sync.RWMutex
	client    *queryClient
	connected bool
}

func newBackend(name string, cfg config.BackendConfig) *backend {
	return &backend{name: name, cfg: cfg}
}

func (b *backend) setConnected(c bool) {
	b.mu.Lock()
	b.connected = c
	b.mu.Unlock()
	backendConnected.WithLabelValues(b.name).Set(boolToFloat(c))
}

func (b *backend) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// connect attempts a single connection attempt: build the query client for
// the current host:port and ping it.
func (b *backend) connect(ctx context.Context) error {
	b.mu.Lock()
	client := newQueryClient(b.name, fmt.Sprintf("http://%s:%d/query", b.cfg.Host, b.cfg.Port), b.cfg.Retry)
	b.mu.Unlock()

	if err := client.ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDbUnavailable, b.name, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.setConnected(true)
	return nil
}

func (b *backend) queryRow(ctx context.Context, sql string) ([]any, error) {
	b.mu.RLock()
	client := b.client
	connected := b.connected
	b.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrDbUnavailable, b.name)
	}

	row, err := client.query(ctx, sql)
	if err != nil {
		queryFailuresTotal.WithLabelValues(b.name).Inc()
		b.setConnected(false)
		return nil, err
	}
	if !connected {
		b.setConnected(true)
	}
	return row, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Remote is the network-backed DataSource variant: cam_db resolves the
// site descriptor, signal_db (optionally the same database) serves phase
// durations and movement vectors. A backend whose initial connect fails is
// reconnected independently in the background; a backend that drops later
// is marked down until one of its queries succeeds again.
type Remote struct {
	ip  string
	cam *backend
	sig *backend

	mu           sync.RWMutex
	resolved     site.Descriptor
	haveResolved bool
	recovery     RecoveryCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewRemote constructs the Remote variant from backend configuration. If
// signalCfg.Host is empty, signal queries are served from the cam_db
// backend (a single shared database is a supported deployment).
func NewRemote(camCfg, signalCfg config.BackendConfig, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	cam := newBackend("cam_db", camCfg)
	sig := cam
	if signalCfg.Host != "" {
		sig = newBackend("signal_db", signalCfg)
	}
	return &Remote{cam: cam, sig: sig, logger: logger}
}

var _ DataSource = (*Remote)(nil)

func (r *Remote) SetIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ip != ip {
		r.ip = ip
		r.haveResolved = false
	}
}

func (r *Remote) SetRecoveryCallback(cb RecoveryCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery = cb
}

// Connect attempts the initial connection to each distinct backend. Any
// backend that fails starts a background reconnect loop when its
// background_reconnect config is enabled. Connect reports
// true if at least one backend came up.
func (r *Remote) Connect(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	anyUp := false
	if err := r.cam.connect(ctx); err != nil {
		r.logger.Warn("cam_db initial connect failed", "error", err)
		r.startReconnectLoop(ctx, r.cam, true)
	} else {
		anyUp = true
	}

	if r.sig != r.cam {
		if err := r.sig.connect(ctx); err != nil {
			r.logger.Warn("signal_db initial connect failed", "error", err)
			r.startReconnectLoop(ctx, r.sig, false)
		} else {
			anyUp = true
		}
	}

	if !anyUp {
		return false, ErrDbUnavailable
	}
	return true, nil
}

func (r *Remote) Disconnect() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Remote) IsConnected() bool {
	if r.sig == r.cam {
		return r.cam.isConnected()
	}
	return r.cam.isConnected() || r.sig.isConnected()
}

func (r *Remote) SupportsSignalData() bool {
	return r.sig.cfg.Enabled && r.sig.isConnected()
}

// GetSiteInfo resolves the camera id for the current IP from cam_db,
// caching the result until SetIP invalidates it. When cam_db is unreachable
// or the lookup otherwise fails, it publishes the sentinel descriptor
// (site.PendingCamID) rather than erroring, so downstream components keep
// running in a degraded, inference-disabled mode; the lookup is not cached
// in that case, so the next call tries cam_db again.
func (r *Remote) GetSiteInfo(ctx context.Context) (site.Descriptor, error) {
	r.mu.RLock()
	if r.haveResolved {
		d := r.resolved
		r.mu.RUnlock()
		return d, nil
	}
	ip := r.ip
	r.mu.RUnlock()

	row, err := r.cam.queryRow(ctx, fmt.Sprintf(
		"SELECT spot_camr_id FROM SOITGCAMRINFO WHERE edge_sys_2k_ip = '%s'", ip))
	if err != nil || len(row) < 1 {
		r.logger.Info("cam_db camera id lookup failed, publishing sentinel descriptor", "error", err)
		return site.Parse(site.PendingCamID), nil
	}
	cameraID, _ := row[0].(string)
	d := site.Parse(cameraID)

	r.mu.Lock()
	r.resolved = d
	r.haveResolved = true
	cb := r.recovery
	r.mu.Unlock()

	if cb != nil {
		cb(d)
	}
	return d, nil
}

// GetPhaseDurations reads the 17-column SOITDSPOTINTSSTTS row (LC_CNT
// followed by the 16 A/B-ring phase durations) and splits it into the
// duration vector and the LC_CNT it was read at.
func (r *Remote) GetPhaseDurations(ctx context.Context, intersectionID string) ([]int, int, error) {
	row, err := r.sig.queryRow(ctx, phaseDurationsQuery(intersectionID))
	if err != nil {
		return nil, 0, err
	}
	if len(row) < 17 {
		return nil, 0, fmt.Errorf("%w: phase durations row has %d columns, want 17", ErrQueryFailed, len(row))
	}
	ints, err := toIntRow(row[:17])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return ints[1:], ints[0], nil
}

// GetMovements reads the 16-column SOITDINTSPHASINFO row (the A/B-ring
// movement numbers for the currently operating phase plan).
func (r *Remote) GetMovements(ctx context.Context, intersectionID string) ([]int, error) {
	row, err := r.sig.queryRow(ctx, movementsQuery(intersectionID))
	if err != nil {
		return nil, err
	}
	if len(row) < 16 {
		return nil, fmt.Errorf("%w: movements row has %d columns, want 16", ErrQueryFailed, len(row))
	}
	ints, err := toIntRow(row[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return ints, nil
}

// ringSlots is the number of phase slots in each of the A/B rings of a
// phase plan row, mirroring internal/signal's ring width.
const ringSlots = 8

// phaseDurationsQuery builds the SOITDSPOTINTSSTTS query: LC_CNT followed by
// the 8 A-ring then 8 B-ring phase duration columns, for one intersection.
func phaseDurationsQuery(intersectionID string) string {
	var b strings.Builder
	b.WriteString("SELECT LC_CNT")
	for _, ring := range [2]byte{'A', 'B'} {
		for i := 1; i <= ringSlots; i++ {
			fmt.Fprintf(&b, ", %c_RING_%d_PHAS_HR", ring, i)
		}
	}
	fmt.Fprintf(&b, " FROM SOITDSPOTINTSSTTS WHERE SPOT_INTS_ID = %s", intersectionID)
	return b.String()
}

// movementsQuery builds the SOITDINTSPHASINFO query: the 8 A-ring then 8
// B-ring movement-number columns for the currently operating plan row.
func movementsQuery(intersectionID string) string {
	var b strings.Builder
	b.WriteString("SELECT")
	first := true
	for _, ring := range [2]byte{'A', 'B'} {
		for i := 1; i <= ringSlots; i++ {
			if !first {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %c_RING_%d_PHAS_MVMT_NO", ring, i)
			first = false
		}
	}
	fmt.Fprintf(&b, " FROM SOITDINTSPHASINFO WHERE SPOT_INTS_ID = %s AND OPER_SE_CD = '0' ORDER BY CLCT_DT DESC LIMIT 1", intersectionID)
	return b.String()
}

// startReconnectLoop runs a jittered exponential backoff reconnect loop for
// b until ctx is cancelled or, for isCam=false (signal_db), until the first
// successful reconnect. cam_db's loop runs for the lifetime of the process
// since the camera id must be re-resolved and republished on every
// reconnect.
func (r *Remote) startReconnectLoop(ctx context.Context, b *backend, isCam bool) {
	if !b.cfg.BackgroundReconnect.Enabled {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = b.cfg.BackgroundReconnect.InitialDelay()
		bo.MaxInterval = b.cfg.BackgroundReconnect.MaxDelay()
		bo.Multiplier = b.cfg.BackgroundReconnect.BackoffMultiplier
		bo.RandomizationFactor = b.cfg.BackgroundReconnect.JitterFactor
		bo.Reset()

		checkInterval := b.cfg.BackgroundReconnect.CheckInterval()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(checkInterval):
			}

			if b.isConnected() {
				continue
			}

			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = bo.MaxInterval
			}
			delay = jitter(delay, b.cfg.BackgroundReconnect.JitterFactor)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			reconnectAttemptsTotal.WithLabelValues(b.name).Inc()
			if err := b.connect(ctx); err != nil {
				r.logger.Warn("background reconnect attempt failed", "backend", b.name, "error", err)
				continue
			}

			bo.Reset()
			r.logger.Info("background reconnect succeeded", "backend", b.name)

			if isCam {
				r.mu.Lock()
				r.haveResolved = false
				r.mu.Unlock()

				d, _ := r.GetSiteInfo(ctx)
				r.logger.Info("site descriptor re-resolved after reconnect", "camera_id", d.CameraID)
				continue
			}

			// signal_db only needs to be brought back up once; a later drop
			// marks it down (SupportsSignalData reports false) until one of
			// its queries succeeds again.
			return
		}
	}()
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	min := float64(d) - delta
	max := float64(d) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func toIntRow(row []any) ([]int, error) {
	out := make([]int, len(row))
	for i, v := range row {
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
