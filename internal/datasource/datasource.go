// Package datasource implements the site/signal-plan data source contract:
// a Manual variant with no backing database, and a Remote variant backed by
// two independently-managed logical databases (cam_db, signal_db) reached
// over a JSON-over-HTTP tabular query transport.
package datasource

import (
	"context"
	"errors"

	"github.com/ixedge/sigcore/internal/site"
)

// Sentinel error kinds, checked with errors.Is.
var (
	ErrDbUnavailable = errors.New("datasource: backend unavailable")
	ErrQueryFailed   = errors.New("datasource: query failed")
	ErrNotSupported  = errors.New("datasource: operation not supported by this variant")
)

// RecoveryCallback is invoked whenever the camera id or site descriptor is
// (re)resolved successfully. It runs outside the DataSource's internal
// lock, possibly on a background goroutine, so implementations must not
// block it indefinitely.
type RecoveryCallback func(site.Descriptor)

// DataSource is the uniform query surface the rest of sigcore depends on.
// Manual and Remote both implement it; the signal inference engine and
// adapter never know which variant they're talking to.
type DataSource interface {
	// Connect attempts the initial connection to each backing database and
	// reports whether any connection is up. On failure it starts
	// background reconnect workers (Remote only; Manual is always "up").
	Connect(ctx context.Context) (bool, error)

	// Disconnect signals any running background workers to stop and waits
	// for them to exit.
	Disconnect()

	// IsConnected reports whether at least one backing database is up.
	IsConnected() bool

	// SetIP records the local IP used to resolve the camera id. Setting a
	// new IP invalidates any cached resolution.
	SetIP(ip string)

	// GetSiteInfo resolves and returns the current site Descriptor.
	GetSiteInfo(ctx context.Context) (site.Descriptor, error)

	// SupportsSignalData reports whether the signal plan backend is
	// enabled and connected.
	SupportsSignalData() bool

	// GetPhaseDurations returns the 16-element per-slot duration vector
	// for an intersection and sets lc to the freshly-read LC_CNT. Returns
	// an empty vector on failure.
	GetPhaseDurations(ctx context.Context, intersectionID string) (durations []int, lc int, err error)

	// GetMovements returns the 16-element per-slot movement/phase vector
	// for an intersection. Returns an empty vector on failure.
	GetMovements(ctx context.Context, intersectionID string) ([]int, error)

	// SetRecoveryCallback installs the listener invoked whenever the
	// camera id or site descriptor is (re)resolved successfully.
	SetRecoveryCallback(cb RecoveryCallback)
}
