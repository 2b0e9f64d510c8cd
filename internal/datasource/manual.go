package datasource

import (
	"context"

	"github.com/ixedge/sigcore/internal/site"
)

// Manual is the no-network DataSource variant: there is no backing
// database, the camera id is never resolved, and signal inference is
// never supported.
type Manual struct{}

// NewManual constructs the Manual variant.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Connect(ctx context.Context) (bool, error) { return true, nil }

func (m *Manual) Disconnect() {}

func (m *Manual) IsConnected() bool { return true }

func (m *Manual) SetIP(ip string) {}

func (m *Manual) GetSiteInfo(ctx context.Context) (site.Descriptor, error) {
	return site.ManualDescriptor(), nil
}

func (m *Manual) SupportsSignalData() bool { return false }

func (m *Manual) GetPhaseDurations(ctx context.Context, intersectionID string) ([]int, int, error) {
	return nil, 0, nil
}

func (m *Manual) GetMovements(ctx context.Context, intersectionID string) ([]int, error) {
	return nil, nil
}

func (m *Manual) SetRecoveryCallback(cb RecoveryCallback) {}

var _ DataSource = (*Manual)(nil)
