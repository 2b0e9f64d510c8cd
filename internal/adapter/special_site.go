// Package adapter implements the Special Site vehicle-direction override:
// intersections whose approach geometry defeats entry-side ROI detection
// substitute the signal phase for the detector's own direction call.
package adapter

import "log/slog"

// ROI direction codes, per the flat enumeration the detector emits.
const (
	DirectionUninitialized = 0
	DirectionOutOfROI      = -1
	DirectionStraight      = 11
	DirectionLeftA         = 21
	DirectionLeftB         = 22
	DirectionRightA        = 31
	DirectionRightB        = 32
	DirectionUTurn         = 41
)

// Mode selects which subset of vehicle movements this Special Site handles.
type Mode int

const (
	ModeNone Mode = iota
	ModeStraightLeft
	ModeRight
)

// SignalSource supplies the current target-phase direction as a fallback
// when the detector's own ROI direction can't be trusted.
type SignalSource interface {
	// DirectionForSpecialSite returns 11 while the target phase is green,
	// 21 while it is red.
	DirectionForSpecialSite() int
}

// Config is the Special Site settings block.
type Config struct {
	Enabled  bool
	Mode     Mode
	Is2KOnly bool
}

// active reports whether the Special Site override should run: it needs
// config.enabled, exclusively-2K camera mode, and exactly one of the two
// handled modes selected.
func (c Config) active() bool {
	return c.Enabled && c.Is2KOnly && (c.Mode == ModeStraightLeft || c.Mode == ModeRight)
}

// Adapter consumes a vehicle's ROI direction and the inference engine's
// current signal-based direction to produce the final direction decision.
type Adapter struct {
	cfg    Config
	signal SignalSource
	logger *slog.Logger
}

// New constructs an Adapter. signal may be nil; determineDirectionBySignal
// then falls back to DirectionStraight.
func New(cfg Config, signal SignalSource, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, signal: signal, logger: logger}
}

// DetermineVehicleDirection implements the decision table: given whether
// the vehicle fell within a detection ROI and the ROI-derived direction
// code, it returns the final direction to report downstream, or
// DirectionOutOfROI to drop the vehicle entirely.
func (a *Adapter) DetermineVehicleDirection(objectID uint64, inROI bool, roiDirection int) int {
	if !a.cfg.active() {
		return roiDirection
	}

	if roiDirection == DirectionUTurn {
		a.logger.Debug("special site: dropping u-turn", "object_id", objectID)
		return DirectionOutOfROI
	}
	if roiDirection < DirectionOutOfROI {
		a.logger.Debug("special site: dropping wrong-way observation", "object_id", objectID, "roi_direction", roiDirection)
		return DirectionOutOfROI
	}

	switch a.cfg.Mode {
	case ModeStraightLeft:
		return a.straightLeft(objectID, inROI, roiDirection)
	case ModeRight:
		return a.right(objectID, roiDirection)
	default:
		a.logger.Error("special site: active with no handled mode selected, returning unchanged", "roi_direction", roiDirection)
		return roiDirection
	}
}

func (a *Adapter) straightLeft(objectID uint64, inROI bool, roiDirection int) int {
	if roiDirection == DirectionRightA || roiDirection == DirectionRightB {
		a.logger.Debug("special site: dropping right-turn ROI vehicle in straight_left mode", "object_id", objectID)
		return DirectionOutOfROI
	}
	if roiDirection == DirectionStraight {
		return DirectionStraight
	}
	if roiDirection == DirectionLeftA || roiDirection == DirectionLeftB {
		return roiDirection
	}
	if !inROI || roiDirection <= 0 {
		return a.determineDirectionBySignal()
	}

	a.logger.Warn("special site: unexpected roi_direction in straight_left mode, returning unchanged", "object_id", objectID, "roi_direction", roiDirection)
	return roiDirection
}

func (a *Adapter) right(objectID uint64, roiDirection int) int {
	if roiDirection == DirectionRightA || roiDirection == DirectionRightB {
		return roiDirection
	}
	a.logger.Debug("special site: dropping non-right-turn vehicle in right mode", "object_id", objectID, "roi_direction", roiDirection)
	return DirectionOutOfROI
}

func (a *Adapter) determineDirectionBySignal() int {
	if a.signal == nil {
		return DirectionStraight
	}
	return a.signal.DirectionForSpecialSite()
}
