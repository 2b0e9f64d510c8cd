// Package site parses camera identifiers into site descriptors and holds
// the current descriptor for consumers that need to react when it changes.
package site

import (
	"regexp"
	"strconv"
)

// PendingCamID is published while the remote camera id has not yet been
// resolved from cam_db.
const PendingCamID = "__PENDING_CAM_ID__"

// Mode identifies which DataSource variant produced a Descriptor.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeManual
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Descriptor is the immutable site/camera identity and inference target
// derived from a camera id. A new Descriptor replaces the old one wholesale
// on recovery; nothing about it is mutated in place.
type Descriptor struct {
	IntersectionID string
	CameraID       string
	TargetPhase    int
	Mode           Mode
	Valid          bool
	SupportsSignal bool
}

var cameraIDPattern = regexp.MustCompile(`^(\d{4,5})_(\d{2})_(\d{2})$`)

// Parse derives a Descriptor from a raw camera id string. It never panics
// or returns an error: this runs on a 24/7 ingest path, so any malformed
// input just yields an invalid, inference-incapable descriptor.
func Parse(cameraID string) Descriptor {
	if cameraID == "" {
		return Descriptor{Mode: ModeRemote}
	}

	if cameraID == PendingCamID {
		return Descriptor{
			IntersectionID: "0000",
			CameraID:       cameraID,
			TargetPhase:    0,
			Mode:           ModeRemote,
			Valid:          true,
			SupportsSignal: false,
		}
	}

	m := cameraIDPattern.FindStringSubmatch(cameraID)
	if m == nil {
		return Descriptor{CameraID: cameraID, Mode: ModeRemote}
	}

	a, errA := strconv.Atoi(m[2])
	b, errB := strconv.Atoi(m[3])
	if errA != nil || errB != nil {
		return Descriptor{CameraID: cameraID, Mode: ModeRemote}
	}

	target := 0
	if b%2 == 0 {
		target = b
	} else if a%2 == 1 {
		target = a
	}

	return Descriptor{
		IntersectionID: m[1],
		CameraID:       cameraID,
		TargetPhase:    target,
		Mode:           ModeRemote,
		Valid:          true,
		SupportsSignal: target > 0,
	}
}

// ManualDescriptor is the fixed descriptor returned by the Manual
// DataSource variant: valid, but incapable of signal inference.
func ManualDescriptor() Descriptor {
	return Descriptor{
		IntersectionID: "",
		CameraID:       "",
		TargetPhase:    0,
		Mode:           ModeManual,
		Valid:          true,
		SupportsSignal: false,
	}
}
