// Package gmc estimates global camera motion between consecutive video
// frames as a 3x3 warp applied to tracker state before association.
package gmc

import (
	"github.com/pluginplay/faceblur/tracker"
)

// Backend selects the motion estimation implementation
type Backend int

const (
	// BackendAuto prefers the keypoint estimator and keeps the translation
	// fallback available
	BackendAuto Backend = iota
	// BackendKeypoint forces the keypoint-based similarity estimator
	BackendKeypoint
	// BackendTranslation forces the dependency-free translation estimator
	BackendTranslation
	// BackendNone disables motion compensation
	BackendNone
)

// Config holds the estimator configuration
type Config struct {
	// Backend selects the implementation
	Backend Backend
	// Downscale is the integer factor frames are downsampled by before
	// estimation.  Zero selects the default of 4.
	Downscale int
}

// Estimator computes a warp mapping points from the previous frame to the
// current frame.  The returned flag is false when no reliable warp was
// found; callers then proceed with the identity.
type Estimator interface {
	Estimate(currRGB []uint8, currW, currH int,
		prevRGB []uint8, prevW, prevH int) (tracker.Mat3, bool)
}

// NewEstimator returns the estimator selected by cfg
func NewEstimator(cfg Config) Estimator {

	if cfg.Downscale < 1 {
		cfg.Downscale = 4
	}

	switch cfg.Backend {
	case BackendKeypoint:
		return &KeypointEstimator{downscale: cfg.Downscale}
	case BackendTranslation:
		return &TranslationEstimator{downscale: cfg.Downscale}
	case BackendNone:
		return NoopEstimator{}
	default:
		return &KeypointEstimator{
			downscale: cfg.Downscale,
			fallback:  &TranslationEstimator{downscale: cfg.Downscale},
		}
	}
}

// NoopEstimator always reports failure, leaving tracking uncompensated
type NoopEstimator struct{}

// Estimate returns the identity warp with ok=false
func (NoopEstimator) Estimate(_ []uint8, _, _ int, _ []uint8, _, _ int) (tracker.Mat3, bool) {
	return tracker.IdentityMat3(), false
}

// Name identifies the backend in diagnostics
func (NoopEstimator) Name() string {
	return "noop"
}
