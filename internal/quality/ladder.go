// Package quality maps a tile's angular distance from the gaze and the
// current bandwidth estimate onto a rung of the quality ladder.
//
// Tier 0 is always the highest quality.
package quality

import (
	"github.com/zsiec/tilestream/internal/config"
	apperrors "github.com/zsiec/tilestream/internal/errors"
)

// Level is one ladder entry.
type Level struct {
	Index       int `json:"index"`
	Width       int `json:"width"`
	Height      int `json:"height"`
	BitrateKbps int `json:"bitrate_kbps"`
}

// Ladder is ordered from highest to lowest quality.
type Ladder []Level

// NewLadder validates configured levels and assigns their indices.
func NewLadder(levels []config.QualityLevel) (Ladder, error) {
	if len(levels) == 0 {
		return nil, apperrors.NewConfigurationError("quality ladder must not be empty")
	}

	ladder := make(Ladder, len(levels))
	for i, l := range levels {
		if l.BitrateKbps <= 0 || l.Width <= 0 || l.Height <= 0 {
			return nil, apperrors.NewConfigurationError("quality level %d must have positive size and bitrate", i)
		}
		if i > 0 && l.BitrateKbps > levels[i-1].BitrateKbps {
			return nil, apperrors.NewConfigurationError("quality level %d bitrate %d exceeds level %d", i, l.BitrateKbps, i-1)
		}
		ladder[i] = Level{Index: i, Width: l.Width, Height: l.Height, BitrateKbps: l.BitrateKbps}
	}
	return ladder, nil
}

// Lowest returns the index of the lowest quality tier.
func (l Ladder) Lowest() int { return len(l) - 1 }

// Valid reports whether tier is a usable index.
func (l Ladder) Valid(tier int) bool { return tier >= 0 && tier < len(l) }

// Clamp forces tier into the ladder's range.
func (l Ladder) Clamp(tier int) int {
	if tier < 0 {
		return 0
	}
	if tier > l.Lowest() {
		return l.Lowest()
	}
	return tier
}

// Config converts the ladder back to configuration entries.
func (l Ladder) Config() []config.QualityLevel {
	out := make([]config.QualityLevel, len(l))
	for i, lv := range l {
		out[i] = config.QualityLevel{Width: lv.Width, Height: lv.Height, BitrateKbps: lv.BitrateKbps}
	}
	return out
}

// Thresholds are the radii in degrees of the quality bands.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns 45/100/180 degrees.
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:   config.DefaultHighQualityRadiusDeg,
		Medium: config.DefaultMediumQualityRadiusDeg,
		Low:    config.DefaultLowQualityRadiusDeg,
	}
}

// ThresholdsFrom reads the band radii from engine configuration.
func ThresholdsFrom(cfg *config.EngineConfig) Thresholds {
	return Thresholds{
		High:   cfg.HighQualityRadiusDeg,
		Medium: cfg.MediumQualityRadiusDeg,
		Low:    cfg.LowQualityRadiusDeg,
	}
}

// DesiredTier returns the tier for a distance before bandwidth is
// considered. Distances within High map to 0, within Medium to 1, within Low
// to 2, anything farther to the lowest tier. The result is clamped to a
// ladder of ladderLen entries.
func DesiredTier(distance float64, th Thresholds, ladderLen int) int {
	lowest := ladderLen - 1
	if lowest < 0 {
		return 0
	}

	var tier int
	switch {
	case distance <= th.High:
		tier = 0
	case distance <= th.Medium:
		tier = 1
	case distance <= th.Low:
		tier = 2
	default:
		return lowest
	}
	if tier > lowest {
		tier = lowest
	}
	return tier
}

// AffordableTier walks from desired toward lower quality until a tier's
// bitrate fits within bandwidthKbps*safetyFactor. When nothing fits the
// lowest tier is returned with starved set.
func AffordableTier(desired int, bandwidthKbps float64, ladder Ladder, safetyFactor float64) (tier int, starved bool) {
	budget := bandwidthKbps * safetyFactor
	for i := ladder.Clamp(desired); i < len(ladder); i++ {
		if float64(ladder[i].BitrateKbps) <= budget {
			return i, false
		}
	}
	return ladder.Lowest(), true
}
