// Package gate decides which proposed tags are applied and which are
// withheld for human review, based on per-tag and global confidence
// thresholds.
package gate

import (
	"math"

	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// Threshold type labels recorded with flagged tags.
const (
	ThresholdCustom = "custom"
	ThresholdGlobal = "global"
)

// Thresholds holds the effective threshold configuration for one analysis.
// Re-read from the tag registry per analysis so config changes between
// batches take effect.
type Thresholds struct {
	// Global is the default threshold (0-100).
	Global int
	// PerTag maps tag keys to override thresholds (0-100).
	PerTag map[string]int
}

// ThresholdsFromTags builds Thresholds from the known-tag list.
func ThresholdsFromTags(tags []domain.KnownTag, global int) Thresholds {
	perTag := make(map[string]int, len(tags))
	for _, t := range tags {
		if t.Threshold != nil {
			perTag[t.Key] = *t.Threshold
		}
	}
	return Thresholds{Global: global, PerTag: perTag}
}

// Decision is the outcome of gating one analysis result.
type Decision struct {
	// Applied holds the tags whose confidence met their threshold.
	Applied []string
	// Flagged holds the tags withheld for review.
	Flagged []domain.FlaggedTag
}

// Gate applies confidence thresholds to analysis results.
type Gate struct {
	logger logging.Logger
}

// New creates a confidence gate.
func New(logger logging.Logger) *Gate {
	return &Gate{logger: logger}
}

// Decide resolves the effective threshold for every tag the backend proposed
// and splits them into applied and flagged. Tags absent from the threshold
// configuration still get a decision against the global threshold; they are
// never dropped silently.
func (g *Gate) Decide(result *domain.AnalysisResult, thresholds Thresholds) Decision {
	decision := Decision{
		Applied: make([]string, 0, len(result.Tags)),
	}
	// Compared in tenths of a percent so a score like 0.745 cannot round up
	// across an integer threshold. Rounding to tenths only absorbs float
	// representation noise (0.29*100 is 28.999... in a float64).
	pct := math.Round(result.Confidence*1000) / 10
	confidence := int(pct)

	for _, tag := range result.Tags {
		threshold := thresholds.Global
		thresholdType := ThresholdGlobal
		if override, ok := thresholds.PerTag[tag]; ok {
			threshold = override
			thresholdType = ThresholdCustom
		}

		if pct >= float64(threshold) {
			decision.Applied = append(decision.Applied, tag)
			continue
		}

		decision.Flagged = append(decision.Flagged, domain.FlaggedTag{
			Tag:           tag,
			Confidence:    confidence,
			Threshold:     threshold,
			ThresholdType: thresholdType,
		})
		g.logger.Debug("Tag withheld for review",
			logging.String("tag", tag),
			logging.Int("confidence", confidence),
			logging.Int("threshold", threshold),
			logging.String("threshold_type", thresholdType),
		)
	}

	return decision
}
