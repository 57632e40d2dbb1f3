// Package fusion scores candidate sets into fused records using a documented
// confidence policy.
package fusion

import (
	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// Scorer converts a trigger and its correlation candidates into a single
// FusedRecord. The policy is configuration, not code: every constant in the
// mapping comes from FusionConfig.
type Scorer struct {
	cfg config.FusionConfig
}

// NewScorer creates a scorer with the given fusion policy.
func NewScorer(cfg config.FusionConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score builds the fused record for one correlation cycle. Missing vision
// degrades the state to partial; it never fails. Vision-only observations
// never reach the scorer because only motion events trigger.
func (s *Scorer) Score(set types.CandidateSet) types.FusedRecord {
	trg := set.Trigger

	record := types.FusedRecord{
		CorrelationID:    trg.TriggerID,
		ZoneID:           trg.ZoneID,
		Timestamp:        trg.Timestamp,
		Speed:            trg.Speed,
		Direction:        trg.Direction,
		MotionConfidence: s.MotionConfidence(trg.Speed, trg.Magnitude),
		ContributingEventIDs: []types.EventKey{
			{Modality: types.ModalityMotion, SourceID: trg.SourceID, EventID: trg.TriggerID},
		},
	}

	if visionEv, delta, ok := set.Vision(); ok {
		visual := visionEv.Confidence
		record.VisualConfidence = &visual

		delayMS := delta.Milliseconds()
		record.CorrelationDelayMS = &delayMS

		record.FusedConfidence = s.fuse(record.MotionConfidence, visual)
		record.State = types.StateFused
		record.ContributingEventIDs = append(record.ContributingEventIDs, visionEv.Key())
	} else {
		record.FusedConfidence = record.MotionConfidence
		record.State = types.StatePartial
	}

	if envEv, _, ok := set.Environment(); ok {
		record.ContributingEventIDs = append(record.ContributingEventIDs, envEv.Key())
	}

	record.VehicleDetected = record.FusedConfidence >= s.cfg.DetectionThreshold
	return record
}

// MotionConfidence maps raw magnitude and speed readings into [0,1]. The
// magnitude share takes the configured fraction, normalised speed the rest.
func (s *Scorer) MotionConfidence(speed, magnitude float64) float64 {
	if speed < 0 {
		speed = -speed
	}
	magPart := clamp01(magnitude / s.cfg.MagnitudeNorm)
	speedPart := clamp01(speed / s.cfg.SpeedNorm)
	return clamp01(s.cfg.MagnitudeShare*magPart + (1-s.cfg.MagnitudeShare)*speedPart)
}

// fuse computes the cross-modal confidence: weighted average, clamped, then
// raised by the cross-validation bonus and capped at 1.0.
func (s *Scorer) fuse(motion, visual float64) float64 {
	total := s.cfg.MotionWeight + s.cfg.VisionWeight
	avg := (s.cfg.MotionWeight*motion + s.cfg.VisionWeight*visual) / total
	return clamp01(clamp01(avg) + s.cfg.CrossValidationBonus)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
