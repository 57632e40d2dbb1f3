package types

import "time"

// Trigger is a qualifying motion event that starts a correlation cycle.
// TriggerID equals the originating motion event_id, which guarantees at most
// one record per trigger downstream.
type Trigger struct {
	TriggerID     string
	SourceID      string
	ZoneID        string
	Timestamp     time.Time
	Speed         float64
	Direction     Direction
	Magnitude     float64
	CooldownUntil time.Time
}

// Candidate is the correlation result for one modality: either the best
// temporally-matching event inside the window, or absent.
type Candidate struct {
	Modality Modality
	Event    SensorEvent // nil when absent
	Delta    time.Duration
}

// Absent reports whether no event matched for this modality.
func (c Candidate) Absent() bool { return c.Event == nil }

// CandidateSet is the output of a correlation cycle for a single trigger.
type CandidateSet struct {
	Trigger    Trigger
	Candidates map[Modality]Candidate
}

// Vision returns the matched vision event and its timestamp delta, if any.
func (s CandidateSet) Vision() (VisionEvent, time.Duration, bool) {
	c, ok := s.Candidates[ModalityVision]
	if !ok || c.Absent() {
		return VisionEvent{}, 0, false
	}
	ev, ok := c.Event.(VisionEvent)
	return ev, c.Delta, ok
}

// Environment returns the in-window environment sample, if any. Consolidation
// does not require this; it falls back to the latest known sample.
func (s CandidateSet) Environment() (EnvironmentSample, time.Duration, bool) {
	c, ok := s.Candidates[ModalityEnvironment]
	if !ok || c.Absent() {
		return EnvironmentSample{}, 0, false
	}
	ev, ok := c.Event.(EnvironmentSample)
	return ev, c.Delta, ok
}

// RecordState tracks the consolidation lifecycle of a fused record.
type RecordState string

const (
	StatePending RecordState = "pending"
	StateFused   RecordState = "fused"
	StatePartial RecordState = "partial"
	StateExpired RecordState = "expired"
)

// FusedRecord is the single scored record produced for one trigger.
// CorrelationID equals the trigger id.
type FusedRecord struct {
	CorrelationID        string
	ZoneID               string
	Timestamp            time.Time
	VehicleDetected      bool
	Speed                float64
	Direction            Direction
	VisualConfidence     *float64 // nil when no vision match
	MotionConfidence     float64
	FusedConfidence      float64
	CorrelationDelayMS   *int64 // nil when no vision match
	ContributingEventIDs []EventKey
	State                RecordState
}

// PersistedRecord is the durable, immutable copy of a FusedRecord joined with
// the latest environment sample. IdempotencyKey equals CorrelationID and is
// unique in durable storage.
type PersistedRecord struct {
	FusedRecord
	EnvironmentSnapshot map[string]interface{}
	IdempotencyKey      string
	InsertedAt          time.Time
}
