package http

import (
	"fmt"
	"time"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// EventEnvelope is the wire form of a sensor event. The modality field
// selects the variant; fields not belonging to that variant are ignored.
type EventEnvelope struct {
	Modality    string `json:"modality"`
	SourceID    string `json:"source_id"`
	EventID     string `json:"event_id"`
	ZoneID      string `json:"zone_id,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`

	// Motion fields
	Speed     float64 `json:"speed,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Magnitude float64 `json:"magnitude,omitempty"`

	// Vision fields
	Confidence float64           `json:"confidence,omitempty"`
	Detections []types.Detection `json:"detections,omitempty"`

	// Environment fields
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// ToEvent converts the envelope into the typed event variant. Structural
// validation beyond the modality tag is left to the engine so that one
// rejected event never fails the rest of the batch.
func (e EventEnvelope) ToEvent() (types.SensorEvent, error) {
	var ts time.Time
	if e.TimestampMS != 0 {
		ts = time.UnixMilli(e.TimestampMS).UTC()
	}

	switch types.Modality(e.Modality) {
	case types.ModalityMotion:
		return types.MotionEvent{
			SourceID:  e.SourceID,
			EventID:   e.EventID,
			ZoneID:    e.ZoneID,
			Time:      ts,
			Speed:     e.Speed,
			Direction: types.Direction(e.Direction),
			Magnitude: e.Magnitude,
		}, nil
	case types.ModalityVision:
		return types.VisionEvent{
			SourceID:   e.SourceID,
			EventID:    e.EventID,
			ZoneID:     e.ZoneID,
			Time:       ts,
			Confidence: e.Confidence,
			Detections: e.Detections,
		}, nil
	case types.ModalityEnvironment:
		return types.EnvironmentSample{
			SourceID: e.SourceID,
			EventID:  e.EventID,
			Time:     ts,
			Fields:   e.Fields,
		}, nil
	default:
		return nil, fmt.Errorf("unknown modality %q", e.Modality)
	}
}

// RecordJSON is the wire form of a persisted record.
type RecordJSON struct {
	CorrelationID        string                 `json:"correlation_id"`
	ZoneID               string                 `json:"zone_id"`
	TimestampMS          int64                  `json:"timestamp_ms"`
	VehicleDetected      bool                   `json:"vehicle_detected"`
	Speed                float64                `json:"speed"`
	Direction            string                 `json:"direction"`
	VisualConfidence     *float64               `json:"visual_confidence,omitempty"`
	MotionConfidence     float64                `json:"motion_confidence"`
	FusedConfidence      float64                `json:"fused_confidence"`
	CorrelationDelayMS   *int64                 `json:"correlation_delay_ms,omitempty"`
	ContributingEventIDs []string               `json:"contributing_event_ids"`
	State                string                 `json:"state"`
	EnvironmentSnapshot  map[string]interface{} `json:"environment_snapshot,omitempty"`
	InsertedAtMS         int64                  `json:"inserted_at_ms"`
}

// RecordToJSON converts a persisted record to its wire form.
func RecordToJSON(rec *types.PersistedRecord) RecordJSON {
	contributing := make([]string, len(rec.ContributingEventIDs))
	for i, key := range rec.ContributingEventIDs {
		contributing[i] = key.String()
	}
	return RecordJSON{
		CorrelationID:        rec.CorrelationID,
		ZoneID:               rec.ZoneID,
		TimestampMS:          rec.Timestamp.UnixMilli(),
		VehicleDetected:      rec.VehicleDetected,
		Speed:                rec.Speed,
		Direction:            string(rec.Direction),
		VisualConfidence:     rec.VisualConfidence,
		MotionConfidence:     rec.MotionConfidence,
		FusedConfidence:      rec.FusedConfidence,
		CorrelationDelayMS:   rec.CorrelationDelayMS,
		ContributingEventIDs: contributing,
		State:                string(rec.State),
		EnvironmentSnapshot:  rec.EnvironmentSnapshot,
		InsertedAtMS:         rec.InsertedAt.UnixMilli(),
	}
}
