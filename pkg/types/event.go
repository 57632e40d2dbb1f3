// Package types defines the sensor event model and consolidated record types
// shared by all Kestrel components.
package types

import (
	"fmt"
	"time"
)

// Modality identifies the sensing channel an event originated from.
type Modality string

const (
	ModalityMotion      Modality = "motion"
	ModalityVision      Modality = "vision"
	ModalityEnvironment Modality = "environment"
)

// Direction is the travel direction reported by a motion sensor.
type Direction string

const (
	DirectionApproaching Direction = "approaching"
	DirectionReceding    Direction = "receding"
	DirectionUnknown     Direction = "unknown"
)

// EventKey uniquely identifies a sensor event. Producers guarantee event_id
// uniqueness within a source, so duplicate deliveries collapse onto one key.
type EventKey struct {
	Modality Modality
	SourceID string
	EventID  string
}

// String returns the key in "modality/source/event" form for logging.
func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Modality, k.SourceID, k.EventID)
}

// SensorEvent is the tagged union of all event variants. Each variant carries
// its producer identity and a millisecond-resolution wall-clock timestamp.
type SensorEvent interface {
	Modality() Modality
	Key() EventKey
	Timestamp() time.Time
}

// MotionEvent is a single reading from a motion/speed sensor. It is the only
// variant that can start a correlation cycle.
type MotionEvent struct {
	SourceID  string
	EventID   string
	ZoneID    string
	Time      time.Time
	Speed     float64 // signed, unit per sensor calibration
	Direction Direction
	Magnitude float64
}

func (e MotionEvent) Modality() Modality { return ModalityMotion }

func (e MotionEvent) Key() EventKey {
	return EventKey{Modality: ModalityMotion, SourceID: e.SourceID, EventID: e.EventID}
}

func (e MotionEvent) Timestamp() time.Time { return e.Time }

// Detection is a single object found by the vision detector.
type Detection struct {
	BBox       [4]float64 `json:"bbox"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
}

// VisionEvent is a frame-level result from the vision-based object detector.
type VisionEvent struct {
	SourceID   string
	EventID    string
	ZoneID     string
	Time       time.Time
	Confidence float64 // overall frame confidence in [0,1]
	Detections []Detection
}

func (e VisionEvent) Modality() Modality { return ModalityVision }

func (e VisionEvent) Key() EventKey {
	return EventKey{Modality: ModalityVision, SourceID: e.SourceID, EventID: e.EventID}
}

func (e VisionEvent) Timestamp() time.Time { return e.Time }

// EnvironmentSample is a slow-period reading from the environmental sampler.
// Samples are never correlated by window; the latest known sample wins.
type EnvironmentSample struct {
	SourceID string
	EventID  string
	Time     time.Time
	Fields   map[string]interface{}
}

func (e EnvironmentSample) Modality() Modality { return ModalityEnvironment }

func (e EnvironmentSample) Key() EventKey {
	return EventKey{Modality: ModalityEnvironment, SourceID: e.SourceID, EventID: e.EventID}
}

func (e EnvironmentSample) Timestamp() time.Time { return e.Time }

// ValidDirection reports whether d is a known direction value.
func ValidDirection(d Direction) bool {
	switch d {
	case DirectionApproaching, DirectionReceding, DirectionUnknown:
		return true
	}
	return false
}

// ValidateEvent checks the structural invariants every producer must meet.
// A failed validation rejects the individual event, never the stream.
func ValidateEvent(ev SensorEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	key := ev.Key()
	if key.SourceID == "" {
		return fmt.Errorf("%s event: source_id is required", key.Modality)
	}
	if key.EventID == "" {
		return fmt.Errorf("%s event: event_id is required", key.Modality)
	}
	if ev.Timestamp().IsZero() {
		return fmt.Errorf("%s event %s: timestamp is required", key.Modality, key.EventID)
	}

	switch e := ev.(type) {
	case MotionEvent:
		if e.ZoneID == "" {
			return fmt.Errorf("motion event %s: zone_id is required", e.EventID)
		}
		if !ValidDirection(e.Direction) {
			return fmt.Errorf("motion event %s: invalid direction %q", e.EventID, e.Direction)
		}
		if e.Magnitude < 0 {
			return fmt.Errorf("motion event %s: magnitude must be non-negative", e.EventID)
		}
	case VisionEvent:
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("vision event %s: confidence %.3f outside [0,1]", e.EventID, e.Confidence)
		}
		for i, d := range e.Detections {
			if d.Confidence < 0 || d.Confidence > 1 {
				return fmt.Errorf("vision event %s: detection %d confidence %.3f outside [0,1]", e.EventID, i, d.Confidence)
			}
		}
	case EnvironmentSample:
		// Field values are opaque; only identity and timestamp are checked.
	default:
		return fmt.Errorf("unknown event variant %T", ev)
	}

	return nil
}
