package types

import (
	"testing"
	"time"
)

func motionAt(t time.Time) MotionEvent {
	return MotionEvent{
		SourceID:  "radar-1",
		EventID:   "evt-1",
		ZoneID:    "zone-a",
		Time:      t,
		Speed:     12.5,
		Direction: DirectionApproaching,
		Magnitude: 2200,
	}
}

func TestValidateEvent(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		event   SensorEvent
		wantErr bool
	}{
		{"valid motion", motionAt(now), false},
		{"missing source", MotionEvent{EventID: "e", ZoneID: "z", Time: now, Direction: DirectionUnknown}, true},
		{"missing event id", MotionEvent{SourceID: "s", ZoneID: "z", Time: now, Direction: DirectionUnknown}, true},
		{"zero timestamp", MotionEvent{SourceID: "s", EventID: "e", ZoneID: "z", Direction: DirectionUnknown}, true},
		{"missing zone", MotionEvent{SourceID: "s", EventID: "e", Time: now, Direction: DirectionUnknown}, true},
		{"bad direction", MotionEvent{SourceID: "s", EventID: "e", ZoneID: "z", Time: now, Direction: "sideways"}, true},
		{"negative magnitude", MotionEvent{SourceID: "s", EventID: "e", ZoneID: "z", Time: now, Direction: DirectionUnknown, Magnitude: -1}, true},
		{"valid vision", VisionEvent{SourceID: "cam-1", EventID: "v-1", Time: now, Confidence: 0.9}, false},
		{"vision confidence above 1", VisionEvent{SourceID: "cam-1", EventID: "v-1", Time: now, Confidence: 1.2}, true},
		{"detection confidence below 0", VisionEvent{
			SourceID: "cam-1", EventID: "v-1", Time: now, Confidence: 0.9,
			Detections: []Detection{{Class: "car", Confidence: -0.1}},
		}, true},
		{"valid environment", EnvironmentSample{SourceID: "env-1", EventID: "s-1", Time: now}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEvent(tc.event)
			if tc.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEventKeyIdentity(t *testing.T) {
	now := time.Now()
	a := motionAt(now)
	b := motionAt(now.Add(time.Second)) // same IDs, later delivery

	if a.Key() != b.Key() {
		t.Errorf("duplicate deliveries must share a key: %v vs %v", a.Key(), b.Key())
	}

	v := VisionEvent{SourceID: "radar-1", EventID: "evt-1", Time: now}
	if a.Key() == v.Key() {
		t.Errorf("events from different modalities must not collide on key")
	}
}

func TestCandidateSetAccessors(t *testing.T) {
	vis := VisionEvent{SourceID: "cam-1", EventID: "v-1", Time: time.Now(), Confidence: 0.8}
	set := CandidateSet{
		Candidates: map[Modality]Candidate{
			ModalityVision:      {Modality: ModalityVision, Event: vis, Delta: 2 * time.Millisecond},
			ModalityEnvironment: {Modality: ModalityEnvironment}, // absent
		},
	}

	got, delta, ok := set.Vision()
	if !ok || got.EventID != "v-1" || delta != 2*time.Millisecond {
		t.Errorf("Vision() = (%v, %v, %v)", got.EventID, delta, ok)
	}

	if _, _, ok := set.Environment(); ok {
		t.Errorf("absent environment candidate must report ok=false")
	}
}
