// Package trigger turns qualifying motion events into correlation triggers.
package trigger

import (
	"sync"
	"time"

	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// RejectReason names the first rule a motion event failed.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectSpeed     RejectReason = "below_speed_threshold"
	RejectMagnitude RejectReason = "below_magnitude_threshold"
	RejectDirection RejectReason = "direction_not_allowed"
	RejectCooldown  RejectReason = "zone_in_cooldown"
)

// Filter applies the trigger rules to motion events and tracks per-zone
// cooldown. Rules are evaluated in a fixed order so the reported reason is
// deterministic: speed, magnitude, direction, cooldown.
type Filter struct {
	speedThreshold     float64
	magnitudeThreshold float64
	allowed            map[types.Direction]bool
	cooldown           time.Duration

	mu            sync.Mutex
	cooldownUntil map[string]time.Time // zone id -> quiet-period end

	// Injectable clock for deterministic tests.
	now func() time.Time
}

// NewFilter builds a filter from the trigger configuration.
func NewFilter(cfg config.TriggerConfig) *Filter {
	allowed := make(map[types.Direction]bool, len(cfg.AllowedDirections))
	for _, d := range cfg.Directions() {
		allowed[d] = true
	}
	return &Filter{
		speedThreshold:     cfg.SpeedThreshold,
		magnitudeThreshold: cfg.MagnitudeThreshold,
		allowed:            allowed,
		cooldown:           cfg.Cooldown.Std(),
		cooldownUntil:      make(map[string]time.Time),
		now:                time.Now,
	}
}

// SetClock replaces the filter's clock. Test hook.
func (f *Filter) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Evaluate applies the trigger rules to one motion event. On success it
// records the zone's new cooldown window and returns the trigger; the zone
// stays quiet until CooldownUntil. Events arriving during cooldown are
// dropped without extending the window.
func (f *Filter) Evaluate(ev types.MotionEvent) (types.Trigger, RejectReason) {
	speed := ev.Speed
	if speed < 0 {
		speed = -speed
	}
	if speed < f.speedThreshold {
		return types.Trigger{}, RejectSpeed
	}
	if ev.Magnitude < f.magnitudeThreshold {
		return types.Trigger{}, RejectMagnitude
	}
	if !f.allowed[ev.Direction] {
		return types.Trigger{}, RejectDirection
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if until, ok := f.cooldownUntil[ev.ZoneID]; ok && now.Before(until) {
		return types.Trigger{}, RejectCooldown
	}

	until := now.Add(f.cooldown)
	f.cooldownUntil[ev.ZoneID] = until

	return types.Trigger{
		TriggerID:     ev.EventID,
		SourceID:      ev.SourceID,
		ZoneID:        ev.ZoneID,
		Timestamp:     ev.Time,
		Speed:         ev.Speed,
		Direction:     ev.Direction,
		Magnitude:     ev.Magnitude,
		CooldownUntil: until,
	}, RejectNone
}

// CooldownRemaining reports how long a zone stays quiet, zero when open.
func (f *Filter) CooldownRemaining(zoneID string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	until, ok := f.cooldownUntil[zoneID]
	if !ok {
		return 0
	}
	remaining := until.Sub(f.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
