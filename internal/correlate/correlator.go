// Package correlate matches triggers against events from other modalities
// inside a fixed temporal window.
package correlate

import (
	"context"
	"time"

	"github.com/kestrelsense/kestrel/internal/store"
	"github.com/kestrelsense/kestrel/pkg/types"
)

// Correlator selects the best temporal match per non-motion modality for a
// trigger. Candidates are transiently pinned during selection so eviction
// cannot remove them mid-decision.
type Correlator struct {
	store   *store.Store
	window  time.Duration
	epsilon time.Duration
}

// New creates a correlator over the given store.
func New(st *store.Store, window, epsilon time.Duration) *Correlator {
	return &Correlator{
		store:   st,
		window:  window,
		epsilon: epsilon,
	}
}

// Correlate finds the best candidate for each non-motion modality within the
// window around the trigger timestamp. Ties within epsilon go to the higher
// modality confidence. A modality with no live candidate is absent, not an
// error. Pins are held only while the selection scan runs and are released
// before returning; the candidate set carries value copies, so scoring does
// not depend on the store entries surviving.
func (c *Correlator) Correlate(ctx context.Context, trg types.Trigger) types.CandidateSet {
	set := types.CandidateSet{
		Trigger:    trg,
		Candidates: make(map[types.Modality]types.Candidate),
	}

	for _, modality := range []types.Modality{types.ModalityVision, types.ModalityEnvironment} {
		if ctx.Err() != nil {
			break
		}
		set.Candidates[modality] = c.selectBest(modality, trg.Timestamp)
	}
	return set
}

// selectBest scans one modality's window and picks the closest live event.
func (c *Correlator) selectBest(modality types.Modality, t time.Time) types.Candidate {
	events := c.store.ScanWindow(modality, t, c.window)

	// Pin the field of candidates so concurrent eviction cannot invalidate
	// the comparison while it runs.
	pinned := make([]types.EventKey, 0, len(events))
	for _, ev := range events {
		if c.store.Pin(ev.Key()) {
			pinned = append(pinned, ev.Key())
		}
	}
	defer func() {
		for _, key := range pinned {
			c.store.Unpin(key)
		}
	}()

	var (
		best      types.SensorEvent
		bestDelta time.Duration
	)
	for _, ev := range events {
		delta := ev.Timestamp().Sub(t)
		if delta < 0 {
			delta = -delta
		}
		switch {
		case best == nil:
			best, bestDelta = ev, delta
		case delta+c.epsilon < bestDelta:
			best, bestDelta = ev, delta
		case absDiff(delta, bestDelta) <= c.epsilon:
			// True tie: prefer the higher modality confidence.
			if eventConfidence(ev) > eventConfidence(best) {
				best, bestDelta = ev, delta
			}
		}
	}

	if best == nil {
		return types.Candidate{Modality: modality}
	}
	return types.Candidate{Modality: modality, Event: best, Delta: bestDelta}
}

func absDiff(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}

// eventConfidence extracts the modality confidence used for tie-breaking.
// Environment samples carry no confidence and rank equal.
func eventConfidence(ev types.SensorEvent) float64 {
	if v, ok := ev.(types.VisionEvent); ok {
		return v.Confidence
	}
	return 0
}
