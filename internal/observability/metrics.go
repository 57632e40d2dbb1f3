// Package observability provides engine counters for monitoring ingest,
// correlation, store pressure, and the persistence pipeline.
package observability

import (
	"sync/atomic"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// Metrics tracks engine-wide counters. All methods are O(1) and safe for
// concurrent use.
type Metrics struct {
	motionIngested      atomic.Int64
	visionIngested      atomic.Int64
	environmentIngested atomic.Int64
	duplicateEvents     atomic.Int64
	rejectedEvents      atomic.Int64

	triggersEmitted atomic.Int64
	recordsFused    atomic.Int64
	recordsPartial  atomic.Int64

	storeEvictions    atomic.Int64
	storeBackpressure atomic.Int64
	storeExpiredReads atomic.Int64

	queueDrops       atomic.Int64
	persistAttempts  atomic.Int64
	persistRetries   atomic.Int64
	persistFailures  atomic.Int64
	persistSuccesses atomic.Int64
	duplicateRecords atomic.Int64

	recordsArchived atomic.Int64
	recordsPurged   atomic.Int64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncEventsIngested records an accepted event for one modality.
func (m *Metrics) IncEventsIngested(modality types.Modality) {
	switch modality {
	case types.ModalityMotion:
		m.motionIngested.Add(1)
	case types.ModalityVision:
		m.visionIngested.Add(1)
	case types.ModalityEnvironment:
		m.environmentIngested.Add(1)
	}
}

func (m *Metrics) IncDuplicateEvents() { m.duplicateEvents.Add(1) }
func (m *Metrics) IncRejectedEvents()  { m.rejectedEvents.Add(1) }

func (m *Metrics) IncTriggersEmitted() { m.triggersEmitted.Add(1) }
func (m *Metrics) IncRecordsFused()    { m.recordsFused.Add(1) }
func (m *Metrics) IncRecordsPartial()  { m.recordsPartial.Add(1) }

func (m *Metrics) IncStoreEvictions()    { m.storeEvictions.Add(1) }
func (m *Metrics) IncStoreBackpressure() { m.storeBackpressure.Add(1) }
func (m *Metrics) IncStoreExpiredReads() { m.storeExpiredReads.Add(1) }

func (m *Metrics) IncQueueDrops()       { m.queueDrops.Add(1) }
func (m *Metrics) IncPersistAttempts()  { m.persistAttempts.Add(1) }
func (m *Metrics) IncPersistRetries()   { m.persistRetries.Add(1) }
func (m *Metrics) IncPersistFailures()  { m.persistFailures.Add(1) }
func (m *Metrics) IncPersistSuccesses() { m.persistSuccesses.Add(1) }
func (m *Metrics) IncDuplicateRecords() { m.duplicateRecords.Add(1) }

func (m *Metrics) AddRecordsArchived(n int) { m.recordsArchived.Add(int64(n)) }
func (m *Metrics) AddRecordsPurged(n int)   { m.recordsPurged.Add(int64(n)) }

// Snapshot is a point-in-time copy of all counters, suitable for JSON
// serialization on the stats endpoint.
type Snapshot struct {
	MotionIngested      int64 `json:"motion_ingested"`
	VisionIngested      int64 `json:"vision_ingested"`
	EnvironmentIngested int64 `json:"environment_ingested"`
	DuplicateEvents     int64 `json:"duplicate_events"`
	RejectedEvents      int64 `json:"rejected_events"`

	TriggersEmitted int64 `json:"triggers_emitted"`
	RecordsFused    int64 `json:"records_fused"`
	RecordsPartial  int64 `json:"records_partial"`

	StoreEvictions    int64 `json:"store_evictions"`
	StoreBackpressure int64 `json:"store_backpressure"`
	StoreExpiredReads int64 `json:"store_expired_reads"`

	QueueDrops       int64 `json:"queue_drops"`
	PersistAttempts  int64 `json:"persist_attempts"`
	PersistRetries   int64 `json:"persist_retries"`
	PersistFailures  int64 `json:"persist_failures"`
	PersistSuccesses int64 `json:"persist_successes"`
	DuplicateRecords int64 `json:"duplicate_records"`

	RecordsArchived int64 `json:"records_archived"`
	RecordsPurged   int64 `json:"records_purged"`
}

// Snapshot returns a consistent-enough copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		MotionIngested:      m.motionIngested.Load(),
		VisionIngested:      m.visionIngested.Load(),
		EnvironmentIngested: m.environmentIngested.Load(),
		DuplicateEvents:     m.duplicateEvents.Load(),
		RejectedEvents:      m.rejectedEvents.Load(),

		TriggersEmitted: m.triggersEmitted.Load(),
		RecordsFused:    m.recordsFused.Load(),
		RecordsPartial:  m.recordsPartial.Load(),

		StoreEvictions:    m.storeEvictions.Load(),
		StoreBackpressure: m.storeBackpressure.Load(),
		StoreExpiredReads: m.storeExpiredReads.Load(),

		QueueDrops:       m.queueDrops.Load(),
		PersistAttempts:  m.persistAttempts.Load(),
		PersistRetries:   m.persistRetries.Load(),
		PersistFailures:  m.persistFailures.Load(),
		PersistSuccesses: m.persistSuccesses.Load(),
		DuplicateRecords: m.duplicateRecords.Load(),

		RecordsArchived: m.recordsArchived.Load(),
		RecordsPurged:   m.recordsPurged.Load(),
	}
}
