// Package notify provides the in-process subscription feed for persisted
// records. Consumers receive records after the durable write succeeds.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// Notifier fans persisted records out to subscribers. Publish is
// non-blocking: a subscriber that cannot keep up loses records rather than
// stalling the persistence pipeline.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a notifier with the given per-subscriber buffer.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscriber is one registered consumer of the record feed.
type Subscriber struct {
	ID           string
	ZonePrefixes []string
	Ch           chan *types.PersistedRecord
}

// Subscribe registers a consumer. Zone prefixes filter the feed; an empty
// list receives every record.
func (n *Notifier) Subscribe(zonePrefixes ...string) *Subscriber {
	sub := &Subscriber{
		ID:           "sub_" + uuid.NewString(),
		ZonePrefixes: zonePrefixes,
		Ch:           make(chan *types.PersistedRecord, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Publish sends a record to all matching subscribers. A full subscriber
// channel drops the record for that subscriber only.
func (n *Notifier) Publish(rec *types.PersistedRecord) {
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if matchesZone(sub.ZonePrefixes, rec.ZoneID) {
			select {
			case sub.Ch <- rec:
			default:
				// Full channel: drop, never block the persistence path.
			}
		}
		return true
	})
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	count := 0
	n.subscribers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func matchesZone(prefixes []string, zoneID string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if len(p) == 0 {
			return true
		}
		if len(zoneID) >= len(p) && zoneID[:len(p)] == p {
			return true
		}
	}
	return false
}
