package networking

import (
	"sync"
	"time"
)

// TrafficUsage captures the throughput observed for a single connection.
type TrafficUsage struct {
	ConnID          string
	BytesIn         int64
	BytesOut        int64
	MessagesIn      int64
	MessagesOut     int64
	OutBytesPerSec  float64
	ObservedSeconds float64
	LastActivity    time.Time
}

// TrafficTotals aggregates every connection the meter has seen, including forgotten ones.
type TrafficTotals struct {
	Connections int
	BytesIn     int64
	BytesOut    int64
	MessagesIn  int64
	MessagesOut int64
}

type trafficBucket struct {
	opened      time.Time
	last        time.Time
	bytesIn     int64
	bytesOut    int64
	messagesIn  int64
	messagesOut int64
}

// TrafficMeter tracks per connection byte and message counts for the websocket transport.
type TrafficMeter struct {
	mu      sync.Mutex
	buckets map[string]*trafficBucket
	totals  TrafficTotals
	now     func() time.Time
}

// NewTrafficMeter constructs a meter using clock, or time.Now when nil.
func NewTrafficMeter(clock func() time.Time) *TrafficMeter {
	if clock == nil {
		clock = time.Now
	}
	return &TrafficMeter{buckets: make(map[string]*trafficBucket), now: clock}
}

func (m *TrafficMeter) bucketLocked(connID string, now time.Time) *trafficBucket {
	bucket := m.buckets[connID]
	if bucket == nil {
		bucket = &trafficBucket{opened: now}
		m.buckets[connID] = bucket
	}
	bucket.last = now
	return bucket
}

// RecordOut charges an outbound message to connID.
func (m *TrafficMeter) RecordOut(connID string, payloadBytes int) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.bucketLocked(connID, m.now())
	bucket.bytesOut += int64(payloadBytes)
	bucket.messagesOut++
	m.totals.BytesOut += int64(payloadBytes)
	m.totals.MessagesOut++
}

// RecordIn charges an inbound message to connID.
func (m *TrafficMeter) RecordIn(connID string, payloadBytes int) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.bucketLocked(connID, m.now())
	bucket.bytesIn += int64(payloadBytes)
	bucket.messagesIn++
	m.totals.BytesIn += int64(payloadBytes)
	m.totals.MessagesIn++
}

// Forget removes the bucket of a disconnected connection; its bytes stay in the totals.
func (m *TrafficMeter) Forget(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	delete(m.buckets, connID)
	m.mu.Unlock()
}

// Totals reports the aggregate counters with the number of currently tracked connections.
func (m *TrafficMeter) Totals() TrafficTotals {
	if m == nil {
		return TrafficTotals{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := m.totals
	totals.Connections = len(m.buckets)
	return totals
}

// SnapshotUsage reports per connection usage; nil when no connection is tracked.
func (m *TrafficMeter) SnapshotUsage() map[string]TrafficUsage {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buckets) == 0 {
		return nil
	}

	now := m.now()
	snapshot := make(map[string]TrafficUsage, len(m.buckets))
	for connID, bucket := range m.buckets {
		//1.- Derive the sustained outbound rate from the lifetime of the connection.
		observed := now.Sub(bucket.opened).Seconds()
		if observed < 0 {
			observed = 0
		}
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.bytesOut) / observed
		}
		snapshot[connID] = TrafficUsage{
			ConnID:          connID,
			BytesIn:         bucket.bytesIn,
			BytesOut:        bucket.bytesOut,
			MessagesIn:      bucket.messagesIn,
			MessagesOut:     bucket.messagesOut,
			OutBytesPerSec:  rate,
			ObservedSeconds: observed,
			LastActivity:    bucket.last,
		}
	}
	return snapshot
}
