package broker

import (
	"sync"
)

// meterBuckets subdivides the 1-second window; finer buckets make the
// sliding edge smoother without tracking every message timestamp.
const meterBuckets = 10

type channelKey struct {
	id   int
	name string
}

// Meter counts chat messages per channel over a sliding 1-second window.
// The caller advances the window on a fixed ticker (window/meterBuckets),
// which keeps the math on the monotonic clock instead of wall time.
type Meter struct {
	mu      sync.Mutex
	buckets [meterBuckets]map[channelKey]int
	pos     int
}

// NewMeter creates an empty meter.
func NewMeter() *Meter {
	m := &Meter{}
	for i := range m.buckets {
		m.buckets[i] = make(map[channelKey]int)
	}
	return m
}

// Record counts one message for a channel in the current bucket.
func (m *Meter) Record(channelID int, channelName string) {
	m.mu.Lock()
	m.buckets[m.pos][channelKey{channelID, channelName}]++
	m.mu.Unlock()
}

// Advance slides the window forward by one bucket, expiring the oldest.
func (m *Meter) Advance() {
	m.mu.Lock()
	m.pos = (m.pos + 1) % meterBuckets
	m.buckets[m.pos] = make(map[channelKey]int)
	m.mu.Unlock()
}

// Snapshot sums the window. The per-channel map is keyed by channel name;
// ids are returned alongside for room routing.
func (m *Meter) Snapshot() (total float64, perChannel map[string]float64, ids map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	perChannel = make(map[string]float64)
	ids = make(map[string]int)
	for _, bucket := range m.buckets {
		for key, n := range bucket {
			perChannel[key.name] += float64(n)
			ids[key.name] = key.id
			total += float64(n)
		}
	}
	return total, perChannel, ids
}
