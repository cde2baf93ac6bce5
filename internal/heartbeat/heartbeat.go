// Package heartbeat stands in for the externally-owned detector heartbeat
// subsystem: it tracks each detector's last-seen time and declared duty
// cycle, and produces point-in-time snapshots for the false-alarm estimator.
// The real heartbeat network is out of scope for this server (spec.md §1);
// this is the smallest concrete collaborator that satisfies the contract.
package heartbeat

import "time"

// Record is one detector's most recently observed heartbeat state.
type Record struct {
	LastSeen  time.Time
	DutyCycle float64 // fraction of time the detector reports as live, in [0,1]
}

// Snapshot is a point-in-time table of detector heartbeat records, keyed by
// detector_name.
type Snapshot map[string]Record

// Source produces heartbeat snapshots on demand.
type Source interface {
	CacheSnapshot() Snapshot
}

// InMemory is a minimal Source backed by a map, updated via Touch. It does
// not persist across restarts; a production deployment would back this with
// the real heartbeat network's own store.
type InMemory struct {
	records        Snapshot
	expiry         time.Duration
	defaultDutyPct float64
}

// NewInMemory constructs an empty heartbeat store. expiry controls how long
// a detector's last heartbeat is considered current before its duty cycle is
// treated as unknown (DutyCycle 0) by CacheSnapshot.
func NewInMemory(expiry time.Duration) *InMemory {
	return &InMemory{
		records:        make(Snapshot),
		expiry:         expiry,
		defaultDutyPct: 0.95,
	}
}

// Touch records a heartbeat from detectorName observed at t, using the
// previously declared duty cycle if known or the store's default otherwise.
func (h *InMemory) Touch(detectorName string, t time.Time) {
	dutyCycle := h.defaultDutyPct
	if rec, ok := h.records[detectorName]; ok {
		dutyCycle = rec.DutyCycle
	}
	h.records[detectorName] = Record{LastSeen: t, DutyCycle: dutyCycle}
}

// SetDutyCycle overrides a detector's declared duty cycle.
func (h *InMemory) SetDutyCycle(detectorName string, dutyCycle float64) {
	rec := h.records[detectorName]
	rec.DutyCycle = dutyCycle
	h.records[detectorName] = rec
}

// CacheSnapshot returns a copy of the current heartbeat table, zeroing the
// duty cycle of any detector whose last heartbeat is older than expiry.
func (h *InMemory) CacheSnapshot() Snapshot {
	now := latestSeen(h.records)
	out := make(Snapshot, len(h.records))
	for name, rec := range h.records {
		if h.expiry > 0 && now.Sub(rec.LastSeen) > h.expiry {
			rec.DutyCycle = 0
		}
		out[name] = rec
	}
	return out
}

func latestSeen(records Snapshot) time.Time {
	var latest time.Time
	for _, rec := range records {
		if rec.LastSeen.After(latest) {
			latest = rec.LastSeen
		}
	}
	return latest
}
