// Package falsealarm stands in for the original cs_stats module's
// cache_false_alarm_rate, which was not part of the retrieved source for
// this port. It estimates the probability that a sub-group formed by pure
// chance rather than a genuine astrophysical coincidence.
package falsealarm

import (
	"github.com/snews-network/coincidence-server/internal/coincidence"
	"github.com/snews-network/coincidence-server/internal/heartbeat"
)

// Estimator computes the false-alarm probability for a sub-group, given the
// current detector heartbeat snapshot.
type Estimator interface {
	Estimate(g *coincidence.SubGroup, snap heartbeat.Snapshot) float64
}

// DefaultEstimator assumes each member detector's "arrives by chance in this
// window" probability is independent and proportional to its recent miss
// rate (1 - duty cycle); the sub-group's false-alarm probability is the
// product across members. This is intentionally simple: the real model
// (cs_stats.cache_false_alarm_rate) was not retrieved, and spec.md's
// Non-goals exclude statistical analysis beyond averaging from the core —
// any deterministic stand-in satisfies the collaborator contract.
type DefaultEstimator struct {
	// UnknownDetectorMissRate is used for a detector absent from the
	// heartbeat snapshot.
	UnknownDetectorMissRate float64
}

// NewDefaultEstimator returns a DefaultEstimator with a conservative 0.5
// miss-rate fallback for detectors with no heartbeat record.
func NewDefaultEstimator() *DefaultEstimator {
	return &DefaultEstimator{UnknownDetectorMissRate: 0.5}
}

// Estimate implements Estimator.
func (e *DefaultEstimator) Estimate(g *coincidence.SubGroup, snap heartbeat.Snapshot) float64 {
	prob := 1.0
	for _, name := range g.DetectorNames() {
		missRate := e.UnknownDetectorMissRate
		if rec, ok := snap[name]; ok {
			missRate = 1 - rec.DutyCycle
		}
		if missRate < 0 {
			missRate = 0
		}
		if missRate > 1 {
			missRate = 1
		}
		prob *= missRate
	}
	return prob
}
