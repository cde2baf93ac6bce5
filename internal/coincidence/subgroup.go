// Package coincidence implements the coincidence cache, classifier, and
// grouping engine: the core of the coincidence server. A single Cache
// instance is owned by the consumer loop's goroutine; nothing in this
// package is safe for concurrent use by design (see the concurrency model
// in the project documentation).
package coincidence

import (
	"sort"
	"time"

	"github.com/snews-network/coincidence-server/internal/observation"
)

// Flag is the transition state a sub-group carries for the duration of one
// processed message. It is consumed by the alert decider and then cleared
// (Cache.ResetFlags) before the next message is processed.
type Flag int

const (
	// FlagNone means the sub-group was untouched by the current message.
	FlagNone Flag = iota
	// FlagInitial means the sub-group was just created from an empty cache.
	FlagInitial
	// FlagCoincMsg means a new member joined an existing or brand-new sub-group.
	FlagCoincMsg
	// FlagUpdate means an existing member's observation was revised in place.
	FlagUpdate
	// FlagRetraction means the sub-group lost a member to a retraction.
	FlagRetraction
)

// String renders a Flag the way alert payloads and log lines expect.
func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "NONE"
	case FlagInitial:
		return "INITIAL"
	case FlagCoincMsg:
		return "COINC_MSG"
	case FlagUpdate:
		return "UPDATE"
	case FlagRetraction:
		return "RETRACTION"
	default:
		return "UNKNOWN"
	}
}

// Member is one detector's observation as held inside a sub-group, together
// with its delta relative to the sub-group's anchor.
type Member struct {
	Obs   observation.Observation
	Delta time.Duration
}

// SubGroup is a set of observations believed to originate from the same
// astrophysical event, anchored at its earliest member's neutrino_time.
type SubGroup struct {
	Tag     int
	Members []Member
}

// AnchorTime returns the sub-group's anchor (its earliest neutrino_time).
// Callers must not call this on an empty sub-group.
func (g *SubGroup) AnchorTime() time.Time {
	return g.Members[0].Obs.NeutrinoTime
}

// ContainsDetector reports whether any member was reported by detectorName.
func (g *SubGroup) ContainsDetector(detectorName string) bool {
	for _, m := range g.Members {
		if m.Obs.DetectorName == detectorName {
			return true
		}
	}
	return false
}

// DetectorNames returns the member detector names in sub-group (anchor-first) order.
func (g *SubGroup) DetectorNames() []string {
	names := make([]string, len(g.Members))
	for i, m := range g.Members {
		names[i] = m.Obs.DetectorName
	}
	return names
}

// memberIDs returns the set of observation IDs held by the sub-group, used by
// the redundancy rule (I3).
func (g *SubGroup) memberIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		ids[m.Obs.ID] = struct{}{}
	}
	return ids
}

// indexOfDetector returns the member index for detectorName, or -1.
func (g *SubGroup) indexOfDetector(detectorName string) int {
	for i, m := range g.Members {
		if m.Obs.DetectorName == detectorName {
			return i
		}
	}
	return -1
}

// removeByDetector drops the member reported by detectorName, if present,
// and reports whether a member was actually removed.
func (g *SubGroup) removeByDetector(detectorName string) bool {
	idx := g.indexOfDetector(detectorName)
	if idx == -1 {
		return false
	}
	g.Members = append(g.Members[:idx], g.Members[idx+1:]...)
	return true
}

// sortMembers orders members by (neutrino_time, id) ascending, the
// tie-break spec.md §4.3.4 calls for when two members share a timestamp.
func (g *SubGroup) sortMembers() {
	sort.Slice(g.Members, func(i, j int) bool {
		ti, tj := g.Members[i].Obs.NeutrinoTime, g.Members[j].Obs.NeutrinoTime
		if ti.Equal(tj) {
			return g.Members[i].Obs.ID < g.Members[j].Obs.ID
		}
		return ti.Before(tj)
	})
}

// recomputeDeltas sorts the sub-group and recomputes every member's delta
// against the (possibly new) anchor. Callers use this after any mutation
// that can move the anchor: appends, updates, retractions. Panics if any
// recomputed delta falls outside [0, window] — that indicates a logic bug
// in the caller, not a data problem.
func (g *SubGroup) recomputeDeltas(window time.Duration) {
	g.sortMembers()
	anchor := g.AnchorTime()
	for i := range g.Members {
		delta := g.Members[i].Obs.NeutrinoTime.Sub(anchor)
		g.Members[i].Delta = delta
		if delta < 0 || delta > window {
			panic("coincidence: anchor repair produced an out-of-window delta; this is a grouping engine bug")
		}
	}
}
