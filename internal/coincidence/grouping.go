package coincidence

import (
	"sort"
	"time"

	"github.com/snews-network/coincidence-server/internal/observation"
)

// coincident reports whether t falls inside the half-open-then-closed window
// (anchor, anchor+window] — strictly after the anchor, at most window later.
// The strict lower bound is why an earlier-arriving observation never simply
// joins an existing sub-group by this test alone; it must go through the
// two-candidate construction below instead (spec.md §4.3.1).
func coincident(anchor, t time.Time, window time.Duration) bool {
	diff := t.Sub(anchor)
	return diff > 0 && diff <= window
}

// addRoutine implements the grouping engine's non-empty-cache add path
// (spec.md §4.3): append obs to every existing sub-group it is coincident
// with, then unconditionally build and try to insert an early-window and a
// post-window candidate sub-group, applying the redundancy rule to each.
func (c *Cache) addRoutine(obs observation.Observation) {
	for _, tag := range c.sortedTags() {
		g := c.subGroups[tag]
		if !coincident(g.AnchorTime(), obs.NeutrinoTime, c.window) {
			continue
		}
		g.Members = append(g.Members, Member{Obs: obs})
		g.recomputeDeltas(c.window)
		c.flags[tag] = FlagCoincMsg
	}

	pool := c.buildPool(obs)

	post := dedupeByDetector(windowFilter(pool, obs.NeutrinoTime, 0, c.window), obs.NeutrinoTime)
	c.tryInsertCandidate(post)

	early := dedupeByDetector(windowFilter(pool, obs.NeutrinoTime, -c.window, 0), obs.NeutrinoTime)
	c.tryInsertCandidate(early)
}

// sortedTags returns the currently active sub-group tags, ascending.
func (c *Cache) sortedTags() []int {
	tags := make([]int, 0, len(c.subGroups))
	for tag := range c.subGroups {
		tags = append(tags, tag)
	}
	sort.Ints(tags)
	return tags
}

// buildPool gathers every observation currently held across all sub-groups,
// plus obs itself, de-duplicated by (detector_name, neutrino_time) — the key
// the original cache de-dups candidate construction on.
func (c *Cache) buildPool(obs observation.Observation) []observation.Observation {
	type key struct {
		detector string
		when     int64
	}
	seen := make(map[key]observation.Observation)

	for _, g := range c.subGroups {
		for _, m := range g.Members {
			k := key{m.Obs.DetectorName, m.Obs.NeutrinoTime.UnixNano()}
			seen[k] = m.Obs
		}
	}
	seen[key{obs.DetectorName, obs.NeutrinoTime.UnixNano()}] = obs

	pool := make([]observation.Observation, 0, len(seen))
	for _, o := range seen {
		pool = append(pool, o)
	}
	return pool
}

// windowFilter keeps the pool members whose neutrino_time falls in
// [ref+lo, ref+hi], inclusive of both ends — matching the original cache's
// explicit double-inclusion of delta==0 in both the early and post windows
// (spec.md §9, kept as specified).
func windowFilter(pool []observation.Observation, ref time.Time, lo, hi time.Duration) []observation.Observation {
	out := make([]observation.Observation, 0, len(pool))
	for _, o := range pool {
		diff := o.NeutrinoTime.Sub(ref)
		if diff >= lo && diff <= hi {
			out = append(out, o)
		}
	}
	return out
}

// dedupeByDetector enforces I2 (at most one member per detector_name) inside
// a single candidate: if the pool ever holds two observations from the same
// detector at different times (possible after the update-path inconsistency
// spec.md §9 flags), keep whichever is closest to ref.
func dedupeByDetector(list []observation.Observation, ref time.Time) []observation.Observation {
	best := make(map[string]observation.Observation, len(list))
	for _, o := range list {
		cur, ok := best[o.DetectorName]
		if !ok {
			best[o.DetectorName] = o
			continue
		}
		if absDuration(o.NeutrinoTime.Sub(ref)) < absDuration(cur.NeutrinoTime.Sub(ref)) {
			best[o.DetectorName] = o
		}
	}
	out := make([]observation.Observation, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// tryInsertCandidate applies the redundancy rule (I3) to a freshly built
// candidate and, if it survives, inserts it as a new sub-group. A surviving
// singleton is left unflagged (no entry in the flags map): spec.md §4.3.2
// calls for no alert on an isolated single-member sub-group.
func (c *Cache) tryInsertCandidate(list []observation.Observation) {
	if len(list) == 0 {
		return
	}

	ids := make(map[string]struct{}, len(list))
	for _, o := range list {
		ids[o.ID] = struct{}{}
	}

	if len(list) == 1 && c.memberPresentElsewhere(list[0].ID, -1) {
		return
	}
	if c.subsetOfExisting(ids, -1) {
		return
	}

	tag := c.nextTag
	c.nextTag++

	members := make([]Member, len(list))
	for i, o := range list {
		members[i] = Member{Obs: o}
	}
	g := &SubGroup{Tag: tag, Members: members}
	g.recomputeDeltas(c.window)
	c.subGroups[tag] = g

	if len(list) > 1 {
		c.flags[tag] = FlagCoincMsg
	}

	c.pruneSubsumedBy(tag, ids)
}

// pruneSubsumedBy enforces I3 symmetrically: once a new candidate is
// inserted at newTag, any other existing sub-group whose member set is
// now wholly contained in it is itself redundant and must go, the same way
// a candidate subset of an existing sub-group was rejected above. Without
// this pass an early-arriving observation that gets folded into a larger
// candidate (spec.md §8 scenario 4) would leave its old, now-subsumed
// sub-group behind as a stale duplicate.
func (c *Cache) pruneSubsumedBy(newTag int, ids map[string]struct{}) {
	for tag, g := range c.subGroups {
		if tag == newTag {
			continue
		}
		existing := g.memberIDs()
		subset := true
		for id := range existing {
			if _, ok := ids[id]; !ok {
				subset = false
				break
			}
		}
		if subset {
			delete(c.subGroups, tag)
			delete(c.flags, tag)
		}
	}
}
