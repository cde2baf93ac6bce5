package coincidence

import (
	"sort"
	"time"

	"github.com/snews-network/coincidence-server/internal/observation"
)

// Cache holds every active sub-group along with the transition flags
// accumulated while processing the current message. It is the sole mutable
// state the consumer loop owns; see the package doc for the concurrency
// contract.
type Cache struct {
	window    time.Duration
	subGroups map[int]*SubGroup
	nextTag   int
	flags     map[int]Flag
}

// NewCache constructs an empty cache with the given coincidence window.
func NewCache(window time.Duration) *Cache {
	return &Cache{
		window:    window,
		subGroups: make(map[int]*SubGroup),
		flags:     make(map[int]Flag),
	}
}

// Window returns the configured coincidence window.
func (c *Cache) Window() time.Duration { return c.window }

// Len returns the number of active sub-groups.
func (c *Cache) Len() int { return len(c.subGroups) }

// ContainsDetector reports whether any active sub-group holds an observation
// from detectorName.
func (c *Cache) ContainsDetector(detectorName string) bool {
	for _, g := range c.subGroups {
		if g.ContainsDetector(detectorName) {
			return true
		}
	}
	return false
}

// SubGroup returns the sub-group for tag, if it currently exists.
func (c *Cache) SubGroup(tag int) (*SubGroup, bool) {
	g, ok := c.subGroups[tag]
	return g, ok
}

// Flags returns a copy of the transition-flag map; a tag with no entry is
// FlagNone.
func (c *Cache) Flags() map[int]Flag {
	out := make(map[int]Flag, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// SortedFlaggedTags returns the tags holding a non-FlagNone flag, ascending —
// the order the alert decider must process them in.
func (c *Cache) SortedFlaggedTags() []int {
	tags := make([]int, 0, len(c.flags))
	for tag := range c.flags {
		tags = append(tags, tag)
	}
	sort.Ints(tags)
	return tags
}

// ResetFlags clears every transition flag. The consumer loop calls this once
// the alert decider has consumed the current message's flags.
func (c *Cache) ResetFlags() {
	c.flags = make(map[int]Flag)
}

// Ingest classifies msg and applies the corresponding cache routine: add,
// update, or retract. This is the single entry point the consumer loop uses.
func (c *Cache) Ingest(msg *observation.Message) {
	switch Classify(c, msg) {
	case ClassificationRetraction:
		c.Retract(msg.DetectorName)
	case ClassificationUpdate:
		c.applyUpdate(msg.Obs)
	default:
		c.applyAdd(msg.Obs)
	}
}

// applyAdd implements spec.md §4.2's add(obs) path: INITIAL creation on an
// empty cache, otherwise delegates to the grouping engine.
func (c *Cache) applyAdd(obs observation.Observation) {
	if len(c.subGroups) == 0 {
		tag := c.nextTag
		c.nextTag++
		c.subGroups[tag] = &SubGroup{
			Tag:     tag,
			Members: []Member{{Obs: obs, Delta: 0}},
		}
		c.flags[tag] = FlagInitial
		return
	}
	c.addRoutine(obs)
}

// applyUpdate implements spec.md §4.2's update(obs) path: replace the member
// from obs.DetectorName in place wherever it already appears, skipping any sub-group
// whose anchor-relative delta would fall outside the window.
func (c *Cache) applyUpdate(obs observation.Observation) {
	var touched []int

	for tag, g := range c.subGroups {
		idx := g.indexOfDetector(obs.DetectorName)
		if idx == -1 {
			continue
		}
		diff := obs.NeutrinoTime.Sub(g.AnchorTime())
		if diff < 0 {
			diff = -diff
		}
		if diff > c.window {
			// Leave this sub-group's stale copy untouched; matches the
			// known update-path inconsistency carried over from the
			// original implementation (see design notes).
			continue
		}
		g.Members[idx].Obs = obs
		touched = append(touched, tag)
	}

	for _, tag := range touched {
		g := c.subGroups[tag]
		g.recomputeDeltas(c.window)
		c.flags[tag] = FlagUpdate
	}
}

// Retract implements spec.md §4.2's retract(detector_name) path.
func (c *Cache) Retract(detectorName string) {
	var lost []int
	for tag, g := range c.subGroups {
		if g.removeByDetector(detectorName) {
			lost = append(lost, tag)
		}
	}
	sort.Ints(lost)

	for _, tag := range lost {
		g := c.subGroups[tag]

		if len(g.Members) == 0 {
			delete(c.subGroups, tag)
			delete(c.flags, tag)
			continue
		}

		g.recomputeDeltas(c.window)

		if len(g.Members) == 1 && c.memberPresentElsewhere(g.Members[0].Obs.ID, tag) {
			// Redundancy rule (I3): a surviving singleton whose sole
			// member is still held by another sub-group carries no new
			// information; drop it silently, no alert.
			delete(c.subGroups, tag)
			delete(c.flags, tag)
			continue
		}

		c.flags[tag] = FlagRetraction
	}
}

// memberPresentElsewhere reports whether id appears in any sub-group other
// than excludeTag.
func (c *Cache) memberPresentElsewhere(id string, excludeTag int) bool {
	for tag, g := range c.subGroups {
		if tag == excludeTag {
			continue
		}
		if _, ok := g.memberIDs()[id]; ok {
			return true
		}
	}
	return false
}

// subsetOfExisting reports whether every id in ids is already present in some
// sub-group other than excludeTag.
func (c *Cache) subsetOfExisting(ids map[string]struct{}, excludeTag int) bool {
	for tag, g := range c.subGroups {
		if tag == excludeTag {
			continue
		}
		existing := g.memberIDs()
		subset := true
		for id := range ids {
			if _, ok := existing[id]; !ok {
				subset = false
				break
			}
		}
		if subset {
			return true
		}
	}
	return false
}
