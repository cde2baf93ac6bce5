package alert

import (
	"time"

	"github.com/snews-network/coincidence-server/internal/coincidence"
	"github.com/snews-network/coincidence-server/internal/falsealarm"
	"github.com/snews-network/coincidence-server/internal/heartbeat"
	"github.com/snews-network/coincidence-server/internal/ops"
)

// Decider consumes a cache's per-message transition flags, in ascending
// sub-group-tag order, and builds the alerts spec.md §4.4 requires: one per
// sub-group flagged COINC_MSG, UPDATE, or RETRACTION. INITIAL is logged
// only and NONE is skipped; neither is alerted.
type Decider struct {
	ServerTag string
	Estimator falsealarm.Estimator
	Heartbeat heartbeat.Source
}

// NewDecider constructs a Decider with the given server tag and collaborators.
func NewDecider(serverTag string, estimator falsealarm.Estimator, hb heartbeat.Source) *Decider {
	return &Decider{ServerTag: serverTag, Estimator: estimator, Heartbeat: hb}
}

// Decide builds the alerts for the cache's currently flagged sub-groups. It
// does not reset the cache's flags; the caller does that once it has
// finished with the result (spec.md §4.4: flags are cleared after the
// decider runs).
func (d *Decider) Decide(c *coincidence.Cache) []Alert {
	flags := c.Flags()
	snap := d.Heartbeat.CacheSnapshot()

	var alerts []Alert
	for _, tag := range c.SortedFlaggedTags() {
		flag := flags[tag]
		if flag == coincidence.FlagInitial {
			if g, ok := c.SubGroup(tag); ok {
				ops.Default().LogSubGroupTransition(tag, flag.String(), len(g.Members))
			}
			continue
		}
		if flag != coincidence.FlagCoincMsg && flag != coincidence.FlagUpdate && flag != coincidence.FlagRetraction {
			continue
		}

		g, ok := c.SubGroup(tag)
		if !ok {
			// Dropped by the redundancy rule before the decider ran; no alert.
			continue
		}

		alerts = append(alerts, d.buildAlert(g, flag, snap))
	}
	return alerts
}

func (d *Decider) buildAlert(g *coincidence.SubGroup, flag coincidence.Flag, snap heartbeat.Snapshot) Alert {
	pvals := make([]float64, len(g.Members))
	times := make([]time.Time, len(g.Members))
	for i, m := range g.Members {
		pvals[i] = m.Obs.PVal
		times[i] = m.Obs.NeutrinoTime
	}

	return Alert{
		SubListNum:     g.Tag,
		DetectorNames:  g.DetectorNames(),
		NeutrinoTimes:  formatTimes(times),
		PVals:          pvals,
		PValAvg:        meanPVal(pvals),
		FalseAlarmProb: d.Estimator.Estimate(g, snap),
		ServerTag:      d.ServerTag,
		AlertType:      flag.String(),
	}
}
