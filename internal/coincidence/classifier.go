package coincidence

import "github.com/snews-network/coincidence-server/internal/observation"

// Classification is the Classifier's verdict for one inbound message.
type Classification int

const (
	// ClassificationAdd means the message's detector is new to the cache.
	ClassificationAdd Classification = iota
	// ClassificationUpdate means the message revises an already-cached detector.
	ClassificationUpdate
	// ClassificationRetraction means the message withdraws a detector's latest observation.
	ClassificationRetraction
)

func (c Classification) String() string {
	switch c {
	case ClassificationAdd:
		return "ADD"
	case ClassificationUpdate:
		return "UPDATE"
	case ClassificationRetraction:
		return "RETRACTION"
	default:
		return "UNKNOWN"
	}
}

// Classify implements spec.md §4.1: a retraction marker always wins, then the
// presence of the detector in the cache decides add vs. update.
func Classify(c *Cache, msg *observation.Message) Classification {
	if msg.IsRetraction {
		return ClassificationRetraction
	}
	if c.ContainsDetector(msg.Obs.DetectorName) {
		return ClassificationUpdate
	}
	return ClassificationAdd
}
