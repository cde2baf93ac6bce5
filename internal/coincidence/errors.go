package coincidence

import "fmt"

// UnknownDetector describes a retraction that names a detector no active
// sub-group holds. The consumer loop logs it; the retraction is a no-op.
type UnknownDetector struct {
	DetectorName string
}

func (e *UnknownDetector) Error() string {
	return fmt.Sprintf("unknown detector: %s", e.DetectorName)
}
