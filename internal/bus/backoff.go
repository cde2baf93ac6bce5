package bus

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the reconnect delay for the nth consecutive retryable
// transport error, following the original distributor's formula exactly:
// (1.5^n) * (1 + rand()) / 2 seconds.
func Backoff(retryCount int) time.Duration {
	seconds := math.Pow(1.5, float64(retryCount)) * (1 + rand.Float64()) / 2
	return time.Duration(seconds * float64(time.Second))
}
