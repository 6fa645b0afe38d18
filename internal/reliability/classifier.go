package reliability

import (
	"math/rand"
	"time"
)

// IsNormalCloseCode classifies websocket close codes that represent a
// deliberate shutdown. Anything else is treated as an abnormal drop worth
// reconnecting after.
func IsNormalCloseCode(code int) bool {
	switch code {
	case 1000, 1001:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// GrowBackoff scales the current backoff by the growth factor, capped.
func GrowBackoff(current time.Duration, growth float64, cap time.Duration) time.Duration {
	if growth <= 1 {
		growth = 1
	}
	d := time.Duration(float64(current) * growth)
	if d > cap {
		return cap
	}
	return d
}

// JitterDelay adds a random jitter in [0, jitterMax) to the base delay,
// keeping the total under cap. Jitter spreads a fleet of clients so they
// do not redial a recovering tutor in lockstep.
func JitterDelay(base, jitterMax, cap time.Duration) time.Duration {
	d := base
	if jitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(jitterMax)))
	}
	if d > cap {
		return cap
	}
	return d
}
