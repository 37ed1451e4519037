package downloader

import (
	"time"

	"golang.org/x/time/rate"
)

// maxTransferProgress caps in-flight progress; 1.0 is written only once the file is in place.
const maxTransferProgress = 0.99

// progressThrottler allows one durable progress write per interval, driven by explicit timestamps.
// The final sample (written == expected) always commits.
type progressThrottler struct {
	limiter *rate.Limiter
}

// newProgressThrottler treats start as the last commit.
func newProgressThrottler(start time.Time, interval time.Duration) *progressThrottler {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.AllowN(start, 1)
	return &progressThrottler{limiter: limiter}
}

func (p *progressThrottler) shouldCommit(now time.Time, written, expected int64) bool {
	allowed := p.limiter.AllowN(now, 1)
	if expected > 0 && written == expected {
		return true
	}
	return allowed
}

func progressFraction(written, expected int64) float64 {
	if expected <= 0 {
		return 0
	}
	fraction := float64(written) / float64(expected)
	if fraction > maxTransferProgress {
		return maxTransferProgress
	}
	return fraction
}
