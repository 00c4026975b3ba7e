package downloader

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vrsandeep/streamdl/internal/models"
)

// RetryPolicy decides whether a failed transfer runs again and after how long.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetryPolicy builds a policy from settings.
func NewRetryPolicy(s models.RetrySettings) *RetryPolicy {
	return &RetryPolicy{
		BaseDelay: s.BaseDelay,
		MaxDelay:  s.MaxDelay,
		Jitter:    s.Jitter,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry is true iff the item has retries left and the failure is transient.
func (p *RetryPolicy) ShouldRetry(item models.DownloadItem, err error) bool {
	return item.RetryCount < item.MaxRetries && IsTransient(err)
}

// NextDelay returns min(base*2^retryCount*(1+j), max) with j drawn from [0, Jitter).
// Since Jitter < 1 consecutive delays strictly increase until the cap.
func (p *RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(retryCount))
	if p.Jitter > 0 {
		backoff *= 1 + p.jitter()*p.Jitter
	}
	if backoff > float64(p.MaxDelay) || math.IsInf(backoff, 0) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

func (p *RetryPolicy) jitter() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}
