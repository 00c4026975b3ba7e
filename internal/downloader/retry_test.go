package downloader

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vrsandeep/streamdl/internal/models"
)

func TestNextDelayGrowsUntilCap(t *testing.T) {
	p := NewRetryPolicy(models.RetrySettings{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.5})

	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := p.NextDelay(n)
		assert.LessOrEqual(t, d, 30*time.Second, "retry %d", n)
		if d < 30*time.Second {
			assert.Greater(t, d, prev, "retry %d", n)
			base := time.Second << n
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+base/2)
		}
		prev = d
	}
	assert.Equal(t, 30*time.Second, p.NextDelay(20))
	assert.Equal(t, 30*time.Second, p.NextDelay(5000))
}

func TestNextDelayWithoutJitter(t *testing.T) {
	p := NewRetryPolicy(models.RetrySettings{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 800*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(4))
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(-1))
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(models.RetrySettings{BaseDelay: time.Second, MaxDelay: time.Minute})
	item := models.DownloadItem{MaxRetries: 2}
	transient := Transient(errors.New("connection reset"))
	permanent := Permanent(errors.New("not found"))

	testCases := []struct {
		name       string
		retryCount int
		err        error
		want       bool
	}{
		{"transient with budget", 0, transient, true},
		{"transient last retry", 1, transient, true},
		{"transient budget exhausted", 2, transient, false},
		{"permanent", 0, permanent, false},
		{"stall", 0, fmt.Errorf("%w: no data", ErrStalled), true},
		{"unexpected eof", 0, io.ErrUnexpectedEOF, true},
		{"unclassified", 0, errors.New("boom"), false},
		{"quota", 0, Permanent(ErrQuotaExceeded), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			item.RetryCount = tc.retryCount
			assert.Equal(t, tc.want, p.ShouldRetry(item, tc.err))
		})
	}
}

func TestTransferErrorWrapping(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", Permanent(fmt.Errorf("%w: disk full", ErrQuotaExceeded)))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "permanent transfer error")

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsTransient(nil))
}
