package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDeliveryDeadlineDoublesPerRetryUpToCeiling(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wake := 5 * time.Second
	ceiling := 40 * time.Second

	cases := []struct {
		retryCount int32
		wantDelay  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 40 * time.Second}, // capped by ceiling
	}

	for _, tc := range cases {
		got := NextDeliveryDeadline(tc.retryCount, base, wake, ceiling)
		assert.Equal(t, base.Add(tc.wantDelay), got, "retryCount=%d", tc.retryCount)
	}
}
