package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDynamicStatsFlushResetsRunningSums(t *testing.T) {
	d := NewDynamicStats()

	d.Record("checkout", 10*time.Millisecond)
	d.Record("checkout", 30*time.Millisecond)
	d.Record("checkin", 5*time.Millisecond)

	snap := d.Flush()
	assert.Equal(t, 20*time.Millisecond, snap["checkout"].Avg)
	assert.Equal(t, 30*time.Millisecond, snap["checkout"].Max)
	assert.Equal(t, 5*time.Millisecond, snap["checkin"].Avg)

	second := d.Flush()
	assert.Equal(t, StatSnapshot{}, second["checkout"])
	assert.Len(t, second, 2)

	d.Record("checkout", 50*time.Millisecond)
	third := d.Flush()
	assert.Equal(t, 50*time.Millisecond, third["checkout"].Avg)
}
