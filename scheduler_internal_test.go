package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	b := &breaker{threshold: 2, cooldown: time.Minute}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, b.isOpen(start))
	assert.False(t, b.skip(start), "One skip is below the threshold")
	assert.False(t, b.isOpen(start))

	assert.True(t, b.skip(start.Add(time.Second)))
	assert.True(t, b.isOpen(start.Add(30*time.Second)))
	assert.Equal(t, start.Add(time.Second+time.Minute), b.closesAt().UTC())
	assert.False(t, b.isOpen(start.Add(2*time.Minute)), "Closed again after the cooldown")

	b.reset()
	assert.False(t, b.isOpen(start.Add(30*time.Second)))
	assert.False(t, b.skip(start), "A success restarts the count")
}

func TestReportKVs(t *testing.T) {
	assert.Nil(t, reportKVs(nil))
	assert.Equal(t,
		[]any{"warnings", 0, "dim_date_generated", true, "loaded.DimDate", 31},
		reportKVs(&RunReport{DimDateGenerated: true, Loaded: []TableRecordCount{{Table: TableDimDate, RecordCount: 31}}}),
	)
}
