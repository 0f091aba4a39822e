package reserve

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"whalecopy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ReserveFloorUsd:    decimal.NewFromFloat(20),
		ReserveFraction:    decimal.NewFromFloat(0.2),
		MaxReserveFraction: decimal.NewFromFloat(0.5),
	}
}

func TestNewSeedsAtBaselineFraction(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)
	effective, reserve := m.GetEffectiveBankroll(decimal.NewFromInt(1000))
	assert.True(t, reserve.Equal(decimal.NewFromInt(200)))
	assert.True(t, effective.Equal(decimal.NewFromInt(800)))
}

func TestMissedEntriesShrinkReserveOverTime(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)
	now := time.Now()
	for i := 0; i < 10; i++ {
		m.RecordMissedEntry(now)
	}

	before := m.adapted
	m.Adapt(now)
	after := m.adapted
	assert.True(t, after.LessThan(before), "reserve fraction should shrink toward target after missed entries")
}

func TestMissedHedgesWidenReserve(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordMissedHedge(now)
	}

	before := m.adapted
	m.Adapt(now)
	after := m.adapted
	assert.True(t, after.GreaterThan(before), "reserve fraction should grow toward target after missed hedges")
}

func TestAdaptationClampsToFloorAndCeiling(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		m.RecordMissedEntry(now)
	}
	for tick := 0; tick < 50; tick++ {
		m.Adapt(now)
	}
	assert.True(t, m.adapted.GreaterThanOrEqual(floorFraction))

	for i := 0; i < 1000; i++ {
		m.RecordMissedHedge(now)
	}
	for tick := 0; tick < 50; tick++ {
		m.Adapt(now)
	}
	assert.True(t, m.adapted.LessThanOrEqual(cfg.MaxReserveFraction))
}

func TestEventsOutsideWindowDoNotContribute(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)
	old := time.Now().Add(-time.Hour)
	m.RecordMissedEntry(old)

	result := m.Adapt(time.Now())
	assert.True(t, result.Equal(cfg.ReserveFraction))
}

func TestGetEffectiveBankrollFloorsReserve(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveFraction = decimal.NewFromFloat(0.01)
	m := New(cfg)

	effective, reserve := m.GetEffectiveBankroll(decimal.NewFromInt(100))
	assert.True(t, reserve.Equal(cfg.ReserveFloorUsd))
	assert.True(t, effective.Equal(decimal.NewFromInt(80)))
}

func TestGetEffectiveBankrollNeverNegative(t *testing.T) {
	cfg := testConfig()
	m := New(cfg)

	effective, _ := m.GetEffectiveBankroll(decimal.NewFromInt(5))
	assert.True(t, effective.GreaterThanOrEqual(decimal.Zero))
}
