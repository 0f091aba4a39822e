package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"whalecopy/internal/types"
)

func TestNewFunnelStartsAtZero(t *testing.T) {
	f := NewFunnel()
	assert.Empty(t, f.RejectionCounts())
	assert.Equal(t, int64(0), f.EntriesFilled)
}

func TestRecordRejectionOnlyTracksKnownReasons(t *testing.T) {
	f := NewFunnel()
	f.RecordRejection(types.ReasonCooldown)
	f.RecordRejection(types.ReasonCooldown)
	f.RecordRejection(types.ReasonNoBankroll)
	f.RecordRejection(types.FailureReason("NOT_A_KNOWN_REASON"))

	counts := f.RejectionCounts()
	assert.Equal(t, int64(2), counts[types.ReasonCooldown])
	assert.Equal(t, int64(1), counts[types.ReasonNoBankroll])
	assert.Len(t, counts, 2)
}

func TestRejectionCountsOmitsZeroReasons(t *testing.T) {
	f := NewFunnel()
	f.RecordRejection(types.ReasonDustBook)
	counts := f.RejectionCounts()
	_, present := counts[types.ReasonEVPaused]
	assert.False(t, present)
}

func TestCounterIncrements(t *testing.T) {
	f := NewFunnel()
	f.RecordEntryAttempt()
	f.RecordEntryFilled()
	f.RecordExitFilled()
	f.RecordHedgePlaced()

	assert.Equal(t, int64(1), f.EntriesAttempted)
	assert.Equal(t, int64(1), f.EntriesFilled)
	assert.Equal(t, int64(1), f.ExitsFilled)
	assert.Equal(t, int64(1), f.HedgesPlaced)
}

type stubBiasSource struct{ ingested, filtered, unique int64 }

func (s stubBiasSource) TradesIngestedCount() int64         { return s.ingested }
func (s stubBiasSource) TradesFilteredByPriceCount() int64  { return s.filtered }
func (s stubBiasSource) UniqueTokensWithTradesCount() int64 { return s.unique }

type stubCooldownSource struct{ n int }

func (s stubCooldownSource) ActiveCount() int { return s.n }

func TestRenderDoesNotPanicWithNilCollaborators(t *testing.T) {
	f := NewFunnel()
	r := NewRenderer(f, nil, nil)
	assert.NotPanics(t, func() {
		r.Render(StatusInput{OpenPositions: 1, Now: time.Now()})
	})
}

func TestRenderDoesNotPanicWithCollaborators(t *testing.T) {
	f := NewFunnel()
	f.RecordRejection(types.ReasonCooldown)
	r := NewRenderer(f, stubBiasSource{ingested: 3}, stubCooldownSource{n: 2})
	assert.NotPanics(t, func() {
		r.Render(StatusInput{OpenPositions: 2, EvPaused: true, Now: time.Now()})
	})
}
