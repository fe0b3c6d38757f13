package shadow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planhub/rebac/internal/graph"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/tuple"
)

type checkerFunc func(ctx context.Context, req graph.CheckRequest) (bool, error)

func (f checkerFunc) Check(ctx context.Context, req graph.CheckRequest) (bool, error) {
	return f(ctx, req)
}

func testRequest(id string) graph.CheckRequest {
	return graph.CheckRequest{
		TenantID:   "tenant-1",
		Subject:    tuple.NewDirectSubject("user", "anne"),
		Permission: "view",
		Object:     tuple.Object{Type: "document", ID: id},
	}
}

func fixedLegacy(allowed bool, err error) LegacyCheckFunc {
	return func(ctx context.Context, req graph.CheckRequest) (bool, error) {
		return allowed, err
	}
}

func fixedEngine(allowed bool, err error) Checker {
	return checkerFunc(func(ctx context.Context, req graph.CheckRequest) (bool, error) {
		return allowed, err
	})
}

func TestLegacyResultIsAuthoritative(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(false, nil), fixedEngine(true, nil), recorder)

	allowed, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err)
	require.False(t, allowed, "caller must see the legacy decision, not the engine's")
}

func TestAgreementRecorded(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(true, nil), fixedEngine(true, nil), recorder)

	_, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err)

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	rec := records[0]
	require.True(t, rec.Agreement)
	require.True(t, rec.LegacyAllowed)
	require.True(t, rec.EngineAllowed)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "tenant-1", rec.TenantID)
	require.Equal(t, "user:anne", rec.Subject)
	require.Equal(t, "view", rec.Permission)
	require.Equal(t, "document:1", rec.Object)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestDisagreementRecordedAndLogged(t *testing.T) {
	log, observed := logger.NewObserverLogger("info")
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(true, nil), fixedEngine(false, nil), recorder,
		WithLogger(log))

	allowed, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err)
	require.True(t, allowed)

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	require.False(t, records[0].Agreement)

	var logged bool
	for _, entry := range observed.All() {
		if entry.Message == "shadow check difference" {
			logged = true
		}
	}
	require.True(t, logged)
}

func TestEngineErrorContained(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(true, nil), fixedEngine(false, errors.New("store down")), recorder)

	allowed, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err, "engine failure must not surface to the caller")
	require.True(t, allowed)

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	require.False(t, records[0].Agreement)
	require.Contains(t, records[0].EngineErr, "store down")
}

func TestEnginePanicContained(t *testing.T) {
	recorder := NewRingRecorder(10)
	panicky := checkerFunc(func(ctx context.Context, req graph.CheckRequest) (bool, error) {
		panic("boom")
	})
	harness := NewHarness(fixedLegacy(true, nil), panicky, recorder)

	allowed, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err)
	require.True(t, allowed)

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	require.False(t, records[0].Agreement)
	require.Contains(t, records[0].EngineErr, "boom")
}

func TestSlowEngineTimesOut(t *testing.T) {
	recorder := NewRingRecorder(10)
	slow := checkerFunc(func(ctx context.Context, req graph.CheckRequest) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Second):
			return true, nil
		}
	})
	harness := NewHarness(fixedLegacy(true, nil), slow, recorder,
		WithShadowTimeout(20*time.Millisecond))

	start := time.Now()
	allowed, err := harness.Check(context.Background(), testRequest("1"))
	require.NoError(t, err)
	require.True(t, allowed)
	require.Less(t, time.Since(start), time.Second, "shadow timeout must bound the call")

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	require.False(t, records[0].Agreement)
	require.NotEmpty(t, records[0].EngineErr)
}

func TestLegacyErrorPropagates(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(false, errors.New("legacy offline")), fixedEngine(true, nil), recorder)

	_, err := harness.Check(context.Background(), testRequest("1"))
	require.ErrorContains(t, err, "legacy offline")

	records := harness.GetStats(10)
	require.Len(t, records, 1)
	require.False(t, records[0].Agreement)
	require.Contains(t, records[0].LegacyErr, "legacy offline")
}

func TestGetStatsLimits(t *testing.T) {
	recorder := NewRingRecorder(200)
	harness := NewHarness(fixedLegacy(true, nil), fixedEngine(true, nil), recorder)

	for i := 0; i < 150; i++ {
		_, err := harness.Check(context.Background(), testRequest(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	require.Len(t, harness.GetStats(0), DefaultStatsLimit)
	require.Len(t, harness.GetStats(-5), DefaultStatsLimit)
	require.Len(t, harness.GetStats(9999), MaxStatsLimit)
	require.Len(t, harness.GetStats(7), 7)
}

func TestGetStatsNewestFirst(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(fixedLegacy(true, nil), fixedEngine(true, nil), recorder)

	for i := 0; i < 3; i++ {
		_, err := harness.Check(context.Background(), testRequest(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	records := harness.GetStats(10)
	require.Len(t, records, 3)
	require.Equal(t, "document:2", records[0].Object)
	require.Equal(t, "document:0", records[2].Object)
}

func TestRingRecorderEvictsOldest(t *testing.T) {
	recorder := NewRingRecorder(2)
	for i := 0; i < 5; i++ {
		recorder.Add(Record{Object: fmt.Sprintf("document:%d", i)})
	}

	records := recorder.Recent(10)
	require.Len(t, records, 2)
	require.Equal(t, "document:4", records[0].Object)
	require.Equal(t, "document:3", records[1].Object)
}

func TestSummarize(t *testing.T) {
	recorder := NewRingRecorder(10)
	harness := NewHarness(
		func(ctx context.Context, req graph.CheckRequest) (bool, error) {
			return req.Object.ID == "agree", nil
		},
		checkerFunc(func(ctx context.Context, req graph.CheckRequest) (bool, error) {
			return true, nil
		}),
		recorder,
	)

	_, err := harness.Check(context.Background(), testRequest("agree"))
	require.NoError(t, err)
	_, err = harness.Check(context.Background(), testRequest("differ"))
	require.NoError(t, err)

	s := harness.Summarize(10)
	require.Equal(t, 2, s.Total)
	require.Equal(t, 1, s.Agreements)
	require.Equal(t, 1, s.Disagreements)
	require.InDelta(t, 0.5, s.AgreementRate, 0.001)
}
