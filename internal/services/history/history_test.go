package history

import (
	"context"
	"testing"
	"time"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/database"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

func newTestHistory(t *testing.T) (*History, *clock.Manual) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })
	clk := clock.NewManual(base)
	return New(db, clk), clk
}

func record(t *testing.T, h *History, scheduleID string, started time.Time, outcome models.Outcome, attempt int, d time.Duration) *models.Execution {
	t.Helper()
	ctx := context.Background()
	rec := &models.Execution{
		ID:           uuid.NewString(),
		ScheduleID:   scheduleID,
		AgentType:    "noop",
		Trigger:      models.TriggerCron,
		StartedAt:    started,
		RetryAttempt: attempt,
	}
	require.NoError(t, h.Start(ctx, rec))
	errMsg := ""
	if outcome != models.OutcomeSuccess {
		errMsg = "failed"
	}
	done, err := h.Finish(ctx, rec.ID, outcome, started.Add(d), errMsg, "")
	require.NoError(t, err)
	return done
}

func TestHistory_StartAndFinish(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHistory(t)

	rec := &models.Execution{ID: uuid.NewString(), ScheduleID: "s1", StartedAt: base}
	require.NoError(t, h.Start(ctx, rec))

	running, err := h.Query(ctx, Filter{ScheduleID: "s1"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, models.OutcomeRunning, running[0].Outcome)
	assert.Nil(t, running[0].EndedAt)

	done, err := h.Finish(ctx, rec.ID, models.OutcomeFailure, base.Add(1500*time.Millisecond), "boom", "partial")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, done.Outcome)
	assert.Equal(t, int64(1500), done.DurationMs)
	assert.Equal(t, "boom", done.Error)

	// Finalized records are immutable.
	_, err = h.Finish(ctx, rec.ID, models.OutcomeSuccess, base.Add(time.Hour), "", "")
	assert.ErrorIs(t, err, errs.ErrConcurrentModification)

	_, err = h.Finish(ctx, "missing", models.OutcomeSuccess, base, "", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHistory_AppendRequiresFinalized(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHistory(t)

	assert.Error(t, h.Append(ctx, &models.Execution{ID: uuid.NewString(), ScheduleID: "s1", Outcome: models.OutcomeRunning}))

	ended := base.Add(2 * time.Second)
	rec := &models.Execution{ID: uuid.NewString(), ScheduleID: "s1", StartedAt: base, EndedAt: &ended, Outcome: models.OutcomeTimeout}
	require.NoError(t, h.Append(ctx, rec))
	assert.Equal(t, int64(2000), rec.DurationMs)
}

func TestHistory_QueryFiltersAndPaging(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHistory(t)
	for i := 0; i < 5; i++ {
		record(t, h, "a", base.Add(time.Duration(i)*time.Minute), models.OutcomeSuccess, 0, time.Second)
	}
	record(t, h, "a", base.Add(10*time.Minute), models.OutcomeFailure, 0, time.Second)
	record(t, h, "b", base, models.OutcomeSuccess, 0, time.Second)

	all, err := h.Query(ctx, Filter{ScheduleID: "a"})
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, models.OutcomeFailure, all[0].Outcome, "newest first")

	failures, err := h.Query(ctx, Filter{Outcome: models.OutcomeFailure})
	require.NoError(t, err)
	assert.Len(t, failures, 1)

	page, err := h.Query(ctx, Filter{ScheduleID: "a", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].StartedAt.Equal(base.Add(3*time.Minute)))
}

func TestHistory_Statistics(t *testing.T) {
	ctx := context.Background()
	h, clk := newTestHistory(t)
	record(t, h, "a", base.Add(-10*24*time.Hour), models.OutcomeFailure, 0, 4*time.Second) // outside 7-day window
	record(t, h, "a", base.Add(-time.Hour), models.OutcomeFailure, 0, time.Second)
	record(t, h, "a", base.Add(-50*time.Minute), models.OutcomeTimeout, 1, 3*time.Second)
	record(t, h, "a", base.Add(-40*time.Minute), models.OutcomeSuccess, 2, 2*time.Second)
	record(t, h, "b", base.Add(-time.Minute), models.OutcomeSuccess, 0, time.Second)
	clk.Set(base)

	stats, err := h.Statistics(ctx, StatsFilter{ScheduleID: "a", WindowDays: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalExecutions)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 0.0001)
	assert.Equal(t, int64(2), stats.TotalRetries)
	assert.InDelta(t, 2000, stats.AvgDurationMs, 0.01)

	all, err := h.Statistics(ctx, StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), all.TotalExecutions)

	empty, err := h.Statistics(ctx, StatsFilter{ScheduleID: "none", WindowDays: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}

func TestHistory_SuccessRate(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHistory(t)
	rate, err := h.SuccessRate(ctx, "a", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, rate)

	record(t, h, "a", base.Add(-30*time.Minute), models.OutcomeSuccess, 0, time.Second)
	record(t, h, "a", base.Add(-20*time.Minute), models.OutcomeFailure, 0, time.Second)
	record(t, h, "a", base.Add(-2*time.Hour), models.OutcomeFailure, 0, time.Second)

	rate, err = h.SuccessRate(ctx, "a", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 0.0001)
}

func TestHistory_PruneKeepsRunningRecords(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHistory(t)
	record(t, h, "a", base.Add(-40*24*time.Hour), models.OutcomeSuccess, 0, time.Second)
	record(t, h, "a", base.Add(-time.Hour), models.OutcomeSuccess, 0, time.Second)
	require.NoError(t, h.Start(ctx, &models.Execution{ID: uuid.NewString(), ScheduleID: "a", StartedAt: base.Add(-41 * 24 * time.Hour)}))

	n, err := h.Prune(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := h.Query(ctx, Filter{ScheduleID: "a"})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
