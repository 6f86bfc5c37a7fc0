package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/database"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"
	"agent-scheduler/internal/services/agents"
	"agent-scheduler/internal/services/catalog"
	"agent-scheduler/internal/services/dispatcher"
	"agent-scheduler/internal/services/history"
	"agent-scheduler/internal/services/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	disp  *dispatcher.Dispatcher
	clock *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })

	ok := agents.HandlerFunc(func(ctx context.Context, cfg map[string]interface{}) (agents.Result, error) {
		return agents.Result{Output: "ok"}, nil
	})
	reg := agents.NewRegistry()
	reg.MustRegister("noop", ok, agents.Descriptor{DisplayName: "No-op"})
	reg.MustRegister("flaky", agents.HandlerFunc(func(ctx context.Context, cfg map[string]interface{}) (agents.Result, error) {
		return agents.Result{}, errors.New("unreachable")
	}), agents.Descriptor{DisplayName: "Flaky"})
	reg.MustRegister("webhook", ok, agents.Descriptor{
		DisplayName: "Webhook",
		ConfigSchema: []agents.ConfigField{
			{Name: "url", Type: agents.FieldString, Required: true},
			{Name: "payload", Type: agents.FieldObject},
		},
	})

	clk := clock.NewManual(base)
	st := store.New(db, time.Second)
	h := history.New(db, clk)
	disp := dispatcher.New(st, h, reg, dispatcher.Options{MaxConcurrency: 2, Clock: clk})
	return &fixture{svc: New(st, h, reg, disp, clk, nil), disp: disp, clock: clk}
}

func str(s string) *string { return &s }

func TestService_CreateWithDefaults(t *testing.T) {
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(context.Background(), models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)

	assert.NotEmpty(t, sched.ID)
	assert.Equal(t, "No-op", sched.Name)
	assert.Equal(t, models.DefaultCron, sched.Cron)
	assert.Equal(t, models.DefaultTimezone, sched.Timezone)
	assert.Equal(t, models.DefaultRetryConfig(), sched.RetryConfig)
	assert.Equal(t, int64(models.DefaultTimeoutMs), sched.TimeoutMs)
	assert.True(t, sched.Enabled)
	assert.Equal(t, models.StatusPending, sched.LastStatus)
	require.NotNil(t, sched.NextRun)
	assert.True(t, time.Date(2025, time.June, 3, 9, 0, 0, 0, time.UTC).Equal(*sched.NextRun))
}

func TestService_CreateHonoursTimezone(t *testing.T) {
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(context.Background(), models.ScheduleForm{
		AgentType: str("noop"),
		Cron:      str("0 9 * * *"),
		Timezone:  str("America/New_York"),
	})
	require.NoError(t, err)
	// 09:00 EDT
	assert.True(t, time.Date(2025, time.June, 2, 13, 0, 0, 0, time.UTC).Equal(*sched.NextRun))
}

func TestService_CreateValidation(t *testing.T) {
	bad := models.RetryConfig{MaxRetries: -1}
	cases := []struct {
		name string
		form models.ScheduleForm
		want error
	}{
		{"bad cron", models.ScheduleForm{AgentType: str("noop"), Cron: str("not a cron")}, errs.ErrInvalidCronExpression},
		{"bad timezone", models.ScheduleForm{AgentType: str("noop"), Timezone: str("Mars/Base")}, errs.ErrInvalidTimezone},
		{"unknown agent", models.ScheduleForm{AgentType: str("ghost")}, errs.ErrUnknownAgentType},
		{"missing agent", models.ScheduleForm{}, errs.ErrUnknownAgentType},
		{"missing required config", models.ScheduleForm{AgentType: str("webhook")}, errs.ErrInvalidConfig},
		{"bad retry", models.ScheduleForm{AgentType: str("noop"), RetryConfig: &bad}, errs.ErrInvalidRetryConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateSchedule(context.Background(), tc.form)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, errs.IsValidation(err))

			list, err := f.svc.GetSchedules(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestService_UpdateRecomputesOnCadenceChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)

	renamed, err := f.svc.UpdateSchedule(ctx, sched.ID, models.ScheduleForm{Name: str("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Name)
	assert.True(t, sched.NextRun.Equal(*renamed.NextRun))

	moved, err := f.svc.UpdateSchedule(ctx, sched.ID, models.ScheduleForm{Cron: str("*/10 * * * *")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", moved.Name)
	assert.True(t, base.Add(10*time.Minute).Equal(*moved.NextRun))
}

func TestService_UpdateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)

	_, err = f.svc.UpdateSchedule(ctx, sched.ID, models.ScheduleForm{Cron: str("61 * * * *"), Name: str("x")})
	assert.ErrorIs(t, err, errs.ErrInvalidCronExpression)

	got, err := f.svc.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultCron, got.Cron)
	assert.Equal(t, "No-op", got.Name)

	_, err = f.svc.UpdateSchedule(ctx, "missing", models.ScheduleForm{Name: str("x")})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_Toggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop"), Cron: str("0 * * * *")})
	require.NoError(t, err)

	off := false
	got, err := f.svc.ToggleSchedule(ctx, sched.ID, &off)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// A long-disabled schedule resumes from now, without a backlog.
	f.clock.Set(base.Add(48*time.Hour + 30*time.Minute))
	got, err = f.svc.ToggleSchedule(ctx, sched.ID, nil)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, base.Add(49*time.Hour).Equal(*got.NextRun))

	on := true
	same, err := f.svc.ToggleSchedule(ctx, sched.ID, &on)
	require.NoError(t, err)
	assert.True(t, got.NextRun.Equal(*same.NextRun))
}

// tickAt runs one dispatcher pass at the given instant and returns the
// execution it started.
func (f *fixture) tickAt(t *testing.T, at time.Time, id string) models.Execution {
	t.Helper()
	f.clock.Set(at)
	n, err := f.disp.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.disp.Wait()

	execs, err := f.svc.GetExecutions(context.Background(), history.Filter{ScheduleID: id})
	require.NoError(t, err)
	require.NotEmpty(t, execs)
	return execs[0]
}

func TestService_EditsRestartRetrySequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{
		AgentType:   str("flaky"),
		Cron:        str("0 * * * *"),
		RetryConfig: &models.RetryConfig{MaxRetries: 3, RetryDelayMs: 60000, BackoffMultiplier: 2, MaxRetryDelayMs: 600000},
	})
	require.NoError(t, err)

	exec := f.tickAt(t, *sched.NextRun, sched.ID)
	assert.Equal(t, models.TriggerCron, exec.Trigger)
	got, err := f.svc.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.StatusPending, got.LastStatus)

	// Re-enabling drops the pending retry and resumes on the cron cadence.
	off, on := false, true
	_, err = f.svc.ToggleSchedule(ctx, sched.ID, &off)
	require.NoError(t, err)
	f.clock.Set(base.Add(6*time.Hour + 30*time.Minute))
	got, err = f.svc.ToggleSchedule(ctx, sched.ID, &on)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, models.StatusPending, got.LastStatus)
	require.NotNil(t, got.NextRun)
	assert.True(t, base.Add(7*time.Hour).Equal(*got.NextRun), got.NextRun)

	exec = f.tickAt(t, *got.NextRun, sched.ID)
	assert.Equal(t, models.TriggerCron, exec.Trigger)
	assert.Equal(t, 0, exec.RetryAttempt)
	got, err = f.svc.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	// A cadence edit does the same.
	got, err = f.svc.UpdateSchedule(ctx, sched.ID, models.ScheduleForm{Cron: str("30 * * * *")})
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, base.Add(7*time.Hour+30*time.Minute).Equal(*got.NextRun), got.NextRun)

	exec = f.tickAt(t, *got.NextRun, sched.ID)
	assert.Equal(t, models.TriggerCron, exec.Trigger)
	assert.Equal(t, 0, exec.RetryAttempt)

	// Edits that keep the cadence leave the retry sequence alone.
	got, err = f.svc.UpdateSchedule(ctx, sched.ID, models.ScheduleForm{Name: str("renamed")})
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, base.Add(7*time.Hour+31*time.Minute).Equal(*got.NextRun), got.NextRun)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSchedule(ctx, sched.ID))
	_, err = f.svc.GetSchedule(ctx, sched.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteSchedule(ctx, sched.ID), errs.ErrNotFound)
}

func TestService_Trigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)

	res, err := f.svc.TriggerSchedule(ctx, sched.ID)
	require.NoError(t, err)
	f.disp.Wait()

	execs, err := f.svc.GetExecutions(ctx, history.Filter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, res.ExecutionID, execs[0].ID)
	assert.Equal(t, models.TriggerManual, execs[0].Trigger)

	_, err = f.svc.TriggerSchedule(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_CreateFromTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sched, err := f.svc.CreateFromTemplate(ctx, "daily-report", models.ScheduleForm{
		Name:   str("Ops report"),
		Config: map[string]interface{}{"url": "https://ops.example/hook"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ops report", sched.Name)
	assert.Equal(t, "webhook", sched.AgentType)
	assert.Equal(t, "0 9 * * 1-5", sched.Cron)
	assert.Equal(t, "https://ops.example/hook", sched.Config["url"])
	assert.Equal(t, "POST", sched.Config["method"])
	assert.Equal(t, []string{"reports"}, []string(sched.Tags))

	tpl, err := catalog.Template("daily-report")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hooks/daily-report", tpl.Config["url"])

	_, err = f.svc.CreateFromTemplate(ctx, "missing", models.ScheduleForm{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_Statistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)
	b, err := f.svc.CreateSchedule(ctx, models.ScheduleForm{AgentType: str("noop")})
	require.NoError(t, err)
	off := false
	_, err = f.svc.ToggleSchedule(ctx, b.ID, &off)
	require.NoError(t, err)

	_, err = f.svc.TriggerSchedule(ctx, a.ID)
	require.NoError(t, err)
	f.disp.Wait()

	stats, err := f.svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalSchedules)
	assert.Equal(t, int64(1), stats.ActiveSchedules)
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.InDelta(t, 0.5, stats.AverageSuccessRate, 1e-9)
}

func TestService_PreviewNextRuns(t *testing.T) {
	f := newFixture(t)
	runs, err := f.svc.PreviewNextRuns("*/5 * * * *", "", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, base.Add(5*time.Minute).Equal(runs[0]))
	assert.True(t, base.Add(15*time.Minute).Equal(runs[2]))

	runs, err = f.svc.PreviewNextRuns("* * * * *", "UTC", 1000)
	require.NoError(t, err)
	assert.Len(t, runs, maxPreview)

	_, err = f.svc.PreviewNextRuns("bogus", "UTC", 3)
	assert.ErrorIs(t, err, errs.ErrInvalidCronExpression)
}

func TestService_Catalog(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.svc.GetTemplates())
	assert.NotEmpty(t, f.svc.GetCronPatterns())
	assert.NotEmpty(t, f.svc.GetTimezoneOptions())
	assert.NotEmpty(t, f.svc.GetRetryPresets())
	configs := f.svc.GetAgentConfigs()
	assert.Contains(t, configs, "noop")
	assert.Equal(t, "Webhook", configs["webhook"].DisplayName)
}
