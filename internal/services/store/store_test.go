package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"agent-scheduler/internal/database"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })
	return New(db, time.Second)
}

func addSchedule(t *testing.T, s *Store, nextRun time.Time, enabled bool) *models.Schedule {
	t.Helper()
	agent := "noop"
	sched := models.NewSchedule(uuid.NewString(), models.ScheduleForm{AgentType: &agent, Enabled: &enabled})
	sched.TimeoutMs = 1000
	sched.NextRun = &nextRun
	require.NoError(t, s.Create(context.Background(), sched))
	return sched
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(time.Hour), true)

	got, err := s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "noop", got.AgentType)
	assert.Equal(t, models.StatusPending, got.LastStatus)
	assert.Equal(t, models.DefaultRetryConfig(), got.RetryConfig)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	updated, err := s.Update(ctx, sched.ID, func(cur *models.Schedule) error {
		cur.Name = "renamed"
		cur.Enabled = false
		cur.Config = map[string]interface{}{"k": "v"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "v", updated.Config["k"])

	require.NoError(t, s.Delete(ctx, sched.ID))
	_, err = s.Get(ctx, sched.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, sched.ID), errs.ErrNotFound)
}

func TestStore_UpdateMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", func(*models.Schedule) error { return nil })
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_UpdateMutateErrorPreventsWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base, true)

	_, err := s.Update(ctx, sched.ID, func(cur *models.Schedule) error {
		cur.Name = "should not persist"
		return errs.New(errs.ErrInvalidCronExpression, "bad")
	})
	assert.ErrorIs(t, err, errs.ErrInvalidCronExpression)

	got, err := s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Name)
}

func TestStore_ClaimDueSelectsOnlyEligible(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	due := addSchedule(t, s, base.Add(-time.Minute), true)
	addSchedule(t, s, base.Add(time.Minute), true)   // not due
	addSchedule(t, s, base.Add(-time.Minute), false) // disabled

	claimed, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, models.StatusRunning, claimed[0].LastStatus)
	assert.Equal(t, int64(1), claimed[0].Generation)

	// Already running under a live lease.
	again, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStore_ClaimDueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		addSchedule(t, s, base.Add(-time.Duration(i)*time.Minute), true)
	}
	claimed, err := s.ClaimDue(ctx, base, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	// Oldest first.
	assert.True(t, claimed[0].NextRun.Before(*claimed[1].NextRun))
}

func TestStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(-time.Minute), true)

	first, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// timeout 1s + grace 1s
	later := base.Add(3 * time.Second)
	second, err := s.ClaimDue(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, sched.ID, second[0].ID)
	assert.Equal(t, first[0].Generation+1, second[0].Generation)

	// The crashed first claimer can no longer write its outcome.
	err = s.RecordOutcome(ctx, Outcome{
		ID: sched.ID, Generation: first[0].Generation, Status: models.StatusSuccess,
		NextRun: later.Add(time.Hour), RanAt: base,
	})
	assert.ErrorIs(t, err, errs.ErrConcurrentModification)
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const total = 20
	for i := 0; i < total; i++ {
		addSchedule(t, s, base.Add(-time.Second), true)
	}

	var (
		mu     sync.Mutex
		seen   = map[string]int{}
		wg     sync.WaitGroup
		start  = make(chan struct{})
		errsCh = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := s.ClaimDue(ctx, base, 0)
			if err != nil {
				errsCh <- err
				return
			}
			mu.Lock()
			for _, c := range claimed {
				seen[c.ID]++
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "schedule %s claimed %d times", id, n)
	}
}

func TestStore_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	addSchedule(t, s, base.Add(-time.Minute), true)
	claimed, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	c := claimed[0]

	next := base.Add(5 * time.Minute)
	require.NoError(t, s.RecordOutcome(ctx, Outcome{
		ID: c.ID, Generation: c.Generation, Status: models.StatusPending,
		NextRun: next, RetryCount: 1, SuccessRate: 0.5, Error: "boom", RanAt: base,
	}))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.LastStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	assert.InDelta(t, 0.5, got.SuccessRate, 0.0001)
	require.NotNil(t, got.NextRun)
	assert.True(t, next.Equal(*got.NextRun))
	assert.Nil(t, got.LeaseUntil)

	// A second write for the same claim is rejected.
	err = s.RecordOutcome(ctx, Outcome{ID: c.ID, Generation: c.Generation, Status: models.StatusSuccess, NextRun: next, RanAt: base})
	assert.ErrorIs(t, err, errs.ErrConcurrentModification)
}

func TestStore_RecordOutcomeAfterDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	addSchedule(t, s, base.Add(-time.Minute), true)
	claimed, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.Delete(ctx, claimed[0].ID))
	err = s.RecordOutcome(ctx, Outcome{
		ID: claimed[0].ID, Generation: claimed[0].Generation, Status: models.StatusSuccess,
		NextRun: base.Add(time.Hour), RanAt: base,
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Get(ctx, claimed[0].ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_ClaimByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(time.Hour), false)

	claimed, err := s.ClaimByID(ctx, sched.ID, base)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, claimed.LastStatus)
	require.NotNil(t, claimed.NextRun)
	assert.True(t, claimed.NextRun.Equal(base.Add(time.Hour)))

	_, err = s.ClaimByID(ctx, sched.ID, base)
	assert.ErrorIs(t, err, errs.ErrScheduleRunning)

	_, err = s.ClaimByID(ctx, "missing", base)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_RenewKeepsClaimOffLimits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(time.Hour), true)

	claimed, err := s.ClaimByID(ctx, sched.ID, base)
	require.NoError(t, err)

	// lease is timeout (1s) plus grace (1s); renewing late pushes it out again
	later := base.Add(90 * time.Second)
	require.NoError(t, s.Renew(ctx, claimed, later))
	assert.True(t, later.Add(2*time.Second).Equal(*claimed.LeaseUntil))
	_, err = s.ClaimByID(ctx, sched.ID, later.Add(time.Second))
	assert.ErrorIs(t, err, errs.ErrScheduleRunning)

	// once the lease lapses another claim wins and the old one can't renew
	_, err = s.ClaimByID(ctx, sched.ID, later.Add(3*time.Second))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Renew(ctx, claimed, later.Add(3*time.Second)), errs.ErrConcurrentModification)
}

func TestStore_UpdateResetsRetryWithReschedule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(-time.Minute), true)
	claimed, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.RecordOutcome(ctx, Outcome{
		ID: sched.ID, Generation: claimed[0].Generation, Status: models.StatusPending,
		RetryCount: 2, NextRun: base.Add(time.Minute), RanAt: base,
	}))

	slot := base.Add(time.Hour)
	updated, err := s.Update(ctx, sched.ID, func(cur *models.Schedule) error {
		cur.NextRun = &slot
		cur.RetryCount = 0
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.RetryCount)
	assert.True(t, slot.Equal(*updated.NextRun))
}

func TestStore_UpdateDoesNotMoveNextRunWhileRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := addSchedule(t, s, base.Add(-time.Minute), true)
	_, err := s.ClaimDue(ctx, base, 0)
	require.NoError(t, err)

	moved := base.Add(48 * time.Hour)
	_, err = s.Update(ctx, sched.ID, func(cur *models.Schedule) error {
		cur.NextRun = &moved
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRun.Equal(base.Add(-time.Minute)))
	assert.Equal(t, models.StatusRunning, got.LastStatus)
}

func TestStore_Summarize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum, err := s.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalSchedules)

	addSchedule(t, s, base, true)
	addSchedule(t, s, base, true)
	addSchedule(t, s, base, false)

	sum, err = s.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.TotalSchedules)
	assert.Equal(t, int64(2), sum.ActiveSchedules)
}
