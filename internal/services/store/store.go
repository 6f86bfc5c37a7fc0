package store

import (
	"context"
	"errors"
	"time"

	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"

	"gorm.io/gorm"
)

// Store owns schedule rows. Dispatcher-owned columns (last_status, next_run,
// retry_count, success_rate, generation, lease_until) only change through
// ClaimDue, ClaimByID and RecordOutcome; user edits go through Update.
type Store struct {
	db         *gorm.DB
	leaseGrace time.Duration
}

func New(db *gorm.DB, leaseGrace time.Duration) *Store {
	if leaseGrace <= 0 {
		leaseGrace = 30 * time.Second
	}
	return &Store{db: db, leaseGrace: leaseGrace}
}

// Outcome is the post-run bookkeeping written by RecordOutcome.
type Outcome struct {
	ID          string
	Generation  int64
	Status      models.Status
	NextRun     time.Time
	RetryCount  int
	SuccessRate float64
	Error       string
	RanAt       time.Time
}

// Summary aggregates schedule counts for the dashboard.
type Summary struct {
	TotalSchedules     int64   `json:"totalSchedules"`
	ActiveSchedules    int64   `json:"activeSchedules"`
	AverageSuccessRate float64 `json:"averageSuccessRate"`
}

// Create inserts a new schedule.
func (s *Store) Create(ctx context.Context, sched *models.Schedule) error {
	normalize(sched)
	return s.db.WithContext(ctx).Create(sched).Error
}

// Get returns the schedule or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return get(s.db.WithContext(ctx), id)
}

// List returns all schedules, newest first.
func (s *Store) List(ctx context.Context) ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := s.db.WithContext(ctx).Order("created_at desc").Find(&schedules).Error
	return schedules, err
}

// Update applies mutate to the current row and saves the user-editable
// columns. The run state (next_run, retry_count, last_status) is written only
// if mutate changed it and no claim happened in between.
func (s *Store) Update(ctx context.Context, id string, mutate func(*models.Schedule) error) (*models.Schedule, error) {
	var updated *models.Schedule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := get(tx, id)
		if err != nil {
			return err
		}
		before := current.NextRun
		retries, status := current.RetryCount, current.LastStatus
		if err := mutate(current); err != nil {
			return err
		}
		normalize(current)

		res := tx.Model(current).
			Select("agent_type", "name", "description", "cron", "timezone", "enabled", "config", "tags",
				"retry_max_retries", "retry_retry_delay_ms", "retry_backoff_multiplier", "retry_max_retry_delay_ms",
				"timeout_ms", "updated_at").
			Updates(current)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.ErrNotFound, "schedule "+id)
		}

		rescheduled := !sameTime(before, current.NextRun) ||
			retries != current.RetryCount || status != current.LastStatus
		if rescheduled && current.NextRun != nil {
			res = tx.Model(&models.Schedule{}).
				Where("id = ? AND generation = ? AND last_status <> ?", id, current.Generation, models.StatusRunning).
				Updates(map[string]interface{}{
					"next_run":    current.NextRun,
					"retry_count": current.RetryCount,
					"last_status": current.LastStatus,
				})
			if res.Error != nil {
				return res.Error
			}
		}

		updated, err = get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete soft-deletes the schedule. A running invocation keeps going but its
// outcome is discarded.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Schedule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrNotFound, "schedule "+id)
	}
	return nil
}

// ClaimDue atomically moves due schedules to running and returns snapshots of
// the claimed rows. A row already running under a live lease is never
// selected; a row whose lease expired is reclaimed. limit <= 0 means no limit.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	now = now.UTC()
	var candidates []models.Schedule
	q := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run IS NOT NULL AND next_run <= ?", true, now).
		Where("(last_status <> ? OR lease_until < ?)", models.StatusRunning, now).
		Order("next_run asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]models.Schedule, 0, len(candidates))
	for i := range candidates {
		ok, err := s.claim(ctx, &candidates[i], now)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, candidates[i])
		}
	}
	return claimed, nil
}

// ClaimByID claims one schedule regardless of next_run and enabled.
func (s *Store) ClaimByID(ctx context.Context, id string, now time.Time) (*models.Schedule, error) {
	now = now.UTC()
	sched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if running(sched, now) {
		return nil, errs.New(errs.ErrScheduleRunning, id)
	}
	ok, err := s.claim(ctx, sched, now)
	if err != nil {
		return nil, err
	}
	if ok {
		return sched, nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if running(current, now) {
		return nil, errs.New(errs.ErrScheduleRunning, id)
	}
	return nil, errs.New(errs.ErrConcurrentModification, "claim schedule "+id)
}

func (s *Store) claim(ctx context.Context, sched *models.Schedule, now time.Time) (bool, error) {
	lease := now.Add(sched.Timeout() + s.leaseGrace)
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ? AND generation = ?", sched.ID, sched.Generation).
		Where("(last_status <> ? OR lease_until < ?)", models.StatusRunning, now).
		Updates(map[string]interface{}{
			"last_status": models.StatusRunning,
			"generation":  gorm.Expr("generation + ?", 1),
			"lease_until": lease,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	sched.Generation++
	sched.LastStatus = models.StatusRunning
	sched.LeaseUntil = &lease
	return true, nil
}

// Renew restarts the lease of a claim that waited before running. It fails
// with errs.ErrConcurrentModification if the claim was taken over meanwhile.
func (s *Store) Renew(ctx context.Context, sched *models.Schedule, now time.Time) error {
	lease := now.UTC().Add(sched.Timeout() + s.leaseGrace)
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ? AND generation = ? AND last_status = ?", sched.ID, sched.Generation, models.StatusRunning).
		Update("lease_until", lease)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrConcurrentModification, "renew claim on schedule "+sched.ID)
	}
	sched.LeaseUntil = &lease
	return nil
}

// RecordOutcome writes status, next run and retry count in one guarded
// update. It fails with errs.ErrNotFound if the schedule was deleted and with
// errs.ErrConcurrentModification if the claim generation no longer matches.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	next := o.NextRun.UTC()
	ranAt := o.RanAt.UTC()
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ? AND generation = ? AND last_status = ?", o.ID, o.Generation, models.StatusRunning).
		Updates(map[string]interface{}{
			"last_status":  o.Status,
			"next_run":     next,
			"retry_count":  o.RetryCount,
			"success_rate": o.SuccessRate,
			"last_error":   o.Error,
			"last_run":     ranAt,
			"lease_until":  gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", o.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return errs.New(errs.ErrNotFound, "schedule "+o.ID)
	}
	return errs.New(errs.ErrConcurrentModification, "record outcome for schedule "+o.ID)
}

// Summarize returns dashboard counters.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Select("COUNT(*) AS total_schedules, " +
			"COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0) AS active_schedules, " +
			"COALESCE(AVG(success_rate), 0) AS average_success_rate").
		Scan(&sum).Error
	return sum, err
}

func get(db *gorm.DB, id string) (*models.Schedule, error) {
	var sched models.Schedule
	if err := db.First(&sched, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrNotFound, "schedule "+id)
		}
		return nil, err
	}
	return &sched, nil
}

func running(sched *models.Schedule, now time.Time) bool {
	return sched.LastStatus == models.StatusRunning &&
		sched.LeaseUntil != nil && !sched.LeaseUntil.Before(now)
}

// normalize stores instants in UTC so text comparisons in sqlite hold.
func normalize(sched *models.Schedule) {
	if sched.NextRun != nil {
		t := sched.NextRun.UTC()
		sched.NextRun = &t
	}
	if sched.LastRun != nil {
		t := sched.LastRun.UTC()
		sched.LastRun = &t
	}
	if sched.LeaseUntil != nil {
		t := sched.LeaseUntil.UTC()
		sched.LeaseUntil = &t
	}
	if sched.Timezone == "" {
		sched.Timezone = models.DefaultTimezone
	}
	if sched.LastStatus == "" {
		sched.LastStatus = models.StatusPending
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
