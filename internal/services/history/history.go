package history

import (
	"context"
	"errors"
	"time"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"

	"gorm.io/gorm"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// History is the append-only execution log. Rows are inserted when an
// invocation starts and finalized once when it ends.
type History struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(db *gorm.DB, clk clock.Clock) *History {
	if clk == nil {
		clk = clock.Real()
	}
	return &History{db: db, clock: clk}
}

type Filter struct {
	ScheduleID string
	Outcome    models.Outcome
	Limit      int
	Offset     int
}

type StatsFilter struct {
	ScheduleID string
	WindowDays int
}

type Stats struct {
	TotalExecutions int64   `json:"totalExecutions"`
	SuccessRate     float64 `json:"successRate"`
	TotalRetries    int64   `json:"totalRetries"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
}

// Start inserts the record with outcome running.
func (h *History) Start(ctx context.Context, rec *models.Execution) error {
	rec.Outcome = models.OutcomeRunning
	rec.StartedAt = rec.StartedAt.UTC()
	rec.EndedAt = nil
	return h.db.WithContext(ctx).Create(rec).Error
}

// Append inserts an already finalized record.
func (h *History) Append(ctx context.Context, rec *models.Execution) error {
	if !rec.Finished() {
		return errs.New(errs.ErrInvalidSchedule, "append requires a finalized execution")
	}
	rec.StartedAt = rec.StartedAt.UTC()
	if rec.EndedAt != nil {
		ended := rec.EndedAt.UTC()
		rec.EndedAt = &ended
		rec.DurationMs = ended.Sub(rec.StartedAt).Milliseconds()
	}
	return h.db.WithContext(ctx).Create(rec).Error
}

// Finish finalizes a running record. A record can be finalized only once.
func (h *History) Finish(ctx context.Context, id string, outcome models.Outcome, endedAt time.Time, errMsg, output string) (*models.Execution, error) {
	var rec models.Execution
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.ErrNotFound, "execution "+id)
			}
			return err
		}
		ended := endedAt.UTC()
		duration := ended.Sub(rec.StartedAt).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		res := tx.Model(&models.Execution{}).
			Where("id = ? AND outcome = ?", id, models.OutcomeRunning).
			Updates(map[string]interface{}{
				"outcome":     outcome,
				"ended_at":    ended,
				"error":       errMsg,
				"output":      output,
				"duration_ms": duration,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.ErrConcurrentModification, "execution "+id+" already finalized")
		}
		rec.Outcome = outcome
		rec.EndedAt = &ended
		rec.Error = errMsg
		rec.Output = output
		rec.DurationMs = duration
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Query returns records newest first.
func (h *History) Query(ctx context.Context, f Filter) ([]models.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := h.db.WithContext(ctx).Model(&models.Execution{})
	if f.ScheduleID != "" {
		q = q.Where("schedule_id = ?", f.ScheduleID)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}

	var records []models.Execution
	err := q.Order("started_at desc").Order("id desc").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

// Statistics aggregates finalized records. WindowDays <= 0 covers everything.
func (h *History) Statistics(ctx context.Context, f StatsFilter) (Stats, error) {
	q := h.db.WithContext(ctx).Model(&models.Execution{}).Where("outcome <> ?", models.OutcomeRunning)
	if f.ScheduleID != "" {
		q = q.Where("schedule_id = ?", f.ScheduleID)
	}
	if f.WindowDays > 0 {
		since := h.clock.Now().UTC().AddDate(0, 0, -f.WindowDays)
		q = q.Where("started_at >= ?", since)
	}

	var row struct {
		Total     int64
		Successes int64
		Retries   int64
		AvgMs     float64
	}
	err := q.Select("COUNT(*) AS total, "+
		"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS successes, "+
		"COALESCE(SUM(CASE WHEN retry_attempt > 0 THEN 1 ELSE 0 END), 0) AS retries, "+
		"COALESCE(AVG(duration_ms), 0) AS avg_ms", models.OutcomeSuccess).
		Scan(&row).Error
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalExecutions: row.Total,
		TotalRetries:    row.Retries,
		AvgDurationMs:   row.AvgMs,
	}
	if row.Total > 0 {
		stats.SuccessRate = float64(row.Successes) / float64(row.Total)
	}
	return stats, nil
}

// SuccessRate is the share of successful finalized runs of a schedule since
// the given instant.
func (h *History) SuccessRate(ctx context.Context, scheduleID string, since time.Time) (float64, error) {
	var row struct {
		Total     int64
		Successes int64
	}
	err := h.db.WithContext(ctx).Model(&models.Execution{}).
		Where("schedule_id = ? AND outcome <> ? AND started_at >= ?", scheduleID, models.OutcomeRunning, since.UTC()).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS successes", models.OutcomeSuccess).
		Scan(&row).Error
	if err != nil || row.Total == 0 {
		return 0, err
	}
	return float64(row.Successes) / float64(row.Total), nil
}

// Prune deletes finalized records that started before the cutoff.
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := h.db.WithContext(ctx).
		Where("outcome <> ? AND started_at < ?", models.OutcomeRunning, before.UTC()).
		Delete(&models.Execution{})
	return res.RowsAffected, res.Error
}
