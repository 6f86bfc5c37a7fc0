package scheduler

import (
	"context"
	"strings"
	"time"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"
	"agent-scheduler/internal/services/agents"
	"agent-scheduler/internal/services/catalog"
	"agent-scheduler/internal/services/cron"
	"agent-scheduler/internal/services/dispatcher"
	"agent-scheduler/internal/services/history"
	"agent-scheduler/internal/services/retry"
	"agent-scheduler/internal/services/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxPreview = 50

// Triggerer starts a manual run. Implemented by *dispatcher.Dispatcher.
type Triggerer interface {
	Trigger(ctx context.Context, id string) (dispatcher.TriggerResult, error)
}

// Statistics is the dashboard summary.
type Statistics struct {
	store.Summary
	TotalExecutions int64 `json:"totalExecutions"`
}

// Service implements the schedule management operations on top of the store,
// the execution history and the agent registry.
type Service struct {
	store   *store.Store
	history *history.History
	agents  *agents.Registry
	trigger Triggerer
	clock   clock.Clock
	logger  *zap.Logger
}

func New(st *store.Store, h *history.History, r *agents.Registry, t Triggerer, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		history: h,
		agents:  r,
		trigger: t,
		clock:   clk,
		logger:  logger.Named("scheduler"),
	}
}

func (s *Service) GetSchedules(ctx context.Context) ([]models.Schedule, error) {
	return s.store.List(ctx)
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.store.Get(ctx, id)
}

// CreateSchedule validates the form, fills defaults and computes the first run.
func (s *Service) CreateSchedule(ctx context.Context, form models.ScheduleForm) (*models.Schedule, error) {
	sched := models.NewSchedule(uuid.NewString(), form)
	if err := s.validate(sched); err != nil {
		return nil, err
	}
	if sched.Name == "" {
		sched.Name = s.displayName(sched.AgentType)
	}

	next, err := cron.Next(sched.Cron, sched.Timezone, s.clock.Now())
	if err != nil {
		return nil, err
	}
	sched.NextRun = &next

	if err := s.store.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		zap.String("id", sched.ID),
		zap.String("agentType", sched.AgentType),
		zap.String("cron", sched.Cron),
		zap.String("timezone", sched.Timezone))
	return s.store.Get(ctx, sched.ID)
}

// UpdateSchedule applies the non-nil form fields. A cadence change or
// re-enabling recomputes nextRun unless an invocation is in flight, in which
// case the dispatcher's outcome sets it.
func (s *Service) UpdateSchedule(ctx context.Context, id string, form models.ScheduleForm) (*models.Schedule, error) {
	updated, err := s.store.Update(ctx, id, func(cur *models.Schedule) error {
		wasEnabled := cur.Enabled
		cadenceChanged := form.Apply(cur)
		if err := s.validate(cur); err != nil {
			return err
		}
		if cadenceChanged || (cur.Enabled && !wasEnabled) {
			return s.reschedule(cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule updated", zap.String("id", id))
	return updated, nil
}

// ToggleSchedule sets enabled, or flips it when enabled is nil.
func (s *Service) ToggleSchedule(ctx context.Context, id string, enabled *bool) (*models.Schedule, error) {
	updated, err := s.store.Update(ctx, id, func(cur *models.Schedule) error {
		target := !cur.Enabled
		if enabled != nil {
			target = *enabled
		}
		if target == cur.Enabled {
			return nil
		}
		cur.Enabled = target
		if target {
			return s.reschedule(cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule toggled", zap.String("id", id), zap.Bool("enabled", updated.Enabled))
	return updated, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", zap.String("id", id))
	return nil
}

// TriggerSchedule runs the schedule now. It fails with errs.ErrScheduleRunning
// while an invocation is in flight.
func (s *Service) TriggerSchedule(ctx context.Context, id string) (dispatcher.TriggerResult, error) {
	res, err := s.trigger.Trigger(ctx, id)
	if err != nil {
		return dispatcher.TriggerResult{}, err
	}
	s.logger.Info("schedule triggered", zap.String("id", id), zap.String("executionId", res.ExecutionID))
	return res, nil
}

// CreateFromTemplate seeds a schedule from a template copy overlaid with the
// customizations. Config keys are merged, other fields replace.
func (s *Service) CreateFromTemplate(ctx context.Context, templateID string, customizations models.ScheduleForm) (*models.Schedule, error) {
	tpl, err := catalog.Template(templateID)
	if err != nil {
		return nil, err
	}
	return s.CreateSchedule(ctx, tpl.Form().Merge(customizations))
}

func (s *Service) GetStatistics(ctx context.Context) (Statistics, error) {
	sum, err := s.store.Summarize(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats, err := s.history.Statistics(ctx, history.StatsFilter{})
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{Summary: sum, TotalExecutions: stats.TotalExecutions}, nil
}

func (s *Service) GetAgentConfigs() map[string]agents.Descriptor {
	return s.agents.Descriptors()
}

func (s *Service) GetTemplates() []models.ScheduleTemplate {
	return catalog.Templates()
}

func (s *Service) GetCronPatterns() []catalog.CronPattern {
	return catalog.CronPatterns
}

func (s *Service) GetTimezoneOptions() []catalog.TimezoneOption {
	return catalog.Timezones(s.clock.Now())
}

func (s *Service) GetRetryPresets() []catalog.RetryPreset {
	return catalog.RetryPresets
}

// PreviewNextRuns returns the next count fire times after now.
func (s *Service) PreviewNextRuns(expr, timezone string, count int) ([]time.Time, error) {
	if count <= 0 {
		count = 5
	}
	if count > maxPreview {
		count = maxPreview
	}
	if timezone == "" {
		timezone = models.DefaultTimezone
	}
	return cron.NextN(strings.TrimSpace(expr), timezone, s.clock.Now(), count)
}

func (s *Service) GetExecutions(ctx context.Context, f history.Filter) ([]models.Execution, error) {
	return s.history.Query(ctx, f)
}

func (s *Service) GetExecutionStatistics(ctx context.Context, f history.StatsFilter) (history.Stats, error) {
	return s.history.Statistics(ctx, f)
}

// validate rejects a schedule the dispatcher could not run.
func (s *Service) validate(sched *models.Schedule) error {
	sched.Cron = strings.TrimSpace(sched.Cron)
	if sched.AgentType == "" {
		return errs.New(errs.ErrUnknownAgentType, "agentType is required")
	}
	if _, err := s.agents.Resolve(sched.AgentType); err != nil {
		return err
	}
	if err := cron.Validate(sched.Cron, sched.Timezone, s.clock.Now()); err != nil {
		return err
	}
	if err := retry.Validate(sched.RetryConfig); err != nil {
		return err
	}
	if sched.TimeoutMs <= 0 {
		return errs.New(errs.ErrInvalidSchedule, "timeout must be positive")
	}
	if sched.Config == nil {
		sched.Config = map[string]interface{}{}
	}
	return s.agents.ValidateConfig(sched.AgentType, sched.Config)
}

func (s *Service) reschedule(sched *models.Schedule) error {
	next, err := cron.Next(sched.Cron, sched.Timezone, s.clock.Now())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	// drop a pending retry; the next run starts a fresh sequence
	if sched.RetryCount > 0 {
		sched.RetryCount = 0
		sched.LastStatus = models.StatusPending
	}
	return nil
}

func (s *Service) displayName(agentType string) string {
	if d, err := s.agents.Descriptor(agentType); err == nil {
		return d.DisplayName
	}
	return agentType
}
