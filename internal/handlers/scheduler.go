package handlers

import (
	"agent-scheduler/internal/models"
	"agent-scheduler/internal/services/history"
	"agent-scheduler/internal/services/scheduler"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type SchedulerHandler struct {
	svc    *scheduler.Service
	logger *zap.Logger
}

func NewSchedulerHandler(svc *scheduler.Service, logger *zap.Logger) *SchedulerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerHandler{svc: svc, logger: logger.Named("api")}
}

// Register mounts the scheduler API on r.
func (h *SchedulerHandler) Register(r fiber.Router) {
	r.Get("/schedules", h.GetSchedules)
	r.Get("/schedules/:id", h.GetSchedule)
	r.Post("/schedules", h.CreateSchedule)
	r.Put("/schedules/:id", h.UpdateSchedule)
	r.Delete("/schedules/:id", h.DeleteSchedule)
	r.Post("/schedules/:id/toggle", h.ToggleSchedule)
	r.Post("/schedules/:id/trigger", h.TriggerSchedule)

	r.Get("/templates", h.GetTemplates)
	r.Post("/templates/:id/schedules", h.CreateFromTemplate)
	r.Get("/cron-patterns", h.GetCronPatterns)
	r.Get("/cron/preview", h.PreviewNextRuns)
	r.Get("/timezones", h.GetTimezones)
	r.Get("/retry-presets", h.GetRetryPresets)
	r.Get("/agents", h.GetAgents)
	r.Get("/statistics", h.GetStatistics)

	r.Get("/executions", h.GetExecutions)
	r.Get("/executions/statistics", h.GetExecutionStatistics)
}

// fail writes err with its mapped status. Unexpected errors are logged.
func (h *SchedulerHandler) fail(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	if code >= fiber.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid request body",
	})
}

// GetSchedules returns all schedules
func (h *SchedulerHandler) GetSchedules(c *fiber.Ctx) error {
	schedules, err := h.svc.GetSchedules(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(schedules)
}

func (h *SchedulerHandler) GetSchedule(c *fiber.Ctx) error {
	sched, err := h.svc.GetSchedule(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(sched)
}

// CreateSchedule creates a schedule from ScheduleFormData
func (h *SchedulerHandler) CreateSchedule(c *fiber.Ctx) error {
	var form models.ScheduleForm
	if err := c.BodyParser(&form); err != nil {
		return badBody(c)
	}

	sched, err := h.svc.CreateSchedule(c.UserContext(), form)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sched)
}

// UpdateSchedule applies the fields present in the body
func (h *SchedulerHandler) UpdateSchedule(c *fiber.Ctx) error {
	var form models.ScheduleForm
	if err := c.BodyParser(&form); err != nil {
		return badBody(c)
	}

	sched, err := h.svc.UpdateSchedule(c.UserContext(), c.Params("id"), form)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(sched)
}

func (h *SchedulerHandler) DeleteSchedule(c *fiber.Ctx) error {
	if err := h.svc.DeleteSchedule(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
	})
}

// ToggleSchedule enables or disables a schedule. Without a body it flips
// the current state.
func (h *SchedulerHandler) ToggleSchedule(c *fiber.Ctx) error {
	type Request struct {
		Enabled *bool `json:"enabled"`
	}
	var req Request
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
	}

	sched, err := h.svc.ToggleSchedule(c.UserContext(), c.Params("id"), req.Enabled)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(sched)
}

// TriggerSchedule starts a manual run and returns its execution handle
func (h *SchedulerHandler) TriggerSchedule(c *fiber.Ctx) error {
	res, err := h.svc.TriggerSchedule(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (h *SchedulerHandler) GetTemplates(c *fiber.Ctx) error {
	return c.JSON(h.svc.GetTemplates())
}

// CreateFromTemplate creates a schedule from a template; the optional body
// holds customizations.
func (h *SchedulerHandler) CreateFromTemplate(c *fiber.Ctx) error {
	var form models.ScheduleForm
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&form); err != nil {
			return badBody(c)
		}
	}

	sched, err := h.svc.CreateFromTemplate(c.UserContext(), c.Params("id"), form)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sched)
}

func (h *SchedulerHandler) GetCronPatterns(c *fiber.Ctx) error {
	return c.JSON(h.svc.GetCronPatterns())
}

func (h *SchedulerHandler) PreviewNextRuns(c *fiber.Ctx) error {
	expr := c.Query("cron")
	if expr == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "cron is required",
		})
	}

	runs, err := h.svc.PreviewNextRuns(expr, c.Query("timezone"), c.QueryInt("count", 5))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"cron":     expr,
		"nextRuns": runs,
	})
}

func (h *SchedulerHandler) GetTimezones(c *fiber.Ctx) error {
	return c.JSON(h.svc.GetTimezoneOptions())
}

func (h *SchedulerHandler) GetRetryPresets(c *fiber.Ctx) error {
	return c.JSON(h.svc.GetRetryPresets())
}

// GetAgents returns the agent type to descriptor map
func (h *SchedulerHandler) GetAgents(c *fiber.Ctx) error {
	return c.JSON(h.svc.GetAgentConfigs())
}

func (h *SchedulerHandler) GetStatistics(c *fiber.Ctx) error {
	stats, err := h.svc.GetStatistics(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(stats)
}

// GetExecutions returns execution history, newest first
func (h *SchedulerHandler) GetExecutions(c *fiber.Ctx) error {
	records, err := h.svc.GetExecutions(c.UserContext(), history.Filter{
		ScheduleID: c.Query("scheduleId"),
		Outcome:    models.Outcome(c.Query("outcome")),
		Limit:      c.QueryInt("limit", 0),
		Offset:     c.QueryInt("offset", 0),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(records)
}

func (h *SchedulerHandler) GetExecutionStatistics(c *fiber.Ctx) error {
	stats, err := h.svc.GetExecutionStatistics(c.UserContext(), history.StatsFilter{
		ScheduleID: c.Query("scheduleId"),
		WindowDays: c.QueryInt("windowDays", 0),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(stats)
}
