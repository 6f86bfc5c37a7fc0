package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"
)

// CronPattern is a named cron preset offered by the schedule form.
type CronPattern struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

type TimezoneOption struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Offset string `json:"offset"`
}

type RetryPreset struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	RetryConfig models.RetryConfig `json:"retryConfig"`
}

// TemplateCatalog contains the built-in schedule templates
var TemplateCatalog = []models.ScheduleTemplate{
	{
		ID:          "heartbeat",
		Name:        "Heartbeat",
		Description: "Lightweight liveness run every five minutes",
		AgentType:   "noop",
		Cron:        "*/5 * * * *",
		Timezone:    models.DefaultTimezone,
		Config:      map[string]interface{}{"message": "alive"},
		Tags:        []string{"monitoring"},
		RetryConfig: models.RetryConfig{MaxRetries: 0, RetryDelayMs: 1000, BackoffMultiplier: 1},
		TimeoutMs:   10000,
	},
	{
		ID:          "host-health",
		Name:        "Host Health Check",
		Description: "Samples CPU, memory and disk and fails above the thresholds",
		AgentType:   "system_monitor",
		Cron:        "*/15 * * * *",
		Timezone:    models.DefaultTimezone,
		Config: map[string]interface{}{
			"cpuThreshold":    90.0,
			"memoryThreshold": 90.0,
			"diskThreshold":   85.0,
		},
		Tags:        []string{"monitoring", "infrastructure"},
		RetryConfig: models.RetryConfig{MaxRetries: 2, RetryDelayMs: 10000, BackoffMultiplier: 2, MaxRetryDelayMs: 60000},
		TimeoutMs:   60000,
	},
	{
		ID:          "daily-report",
		Name:        "Daily Report",
		Description: "Posts to a report webhook every weekday morning",
		AgentType:   "webhook",
		Cron:        "0 9 * * 1-5",
		Timezone:    models.DefaultTimezone,
		Config: map[string]interface{}{
			"url":     "https://example.com/hooks/daily-report",
			"method":  "POST",
			"payload": map[string]interface{}{"report": "daily"},
		},
		Tags:        []string{"reports"},
		RetryConfig: models.DefaultRetryConfig(),
		TimeoutMs:   models.DefaultTimeoutMs,
	},
	{
		ID:          "weekly-digest",
		Name:        "Weekly Digest",
		Description: "Sends the weekly digest on Monday at 08:00",
		AgentType:   "webhook",
		Cron:        "0 8 * * 1",
		Timezone:    models.DefaultTimezone,
		Config: map[string]interface{}{
			"url":     "https://example.com/hooks/weekly-digest",
			"method":  "POST",
			"payload": map[string]interface{}{"digest": "weekly"},
		},
		Tags:        []string{"reports", "digest"},
		RetryConfig: models.RetryConfig{MaxRetries: 5, RetryDelayMs: 30000, BackoffMultiplier: 2, MaxRetryDelayMs: 600000},
		TimeoutMs:   models.DefaultTimeoutMs,
	},
}

var CronPatterns = []CronPattern{
	{ID: "every-minute", Name: "Every minute", Expression: "* * * * *"},
	{ID: "every-5-minutes", Name: "Every 5 minutes", Expression: "*/5 * * * *"},
	{ID: "every-15-minutes", Name: "Every 15 minutes", Expression: "*/15 * * * *"},
	{ID: "every-30-minutes", Name: "Every 30 minutes", Expression: "*/30 * * * *"},
	{ID: "hourly", Name: "Every hour", Expression: "0 * * * *"},
	{ID: "every-6-hours", Name: "Every 6 hours", Expression: "0 */6 * * *"},
	{ID: "daily-9am", Name: "Daily at 9:00 AM", Expression: "0 9 * * *"},
	{ID: "daily-midnight", Name: "Daily at midnight", Expression: "0 0 * * *"},
	{ID: "weekdays-9am", Name: "Weekdays at 9:00 AM", Expression: "0 9 * * 1-5"},
	{ID: "weekly-monday", Name: "Every Monday at 9:00 AM", Expression: "0 9 * * 1"},
	{ID: "monthly-first", Name: "First day of the month", Expression: "0 0 1 * *"},
}

var timezoneNames = []string{
	"UTC",
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/Sao_Paulo",
	"Europe/London",
	"Europe/Paris",
	"Europe/Berlin",
	"Europe/Moscow",
	"Asia/Dubai",
	"Asia/Kolkata",
	"Asia/Singapore",
	"Asia/Shanghai",
	"Asia/Tokyo",
	"Australia/Sydney",
	"Pacific/Auckland",
}

var RetryPresets = []RetryPreset{
	{
		ID:          "none",
		Name:        "No retries",
		Description: "Fail immediately and wait for the next scheduled run",
		RetryConfig: models.RetryConfig{MaxRetries: 0, RetryDelayMs: 0, BackoffMultiplier: 1},
	},
	{
		ID:          "standard",
		Name:        "Standard",
		Description: "3 retries starting at 5s, doubling up to 1m",
		RetryConfig: models.DefaultRetryConfig(),
	},
	{
		ID:          "aggressive",
		Name:        "Aggressive",
		Description: "5 quick retries starting at 1s, capped at 10s",
		RetryConfig: models.RetryConfig{MaxRetries: 5, RetryDelayMs: 1000, BackoffMultiplier: 1.5, MaxRetryDelayMs: 10000},
	},
	{
		ID:          "patient",
		Name:        "Patient",
		Description: "5 retries starting at 1m, doubling up to 1h",
		RetryConfig: models.RetryConfig{MaxRetries: 5, RetryDelayMs: 60000, BackoffMultiplier: 2, MaxRetryDelayMs: 3600000},
	},
}

// Templates returns copies of every template; callers may mutate them freely.
func Templates() []models.ScheduleTemplate {
	out := make([]models.ScheduleTemplate, 0, len(TemplateCatalog))
	for _, t := range TemplateCatalog {
		out = append(out, copyTemplate(t))
	}
	return out
}

// Template returns a copy of the template or errs.ErrNotFound.
func Template(id string) (models.ScheduleTemplate, error) {
	for _, t := range TemplateCatalog {
		if t.ID == id {
			return copyTemplate(t), nil
		}
	}
	return models.ScheduleTemplate{}, errs.New(errs.ErrNotFound, "template "+id)
}

// Timezones lists the offered zones with their UTC offset at the given
// instant, sorted by offset. Zones missing from the tz database are skipped.
func Timezones(at time.Time) []TimezoneOption {
	type zone struct {
		opt     TimezoneOption
		seconds int
	}
	zones := make([]zone, 0, len(timezoneNames))
	for _, name := range timezoneNames {
		loc, err := time.LoadLocation(name)
		if err != nil {
			continue
		}
		_, seconds := at.In(loc).Zone()
		offset := formatOffset(seconds)
		zones = append(zones, zone{
			opt: TimezoneOption{
				Value:  name,
				Label:  fmt.Sprintf("%s (%s)", label(name), offset),
				Offset: offset,
			},
			seconds: seconds,
		})
	}
	sort.SliceStable(zones, func(i, j int) bool { return zones[i].seconds < zones[j].seconds })

	out := make([]TimezoneOption, len(zones))
	for i, z := range zones {
		out[i] = z.opt
	}
	return out
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, seconds/3600, (seconds%3600)/60)
}

// label turns "America/New_York" into "New York".
func label(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}

func copyTemplate(t models.ScheduleTemplate) models.ScheduleTemplate {
	form := t.Form()
	t.Config = form.Config
	t.Tags = form.Tags
	return t
}
