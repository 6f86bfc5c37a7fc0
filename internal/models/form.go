package models

// ScheduleForm is the create/update payload. Nil fields are left untouched on
// update and take defaults on create.
type ScheduleForm struct {
	AgentType   *string                `json:"agentType"`
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Cron        *string                `json:"cron"`
	Timezone    *string                `json:"timezone"`
	Enabled     *bool                  `json:"enabled"`
	Config      map[string]interface{} `json:"config"`
	Tags        []string               `json:"tags"`
	RetryConfig *RetryConfig           `json:"retryConfig"`
	Timeout     *int64                 `json:"timeout"`
}

// NewSchedule builds a schedule from defaults overlaid with the form.
func NewSchedule(id string, form ScheduleForm) *Schedule {
	s := &Schedule{
		ID:          id,
		Cron:        DefaultCron,
		Timezone:    DefaultTimezone,
		Enabled:     true,
		Config:      map[string]interface{}{},
		RetryConfig: DefaultRetryConfig(),
		TimeoutMs:   DefaultTimeoutMs,
		LastStatus:  StatusPending,
	}
	form.Apply(s)
	return s
}

// Apply copies the non-nil fields onto s. It reports whether the cadence
// (cron or timezone) changed.
func (f ScheduleForm) Apply(s *Schedule) (cadenceChanged bool) {
	if f.AgentType != nil {
		s.AgentType = *f.AgentType
	}
	if f.Name != nil {
		s.Name = *f.Name
	}
	if f.Description != nil {
		s.Description = *f.Description
	}
	if f.Cron != nil && *f.Cron != s.Cron {
		s.Cron = *f.Cron
		cadenceChanged = true
	}
	if f.Timezone != nil {
		tz := *f.Timezone
		if tz == "" {
			tz = DefaultTimezone
		}
		if tz != s.Timezone {
			s.Timezone = tz
			cadenceChanged = true
		}
	}
	if f.Enabled != nil {
		s.Enabled = *f.Enabled
	}
	if f.Config != nil {
		s.Config = deepCopyMap(f.Config)
	}
	if f.Tags != nil {
		s.Tags = append([]string(nil), f.Tags...)
	}
	if f.RetryConfig != nil {
		s.RetryConfig = *f.RetryConfig
	}
	if f.Timeout != nil {
		s.TimeoutMs = *f.Timeout
	}
	return cadenceChanged
}

// Merge overlays non-nil fields of other on f.
func (f ScheduleForm) Merge(other ScheduleForm) ScheduleForm {
	if other.AgentType != nil {
		f.AgentType = other.AgentType
	}
	if other.Name != nil {
		f.Name = other.Name
	}
	if other.Description != nil {
		f.Description = other.Description
	}
	if other.Cron != nil {
		f.Cron = other.Cron
	}
	if other.Timezone != nil {
		f.Timezone = other.Timezone
	}
	if other.Enabled != nil {
		f.Enabled = other.Enabled
	}
	if other.Config != nil {
		merged := deepCopyMap(f.Config)
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range other.Config {
			merged[k] = deepCopyValue(v)
		}
		f.Config = merged
	}
	if other.Tags != nil {
		f.Tags = other.Tags
	}
	if other.RetryConfig != nil {
		f.RetryConfig = other.RetryConfig
	}
	if other.Timeout != nil {
		f.Timeout = other.Timeout
	}
	return f
}
