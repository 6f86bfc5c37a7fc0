package models

// ScheduleTemplate is an immutable preset used to seed new schedules.
type ScheduleTemplate struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	AgentType   string                 `json:"agentType"`
	Cron        string                 `json:"cron"`
	Timezone    string                 `json:"timezone"`
	Config      map[string]interface{} `json:"config"`
	Tags        []string               `json:"tags"`
	RetryConfig RetryConfig            `json:"retryConfig"`
	TimeoutMs   int64                  `json:"timeout"`
}

// Form returns a ScheduleForm holding a deep copy of the template values.
func (t ScheduleTemplate) Form() ScheduleForm {
	agentType, cron, tz, name, desc := t.AgentType, t.Cron, t.Timezone, t.Name, t.Description
	retry := t.RetryConfig
	timeout := t.TimeoutMs
	return ScheduleForm{
		AgentType:   &agentType,
		Name:        &name,
		Description: &desc,
		Cron:        &cron,
		Timezone:    &tz,
		Config:      deepCopyMap(t.Config),
		Tags:        append([]string(nil), t.Tags...),
		RetryConfig: &retry,
		Timeout:     &timeout,
	}
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = deepCopyValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
