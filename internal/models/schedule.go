package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

const (
	DefaultCron      = "0 9 * * *"
	DefaultTimezone  = "UTC"
	DefaultTimeoutMs = int64(300000)
)

// RetryConfig holds delays in milliseconds.
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int64   `json:"retryDelay"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxRetryDelayMs   int64   `json:"maxRetryDelay"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		RetryDelayMs:      5000,
		BackoffMultiplier: 2,
		MaxRetryDelayMs:   60000,
	}
}

type Schedule struct {
	ID          string                      `json:"id" gorm:"primaryKey;size:36"`
	AgentType   string                      `json:"agentType" gorm:"size:64;not null;index"`
	Name        string                      `json:"name" gorm:"size:200"`
	Description string                      `json:"description" gorm:"type:text"`
	Cron        string                      `json:"cron" gorm:"size:120;not null"` // 5 or 6 fields, or a descriptor
	Timezone    string                      `json:"timezone" gorm:"size:64;not null;default:'UTC'"`
	Enabled     bool                        `json:"enabled" gorm:"index"`
	Config      datatypes.JSONMap           `json:"config"`
	Tags        datatypes.JSONSlice[string] `json:"tags"`
	RetryConfig RetryConfig                 `json:"retryConfig" gorm:"embedded;embeddedPrefix:retry_"`
	TimeoutMs   int64                       `json:"timeout" gorm:"column:timeout_ms"`

	NextRun     *time.Time `json:"nextRun" gorm:"index"`
	LastRun     *time.Time `json:"lastRun"`
	LastStatus  Status     `json:"lastStatus" gorm:"size:16;not null;default:'pending'"`
	LastError   string     `json:"lastError,omitempty" gorm:"type:text"`
	SuccessRate float64    `json:"successRate"`
	RetryCount  int        `json:"retryCount"`

	// Generation is bumped by every claim; outcome writes must match it.
	Generation int64      `json:"-"`
	LeaseUntil *time.Time `json:"-"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Timeout returns the per-invocation limit, falling back to the default.
func (s *Schedule) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return time.Duration(DefaultTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ConfigMap returns a copy of the handler config.
func (s *Schedule) ConfigMap() map[string]interface{} {
	out := make(map[string]interface{}, len(s.Config))
	for k, v := range s.Config {
		out[k] = v
	}
	return out
}
