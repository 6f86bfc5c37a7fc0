package models

import "time"

type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Trigger tells why an execution started.
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerRetry  Trigger = "retry"
	TriggerManual Trigger = "manual"
)

// Execution is one invocation attempt. It is inserted with OutcomeRunning and
// finalized exactly once.
type Execution struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	ScheduleID   string     `json:"scheduleId" gorm:"size:36;not null;index"`
	AgentType    string     `json:"agentType" gorm:"size:64"`
	Trigger      Trigger    `json:"trigger" gorm:"size:16"`
	StartedAt    time.Time  `json:"startedAt" gorm:"not null;index"`
	EndedAt      *time.Time `json:"endedAt"`
	Outcome      Outcome    `json:"outcome" gorm:"size:16;not null;index"`
	RetryAttempt int        `json:"retryAttempt"`
	Error        string     `json:"error,omitempty" gorm:"type:text"`
	Output       string     `json:"output,omitempty" gorm:"type:text"`
	DurationMs   int64      `json:"durationMs"`
}

func (e *Execution) Finished() bool {
	return e.Outcome != OutcomeRunning
}
