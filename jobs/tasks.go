package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskChequesDue lists uncleared instruments approaching their due date.
	TaskChequesDue = "settlement:cheques-due"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

const (
	// CronChequesDue runs the reminder every morning, UTC.
	CronChequesDue = "0 6 * * *"
	// CronIdempotencyCleanup runs hourly.
	CronIdempotencyCleanup = "@hourly"
	// DefaultIdempotencyRetention is how long processed request keys are kept.
	DefaultIdempotencyRetention = 72 * time.Hour
)

// ChequesDuePayload configures the reminder window.
type ChequesDuePayload struct {
	Days int `json:"days"`
}

// NewChequesDueTask constructs the cheques-due task; days <= 0 uses the service default.
func NewChequesDueTask(days int) (*asynq.Task, error) {
	body, err := json.Marshal(ChequesDuePayload{Days: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskChequesDue, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// IdempotencyCleanupPayload configures the retention of processed keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the configured retention or the default.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return DefaultIdempotencyRetention
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// EnqueueOptions returns the uniqueness window for a task type. A manual trigger
// and the cron tick for the same job collapse into one run.
func EnqueueOptions(taskType string) []asynq.Option {
	switch taskType {
	case TaskChequesDue:
		return []asynq.Option{asynq.Unique(time.Hour)}
	case TaskIdempotencyCleanup:
		return []asynq.Option{asynq.Unique(30 * time.Minute)}
	default:
		return nil
	}
}
