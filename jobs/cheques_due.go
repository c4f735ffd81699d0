package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/harvest/internal/jobs"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// DueLister lists uncleared instruments due within days.
type DueLister interface {
	ChequesDue(ctx context.Context, days int) ([]settlement.DueInstrument, error)
}

// ChequesDueJob logs the instruments that need funds in the clearing wallet soon.
type ChequesDueJob struct {
	Service DueLister
	Locker  *Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewChequesDueJob constructs the job handler.
func NewChequesDueJob(service DueLister, locker *Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ChequesDueJob {
	return &ChequesDueJob{Service: service, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handle executes the cheques-due listing.
func (j *ChequesDueJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("cheques due: dependencies not configured")
	}
	var payload ChequesDuePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	release, ok, err := j.Locker.Acquire(ctx, TaskChequesDue)
	if err != nil {
		return err
	}
	if !ok {
		j.log().Info("cheques due already running elsewhere")
		return nil
	}
	defer release()

	tracker := j.Metrics.Track(TaskChequesDue)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	due, err := j.Service.ChequesDue(ctx, payload.Days)
	if err != nil {
		j.log().Error("cheques due listing failed", slog.Any("error", err))
		return err
	}
	var total float64
	for _, d := range due {
		total += d.Amount
		j.log().Info("cheque due",
			slog.String("bill_number", d.BillNumber),
			slog.String("number", d.Number),
			slog.String("payee", d.Payee),
			slog.Float64("amount", d.Amount),
			slog.String("due_date", d.DueDate.Format(time.DateOnly)))
	}
	total = shared.Round2(total)
	j.Metrics.SetChequesDue(len(due), total)
	j.log().Info("cheques due listed", slog.Int("count", len(due)), slog.Float64("total", total))
	return nil
}

func (j *ChequesDueJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
