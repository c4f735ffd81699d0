package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (CropCycle, error)
	List(ctx context.Context, filter ListFilter) ([]CropCycle, int, error)
	ListLoadable(ctx context.Context, limit, offset int) ([]CropCycle, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives crop cycles through their lifecycle stages.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	observer shared.OperationObserver
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, observer shared.OperationObserver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		observer: observer,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sow registers a new crop cycle in the Growing stage.
func (s *Service) Sow(ctx context.Context, input SowInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	now := s.now()
	c := CropCycle{
		FarmerID:       input.FarmerID,
		FarmID:         input.FarmID,
		SeedVarietyID:  input.SeedVarietyID,
		Status:         StatusGrowing,
		LotNumbers:     NormalizeLots(input.LotNumbers),
		BagsPurchased:  input.BagsPurchased,
		SeedRatePerBag: input.SeedRatePerBag,
		SeedPaid:       shared.Round2(input.SeedPaid),
		CreatedBy:      input.ActorID,
		UpdatedBy:      input.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.RecomputeSeedAccount()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, c)
		if err != nil {
			return err
		}
		c.ID = id
		return nil
	})
	shared.Observe(s.observer, "cycle.sow", err)
	if err != nil {
		return CropCycle{}, err
	}
	s.record(ctx, input.ActorID, "cycle:sow", c, map[string]any{
		"farmer_id":      c.FarmerID,
		"bags_purchased": c.BagsPurchased,
		"seed_cost":      c.SeedCost,
	})
	return c, nil
}

// Harvest records the harvest; at least one lot number must exist afterwards.
func (s *Service) Harvest(ctx context.Context, input HarvestInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	return s.advance(ctx, input.CycleID, EventHarvest, input.ActorID, func(c *CropCycle, now time.Time) error {
		lots := NormalizeLots(append(append([]string{}, c.LotNumbers...), input.LotNumbers...))
		if len(lots) == 0 {
			return fmt.Errorf("%w: at least one lot number is required at harvest", shared.ErrValidation)
		}
		c.LotNumbers = lots
		c.HarvestedAt = stamp(input.HarvestedOn, now)
		return nil
	})
}

// CollectSample records that a lab sample was taken.
func (s *Service) CollectSample(ctx context.Context, input CollectSampleInput) (CropCycle, error) {
	return s.advance(ctx, input.CycleID, EventCollectSample, input.ActorID, func(c *CropCycle, now time.Time) error {
		c.SampleCollectedAt = stamp(input.CollectedOn, now)
		return nil
	})
}

// RecordLabResult stores the quality snapshot.
func (s *Service) RecordLabResult(ctx context.Context, input LabResultInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	quality := input.Quality
	quality.Remark = strings.TrimSpace(quality.Remark)
	return s.advance(ctx, input.CycleID, EventLabEntry, input.ActorID, func(c *CropCycle, now time.Time) error {
		c.Quality = &quality
		c.SampledAt = &now
		return nil
	})
}

// ProposePrice records the temporary price offered after sampling.
func (s *Service) ProposePrice(ctx context.Context, input ProposePriceInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	return s.advance(ctx, input.CycleID, EventProposePrice, input.ActorID, func(c *CropCycle, now time.Time) error {
		c.TemporaryPrice = shared.Round2(input.TemporaryPrice)
		c.ProposedBy = input.ActorID
		c.PriceProposedAt = &now
		return nil
	})
}

// VerifyPrice confirms the final rate, which may differ from the proposal.
func (s *Service) VerifyPrice(ctx context.Context, input VerifyPriceInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	return s.advance(ctx, input.CycleID, EventVerifyPrice, input.ActorID, func(c *CropCycle, now time.Time) error {
		c.FinalRate = shared.Round2(input.FinalRate)
		c.VerifiedBy = input.ActorID
		c.PricedAt = &now
		return nil
	})
}

// RecordWeighing stores the weighed bag count and flags unusually high yields.
func (s *Service) RecordWeighing(ctx context.Context, input WeighingInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	c, err := s.advance(ctx, input.CycleID, EventRecordWeighing, input.ActorID, func(c *CropCycle, now time.Time) error {
		c.BagsWeighed = input.BagsWeighed
		c.BagsRemaining = input.BagsWeighed
		c.HighYieldFlag = input.BagsWeighed > c.HighYieldThreshold()
		c.WeighedAt = &now
		c.RecomputeSeedAccount()
		return nil
	})
	if err == nil && c.HighYieldFlag {
		s.logger.Warn("high yield recorded at weighing",
			slog.Int64("cycle_id", c.ID),
			slog.Int("bags_weighed", c.BagsWeighed),
			slog.Int("threshold", c.HighYieldThreshold()))
	}
	return c, err
}

// CorrectCycle adjusts returned bags or seed repayment without changing status.
func (s *Service) CorrectCycle(ctx context.Context, input CorrectionInput) (CropCycle, error) {
	if err := s.check(input); err != nil {
		return CropCycle{}, err
	}
	if input.BagsReturned == nil && input.SeedPaid == nil {
		return CropCycle{}, fmt.Errorf("%w: nothing to correct", shared.ErrValidation)
	}
	var updated CropCycle
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.GetForUpdate(ctx, input.CycleID)
			if err != nil {
				return err
			}
			if input.BagsReturned != nil {
				if *input.BagsReturned > c.BagsPurchased {
					return fmt.Errorf("%w: bags returned %d exceed bags purchased %d", shared.ErrValidation, *input.BagsReturned, c.BagsPurchased)
				}
				c.BagsReturned = *input.BagsReturned
			}
			if input.SeedPaid != nil {
				c.SeedPaid = shared.Round2(*input.SeedPaid)
			}
			c.RecomputeSeedAccount()
			c.UpdatedBy = input.ActorID
			c.UpdatedAt = s.now()
			if err := c.CheckInvariants(); err != nil {
				return err
			}
			if err := tx.Update(ctx, c); err != nil {
				return err
			}
			updated = c
			return nil
		})
	})
	shared.Observe(s.observer, "cycle.correct", err)
	if err != nil {
		return CropCycle{}, err
	}
	s.record(ctx, input.ActorID, "cycle:correct", updated, map[string]any{
		"reason":           input.Reason,
		"bags_returned":    updated.BagsReturned,
		"seed_paid":        updated.SeedPaid,
		"seed_outstanding": updated.SeedOutstanding,
	})
	return updated, nil
}

// Get returns a cycle by id.
func (s *Service) Get(ctx context.Context, id int64) (CropCycle, error) {
	if id <= 0 {
		return CropCycle{}, fmt.Errorf("%w: cycle id required", shared.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

// ListByStatus lists cycles waiting in the given stage.
func (s *Service) ListByStatus(ctx context.Context, status Status, page, perPage int) ([]CropCycle, shared.Pagination, error) {
	if !status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	limit, offset := shared.PageWindow(page, perPage)
	cycles, total, err := s.repo.List(ctx, ListFilter{Status: &status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return cycles, shared.NewPagination(page, perPage, total), nil
}

// ListLoadable lists cycles with weighed bags still waiting for a truck.
func (s *Service) ListLoadable(ctx context.Context, page, perPage int) ([]CropCycle, error) {
	limit, offset := shared.PageWindow(page, perPage)
	return s.repo.ListLoadable(ctx, limit, offset)
}

// advance applies a single lifecycle event under an exclusive lock on the cycle.
func (s *Service) advance(ctx context.Context, id int64, ev Event, actorID int64, mutate func(*CropCycle, time.Time) error) (CropCycle, error) {
	if id <= 0 {
		return CropCycle{}, fmt.Errorf("%w: cycle id required", shared.ErrValidation)
	}
	var updated CropCycle
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			next, err := Transition(c.Status, ev)
			if err != nil {
				return err
			}
			now := s.now()
			if err := mutate(&c, now); err != nil {
				return err
			}
			c.Status = next
			c.UpdatedBy = actorID
			c.UpdatedAt = now
			if err := c.CheckInvariants(); err != nil {
				return err
			}
			if err := tx.Update(ctx, c); err != nil {
				return err
			}
			updated = c
			return nil
		})
	})
	shared.Observe(s.observer, "cycle."+string(ev), err)
	if err != nil {
		return CropCycle{}, err
	}
	s.record(ctx, actorID, "cycle:"+string(ev), updated, map[string]any{"status": updated.Status})
	return updated, nil
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, c CropCycle, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.EntityCropCycle,
		EntityID: shared.EntityRef(c.ID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("cycle_id", c.ID), slog.Any("error", err))
	}
}

// NormalizeLots trims lot numbers and drops blanks and duplicates, keeping order.
func NormalizeLots(lots []string) []string {
	out := make([]string, 0, len(lots))
	seen := make(map[string]struct{}, len(lots))
	for _, lot := range lots {
		lot = strings.TrimSpace(lot)
		if lot == "" {
			continue
		}
		if _, ok := seen[lot]; ok {
			continue
		}
		seen[lot] = struct{}{}
		out = append(out, lot)
	}
	return out
}

func stamp(at, fallback time.Time) *time.Time {
	if at.IsZero() {
		return &fallback
	}
	at = at.UTC()
	return &at
}
