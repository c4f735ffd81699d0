package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListInstruments(ctx context.Context, cycleID int64) ([]Instrument, error)
	ListDue(ctx context.Context, until time.Time) ([]DueInstrument, error)
}

// CycleReader reads committed crop cycles.
type CycleReader interface {
	Get(ctx context.Context, id int64) (cycle.CropCycle, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort caches the cheques-due listing; satisfied by *cache.Versioned.
type CachePort interface {
	Key(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// DefaultDueDays offsets instrument due dates when a payment gives none.
	DefaultDueDays int
	// DueWindowDays is the look-ahead used by ChequesDue when called without one.
	DueWindowDays int
	// AllowNegativeWallet permits clearing an instrument beyond the wallet balance.
	AllowNegativeWallet bool
	Now                 func() time.Time
}

// Service settles loaded crop cycles with their growers.
type Service struct {
	repo     RepositoryPort
	cycles   CycleReader
	audit    AuditPort
	cache    CachePort
	observer shared.OperationObserver
	logger   *slog.Logger
	validate *validator.Validate
	cfg      ServiceConfig
}

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, cycles CycleReader, audit AuditPort, cache CachePort, observer shared.OperationObserver, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.DueWindowDays <= 0 {
		cfg.DueWindowDays = 7
	}
	if cfg.DefaultDueDays < 0 {
		cfg.DefaultDueDays = 0
	}
	return &Service{
		repo:     repo,
		cycles:   cycles,
		audit:    audit,
		cache:    cache,
		observer: observer,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
	}
}

// ProcessPayment pays a Loaded cycle with instruments that add up to its net amount.
func (s *Service) ProcessPayment(ctx context.Context, input PaymentInput) (Settlement, error) {
	if err := s.validate.Struct(input); err != nil {
		return Settlement{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	if input.CycleID <= 0 {
		return Settlement{}, fmt.Errorf("%w: cycle id required", shared.ErrValidation)
	}

	current, err := s.cycles.Get(ctx, input.CycleID)
	if err != nil {
		return Settlement{}, err
	}
	if _, err := s.payable(current, input.Instruments); err != nil {
		shared.Observe(s.observer, "settlement.payment", err)
		return Settlement{}, err
	}

	dueDays := s.cfg.DefaultDueDays
	if input.DueDays != nil {
		dueDays = *input.DueDays
	}
	var result Settlement
	err = shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.Cycles().GetForUpdate(ctx, input.CycleID)
			if err != nil {
				return err
			}
			figures, err := s.payable(c, input.Instruments)
			if err != nil {
				return err
			}
			next, err := cycle.Transition(c.Status, cycle.EventProcessPayment)
			if err != nil {
				return err
			}

			now := s.cfg.Now().UTC()
			year := now.Year()
			seq, err := tx.NextBillSequence(ctx, year)
			if err != nil {
				return err
			}
			billNumber := FormatBillNumber(year, seq)

			instruments := buildInstruments(c.ID, input.Instruments, dayOf(now).AddDate(0, 0, dueDays), input.ActorID, now)
			if err := tx.InsertInstruments(ctx, instruments); err != nil {
				return err
			}

			c.GrossPayment = figures.gross
			c.Deduction = figures.deduction
			c.NetPayment = figures.net
			c.BillNumber = billNumber
			c.Paid = false
			c.Status = next
			c.PaidAt = &now
			c.UpdatedBy = input.ActorID
			c.UpdatedAt = now
			if err := c.CheckInvariants(); err != nil {
				return err
			}
			if err := tx.Cycles().Update(ctx, c); err != nil {
				return err
			}
			result = FromCycle(c, instruments)
			return nil
		})
	})
	shared.Observe(s.observer, "settlement.payment", err)
	if err != nil {
		return Settlement{}, err
	}
	s.invalidateDue(ctx)
	s.logger.Info("payment processed",
		slog.Int64("cycle_id", result.CycleID),
		slog.String("bill_number", result.BillNumber),
		slog.Float64("net", result.Net),
		slog.Int("instruments", len(result.Instruments)))
	s.record(ctx, input.ActorID, "settlement:payment", result.CycleID, map[string]any{
		"bill_number": result.BillNumber,
		"gross":       result.Gross,
		"deduction":   result.Deduction,
		"net":         result.Net,
	})
	return result, nil
}

// ClearInstrument clears one instrument against a wallet; the last one settles the cycle.
func (s *Service) ClearInstrument(ctx context.Context, input ClearInput) (Settlement, error) {
	if err := s.validate.Struct(input); err != nil {
		return Settlement{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	if input.CycleID <= 0 {
		return Settlement{}, fmt.Errorf("%w: cycle id required", shared.ErrValidation)
	}
	var (
		result  Settlement
		cleared Instrument
	)
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.Cycles().GetForUpdate(ctx, input.CycleID)
			if err != nil {
				return err
			}
			switch c.Status {
			case cycle.StatusChequeIssued:
			case cycle.StatusCleared:
				return fmt.Errorf("%w: cycle %d is fully cleared", shared.ErrAlreadyFinalized, c.ID)
			default:
				return fmt.Errorf("%w: cycle %d has no issued instruments (status %s)", shared.ErrInvalidTransition, c.ID, c.Status)
			}
			instruments, err := tx.ListInstrumentsForUpdate(ctx, c.ID)
			if err != nil {
				return err
			}
			if input.Position < 0 || input.Position >= len(instruments) {
				return fmt.Errorf("%w: instrument index %d out of range (0..%d)", shared.ErrValidation, input.Position, len(instruments)-1)
			}
			in := instruments[input.Position]
			if in.Cleared {
				return fmt.Errorf("%w: instrument %s already cleared", shared.ErrAlreadyFinalized, in.Number)
			}

			now := s.cfg.Now().UTC()
			on := now
			if !input.ClearedOn.IsZero() {
				on = input.ClearedOn.UTC()
			}
			if _, err := ledger.DebitWallet(ctx, tx.Ledger(), ledger.WalletDebit{
				WalletID:     input.WalletID,
				Amount:       in.Amount,
				InstrumentID: in.ID,
				Description:  fmt.Sprintf("Instrument %s to %s (bill %s)", in.Number, in.Payee, c.BillNumber),
				On:           on,
				ActorID:      input.ActorID,
			}, s.cfg.AllowNegativeWallet, now); err != nil {
				return err
			}
			in.Cleared = true
			in.ClearedAt = &on
			in.WalletID = input.WalletID
			if err := tx.MarkInstrumentCleared(ctx, in); err != nil {
				return err
			}
			instruments[input.Position] = in

			if allCleared(instruments) {
				next, err := cycle.Transition(c.Status, cycle.EventClearInstrument)
				if err != nil {
					return err
				}
				c.Status = next
				c.Paid = true
				c.ClearedAt = &on
			}
			c.UpdatedBy = input.ActorID
			c.UpdatedAt = now
			if err := tx.Cycles().Update(ctx, c); err != nil {
				return err
			}
			cleared = in
			result = FromCycle(c, instruments)
			return nil
		})
	})
	shared.Observe(s.observer, "settlement.clear", err)
	if err != nil {
		return Settlement{}, err
	}
	s.invalidateDue(ctx)
	s.record(ctx, input.ActorID, "settlement:clear", result.CycleID, map[string]any{
		"instrument": cleared.Number,
		"amount":     cleared.Amount,
		"wallet_id":  input.WalletID,
		"paid":       result.Paid,
	})
	return result, nil
}

// GetSettlement returns the payment snapshot of a cycle.
func (s *Service) GetSettlement(ctx context.Context, cycleID int64) (Settlement, error) {
	c, err := s.cycles.Get(ctx, cycleID)
	if err != nil {
		return Settlement{}, err
	}
	if !c.Status.IsSettled() {
		return Settlement{}, fmt.Errorf("%w: cycle %d has not been paid", shared.ErrNotFound, cycleID)
	}
	instruments, err := s.repo.ListInstruments(ctx, cycleID)
	if err != nil {
		return Settlement{}, err
	}
	return FromCycle(c, instruments), nil
}

// ChequesDue lists uncleared instruments due within days from today.
func (s *Service) ChequesDue(ctx context.Context, days int) ([]DueInstrument, error) {
	if days <= 0 {
		days = s.cfg.DueWindowDays
	}
	today := dayOf(s.cfg.Now())
	until := today.AddDate(0, 0, days)
	if s.cache == nil {
		return s.repo.ListDue(ctx, until)
	}
	key, err := s.cache.Key(ctx, "due", today.Format(time.DateOnly), strconv.Itoa(days))
	if err != nil {
		s.logger.Warn("cheques due cache unavailable", slog.Any("error", err))
		return s.repo.ListDue(ctx, until)
	}
	var (
		due       []DueInstrument
		loaderErr error
	)
	err = s.cache.FetchJSON(ctx, key, &due, func(ctx context.Context) (any, error) {
		rows, err := s.repo.ListDue(ctx, until)
		loaderErr = err
		return rows, err
	})
	if err != nil {
		if loaderErr != nil {
			return nil, loaderErr
		}
		s.logger.Warn("cheques due cache fetch failed", slog.Any("error", err))
		return s.repo.ListDue(ctx, until)
	}
	if due == nil {
		due = []DueInstrument{}
	}
	return due, nil
}

type amounts struct {
	gross, deduction, net float64
}

// payable checks state and the instrument split against the cycle's current figures.
func (s *Service) payable(c cycle.CropCycle, instruments []InstrumentInput) (amounts, error) {
	if c.Status.IsSettled() {
		return amounts{}, fmt.Errorf("%w: cycle %d already paid under bill %s", shared.ErrAlreadyFinalized, c.ID, c.BillNumber)
	}
	if _, err := cycle.Transition(c.Status, cycle.EventProcessPayment); err != nil {
		return amounts{}, err
	}
	gross := ComputeGross(c)
	deduction := ComputeDeduction(c)
	net, err := ComputeNet(gross, deduction)
	if err != nil {
		return amounts{}, err
	}
	if err := ValidateSplit(net, instruments); err != nil {
		return amounts{}, err
	}
	return amounts{gross: gross, deduction: deduction, net: net}, nil
}

func (s *Service) invalidateDue(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("cheques due cache bump failed", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, cycleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.EntitySettlement,
		EntityID: shared.EntityRef(cycleID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("cycle_id", cycleID), slog.Any("error", err))
	}
}

func buildInstruments(cycleID int64, inputs []InstrumentInput, defaultDue time.Time, actorID int64, now time.Time) []Instrument {
	out := make([]Instrument, 0, len(inputs))
	for i, in := range inputs {
		due := defaultDue
		if in.DueDate != nil && !in.DueDate.IsZero() {
			due = dayOf(*in.DueDate)
		}
		out = append(out, Instrument{
			CycleID:   cycleID,
			Position:  i,
			Payee:     strings.TrimSpace(in.Payee),
			Number:    shared.NormalizeIdentifier(in.Number),
			Amount:    shared.Round2(in.Amount),
			DueDate:   due,
			CreatedBy: actorID,
			CreatedAt: now,
		})
	}
	return out
}

func allCleared(instruments []Instrument) bool {
	for _, in := range instruments {
		if !in.Cleared {
			return false
		}
	}
	return len(instruments) > 0
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
