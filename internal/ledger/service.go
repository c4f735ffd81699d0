package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListEntries(ctx context.Context, cpType CounterpartyType, cpID int64, limit, offset int) ([]Entry, error)
	Balance(ctx context.Context, cpType CounterpartyType, cpID int64) (Balance, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts buyer bills and exposes counterparty statements.
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

// FinalizeBuyerBill bills the buyer of a shipment, replacing any earlier bill posting.
func (s *Service) FinalizeBuyerBill(ctx context.Context, input FinalizeBillInput) (shipment.Shipment, error) {
	if err := s.validate.Struct(input); err != nil {
		return shipment.Shipment{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	if input.ShipmentID <= 0 {
		return shipment.Shipment{}, fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	amount := shared.Round2(input.TotalAmount)
	var (
		result   shipment.Shipment
		replaced int64
	)
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.Shipments().GetShipmentForUpdate(ctx, input.ShipmentID)
			if err != nil {
				return err
			}
			if !sh.Status.CanFinalizeBill() {
				return fmt.Errorf("%w: cannot bill shipment in %s", shared.ErrInvalidTransition, sh.Status)
			}
			now := s.now()
			billDate := now
			if !input.BillDate.IsZero() {
				billDate = input.BillDate.UTC()
			}
			sh.BilledAmount = amount
			sh.Status = shipment.StatusBillGenerated
			sh.BillDate = &billDate
			if sh.DispatchedAt == nil {
				sh.DispatchedAt = &billDate
			}
			if city := strings.TrimSpace(input.City); city != "" {
				sh.DispatchCity = city
			}
			sh.UpdatedBy = input.ActorID
			sh.UpdatedAt = now
			if err := tx.Shipments().UpdateShipment(ctx, sh); err != nil {
				return err
			}

			replaced, err = tx.DeleteEntriesByRef(ctx, CounterpartyBuyer, Debit, RefShipment, sh.ID)
			if err != nil {
				return err
			}
			_, err = tx.InsertEntry(ctx, Entry{
				CounterpartyType: CounterpartyBuyer,
				CounterpartyID:   sh.BuyerID,
				Direction:        Debit,
				Amount:           amount,
				Description:      fmt.Sprintf("Bill for shipment #%d (%s)", sh.ID, sh.VehicleNumber),
				RefType:          RefShipment,
				RefID:            sh.ID,
				EntryDate:        billDate,
				CreatedBy:        input.ActorID,
				CreatedAt:        now,
			})
			if err != nil {
				return err
			}
			result = sh
			return nil
		})
	})
	shared.Observe(s.observer, "ledger.finalize_bill", err)
	if err != nil {
		return shipment.Shipment{}, err
	}
	s.logger.Info("buyer bill finalized",
		slog.Int64("shipment_id", result.ID),
		slog.Int64("buyer_id", result.BuyerID),
		slog.Float64("amount", amount),
		slog.Bool("replaced", replaced > 0))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "ledger:finalize_bill",
			Entity:   shared.EntityShipment,
			EntityID: shared.EntityRef(result.ID),
			Meta:     map[string]any{"amount": amount, "buyer_id": result.BuyerID, "replaced": replaced},
		}); err != nil {
			s.logger.Warn("audit record failed", slog.Int64("shipment_id", result.ID), slog.Any("error", err))
		}
	}
	return result, nil
}

// Statement is a page of counterparty postings together with the running balance.
type Statement struct {
	Entries []Entry `json:"entries"`
	Balance Balance `json:"balance"`
}

// ListEntries returns postings and balance for a counterparty.
func (s *Service) ListEntries(ctx context.Context, cpType CounterpartyType, cpID int64, page, perPage int) (Statement, error) {
	if !cpType.IsValid() || cpID <= 0 {
		return Statement{}, fmt.Errorf("%w: unknown counterparty %s/%d", shared.ErrValidation, cpType, cpID)
	}
	limit, offset := shared.PageWindow(page, perPage)
	entries, err := s.repo.ListEntries(ctx, cpType, cpID, limit, offset)
	if err != nil {
		return Statement{}, err
	}
	balance, err := s.CounterpartyBalance(ctx, cpType, cpID)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Entries: entries, Balance: balance}, nil
}

// CounterpartyBalance sums every posting of a counterparty.
func (s *Service) CounterpartyBalance(ctx context.Context, cpType CounterpartyType, cpID int64) (Balance, error) {
	if !cpType.IsValid() || cpID <= 0 {
		return Balance{}, fmt.Errorf("%w: unknown counterparty %s/%d", shared.ErrValidation, cpType, cpID)
	}
	return s.repo.Balance(ctx, cpType, cpID)
}

// DebitWallet debits a wallet and posts the matching entry inside the caller's transaction.
// now stamps the write; in.On, when set, dates the entry instead.
func DebitWallet(ctx context.Context, tx TxRepository, in WalletDebit, allowNegative bool, now time.Time) (Entry, error) {
	amount := shared.Round2(in.Amount)
	if amount <= 0 {
		return Entry{}, fmt.Errorf("%w: debit amount must be positive", shared.ErrValidation)
	}
	w, err := tx.GetWalletForUpdate(ctx, in.WalletID)
	if err != nil {
		return Entry{}, err
	}
	balance := shared.Round2(w.Balance - amount)
	if !allowNegative && balance < 0 {
		return Entry{}, fmt.Errorf("%w: wallet %d holds %.2f, needs %.2f", shared.ErrInsufficientFunds, w.ID, w.Balance, amount)
	}
	on := in.On
	if on.IsZero() {
		on = now
	}
	if err := tx.UpdateWalletBalance(ctx, w.ID, balance, now); err != nil {
		return Entry{}, err
	}
	e := Entry{
		CounterpartyType: CounterpartyWallet,
		CounterpartyID:   w.ID,
		Direction:        Debit,
		Amount:           amount,
		Description:      in.Description,
		RefType:          RefInstrument,
		RefID:            in.InstrumentID,
		EntryDate:        on,
		CreatedBy:        in.ActorID,
		CreatedAt:        now,
	}
	id, err := tx.InsertEntry(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	e.ID = id
	return e, nil
}
