package cycle

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/harvest/internal/shared"
)

// ============================================================================
// LIFECYCLE STATUS
// ============================================================================

// Status enumerates crop cycle lifecycle states in forward order.
type Status string

const (
	StatusGrowing         Status = "GROWING"
	StatusHarvested       Status = "HARVESTED"
	StatusSampleCollected Status = "SAMPLE_COLLECTED"
	StatusSampled         Status = "SAMPLED"
	StatusPriceProposed   Status = "PRICE_PROPOSED"
	StatusPriced          Status = "PRICED"
	StatusWeighed         Status = "WEIGHED"
	StatusLoaded          Status = "LOADED"
	StatusChequeIssued    Status = "CHEQUE_ISSUED" // paid by instruments, awaiting clearance
	StatusCleared         Status = "CLEARED"
)

var statusOrder = []Status{
	StatusGrowing,
	StatusHarvested,
	StatusSampleCollected,
	StatusSampled,
	StatusPriceProposed,
	StatusPriced,
	StatusWeighed,
	StatusLoaded,
	StatusChequeIssued,
	StatusCleared,
}

// Statuses returns every lifecycle status in forward order.
func Statuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// Rank returns the position of s in the forward order, -1 when unknown.
func (s Status) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is other or a later stage.
func (s Status) AtLeast(other Status) bool {
	return s.IsValid() && s.Rank() >= other.Rank()
}

// IsSettled reports whether a payment has been processed for the cycle.
func (s Status) IsSettled() bool {
	return s == StatusChequeIssued || s == StatusCleared
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Event names the operation that advances a cycle.
type Event string

const (
	EventHarvest         Event = "harvest"
	EventCollectSample   Event = "collect_sample"
	EventLabEntry        Event = "lab_entry"
	EventProposePrice    Event = "propose_price"
	EventVerifyPrice     Event = "verify_price"
	EventRecordWeighing  Event = "record_weighing"
	EventLoad            Event = "load"   // remaining stock reached zero
	EventUnload          Event = "unload" // shipment deleted, stock restored
	EventProcessPayment  Event = "process_payment"
	EventClearInstrument Event = "clear_instrument"
)

type transition struct {
	from Status
	to   Status
}

var transitions = map[Event]transition{
	EventHarvest:         {from: StatusGrowing, to: StatusHarvested},
	EventCollectSample:   {from: StatusHarvested, to: StatusSampleCollected},
	EventLabEntry:        {from: StatusSampleCollected, to: StatusSampled},
	EventProposePrice:    {from: StatusSampled, to: StatusPriceProposed},
	EventVerifyPrice:     {from: StatusPriceProposed, to: StatusPriced},
	EventRecordWeighing:  {from: StatusPriced, to: StatusWeighed},
	EventLoad:            {from: StatusWeighed, to: StatusLoaded},
	EventUnload:          {from: StatusLoaded, to: StatusWeighed},
	EventProcessPayment:  {from: StatusLoaded, to: StatusChequeIssued},
	EventClearInstrument: {from: StatusChequeIssued, to: StatusCleared},
}

// Transition returns the status reached by applying ev to from.
func Transition(from Status, ev Event) (Status, error) {
	t, ok := transitions[ev]
	if !ok {
		return from, fmt.Errorf("%w: unknown event %q", shared.ErrInvalidTransition, ev)
	}
	if from != t.from {
		return from, &TransitionError{From: from, Event: ev, Expected: t.from}
	}
	return t.to, nil
}

// SourceOf returns the only status from which ev may be applied.
func SourceOf(ev Event) (Status, bool) {
	t, ok := transitions[ev]
	return t.from, ok
}

// TransitionError describes an operation attempted from the wrong state.
type TransitionError struct {
	From     Status
	Event    Event
	Expected Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s a cycle in %s (expected %s)", shared.ErrInvalidTransition, e.Event, e.From, e.Expected)
}

func (e *TransitionError) Unwrap() error {
	return shared.ErrInvalidTransition
}

// ============================================================================
// QUALITY SNAPSHOT
// ============================================================================

// ColorGrade grades the produce colour at the lab.
type ColorGrade string

const (
	ColorWhite     ColorGrade = "WHITE"
	ColorGood      ColorGrade = "GOOD"
	ColorExcellent ColorGrade = "EXCELLENT"
)

// IsValid checks if the grade is known.
func (c ColorGrade) IsValid() bool {
	switch c {
	case ColorWhite, ColorGood, ColorExcellent:
		return true
	default:
		return false
	}
}

// NonSeedLevel grades foreign matter in the sample.
type NonSeedLevel string

const (
	NonSeedRare NonSeedLevel = "RARE"
	NonSeedLess NonSeedLevel = "LESS"
	NonSeedHigh NonSeedLevel = "HIGH"
)

// IsValid checks if the level is known.
func (n NonSeedLevel) IsValid() bool {
	switch n {
	case NonSeedRare, NonSeedLess, NonSeedHigh:
		return true
	default:
		return false
	}
}

// Quality is the lab sample snapshot; set once at lab entry.
type Quality struct {
	MoisturePct float64      `json:"moisture_pct" validate:"gte=0,lte=100"`
	PurityPct   float64      `json:"purity_pct" validate:"gte=0,lte=100"`
	DustPct     float64      `json:"dust_pct" validate:"gte=0,lte=100"`
	Color       ColorGrade   `json:"color" validate:"required,oneof=WHITE GOOD EXCELLENT"`
	NonSeed     NonSeedLevel `json:"non_seed" validate:"required,oneof=RARE LESS HIGH"`
	Remark      string       `json:"remark,omitempty" validate:"max=500"`
}

// ============================================================================
// SEED ACCOUNT
// ============================================================================

// SeedPaymentStatus tracks repayment of the seed purchased at sowing.
type SeedPaymentStatus string

const (
	SeedCredit  SeedPaymentStatus = "CREDIT"
	SeedPartial SeedPaymentStatus = "PARTIAL"
	SeedPaid    SeedPaymentStatus = "PAID"
)

// SeedStatusFor is the single rule deciding seed payment status from amounts.
func SeedStatusFor(cost, paid float64) SeedPaymentStatus {
	outstanding := shared.Round2(cost - paid)
	switch {
	case outstanding <= shared.AmountTolerance:
		return SeedPaid
	case paid <= shared.AmountTolerance:
		return SeedCredit
	default:
		return SeedPartial
	}
}

const (
	// HighYieldFactor is the bag-of-produce per bag-of-seed ratio above which weighing is flagged.
	HighYieldFactor = 50
	// ManPerBag converts weighed bags into Man, the unit purchase rates are quoted in.
	ManPerBag = 2.5
)

// WeightMan returns the weight of bags in Man.
func WeightMan(bags int) float64 {
	return float64(bags) * ManPerBag
}

// ============================================================================
// CROP CYCLE ENTITY
// ============================================================================

// CropCycle is one farmer's produce tracked from sowing to settlement.
type CropCycle struct {
	ID            int64    `json:"id"`
	FarmerID      int64    `json:"farmer_id"`
	FarmID        int64    `json:"farm_id"`
	SeedVarietyID int64    `json:"seed_variety_id"`
	Status        Status   `json:"status"`
	LotNumbers    []string `json:"lot_numbers"`

	BagsPurchased int  `json:"bags_purchased"`
	BagsReturned  int  `json:"bags_returned"`
	BagsWeighed   int  `json:"bags_weighed"`
	BagsRemaining int  `json:"bags_remaining"`
	HighYieldFlag bool `json:"high_yield_flag"`

	SeedRatePerBag    float64           `json:"seed_rate_per_bag"`
	SeedCost          float64           `json:"seed_cost"`
	SeedPaid          float64           `json:"seed_paid"`
	SeedOutstanding   float64           `json:"seed_outstanding"`
	SeedPaymentStatus SeedPaymentStatus `json:"seed_payment_status"`

	Quality *Quality `json:"quality,omitempty"`

	TemporaryPrice float64 `json:"temporary_price"`
	FinalRate      float64 `json:"final_rate"`
	ProposedBy     int64   `json:"proposed_by,omitempty"`
	VerifiedBy     int64   `json:"verified_by,omitempty"`

	GrossPayment float64 `json:"gross_payment"`
	Deduction    float64 `json:"deduction"`
	NetPayment   float64 `json:"net_payment"`
	BillNumber   string  `json:"bill_number,omitempty"`
	Paid         bool    `json:"paid"`

	HarvestedAt       *time.Time `json:"harvested_at,omitempty"`
	SampleCollectedAt *time.Time `json:"sample_collected_at,omitempty"`
	SampledAt         *time.Time `json:"sampled_at,omitempty"`
	PriceProposedAt   *time.Time `json:"price_proposed_at,omitempty"`
	PricedAt          *time.Time `json:"priced_at,omitempty"`
	WeighedAt         *time.Time `json:"weighed_at,omitempty"`
	LoadedAt          *time.Time `json:"loaded_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	ClearedAt         *time.Time `json:"cleared_at,omitempty"`

	CreatedBy int64     `json:"created_by"`
	UpdatedBy int64     `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetSeedBags is the number of seed bags the farmer kept.
func (c CropCycle) NetSeedBags() int {
	return c.BagsPurchased - c.BagsReturned
}

// HighYieldThreshold is the weighed bag count above which the cycle is flagged.
func (c CropCycle) HighYieldThreshold() int {
	return c.NetSeedBags() * HighYieldFactor
}

// BagsAllocated is the number of weighed bags already loaded on shipments.
func (c CropCycle) BagsAllocated() int {
	return c.BagsWeighed - c.BagsRemaining
}

// Loadable reports whether stock may still be allocated to a shipment.
func (c CropCycle) Loadable() bool {
	return (c.Status == StatusWeighed || c.Status == StatusLoaded) && c.BagsRemaining > 0
}

// RecomputeSeedAccount refreshes seed cost, outstanding amount and payment status.
// The deduction follows the outstanding amount until a payment freezes it.
func (c *CropCycle) RecomputeSeedAccount() {
	c.SeedCost = shared.Round2(float64(c.NetSeedBags()) * c.SeedRatePerBag)
	c.SeedOutstanding = shared.Round2(c.SeedCost - c.SeedPaid)
	if c.SeedOutstanding < 0 {
		c.SeedOutstanding = 0
	}
	c.SeedPaymentStatus = SeedStatusFor(c.SeedCost, c.SeedPaid)
	if !c.Status.IsSettled() {
		c.Deduction = c.SeedOutstanding
	}
}

// CheckInvariants verifies the quantity and amount invariants of the record.
func (c CropCycle) CheckInvariants() error {
	if c.BagsReturned < 0 || c.BagsReturned > c.BagsPurchased {
		return fmt.Errorf("%w: bags returned %d outside 0..%d", shared.ErrValidation, c.BagsReturned, c.BagsPurchased)
	}
	if c.BagsRemaining < 0 {
		return fmt.Errorf("%w: remaining bags %d below zero", shared.ErrInsufficientStock, c.BagsRemaining)
	}
	if c.BagsRemaining > c.BagsWeighed {
		return fmt.Errorf("%w: remaining bags %d exceed weighed %d", shared.ErrValidation, c.BagsRemaining, c.BagsWeighed)
	}
	if c.Status.IsSettled() && !shared.AmountsEqual(c.NetPayment, c.GrossPayment-c.Deduction) {
		return fmt.Errorf("%w: net %.2f != gross %.2f - deduction %.2f", shared.ErrAmountMismatch, c.NetPayment, c.GrossPayment, c.Deduction)
	}
	return nil
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

// SowInput creates a cycle at sowing.
type SowInput struct {
	FarmerID       int64    `json:"farmer_id" validate:"required,gt=0"`
	FarmID         int64    `json:"farm_id" validate:"required,gt=0"`
	SeedVarietyID  int64    `json:"seed_variety_id" validate:"required,gt=0"`
	BagsPurchased  int      `json:"bags_purchased" validate:"required,gt=0"`
	SeedRatePerBag float64  `json:"seed_rate_per_bag" validate:"gte=0"`
	SeedPaid       float64  `json:"seed_paid" validate:"gte=0"`
	LotNumbers     []string `json:"lot_numbers" validate:"omitempty,dive,required,max=50"`
	ActorID        int64    `json:"-"`
}

// HarvestInput records the harvest and the physical lots.
type HarvestInput struct {
	CycleID     int64     `json:"-"`
	HarvestedOn time.Time `json:"harvested_on"`
	LotNumbers  []string  `json:"lot_numbers" validate:"omitempty,dive,required,max=50"`
	ActorID     int64     `json:"-"`
}

// CollectSampleInput records that a lab sample was taken.
type CollectSampleInput struct {
	CycleID     int64     `json:"-"`
	CollectedOn time.Time `json:"collected_on"`
	ActorID     int64     `json:"-"`
}

// LabResultInput records the lab sample attributes.
type LabResultInput struct {
	CycleID int64   `json:"-"`
	Quality Quality `json:"quality"`
	ActorID int64   `json:"-"`
}

// ProposePriceInput records the temporary per-unit price.
type ProposePriceInput struct {
	CycleID        int64   `json:"-"`
	TemporaryPrice float64 `json:"temporary_price" validate:"gt=0"`
	ActorID        int64   `json:"-"`
}

// VerifyPriceInput confirms the final per-unit purchase rate.
type VerifyPriceInput struct {
	CycleID   int64   `json:"-"`
	FinalRate float64 `json:"final_rate" validate:"gt=0"`
	ActorID   int64   `json:"-"`
}

// WeighingInput records the weighed produce.
type WeighingInput struct {
	CycleID     int64 `json:"-"`
	BagsWeighed int   `json:"bags_weighed" validate:"gt=0"`
	ActorID     int64 `json:"-"`
}

// CorrectionInput adjusts seed figures without touching lifecycle status.
type CorrectionInput struct {
	CycleID      int64    `json:"-"`
	BagsReturned *int     `json:"bags_returned,omitempty" validate:"omitempty,gte=0"`
	SeedPaid     *float64 `json:"seed_paid,omitempty" validate:"omitempty,gte=0"`
	Reason       string   `json:"reason" validate:"required,min=3,max=500"`
	ActorID      int64    `json:"-"`
}

// ListFilter filters cycle listings.
type ListFilter struct {
	Status   *Status
	FarmerID *int64
	Limit    int
	Offset   int
}
