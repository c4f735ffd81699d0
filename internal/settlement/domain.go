package settlement

import (
	"time"

	"github.com/odyssey-erp/harvest/internal/cycle"
)

// Instrument is one cheque (or similar) paying part of a settlement.
type Instrument struct {
	ID        int64      `json:"id"`
	CycleID   int64      `json:"cycle_id"`
	Position  int        `json:"position"`
	Payee     string     `json:"payee"`
	Number    string     `json:"number"`
	Amount    float64    `json:"amount"`
	DueDate   time.Time  `json:"due_date"`
	Cleared   bool       `json:"cleared"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
	WalletID  int64      `json:"wallet_id,omitempty"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

// Settlement is the immutable payment snapshot of a crop cycle.
type Settlement struct {
	CycleID     int64        `json:"cycle_id"`
	FarmerID    int64        `json:"farmer_id"`
	BillNumber  string       `json:"bill_number"`
	Gross       float64      `json:"gross"`
	Deduction   float64      `json:"deduction"`
	Net         float64      `json:"net"`
	Paid        bool         `json:"paid"`
	Status      cycle.Status `json:"status"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`
	Instruments []Instrument `json:"instruments"`
}

// FromCycle builds the settlement view of a paid cycle.
func FromCycle(c cycle.CropCycle, instruments []Instrument) Settlement {
	return Settlement{
		CycleID:     c.ID,
		FarmerID:    c.FarmerID,
		BillNumber:  c.BillNumber,
		Gross:       c.GrossPayment,
		Deduction:   c.Deduction,
		Net:         c.NetPayment,
		Paid:        c.Paid,
		Status:      c.Status,
		PaidAt:      c.PaidAt,
		Instruments: instruments,
	}
}

// DueInstrument is an uncleared instrument with the bill it belongs to.
type DueInstrument struct {
	Instrument
	FarmerID   int64  `json:"farmer_id"`
	BillNumber string `json:"bill_number"`
}

// InstrumentInput describes one instrument of a payment split.
type InstrumentInput struct {
	Payee   string     `json:"payee" validate:"required,max=120"`
	Number  string     `json:"number" validate:"required,max=40"`
	Amount  float64    `json:"amount" validate:"gt=0"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// PaymentInput pays a loaded cycle with one or more instruments.
type PaymentInput struct {
	CycleID     int64             `json:"-"`
	Instruments []InstrumentInput `json:"instruments" validate:"required,min=1,dive"`
	DueDays     *int              `json:"due_days,omitempty" validate:"omitempty,gte=0,lte=365"`
	ActorID     int64             `json:"-"`
}

// ClearInput clears one instrument against a wallet.
type ClearInput struct {
	CycleID   int64     `json:"-"`
	Position  int       `json:"-"`
	WalletID  int64     `json:"wallet_id" validate:"required,gt=0"`
	ClearedOn time.Time `json:"cleared_on"`
	ActorID   int64     `json:"-"`
}
