package ledger

import (
	"time"
)

// CounterpartyType distinguishes who an entry is posted against.
type CounterpartyType string

const (
	CounterpartyBuyer  CounterpartyType = "BUYER"
	CounterpartyWallet CounterpartyType = "WALLET"
)

// IsValid checks if the counterparty type is known.
func (t CounterpartyType) IsValid() bool {
	return t == CounterpartyBuyer || t == CounterpartyWallet
}

// Direction is the side of a posting.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Reference types.
const (
	RefShipment   = "shipment"
	RefInstrument = "instrument"
)

// Entry is a single posting against a counterparty.
type Entry struct {
	ID               int64            `json:"id"`
	CounterpartyType CounterpartyType `json:"counterparty_type"`
	CounterpartyID   int64            `json:"counterparty_id"`
	Direction        Direction        `json:"direction"`
	Amount           float64          `json:"amount"`
	Description      string           `json:"description"`
	RefType          string           `json:"ref_type"`
	RefID            int64            `json:"ref_id"`
	EntryDate        time.Time        `json:"entry_date"`
	CreatedBy        int64            `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Signed returns the amount with debits positive and credits negative.
func (e Entry) Signed() float64 {
	if e.Direction == Credit {
		return -e.Amount
	}
	return e.Amount
}

// Balance summarises postings for one counterparty.
type Balance struct {
	CounterpartyType CounterpartyType `json:"counterparty_type"`
	CounterpartyID   int64            `json:"counterparty_id"`
	Debit            float64          `json:"debit"`
	Credit           float64          `json:"credit"`
	Net              float64          `json:"net"`
}

// Wallet is an internal cash account debited when instruments clear.
type Wallet struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FinalizeBillInput finalises the buyer bill of a shipment.
type FinalizeBillInput struct {
	ShipmentID  int64     `json:"-"`
	TotalAmount float64   `json:"total_amount" validate:"gt=0"`
	BillDate    time.Time `json:"bill_date"`
	City        string    `json:"city" validate:"max=120"`
	ActorID     int64     `json:"-"`
}

// WalletDebit debits a wallet for a cleared payment instrument.
type WalletDebit struct {
	WalletID     int64
	Amount       float64
	InstrumentID int64
	Description  string
	On           time.Time
	ActorID      int64
}
