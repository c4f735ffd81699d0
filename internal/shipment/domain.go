package shipment

import (
	"time"

	"github.com/odyssey-erp/harvest/internal/cycle"
)

// Status enumerates shipment lifecycle states.
type Status string

const (
	StatusFilled        Status = "FILLED"
	StatusDispatched    Status = "DISPATCHED"
	StatusBillGenerated Status = "BILL_GENERATED"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusFilled, StatusDispatched, StatusBillGenerated:
		return true
	default:
		return false
	}
}

// CanAllocate reports whether more produce may be loaded.
func (s Status) CanAllocate() bool {
	return s == StatusFilled
}

// CanDispatch reports whether the truck may leave.
func (s Status) CanDispatch() bool {
	return s == StatusFilled
}

// CanFinalizeBill reports whether a buyer bill may be generated or regenerated.
func (s Status) CanFinalizeBill() bool {
	return s.IsValid()
}

// Shipment is one truck load headed to a destination buyer.
type Shipment struct {
	ID            int64        `json:"id"`
	TransporterID int64        `json:"transporter_id"`
	BuyerID       int64        `json:"buyer_id"`
	EmployeeIDs   []int64      `json:"employee_ids"`
	VehicleNumber string       `json:"vehicle_number"`
	DriverName    string       `json:"driver_name"`
	DriverMobile  string       `json:"driver_mobile"`
	Capacity      int          `json:"capacity"`
	TotalBags     int          `json:"total_bags"`
	Status        Status       `json:"status"`
	DispatchedAt  *time.Time   `json:"dispatched_at,omitempty"`
	DispatchCity  string       `json:"dispatch_city,omitempty"`
	BilledAmount  float64      `json:"billed_amount"`
	BillDate      *time.Time   `json:"bill_date,omitempty"`
	Allocations   []Allocation `json:"allocations,omitempty"`
	CreatedBy     int64        `json:"created_by"`
	UpdatedBy     int64        `json:"updated_by"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// FreeCapacity returns how many bags still fit within the declared capacity.
func (s Shipment) FreeCapacity() int {
	return s.Capacity - s.TotalBags
}

// Allocation ties weighed bags of one crop cycle to a shipment.
type Allocation struct {
	ID         int64     `json:"id"`
	ShipmentID int64     `json:"shipment_id"`
	CycleID    int64     `json:"cycle_id"`
	BagsLoaded int       `json:"bags_loaded"`
	CreatedBy  int64     `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// BillLine is one printed row of a shipment bill.
type BillLine struct {
	CycleID    int64    `json:"cycle_id"`
	FarmerID   int64    `json:"farmer_id"`
	LotNumbers []string `json:"lot_numbers"`
	Bags       int      `json:"bags"`
	WeightMan  float64  `json:"weight_man"`
	Rate       float64  `json:"rate"`
}

// NewBillLine builds the printed row for an allocation of c.
func NewBillLine(c cycle.CropCycle, bags int) BillLine {
	return BillLine{
		CycleID:    c.ID,
		FarmerID:   c.FarmerID,
		LotNumbers: c.LotNumbers,
		Bags:       bags,
		WeightMan:  cycle.WeightMan(bags),
		Rate:       c.FinalRate,
	}
}

// AllocationRequest asks for bags of one cycle.
type AllocationRequest struct {
	CycleID int64 `json:"cycle_id" validate:"required,gt=0"`
	Bags    int   `json:"bags" validate:"required,gt=0"`
}

// LoadInput creates a shipment together with its first allocations.
type LoadInput struct {
	TransporterID     int64               `json:"transporter_id" validate:"required,gt=0"`
	BuyerID           int64               `json:"buyer_id" validate:"required,gt=0"`
	EmployeeIDs       []int64             `json:"employee_ids" validate:"omitempty,dive,gt=0"`
	VehicleNumber     string              `json:"vehicle_number" validate:"required,max=20"`
	DriverName        string              `json:"driver_name" validate:"max=120"`
	DriverMobile      string              `json:"driver_mobile" validate:"omitempty,max=20"`
	Capacity          int                 `json:"capacity" validate:"required,gt=0"`
	Allocations       []AllocationRequest `json:"allocations" validate:"required,min=1,dive"`
	AllowOverCapacity bool                `json:"allow_over_capacity"`
	IdempotencyKey    string              `json:"-"`
	ActorID           int64               `json:"-"`
}

// AllocateInput adds produce to an existing shipment.
type AllocateInput struct {
	ShipmentID        int64  `json:"-"`
	CycleID           int64  `json:"cycle_id" validate:"required,gt=0"`
	Bags              int    `json:"bags" validate:"required,gt=0"`
	AllowOverCapacity bool   `json:"allow_over_capacity"`
	IdempotencyKey    string `json:"-"`
	ActorID           int64  `json:"-"`
}

// DispatchInput marks a shipment as departed.
type DispatchInput struct {
	ShipmentID   int64     `json:"-"`
	DispatchedOn time.Time `json:"dispatched_on"`
	City         string    `json:"city" validate:"max=120"`
	ActorID      int64     `json:"-"`
}
