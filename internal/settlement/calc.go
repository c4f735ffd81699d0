package settlement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// ComputeGross is the weighed produce in Man times the final rate.
func ComputeGross(c cycle.CropCycle) float64 {
	return shared.Round2(cycle.WeightMan(c.BagsWeighed) * c.FinalRate)
}

// ComputeDeduction is the seed amount the farmer still owes.
func ComputeDeduction(c cycle.CropCycle) float64 {
	d := shared.Round2(c.SeedCost - c.SeedPaid)
	if d < 0 {
		return 0
	}
	return d
}

// ComputeNet is gross less deduction; it must be positive to be paid.
func ComputeNet(gross, deduction float64) (float64, error) {
	net := shared.Round2(gross - deduction)
	if net <= 0 {
		return net, fmt.Errorf("%w: net payment %.2f is not positive (gross %.2f, deduction %.2f)", shared.ErrValidation, net, gross, deduction)
	}
	return net, nil
}

// ValidateSplit checks every instrument and that their amounts add up to net.
func ValidateSplit(net float64, instruments []InstrumentInput) error {
	if len(instruments) == 0 {
		return fmt.Errorf("%w: at least one instrument is required", shared.ErrValidation)
	}
	var sum float64
	for i, in := range instruments {
		if shared.NormalizeIdentifier(in.Number) == "" {
			return fmt.Errorf("%w: instrument %d has no number", shared.ErrValidation, i+1)
		}
		amount := shared.Round2(in.Amount)
		if amount <= 0 {
			return fmt.Errorf("%w: instrument %d amount must be at least 0.01", shared.ErrValidation, i+1)
		}
		sum += amount
	}
	if !shared.AmountsEqual(sum, net) {
		return fmt.Errorf("%w: instruments total %.2f, net payment is %.2f", shared.ErrAmountMismatch, sum, net)
	}
	return nil
}

const billSeparator = "-B-"

// FormatBillNumber renders a bill number such as 2025-B-007.
func FormatBillNumber(year, seq int) string {
	return fmt.Sprintf("%d%s%03d", year, billSeparator, seq)
}

// NextBillNumber returns the bill number following last for year; an empty last starts at 001.
func NextBillNumber(year int, last string) (string, error) {
	if last == "" {
		return FormatBillNumber(year, 1), nil
	}
	y, seq, err := ParseBillNumber(last)
	if err != nil {
		return "", err
	}
	if y != year {
		return FormatBillNumber(year, 1), nil
	}
	return FormatBillNumber(year, seq+1), nil
}

// ParseBillNumber splits a bill number into year and sequence.
func ParseBillNumber(s string) (year, seq int, err error) {
	left, right, ok := strings.Cut(s, billSeparator)
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed bill number %q", shared.ErrValidation, s)
	}
	year, err = strconv.Atoi(left)
	if err != nil || year <= 0 {
		return 0, 0, fmt.Errorf("%w: malformed bill year in %q", shared.ErrValidation, s)
	}
	seq, err = strconv.Atoi(right)
	if err != nil || seq <= 0 {
		return 0, 0, fmt.Errorf("%w: malformed bill sequence in %q", shared.ErrValidation, s)
	}
	return year, seq, nil
}
