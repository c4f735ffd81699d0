package settlement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/shared"
)

func TestPaymentAmounts(t *testing.T) {
	c := cycle.CropCycle{BagsWeighed: 20, FinalRate: 250, SeedCost: 3000, SeedPaid: 500}

	gross := ComputeGross(c)
	deduction := ComputeDeduction(c)
	net, err := ComputeNet(gross, deduction)
	require.NoError(t, err)
	require.Equal(t, 12500.0, gross)
	require.Equal(t, 2500.0, deduction)
	require.Equal(t, 10000.0, net)

	c.SeedPaid = 4000
	require.Equal(t, 0.0, ComputeDeduction(c))
}

func TestComputeNetRejectsNonPositive(t *testing.T) {
	_, err := ComputeNet(1000, 1000)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = ComputeNet(1000, 1200)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestValidateSplit(t *testing.T) {
	split := func(amounts ...float64) []InstrumentInput {
		out := make([]InstrumentInput, 0, len(amounts))
		for _, a := range amounts {
			out = append(out, InstrumentInput{Payee: "Ramesh", Number: "CHQ", Amount: a})
		}
		return out
	}

	require.NoError(t, ValidateSplit(10000, split(4000, 6000)))
	require.ErrorIs(t, ValidateSplit(10000, split(4000, 5999)), shared.ErrAmountMismatch)
	require.NoError(t, ValidateSplit(100, split(33.33, 33.33, 33.34)))
	require.ErrorIs(t, ValidateSplit(10000, nil), shared.ErrValidation)
	require.ErrorIs(t, ValidateSplit(10000, split(10000, 0)), shared.ErrValidation)
	require.ErrorIs(t, ValidateSplit(10000, split(10000, 0.004)), shared.ErrValidation)
	require.NoError(t, ValidateSplit(10000.01, split(10000, 0.005)))

	blank := split(10000)
	blank[0].Number = "   "
	err := ValidateSplit(10000, blank)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.False(t, errors.Is(err, shared.ErrAmountMismatch))
}

func TestBillNumbers(t *testing.T) {
	next, err := NextBillNumber(2025, "2025-B-007")
	require.NoError(t, err)
	require.Equal(t, "2025-B-008", next)

	next, err = NextBillNumber(2025, "")
	require.NoError(t, err)
	require.Equal(t, "2025-B-001", next)

	next, err = NextBillNumber(2026, "2025-B-117")
	require.NoError(t, err)
	require.Equal(t, "2026-B-001", next)

	require.Equal(t, "2025-B-1000", FormatBillNumber(2025, 1000))

	year, seq, err := ParseBillNumber("2025-B-042")
	require.NoError(t, err)
	require.Equal(t, 2025, year)
	require.Equal(t, 42, seq)

	for _, bad := range []string{"2025-042", "X-B-001", "2025-B-", "2025-B-000"} {
		_, _, err := ParseBillNumber(bad)
		require.ErrorIs(t, err, shared.ErrValidation, bad)
	}
}
