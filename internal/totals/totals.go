// Package totals derives financial aggregates from stage payloads. The
// computation is pure: same input, bit-identical output, no I/O.
package totals

import (
	"math"

	"gateline/internal/domain"
)

// Compute sums every distribution value across every stage per financial
// kind. Summation is commutative, so stage and entry order never matter.
// Non-finite values cannot occur in sanitized payloads but are skipped
// anyway rather than poisoning the sums.
func Compute(stages domain.StageMap) domain.Totals {
	var t domain.Totals
	for _, stage := range domain.Stages {
		payload, ok := stages[stage]
		if !ok {
			continue
		}
		for kind, entries := range payload.Financials {
			sum := sumEntries(entries)
			switch kind {
			case domain.RecurringBenefits:
				t.RecurringBenefits += sum
			case domain.RecurringCosts:
				t.RecurringCosts += sum
			case domain.OneoffBenefits:
				t.OneoffBenefits += sum
			case domain.OneoffCosts:
				t.OneoffCosts += sum
			}
		}
	}
	t.RecurringImpact = t.RecurringBenefits - t.RecurringCosts
	return t
}

func sumEntries(entries []domain.FinancialEntry) float64 {
	var sum float64
	for _, e := range entries {
		for _, v := range e.Distribution {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
		}
	}
	return sum
}
