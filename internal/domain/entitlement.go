package domain

import "math/bits"

// Entitlement is the cumulative amount a user may have withdrawn given the
// attested outcomes: floor(TotalAmount * Succeeded / Total). Pending goals
// never count toward it. Attestations only raise it; a deposit that adds
// goals can lower it, and one that would lower it below Withdrawn is refused.
func Entitlement(d Deposit, s OutcomeSummary) uint64 {
	if s.Total == 0 || s.Succeeded == 0 {
		return 0
	}
	if s.Succeeded >= s.Total {
		return d.TotalAmount
	}
	// Succeeded < Total keeps hi < Total, which Div64 requires.
	hi, lo := bits.Mul64(d.TotalAmount, s.Succeeded)
	q, _ := bits.Div64(hi, lo, s.Total)
	return q
}

// Payable is what a withdrawal would pay right now.
func Payable(d Deposit, s OutcomeSummary) uint64 {
	e := Entitlement(d, s)
	if e <= d.Withdrawn {
		return 0
	}
	return e - d.Withdrawn
}
