package domain

import (
	"sort"
)

// Replay folds usage rows into stored balances per bucket, oldest first.
// Rows are ordered by creation time then id so ties replay deterministically.
func Replay(usages []CreditUsage) Deltas {
	rows := make([]CreditUsage, len(usages))
	copy(rows, usages)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})

	var out Deltas
	for _, u := range rows {
		v := u.OperationType.Sign() * u.CreditsUsed
		switch u.CreditType {
		case CreditTypeFree:
			out.Free += v
		case CreditTypePaid:
			out.Paid += v
		case CreditTypeOneTimePaid:
			out.OneTimePaid += v
		}
	}
	return out
}
