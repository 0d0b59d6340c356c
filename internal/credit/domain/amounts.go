package domain

import (
	"math"
)

// Amounts is a caller supplied request per bucket. Fractions are truncated.
type Amounts struct {
	Free        float64 `json:"free"`
	Paid        float64 `json:"paid"`
	OneTimePaid float64 `json:"onetime_paid"`
}

// Deltas are normalized, non-negative integer amounts per bucket.
type Deltas struct {
	Free        int64
	Paid        int64
	OneTimePaid int64
}

func (d Deltas) Get(t CreditType) int64 {
	switch t {
	case CreditTypeFree:
		return d.Free
	case CreditTypePaid:
		return d.Paid
	case CreditTypeOneTimePaid:
		return d.OneTimePaid
	}
	return 0
}

func (d Deltas) IsZero() bool {
	return d.Free == 0 && d.Paid == 0 && d.OneTimePaid == 0
}

// Total sums all buckets.
func (d Deltas) Total() int64 {
	return d.Free + d.Paid + d.OneTimePaid
}

// Normalize validates and truncates a request. Validation runs before the
// no-op check so a negative amount is never reported as a no-op.
func (a Amounts) Normalize() (Deltas, error) {
	free, err := NormalizeAmount(a.Free)
	if err != nil {
		return Deltas{}, err
	}
	paid, err := NormalizeAmount(a.Paid)
	if err != nil {
		return Deltas{}, err
	}
	oneTime, err := NormalizeAmount(a.OneTimePaid)
	if err != nil {
		return Deltas{}, err
	}

	d := Deltas{Free: free, Paid: paid, OneTimePaid: oneTime}
	if d.IsZero() {
		return Deltas{}, ErrNoOpRequest
	}
	return d, nil
}

// NormalizeAmount truncates a single value toward zero.
func NormalizeAmount(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, ErrInvalidAmount
	}
	if v >= math.MaxInt64 {
		return 0, ErrInvalidAmount
	}
	return int64(math.Trunc(v)), nil
}

// Targets sets absolute balances; nil leaves a bucket untouched.
type Targets struct {
	Free        *float64 `json:"free,omitempty"`
	Paid        *float64 `json:"paid,omitempty"`
	OneTimePaid *float64 `json:"onetime_paid,omitempty"`
}

func (t Targets) Get(c CreditType) *float64 {
	switch c {
	case CreditTypeFree:
		return t.Free
	case CreditTypePaid:
		return t.Paid
	case CreditTypeOneTimePaid:
		return t.OneTimePaid
	}
	return nil
}

// Normalize truncates each present target. Returns the set of buckets to write.
func (t Targets) Normalize() (map[CreditType]int64, error) {
	out := make(map[CreditType]int64, len(CreditTypes))
	for _, ct := range CreditTypes {
		v := t.Get(ct)
		if v == nil {
			continue
		}
		n, err := NormalizeAmount(*v)
		if err != nil {
			return nil, err
		}
		out[ct] = n
	}
	if len(out) == 0 {
		return nil, ErrNoOpRequest
	}
	return out, nil
}
