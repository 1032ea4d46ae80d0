package domain

import "github.com/shopspring/decimal"

// Amounts is a vector of resource quantities, one per quota dimension.
type Amounts struct {
	CPU       decimal.Decimal `json:"cpu"`
	MemoryGB  decimal.Decimal `json:"memory_gb"`
	StorageGB decimal.Decimal `json:"storage_gb"`
	Instances decimal.Decimal `json:"instances"`
}

// ZeroAmounts returns an all-zero vector.
func ZeroAmounts() Amounts {
	return Amounts{
		CPU:       decimal.Zero,
		MemoryGB:  decimal.Zero,
		StorageGB: decimal.Zero,
		Instances: decimal.Zero,
	}
}

// Add returns a+b per dimension.
func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{
		CPU:       a.CPU.Add(b.CPU),
		MemoryGB:  a.MemoryGB.Add(b.MemoryGB),
		StorageGB: a.StorageGB.Add(b.StorageGB),
		Instances: a.Instances.Add(b.Instances),
	}
}

// Sub returns a-b per dimension.
func (a Amounts) Sub(b Amounts) Amounts {
	return Amounts{
		CPU:       a.CPU.Sub(b.CPU),
		MemoryGB:  a.MemoryGB.Sub(b.MemoryGB),
		StorageGB: a.StorageGB.Sub(b.StorageGB),
		Instances: a.Instances.Sub(b.Instances),
	}
}

// Neg returns -a per dimension.
func (a Amounts) Neg() Amounts {
	return ZeroAmounts().Sub(a)
}

// IsNegative reports whether any dimension is below zero.
func (a Amounts) IsNegative() bool {
	return a.CPU.IsNegative() || a.MemoryGB.IsNegative() ||
		a.StorageGB.IsNegative() || a.Instances.IsNegative()
}

// ExceedsAny reports the first dimension where a > limit, if any.
func (a Amounts) ExceedsAny(limit Amounts) (string, bool) {
	switch {
	case a.CPU.GreaterThan(limit.CPU):
		return "cpu", true
	case a.MemoryGB.GreaterThan(limit.MemoryGB):
		return "memory_gb", true
	case a.StorageGB.GreaterThan(limit.StorageGB):
		return "storage_gb", true
	case a.Instances.GreaterThan(limit.Instances):
		return "instances", true
	}
	return "", false
}
