package domain

import "math"

// MinorUnits converts a major-unit amount (pounds, naira) to the smallest currency unit
// by rounding amount*100 to the nearest integer.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// MajorUnits converts minor units back to a major-unit amount for display and provider payloads.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

// ComputeTotals rolls up order totals. Tax is folded into listed prices and always recorded as zero.
// The total never drops below zero.
func ComputeTotals(subtotal, discount, shipping int64) OrderTotals {
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	total := subtotal - discount + shipping
	if total < 0 {
		total = 0
	}
	return OrderTotals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      0,
		Total:    total,
	}
}

// LineSubtotal sums unit price times quantity across cart lines.
func LineSubtotal(lines []CartLine) int64 {
	var subtotal int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		subtotal += line.UnitPrice * int64(line.Quantity)
	}
	return subtotal
}
