// Package pricing implements cumulative monthly volume tiers.
//
// A Schedule maps (chars to bill, chars already billed this month) to a charge
// in micro-units. Tiers are walked in order starting at the account's current
// monthly volume; each segment of the request that falls inside a tier is
// charged at that tier's rate. The calculation is pure and depends only on its
// two integer inputs.
package pricing

import "math"

// Unbounded marks the open-ended top tier.
const Unbounded int64 = math.MaxInt64

// Tier is a cumulative volume band: chars up to (exclusive) UpTo are charged
// at RateMicrosPerChar.
type Tier struct {
	UpTo              int64
	RateMicrosPerChar int64
}

// Schedule is an ordered list of tiers. The last tier should use Unbounded.
type Schedule []Tier

// Result is the outcome of pricing one request.
type Result struct {
	ChargeMicros int64
	// PrimaryRateMicrosPerChar is the rate of the tier the request started in.
	// Numerically it equals the price per million chars in whole units.
	PrimaryRateMicrosPerChar int64
}

// Prepaid is the EUR wallet schedule: 15 €/M up to 20M chars, 12 €/M up to
// 100M, 10 €/M beyond.
var Prepaid = Schedule{
	{UpTo: 20_000_000, RateMicrosPerChar: 15},
	{UpTo: 100_000_000, RateMicrosPerChar: 12},
	{UpTo: Unbounded, RateMicrosPerChar: 10},
}

// LegacyUSD is the postpaid schedule in micro-USD per char. The bands match
// Prepaid; only the currency differs.
var LegacyUSD = Schedule{
	{UpTo: 20_000_000, RateMicrosPerChar: 15},
	{UpTo: 100_000_000, RateMicrosPerChar: 12},
	{UpTo: Unbounded, RateMicrosPerChar: 10},
}

// RateAt returns the rate of the first tier whose upper bound is above volume.
// A volume sitting exactly on a boundary belongs to the next tier.
func (s Schedule) RateAt(volume int64) int64 {
	if len(s) == 0 {
		return 0
	}
	for _, t := range s {
		if volume < t.UpTo {
			return t.RateMicrosPerChar
		}
	}
	return s[len(s)-1].RateMicrosPerChar
}

// Charge prices billableChars given monthlyCharsBefore already billed in the
// current calendar month. Negative inputs are treated as zero.
func (s Schedule) Charge(billableChars, monthlyCharsBefore int64) Result {
	remaining := max(0, billableChars)
	cursor := max(0, monthlyCharsBefore)

	res := Result{PrimaryRateMicrosPerChar: s.RateAt(cursor)}
	if remaining == 0 {
		return res
	}

	for _, t := range s {
		if remaining <= 0 {
			break
		}
		if cursor >= t.UpTo {
			continue
		}
		consume := min(remaining, t.UpTo-cursor)
		res.ChargeMicros += consume * t.RateMicrosPerChar
		remaining -= consume
		cursor += consume
	}
	return res
}
