// Package quantity implements the mantissa/exponent number used for resource amounts.
//
// A Quantity is mantissa × 10^exponent with 1 ≤ mantissa < 10, or the distinguished zero
// (0, 0). Values are never negative. All operations are pure.
package quantity

import (
	"encoding/json"
	"fmt"
	"math"
)

// negligibleGap is the exponent difference beyond which the smaller operand of Add/Sub is dropped.
const negligibleGap = 15

type Quantity struct {
	mantissa float64
	exponent int
}

var (
	Zero = Quantity{}
	One  = Quantity{mantissa: 1}
)

// New builds a Quantity from a non-negative finite float. It panics on anything else.
func New(v float64) Quantity {
	if v == 0 {
		return Zero
	}
	if v < 0 {
		panic("quantity: negative value")
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		panic("quantity: non-finite value")
	}
	e := int(math.Floor(math.Log10(v)))
	if e < -300 {
		// 10^e underflows for subnormal v; scale up first.
		return normalize(v*1e300/math.Pow10(e+300), e)
	}
	return normalize(v/math.Pow10(e), e)
}

// FromLog10 builds 10^l. Bounds too large for a float are computed this way.
func FromLog10(l float64) Quantity {
	if math.IsNaN(l) || math.IsInf(l, 0) {
		panic("quantity: non-finite exponent")
	}
	e := math.Floor(l)
	return normalize(math.Pow(10, l-e), int(e))
}

// FromParts normalizes a raw (mantissa, exponent) pair.
func FromParts(m float64, e int) Quantity {
	return normalize(m, e)
}

// ValidParts reports whether (m, e) is an acceptable encoded form.
func ValidParts(m, e float64) bool {
	if math.IsNaN(m) || math.IsInf(m, 0) || math.IsNaN(e) || math.IsInf(e, 0) {
		return false
	}
	if m == 0 && e == 0 {
		return true
	}
	if m < 1 || m >= 10 {
		return false
	}
	return e == math.Trunc(e)
}

func normalize(m float64, e int) Quantity {
	if m == 0 {
		return Zero
	}
	if math.IsInf(m, 0) || math.IsNaN(m) {
		panic("quantity: non-finite mantissa")
	}
	for m >= 10 {
		m /= 10
		e++
	}
	for m < 1 && m > 0 {
		m *= 10
		e--
	}
	return Quantity{mantissa: m, exponent: e}
}

func (q Quantity) Mantissa() float64 { return q.mantissa }
func (q Quantity) Exponent() int     { return q.exponent }
func (q Quantity) IsZero() bool      { return q.mantissa == 0 }

func (q Quantity) Add(o Quantity) Quantity {
	if q.IsZero() {
		return o
	}
	if o.IsZero() {
		return q
	}
	diff := q.exponent - o.exponent
	if diff > negligibleGap {
		return q
	}
	if diff < -negligibleGap {
		return o
	}
	if q.exponent >= o.exponent {
		return normalize(q.mantissa+o.mantissa*math.Pow10(-diff), q.exponent)
	}
	return normalize(q.mantissa*math.Pow10(diff)+o.mantissa, o.exponent)
}

// Sub returns q - o, clamped at zero.
func (q Quantity) Sub(o Quantity) Quantity {
	if o.IsZero() {
		return q
	}
	if q.IsZero() {
		return Zero
	}
	diff := q.exponent - o.exponent
	if diff > negligibleGap {
		return q
	}
	if diff < -negligibleGap {
		return Zero
	}
	var m float64
	e := q.exponent
	if q.exponent >= o.exponent {
		m = q.mantissa - o.mantissa*math.Pow10(-diff)
	} else {
		m = q.mantissa*math.Pow10(diff) - o.mantissa
		e = o.exponent
	}
	if m <= 0 {
		return Zero
	}
	return normalize(m, e)
}

func (q Quantity) Mul(o Quantity) Quantity {
	if q.IsZero() || o.IsZero() {
		return Zero
	}
	return normalize(q.mantissa*o.mantissa, q.exponent+o.exponent)
}

// Pow raises q to the integer power n using log10 so large powers never overflow a float.
func (q Quantity) Pow(n int) Quantity {
	if n == 0 {
		return One
	}
	if q.IsZero() {
		return Zero
	}
	return FromLog10(float64(n) * (math.Log10(q.mantissa) + float64(q.exponent)))
}

func (q Quantity) Gt(o Quantity) bool {
	if q.IsZero() {
		return false
	}
	if o.IsZero() {
		return true
	}
	if q.exponent != o.exponent {
		return q.exponent > o.exponent
	}
	return q.mantissa > o.mantissa
}

func (q Quantity) Lt(o Quantity) bool  { return o.Gt(q) }
func (q Quantity) Gte(o Quantity) bool { return !q.Lt(o) }

// Floor truncates to an integer value. Above 1e15 every float is already integral.
func (q Quantity) Floor() Quantity {
	if q.IsZero() {
		return Zero
	}
	if q.exponent >= negligibleGap {
		return q
	}
	return New(math.Floor(q.Float64()))
}

// Float64 converts to a float; it overflows to +Inf for exponents past ~308.
func (q Quantity) Float64() float64 {
	if q.IsZero() {
		return 0
	}
	return q.mantissa * math.Pow10(q.exponent)
}

type wire struct {
	M float64 `json:"m"`
	E float64 `json:"e"`
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{M: q.mantissa, E: float64(q.exponent)})
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if !ValidParts(w.M, w.E) {
		return fmt.Errorf("quantity: invalid encoding m=%v e=%v", w.M, w.E)
	}
	*q = normalize(w.M, int(w.E))
	return nil
}
