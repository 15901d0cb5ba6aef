package timesync

import (
	"ndi.dev/core/ndierr"
)

// TimeMapping is a polynomial from one clock's time values to another's,
// stored as coefficients [a_n, ..., a_0] so that
// t_out = a_n*t^n + ... + a_1*t + a_0. The linear case is [scale, shift].
type TimeMapping struct {
	Coefficients []float64 `json:"coefficients"`
}

// Identity returns the mapping t_out = t.
func Identity() TimeMapping {
	return TimeMapping{Coefficients: []float64{1, 0}}
}

// Linear returns the mapping t_out = scale*t + shift.
func Linear(scale, shift float64) TimeMapping {
	return TimeMapping{Coefficients: []float64{scale, shift}}
}

// Map evaluates the polynomial at t by Horner's method.
func (m TimeMapping) Map(t float64) float64 {
	out := 0.0
	for _, c := range m.Coefficients {
		out = out*t + c
	}
	return out
}

// IsLinear reports whether the mapping is degree one.
func (m TimeMapping) IsLinear() bool {
	return len(m.Coefficients) == 2
}

// Inverse returns the mapping that undoes m. Only linear mappings with a
// non-zero scale are invertible.
func (m TimeMapping) Inverse() (TimeMapping, error) {
	if !m.IsLinear() {
		return TimeMapping{}, ndierr.Newf(ndierr.BadArgument,
			"cannot invert a degree-%d mapping", len(m.Coefficients)-1)
	}
	scale, shift := m.Coefficients[0], m.Coefficients[1]
	if scale == 0 {
		return TimeMapping{}, ndierr.New(ndierr.BadArgument, "cannot invert a zero-scale mapping")
	}
	return Linear(1/scale, -shift/scale), nil
}

// Compose returns the mapping equivalent to applying other first and m
// second: (m ∘ other)(t) = m.Map(other.Map(t)). Only defined for
// linear-on-linear composition.
func (m TimeMapping) Compose(other TimeMapping) (TimeMapping, error) {
	if !m.IsLinear() || !other.IsLinear() {
		return TimeMapping{}, ndierr.New(ndierr.BadArgument, "compose requires two linear mappings")
	}
	a1, b1 := m.Coefficients[0], m.Coefficients[1]
	a2, b2 := other.Coefficients[0], other.Coefficients[1]
	return Linear(a1*a2, a1*b2+b1), nil
}
