// Package aggregate builds a parent tile from its four children.
//
// Each child halves its own resolution into its quadrant of the parent:
// every parent pixel combines one 2x2 block of a single child. The
// combination rule is a closed set of policies.
package aggregate

import (
	"fmt"
	"strings"
)

// Policy is the per-block combination rule. The set of implementations
// is closed: Median, Mean and First.
type Policy interface {
	Name() string
	policy()
}

// Median selects a deterministic order statistic of the block.
type Median struct{}

// Mean averages the non-blank samples of the block.
type Mean struct{}

// First keeps the first non-blank sample of the block.
type First struct{}

func (Median) Name() string { return "median" }
func (Mean) Name() string   { return "mean" }
func (First) Name() string  { return "first" }

func (Median) policy() {}
func (Mean) policy()   {}
func (First) policy()  {}

// Parse returns the policy with the given name.
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "median":
		return Median{}, nil
	case "mean", "average":
		return Mean{}, nil
	case "first":
		return First{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation policy %q", name)
}

// Default is the policy used when none is configured: Mean for numeric
// tiles, Median for visual ones.
func Default(numeric bool) Policy {
	if numeric {
		return Mean{}
	}
	return Median{}
}

// Combine4 applies p to one 2x2 block. blank marks samples that carry no
// value. ok is false when the rule yields no usable sample, in which case
// the destination pixel is blank.
func Combine4(p Policy, v [4]float64, blank [4]bool) (out float64, ok bool) {
	switch p.(type) {
	case Mean:
		return mean4(v, blank)
	case Median:
		return median4(v, blank)
	case First:
		for i := range v {
			if !blank[i] {
				return v[i], true
			}
		}
		return 0, false
	}
	panic(fmt.Sprintf("aggregate: unhandled policy %T", p))
}

func mean4(v [4]float64, blank [4]bool) (float64, bool) {
	var sum, weight float64
	for i := range v {
		if blank[i] {
			continue
		}
		sum += v[i]
		weight++
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

// median4 returns the first sample, scanning left to right, that has
// another sample at or below it and a third at or above it. Blank samples
// are never selected and never count as neighbours. With fewer than three
// usable samples no sample can be strictly inside the set, so the first
// usable one is returned.
func median4(v [4]float64, blank [4]bool) (float64, bool) {
	n := 0
	for i := range v {
		if !blank[i] {
			n++
		}
	}
	switch {
	case n == 0:
		return 0, false
	case n < 3:
		for i := range v {
			if !blank[i] {
				return v[i], true
			}
		}
	}
	for i := range v {
		if blank[i] {
			continue
		}
		if inside(v, blank, i) {
			return v[i], true
		}
	}
	// Unreachable for three or more samples: the sorted middle element
	// always qualifies.
	panic("aggregate: median4 found no candidate")
}

func inside(v [4]float64, blank [4]bool, i int) bool {
	for j := range v {
		if j == i || blank[j] || v[j] > v[i] {
			continue
		}
		for k := range v {
			if k == i || k == j || blank[k] || v[k] < v[i] {
				continue
			}
			return true
		}
	}
	return false
}
