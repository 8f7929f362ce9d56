package eval

import (
	"context"
	"fmt"
	"strings"
)

// Comparators accepted by Compare and the filter machinery.
const (
	CompareIs             = "is"
	CompareIsNot          = "is_not"
	CompareGreaterThan    = "greater_than"
	CompareSmallerThan    = "smaller_than"
	CompareGreaterOrEqual = "greater_or_equal"
	CompareSmallerOrEqual = "smaller_or_equal"
)

// Compare applies a boolean comparator to two resolved values. is/is_not
// compare string coercions; the ordering comparators compare numeric
// coercions and are false when either side is not numeric. An unknown
// comparator is false.
func Compare(comparator string, first, second any) bool {
	switch comparator {
	case CompareIs:
		return fmt.Sprint(first) == fmt.Sprint(second)
	case CompareIsNot:
		return fmt.Sprint(first) != fmt.Sprint(second)
	case CompareGreaterThan, CompareSmallerThan, CompareGreaterOrEqual, CompareSmallerOrEqual:
		a, aok := toNumber(first)
		b, bok := toNumber(second)
		if !aok || !bok {
			return false
		}
		switch comparator {
		case CompareGreaterThan:
			return a > b
		case CompareSmallerThan:
			return a < b
		case CompareGreaterOrEqual:
			return a >= b
		case CompareSmallerOrEqual:
			return a <= b
		}
	}
	return false
}

// Filter is one data-driven condition. FilterBy selects the shape:
// "attribute" compares a stored variable against a literal value,
// "calculation" compares two calculations.
type Filter struct {
	FilterBy string `json:"filterBy" yaml:"filterBy"`

	// attribute form
	Item      *AttributeRef `json:"filterItem,omitempty" yaml:"filterItem,omitempty"`
	Value     string        `json:"filterValue,omitempty" yaml:"filterValue,omitempty"`
	Operation string        `json:"filterOperation,omitempty" yaml:"filterOperation,omitempty"`

	// calculation form
	First      *Calculation `json:"firstCalculation,omitempty" yaml:"firstCalculation,omitempty"`
	Second     *Calculation `json:"secondCalculation,omitempty" yaml:"secondCalculation,omitempty"`
	Comparator string       `json:"calculationComparator,omitempty" yaml:"calculationComparator,omitempty"`
}

// Holds evaluates one filter. Malformed filters are false.
func (f *Filter) Holds(ctx context.Context, lookup VarLookup) bool {
	if f == nil || f.FilterBy == "" {
		return false
	}
	switch strings.ToLower(f.FilterBy) {
	case "attribute":
		if f.Item == nil || lookup == nil {
			return false
		}
		value, _ := lookup(ctx, f.Item.Name)
		return Compare(f.Operation, value, f.Value)
	case "calculation":
		first, fok := EvaluateCalculation(ctx, f.First, lookup)
		second, sok := EvaluateCalculation(ctx, f.Second, lookup)
		if !fok || !sok {
			return false
		}
		return Compare(f.Comparator, first, second)
	default:
		return false
	}
}

// FiltersHold combines a filter list with AND (default) or OR semantics,
// short-circuiting on the first determining filter. An empty list holds.
func FiltersHold(ctx context.Context, filters []Filter, logicalOperator string, lookup VarLookup) bool {
	if len(filters) == 0 {
		return true
	}
	if strings.EqualFold(logicalOperator, "or") {
		for i := range filters {
			if filters[i].Holds(ctx, lookup) {
				return true
			}
		}
		return false
	}
	for i := range filters {
		if !filters[i].Holds(ctx, lookup) {
			return false
		}
	}
	return true
}
