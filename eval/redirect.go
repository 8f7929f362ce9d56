package eval

import (
	"context"
	"math/rand"
)

// ConditionGroup pairs a filter list with the items selected when the
// filters hold. AllowRandom picks a random item instead of the first.
type ConditionGroup[T any] struct {
	Filters         []Filter `json:"filters,omitempty" yaml:"filters,omitempty"`
	AllowRandom     bool     `json:"allowRandom,omitempty" yaml:"allowRandom,omitempty"`
	LogicalOperator string   `json:"logicalOperator,omitempty" yaml:"logicalOperator,omitempty"`
	Items           []T      `json:"selectedItemGroups,omitempty" yaml:"selectedItemGroups,omitempty"`
}

// FirstMatchingItem walks the condition groups in order and returns the
// selected item of the first group whose filters hold. rng may be nil, in
// which case math/rand picks random items.
func FirstMatchingItem[T any](ctx context.Context, groups []ConditionGroup[T], lookup VarLookup, rng func(n int) int) (T, bool) {
	var zero T
	if rng == nil {
		rng = rand.Intn
	}
	for i := range groups {
		g := &groups[i]
		if !FiltersHold(ctx, g.Filters, g.LogicalOperator, lookup) {
			continue
		}
		if len(g.Items) == 0 {
			return zero, false
		}
		if !g.AllowRandom {
			return g.Items[0], true
		}
		return g.Items[rng(len(g.Items))], true
	}
	return zero, false
}

// DialogueRedirect is a scripted step directive that, when its conditions
// match, stops the current conversation and re-dispatches the selected
// trigger phrase as a new inbound event.
type DialogueRedirect struct {
	Filters         []Filter                 `json:"filters,omitempty" yaml:"filters,omitempty"`
	AllowRandom     bool                     `json:"allowRandom,omitempty" yaml:"allowRandom,omitempty"`
	LogicalOperator string                   `json:"logicalOperator,omitempty" yaml:"logicalOperator,omitempty"`
	DialogueGroups  []string                 `json:"dialogueGroups,omitempty" yaml:"dialogueGroups,omitempty"`
	ElseConditions  []ConditionGroup[string] `json:"elseConditions,omitempty" yaml:"elseConditions,omitempty"`
}

// Resolve returns the trigger phrase selected by the redirect's primary
// condition or, failing that, its else-conditions in order.
func (r *DialogueRedirect) Resolve(ctx context.Context, lookup VarLookup, rng func(n int) int) (string, bool) {
	combined := append([]ConditionGroup[string]{{
		Filters:         r.Filters,
		AllowRandom:     r.AllowRandom,
		LogicalOperator: r.LogicalOperator,
		Items:           r.DialogueGroups,
	}}, r.ElseConditions...)
	return FirstMatchingItem(ctx, combined, lookup, rng)
}

// SubscriptionGroup is an opaque subscription descriptor handed to the
// scheduler service; the engine does not interpret its contents.
type SubscriptionGroup map[string]any

// SubscriptionLink is a scripted step directive that links the user to a
// subscription group via an external scheduler service. It is evaluated
// fire-and-forget: it never blocks the steps that follow it.
type SubscriptionLink struct {
	Filters            []Filter                            `json:"filters,omitempty" yaml:"filters,omitempty"`
	AllowRandom        bool                                `json:"allowRandom,omitempty" yaml:"allowRandom,omitempty"`
	LogicalOperator    string                              `json:"logicalOperator,omitempty" yaml:"logicalOperator,omitempty"`
	LoopbackURL        string                              `json:"loopbackUrl,omitempty" yaml:"loopbackUrl,omitempty"`
	HelperAPIURL       string                              `json:"helperApiUrl,omitempty" yaml:"helperApiUrl,omitempty"`
	SubscriptionGroups []SubscriptionGroup                 `json:"subscriptionGroups,omitempty" yaml:"subscriptionGroups,omitempty"`
	ElseConditions     []ConditionGroup[SubscriptionGroup] `json:"elseConditions,omitempty" yaml:"elseConditions,omitempty"`
}

// Resolve returns the subscription group selected by the link's primary
// condition or its else-conditions.
func (s *SubscriptionLink) Resolve(ctx context.Context, lookup VarLookup, rng func(n int) int) (SubscriptionGroup, bool) {
	combined := append([]ConditionGroup[SubscriptionGroup]{{
		Filters:         s.Filters,
		AllowRandom:     s.AllowRandom,
		LogicalOperator: s.LogicalOperator,
		Items:           s.SubscriptionGroups,
	}}, s.ElseConditions...)
	return FirstMatchingItem(ctx, combined, lookup, rng)
}
