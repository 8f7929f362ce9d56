package eval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(vars map[string]any) VarLookup {
	return func(ctx context.Context, name string) (any, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestRenderTokens(t *testing.T) {
	tc := &TemplateContext{
		Responses: map[string]string{"name": "Ada"},
		Vars:      map[string]any{"city": "London"},
	}

	t.Run("plain text passes through", func(t *testing.T) {
		out, err := RenderTokens("no markers here", tc)
		require.NoError(t, err)
		assert.Equal(t, "no markers here", out)
	})

	t.Run("responses and vars are addressable", func(t *testing.T) {
		out, err := RenderTokens("{{.responses.name}} lives in {{.vars.city}}", tc)
		require.NoError(t, err)
		assert.Equal(t, "Ada lives in London", out)
	})

	t.Run("missing keys render empty", func(t *testing.T) {
		out, err := RenderTokens("[{{.vars.missing}}]", tc)
		require.NoError(t, err)
		assert.Equal(t, "[]", out)
	})

	t.Run("helper functions apply", func(t *testing.T) {
		out, err := RenderTokens(`{{upper .responses.name}} {{default "n/a" .vars.missing}}`, tc)
		require.NoError(t, err)
		assert.Equal(t, "ADA n/a", out)
	})

	t.Run("broken templates report the error", func(t *testing.T) {
		_, err := RenderTokens("{{.vars.city", tc)
		assert.Error(t, err)
	})
}

func TestEvaluateEntity(t *testing.T) {
	ctx := context.Background()
	lookup := mapLookup(map[string]any{"age": "41"})

	tests := []struct {
		name   string
		entity *Entity
		want   any
		ok     bool
	}{
		{"text value", &Entity{Type: "text", TextValue: "hello"}, "hello", true},
		{"number value", &Entity{Type: "number", NumberValue: " 12.5 "}, 12.5, true},
		{"bad number", &Entity{Type: "number", NumberValue: "twelve"}, nil, false},
		{"attribute", &Entity{Type: "attribute", Attribute: &AttributeRef{Name: "age"}}, "41", true},
		{"unknown attribute", &Entity{Type: "attribute", Attribute: &AttributeRef{Name: "nope"}}, nil, false},
		{"unknown type", &Entity{Type: "blob"}, nil, false},
		{"nil entity", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EvaluateEntity(ctx, tt.entity, lookup)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	t.Run("date value", func(t *testing.T) {
		got, ok := EvaluateEntity(ctx, &Entity{Type: "date", DateValue: "2024-06-01"}, nil)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("currenttime keyword", func(t *testing.T) {
		got, ok := EvaluateEntity(ctx, &Entity{Type: "keyword", Keyword: "currentTime"}, nil)
		require.True(t, ok)
		assert.WithinDuration(t, time.Now(), got.(time.Time), time.Minute)
	})
}

func TestEvaluateOperation(t *testing.T) {
	ctx := context.Background()
	num := func(v string) *Entity { return &Entity{Type: "number", NumberValue: v} }
	date := func(v string) *Entity { return &Entity{Type: "date", DateValue: v} }

	t.Run("arithmetic", func(t *testing.T) {
		tests := []struct {
			operand string
			want    float64
		}{
			{"add", 7},
			{"subtract", 3},
			{"multiply", 10},
			{"divide", 2.5},
		}
		for _, tt := range tests {
			got, ok := EvaluateOperation(ctx, &Operation{Operand: tt.operand, First: num("5"), Second: num("2")}, nil)
			require.True(t, ok, tt.operand)
			assert.Equal(t, tt.want, got, tt.operand)
		}
	})

	t.Run("bitwise", func(t *testing.T) {
		got, ok := EvaluateOperation(ctx, &Operation{Operand: "and", First: num("6"), Second: num("3")}, nil)
		require.True(t, ok)
		assert.Equal(t, float64(2), got)

		got, ok = EvaluateOperation(ctx, &Operation{Operand: "or", First: num("6"), Second: num("3")}, nil)
		require.True(t, ok)
		assert.Equal(t, float64(7), got)
	})

	t.Run("date arithmetic", func(t *testing.T) {
		got, ok := EvaluateOperation(ctx, &Operation{Operand: "addDays", First: date("2024-06-01"), Second: num("3")}, nil)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC), got)

		got, ok = EvaluateOperation(ctx, &Operation{Operand: "subtractHours", First: date("2024-06-01"), Second: num("2")}, nil)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 5, 31, 22, 0, 0, 0, time.UTC), got)
	})

	t.Run("unresolvable operands fail", func(t *testing.T) {
		_, ok := EvaluateOperation(ctx, &Operation{Operand: "add", First: num("x"), Second: num("2")}, nil)
		assert.False(t, ok)
		_, ok = EvaluateOperation(ctx, &Operation{Operand: "frobnicate", First: num("1"), Second: num("2")}, nil)
		assert.False(t, ok)
		_, ok = EvaluateOperation(ctx, nil, nil)
		assert.False(t, ok)
	})
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare(CompareIs, "a", "a"))
	assert.True(t, Compare(CompareIs, 5, "5"))
	assert.True(t, Compare(CompareIsNot, "a", "b"))
	assert.True(t, Compare(CompareGreaterThan, "10", 9))
	assert.True(t, Compare(CompareSmallerOrEqual, 3, 3))
	assert.False(t, Compare(CompareGreaterThan, "not a number", 1))
	assert.False(t, Compare("unknown", "a", "a"))
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	lookup := mapLookup(map[string]any{"age": "30", "tier": "gold"})

	ageOver := Filter{
		FilterBy:  "attribute",
		Item:      &AttributeRef{Name: "age"},
		Value:     "18",
		Operation: CompareGreaterThan,
	}
	tierGold := Filter{
		FilterBy:  "attribute",
		Item:      &AttributeRef{Name: "tier"},
		Value:     "gold",
		Operation: CompareIs,
	}
	tierSilver := Filter{
		FilterBy:  "attribute",
		Item:      &AttributeRef{Name: "tier"},
		Value:     "silver",
		Operation: CompareIs,
	}

	t.Run("attribute filter", func(t *testing.T) {
		assert.True(t, ageOver.Holds(ctx, lookup))
		assert.False(t, tierSilver.Holds(ctx, lookup))
	})

	t.Run("calculation filter", func(t *testing.T) {
		f := Filter{
			FilterBy: "calculation",
			First: &Calculation{Type: "operation", Operation: &Operation{
				Operand: "add",
				First:   &Entity{Type: "attribute", Attribute: &AttributeRef{Name: "age"}},
				Second:  &Entity{Type: "number", NumberValue: "10"},
			}},
			Second:     &Calculation{Type: "simplevalue", Value: &Entity{Type: "number", NumberValue: "40"}},
			Comparator: CompareIs,
		}
		assert.True(t, f.Holds(ctx, lookup))
	})

	t.Run("malformed filters are false", func(t *testing.T) {
		var f *Filter
		assert.False(t, f.Holds(ctx, lookup))
		assert.False(t, (&Filter{FilterBy: "attribute"}).Holds(ctx, lookup))
	})

	t.Run("and semantics", func(t *testing.T) {
		assert.True(t, FiltersHold(ctx, []Filter{ageOver, tierGold}, "", lookup))
		assert.False(t, FiltersHold(ctx, []Filter{ageOver, tierSilver}, "and", lookup))
	})

	t.Run("or semantics", func(t *testing.T) {
		assert.True(t, FiltersHold(ctx, []Filter{tierSilver, tierGold}, "or", lookup))
		assert.False(t, FiltersHold(ctx, []Filter{tierSilver, tierSilver}, "or", lookup))
	})

	t.Run("empty list holds", func(t *testing.T) {
		assert.True(t, FiltersHold(ctx, nil, "and", lookup))
	})
}

func TestDialogueRedirect(t *testing.T) {
	ctx := context.Background()
	lookup := mapLookup(map[string]any{"tier": "gold"})

	tierIs := func(v string) []Filter {
		return []Filter{{
			FilterBy:  "attribute",
			Item:      &AttributeRef{Name: "tier"},
			Value:     v,
			Operation: CompareIs,
		}}
	}

	t.Run("primary condition wins", func(t *testing.T) {
		r := &DialogueRedirect{
			Filters:        tierIs("gold"),
			DialogueGroups: []string{"vip menu"},
			ElseConditions: []ConditionGroup[string]{{Items: []string{"standard menu"}}},
		}
		phrase, ok := r.Resolve(ctx, lookup, nil)
		require.True(t, ok)
		assert.Equal(t, "vip menu", phrase)
	})

	t.Run("else conditions apply in order", func(t *testing.T) {
		r := &DialogueRedirect{
			Filters:        tierIs("silver"),
			DialogueGroups: []string{"vip menu"},
			ElseConditions: []ConditionGroup[string]{
				{Filters: tierIs("bronze"), Items: []string{"bronze menu"}},
				{Items: []string{"standard menu"}},
			},
		}
		phrase, ok := r.Resolve(ctx, lookup, nil)
		require.True(t, ok)
		assert.Equal(t, "standard menu", phrase)
	})

	t.Run("no matching group", func(t *testing.T) {
		r := &DialogueRedirect{Filters: tierIs("silver"), DialogueGroups: []string{"vip menu"}}
		_, ok := r.Resolve(ctx, lookup, nil)
		assert.False(t, ok)
	})

	t.Run("random selection uses the rng", func(t *testing.T) {
		r := &DialogueRedirect{
			AllowRandom:    true,
			DialogueGroups: []string{"a", "b", "c"},
		}
		phrase, ok := r.Resolve(ctx, lookup, func(n int) int { return n - 1 })
		require.True(t, ok)
		assert.Equal(t, "c", phrase)
	})
}

func TestSubscriptionLink(t *testing.T) {
	ctx := context.Background()
	lookup := mapLookup(map[string]any{"optin": "yes"})

	link := &SubscriptionLink{
		Filters: []Filter{{
			FilterBy:  "attribute",
			Item:      &AttributeRef{Name: "optin"},
			Value:     "yes",
			Operation: CompareIs,
		}},
		SubscriptionGroups: []SubscriptionGroup{{"group": "daily-digest"}},
		ElseConditions: []ConditionGroup[SubscriptionGroup]{
			{Items: []SubscriptionGroup{{"group": "none"}}},
		},
	}

	group, ok := link.Resolve(ctx, lookup, nil)
	require.True(t, ok)
	assert.Equal(t, "daily-digest", group["group"])

	link.Filters[0].Value = "no"
	group, ok = link.Resolve(ctx, lookup, nil)
	require.True(t, ok)
	assert.Equal(t, "none", group["group"])
}
