package eval

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// VarLookup resolves a named variable, checking conversation memory first
// and the persistence collaborator second. The bool reports whether a
// usable value was found.
type VarLookup func(ctx context.Context, name string) (any, bool)

// AttributeRef names a stored variable.
type AttributeRef struct {
	Name string `json:"name" yaml:"name"`
}

// Entity is one typed operand of a scripted operation. Exactly one of the
// value fields is meaningful, selected by Type.
type Entity struct {
	Type        string        `json:"type" yaml:"type"` // text, number, date, keyword, attribute
	TextValue   string        `json:"textValue,omitempty" yaml:"textValue,omitempty"`
	NumberValue string        `json:"numberValue,omitempty" yaml:"numberValue,omitempty"`
	DateValue   string        `json:"dateValue,omitempty" yaml:"dateValue,omitempty"`
	Keyword     string        `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Attribute   *AttributeRef `json:"attribute,omitempty" yaml:"attribute,omitempty"`
}

// Operation combines two entities with an operand: bitwise and/or,
// arithmetic add/subtract/multiply/divide, or date arithmetic over
// days/hours/minutes.
type Operation struct {
	Operand string  `json:"operand" yaml:"operand"`
	First   *Entity `json:"firstEntity" yaml:"firstEntity"`
	Second  *Entity `json:"secondEntity" yaml:"secondEntity"`
}

// Calculation is either a simple entity value or a nested operation.
type Calculation struct {
	Type      string     `json:"type" yaml:"type"` // simplevalue, operation
	Value     *Entity    `json:"valueEntity,omitempty" yaml:"valueEntity,omitempty"`
	Operation *Operation `json:"operation,omitempty" yaml:"operation,omitempty"`
}

// EvaluateEntity resolves an entity to a concrete value. The bool is false
// when the entity is absent, malformed, or its attribute cannot be found.
func EvaluateEntity(ctx context.Context, e *Entity, lookup VarLookup) (any, bool) {
	if e == nil {
		return nil, false
	}
	switch strings.ToLower(e.Type) {
	case "text":
		return e.TextValue, true
	case "number":
		n, err := strconv.ParseFloat(strings.TrimSpace(e.NumberValue), 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case "date":
		t, ok := parseDate(e.DateValue)
		if !ok {
			return nil, false
		}
		return t, true
	case "keyword":
		if strings.EqualFold(e.Keyword, "currenttime") {
			return time.Now(), true
		}
		return nil, false
	case "attribute":
		if e.Attribute == nil || lookup == nil {
			return nil, false
		}
		return lookup(ctx, e.Attribute.Name)
	default:
		return nil, false
	}
}

// EvaluateOperation resolves both entities and applies the operand. The
// bool is false when either operand is unresolvable or the operand is
// unknown.
func EvaluateOperation(ctx context.Context, op *Operation, lookup VarLookup) (any, bool) {
	if op == nil || op.Operand == "" || op.First == nil || op.Second == nil {
		return nil, false
	}
	first, ok := EvaluateEntity(ctx, op.First, lookup)
	if !ok {
		return nil, false
	}
	second, ok := EvaluateEntity(ctx, op.Second, lookup)
	if !ok {
		return nil, false
	}

	switch strings.ToLower(op.Operand) {
	case "and":
		a, aok := toNumber(first)
		b, bok := toNumber(second)
		if !aok || !bok {
			return nil, false
		}
		return float64(int64(a) & int64(b)), true
	case "or":
		a, aok := toNumber(first)
		b, bok := toNumber(second)
		if !aok || !bok {
			return nil, false
		}
		return float64(int64(a) | int64(b)), true
	case "add":
		return numericOp(first, second, func(a, b float64) float64 { return a + b })
	case "subtract":
		return numericOp(first, second, func(a, b float64) float64 { return a - b })
	case "multiply":
		return numericOp(first, second, func(a, b float64) float64 { return a * b })
	case "divide":
		return numericOp(first, second, func(a, b float64) float64 { return a / b })
	case "adddays":
		return dateOp(first, second, func(t time.Time, n float64) time.Time { return t.AddDate(0, 0, int(n)) })
	case "subtractdays":
		return dateOp(first, second, func(t time.Time, n float64) time.Time { return t.AddDate(0, 0, -int(n)) })
	case "addhours":
		return dateOp(first, second, func(t time.Time, n float64) time.Time {
			return t.Add(time.Duration(n * float64(time.Hour)))
		})
	case "subtracthours":
		return dateOp(first, second, func(t time.Time, n float64) time.Time {
			return t.Add(-time.Duration(n * float64(time.Hour)))
		})
	case "addminutes":
		return dateOp(first, second, func(t time.Time, n float64) time.Time {
			return t.Add(time.Duration(n * float64(time.Minute)))
		})
	case "subtractminutes":
		return dateOp(first, second, func(t time.Time, n float64) time.Time {
			return t.Add(-time.Duration(n * float64(time.Minute)))
		})
	default:
		return nil, false
	}
}

// EvaluateCalculation resolves a calculation to a concrete value.
func EvaluateCalculation(ctx context.Context, c *Calculation, lookup VarLookup) (any, bool) {
	if c == nil || c.Type == "" {
		return nil, false
	}
	switch strings.ToLower(c.Type) {
	case "simplevalue":
		return EvaluateEntity(ctx, c.Value, lookup)
	case "operation":
		return EvaluateOperation(ctx, c.Operation, lookup)
	default:
		return nil, false
	}
}

func numericOp(first, second any, f func(a, b float64) float64) (any, bool) {
	a, aok := toNumber(first)
	b, bok := toNumber(second)
	if !aok || !bok {
		return nil, false
	}
	return f(a, b), true
}

func dateOp(first, second any, f func(t time.Time, n float64) time.Time) (any, bool) {
	t, tok := toDate(first)
	n, nok := toNumber(second)
	if !tok || !nok {
		return nil, false
	}
	return f(t, n), true
}

// toNumber coerces strings, integers and floats to float64.
func toNumber(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// toDate coerces time values, RFC 3339 / common date strings and epoch
// milliseconds to time.Time.
func toDate(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		return parseDate(tv)
	case float64:
		return time.UnixMilli(int64(tv)), true
	case int64:
		return time.UnixMilli(tv), true
	default:
		return time.Time{}, false
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
