package eval

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// TemplateContext is the data exposed to message templates. Fields are
// addressed in lower case, e.g. {{.vars.age}} or {{.responses.name}}.
type TemplateContext struct {
	Identity  any
	Responses map[string]string
	Origin    any
	Vars      map[string]any
}

func (tc *TemplateContext) toMap() map[string]any {
	return map[string]any{
		"identity":  tc.Identity,
		"responses": tc.Responses,
		"origin":    tc.Origin,
		"vars":      tc.Vars,
	}
}

// RenderTokens replaces template tokens in text using Go's text/template
// package. Callers treat errors as non-fatal and fall back to the raw
// text.
func RenderTokens(text string, tc *TemplateContext) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("message").Funcs(template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": func(s string) string {
			if len(s) == 0 {
				return s
			}
			return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
		},
		"join": func(sep string, items []any) string {
			strItems := make([]string, len(items))
			for i, item := range items {
				strItems[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strItems, sep)
		},
	}).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tc.toMap()); err != nil {
		return "", err
	}

	// missingkey=zero renders absent map values as "<no value>"; blank them
	// to match the empty-answer contract.
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
