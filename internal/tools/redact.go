package tools

import "regexp"

// Redactor masks secrets and contact details before tool params or results are logged or audited.
type Redactor struct {
	patterns []*regexp.Regexp
}

func DefaultRedactPatterns() []string {
	return []string{
		`(?i)token=\w+`,
		`(?i)secret=\w+`,
		`(?i)bearer\s+[A-Za-z0-9._\-]+`,
		`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	}
}

func NewRedactor(patterns []string) *Redactor {
	if len(patterns) == 0 {
		return nil
	}
	var compiled []*regexp.Regexp
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	if len(compiled) == 0 {
		return nil
	}
	return &Redactor{patterns: compiled}
}

func (r *Redactor) RedactString(input string) string {
	if r == nil || input == "" {
		return input
	}
	out := input
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, "***")
	}
	return out
}

// RedactParams returns a deep copy of params with every string value redacted.
func (r *Redactor) RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.RedactString(val)
	case []string:
		cp := make([]string, len(val))
		for i, s := range val {
			cp[i] = r.RedactString(s)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = r.redactValue(item)
		}
		return cp
	case map[string]any:
		return r.RedactParams(val)
	default:
		return v
	}
}
