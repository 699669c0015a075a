package abac

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var clauseRe = regexp.MustCompile(`^([A-Za-z0-9_\.]+)\s*(==|!=|=~|>|<|\bin\b|\bcontains\b|\bmatches\b)\s*(.+)$`)

var clauseOps = map[string]OperatorKind{
	"!=":       OpNotEquals,
	">":        OpGreaterThan,
	"<":        OpLessThan,
	"in":       OpIn,
	"contains": OpContains,
	"=~":       OpRegex,
	"matches":  OpRegex,
}

// ParseCondition parses a single clause such as
//
//	user.department == "engineering"
//	user.clearance_level > 3
//	resource.classification in [public, internal]
//	user.email =~ ".*@corp\\.com"
//
// into the key and raw condition value stored on a Policy
func ParseCondition(s string) (string, any, error) {
	s = strings.TrimSpace(s)
	m := clauseRe.FindStringSubmatch(s)
	if len(m) != 4 {
		return "", nil, fmt.Errorf("unsupported condition syntax: %s", s)
	}
	key, op := m[1], m[2]
	value, err := parseValue(strings.TrimSpace(m[3]))
	if err != nil {
		return "", nil, fmt.Errorf("condition %s: %w", key, err)
	}
	if op == "==" {
		return key, value, nil
	}
	kind := clauseOps[op]
	if kind == OpIn {
		if _, ok := value.([]any); !ok {
			return "", nil, fmt.Errorf("condition %s: in requires a [list]", key)
		}
	}
	return key, map[string]any{string(kind): value}, nil
}

// ParseConditions parses clauses joined by && into a condition tree. Clauses
// on the same key are merged into one operator object.
func ParseConditions(s string) (map[string]any, error) {
	out := make(map[string]any)
	s = strings.TrimSpace(s)
	if s == "" || s == "true" {
		return out, nil
	}
	for _, clause := range splitOutsideQuotes(s, "&&") {
		key, value, err := ParseCondition(clause)
		if err != nil {
			return nil, err
		}
		prev, ok := out[key]
		if !ok {
			out[key] = value
			continue
		}
		merged := operatorForm(prev)
		for op, v := range operatorForm(value) {
			if _, dup := merged[op]; dup {
				return nil, fmt.Errorf("condition %s: operator %s given twice", key, op)
			}
			merged[op] = v
		}
		out[key] = merged
	}
	return out, nil
}

func operatorForm(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		cp := make(map[string]any, len(m))
		for k, x := range m {
			cp[k] = x
		}
		return cp
	}
	return map[string]any{string(OpEquals): v}
}

var opSymbols = map[OperatorKind]string{
	OpEquals:      "==",
	OpNotEquals:   "!=",
	OpGreaterThan: ">",
	OpLessThan:    "<",
	OpIn:          "in",
	OpContains:    "contains",
	OpRegex:       "=~",
}

// FormatConditions renders a condition tree in the clause syntax accepted by
// ParseConditions
func FormatConditions(raw map[string]any) (string, error) {
	if len(raw) == 0 {
		return "true", nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clauses := make([]string, 0, len(keys))
	for _, k := range keys {
		obj, isObj := asObject(raw[k])
		if !isObj {
			v, err := formatValue(raw[k])
			if err != nil {
				return "", fmt.Errorf("condition %s: %w", k, err)
			}
			clauses = append(clauses, k+" == "+v)
			continue
		}
		ops := make([]string, 0, len(obj))
		for op := range obj {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			sym, ok := opSymbols[OperatorKind(op)]
			if !ok {
				return "", &PolicyConfigurationError{Key: k, Reason: "unknown operator " + op}
			}
			v, err := formatValue(obj[op])
			if err != nil {
				return "", fmt.Errorf("condition %s: %w", k, err)
			}
			clauses = append(clauses, k+" "+sym+" "+v)
		}
	}
	return strings.Join(clauses, " && "), nil
}

func parseValue(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	if s[0] == '[' {
		if s[len(s)-1] != ']' {
			return nil, fmt.Errorf("unterminated list: %s", s)
		}
		inner := strings.TrimSpace(s[1 : len(s)-1])
		out := make([]any, 0)
		if inner == "" {
			return out, nil
		}
		for _, item := range splitOutsideQuotes(inner, ",") {
			v, err := parseValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	if s[0] == '"' {
		return strconv.Unquote(s)
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

func formatValue(v any) (string, error) {
	switch x := normalize(v).(type) {
	case nil:
		return "null", nil
	case string:
		return strconv.Quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := formatValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	return "", fmt.Errorf("value %v has no clause form", v)
}

// splitOutsideQuotes splits s on sep, ignoring separators inside double
// quotes or brackets
func splitOutsideQuotes(s, sep string) []string {
	parts := make([]string, 0, 4)
	depth, start := 0, 0
	inQuote, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inQuote && ch == '\\':
			escaped = true
		case ch == '"':
			inQuote = !inQuote
		case inQuote:
		case ch == '[':
			depth++
		case ch == ']':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}
