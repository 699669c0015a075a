package abac

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// CONDITION LANGUAGE
// ============================================================================

// OperatorKind is the closed set of operators allowed inside an operator object
type OperatorKind string

const (
	OpEquals      OperatorKind = "equals"
	OpNotEquals   OperatorKind = "not_equals"
	OpContains    OperatorKind = "contains"
	OpIn          OperatorKind = "in"
	OpGreaterThan OperatorKind = "greater_than"
	OpLessThan    OperatorKind = "less_than"
	OpRegex       OperatorKind = "regex"
)

// Valid reports whether k is a supported operator
func (k OperatorKind) Valid() bool {
	switch k {
	case OpEquals, OpNotEquals, OpContains, OpIn, OpGreaterThan, OpLessThan, OpRegex:
		return true
	}
	return false
}

// Condition is the per-key sub-condition: either a Literal or an OperatorSet
type Condition interface {
	Match(value any) (bool, error)
	String() string
}

// Literal matches by equality
type Literal struct {
	Value any
}

func (l Literal) Match(value any) (bool, error) {
	return equalValues(value, l.Value), nil
}

func (l Literal) String() string {
	return fmt.Sprintf("== %v", l.Value)
}

// Operand is a single operator with its right-hand value
type Operand struct {
	Op    OperatorKind
	Value any
	re    *regexp.Regexp
}

// OperatorSet holds operands that must all match
type OperatorSet []Operand

func (s OperatorSet) Match(value any) (bool, error) {
	for _, o := range s {
		ok, err := o.match(value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s OperatorSet) String() string {
	parts := make([]string, 0, len(s))
	for _, o := range s {
		parts = append(parts, fmt.Sprintf("%s %v", o.Op, o.Value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (o Operand) match(value any) (bool, error) {
	switch o.Op {
	case OpEquals:
		return equalValues(value, o.Value), nil
	case OpNotEquals:
		return !equalValues(value, o.Value), nil
	case OpContains:
		return containsValue(value, o.Value)
	case OpIn:
		return containsValue(o.Value, value)
	case OpGreaterThan:
		c, err := compareOrdered(value, o.Value)
		return err == nil && c > 0, err
	case OpLessThan:
		c, err := compareOrdered(value, o.Value)
		return err == nil && c < 0, err
	case OpRegex:
		return o.re.MatchString(stringForm(value)), nil
	}
	return false, fmt.Errorf("%w: unsupported operator %q", ErrPolicyConfiguration, o.Op)
}

// Clause binds a context key to its condition
type Clause struct {
	Key       string
	Condition Condition
}

// Conditions is a compiled condition tree. Clauses are sorted by key so
// evaluation order and error reporting are deterministic.
type Conditions []Clause

// Evaluate returns true when every clause matches. An empty tree matches.
func (c Conditions) Evaluate(ctx *EvaluationContext) (bool, error) {
	for _, cl := range c {
		v, ok := resolveKey(ctx, cl.Key)
		if !ok {
			return false, nil
		}
		matched, err := cl.Condition.Match(v)
		if err != nil {
			return false, fmt.Errorf("key %q: %w", cl.Key, err)
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (c Conditions) String() string {
	if len(c) == 0 {
		return "true"
	}
	parts := make([]string, 0, len(c))
	for _, cl := range c {
		parts = append(parts, cl.Key+" "+cl.Condition.String())
	}
	return strings.Join(parts, " AND ")
}

// CompileConditions validates a raw condition tree and compiles it. Unknown
// operators, malformed operands and invalid patterns yield a
// *PolicyConfigurationError.
func CompileConditions(raw map[string]any) (Conditions, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Conditions, 0, len(keys))
	for _, k := range keys {
		cond, err := compileCondition(k, raw[k])
		if err != nil {
			return nil, err
		}
		out = append(out, Clause{Key: k, Condition: cond})
	}
	return out, nil
}

// EvaluateConditions compiles and evaluates raw against ctx in one step
func EvaluateConditions(raw map[string]any, ctx *EvaluationContext) (bool, error) {
	c, err := CompileConditions(raw)
	if err != nil {
		return false, err
	}
	return c.Evaluate(ctx)
}

func compileCondition(key string, v any) (Condition, error) {
	ops, ok := asObject(v)
	if !ok {
		return Literal{Value: normalize(v)}, nil
	}
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	set := make(OperatorSet, 0, len(names))
	for _, name := range names {
		kind := OperatorKind(name)
		if !kind.Valid() {
			return nil, &PolicyConfigurationError{Key: key, Reason: fmt.Sprintf("unsupported operator %q", name)}
		}
		operand := Operand{Op: kind, Value: normalize(ops[name])}
		switch kind {
		case OpIn:
			if _, ok := operand.Value.([]any); !ok {
				return nil, &PolicyConfigurationError{Key: key, Reason: "in requires a list operand"}
			}
		case OpGreaterThan, OpLessThan:
			switch operand.Value.(type) {
			case float64, string:
			default:
				return nil, &PolicyConfigurationError{Key: key, Reason: fmt.Sprintf("%s requires a number or string operand", kind)}
			}
		case OpRegex:
			pattern, ok := operand.Value.(string)
			if !ok {
				return nil, &PolicyConfigurationError{Key: key, Reason: "regex requires a string pattern"}
			}
			re, err := regexp.Compile(`^(?:` + pattern + `)`)
			if err != nil {
				return nil, &PolicyConfigurationError{Key: key, Reason: fmt.Sprintf("invalid regex: %v", err)}
			}
			operand.re = re
		}
		set = append(set, operand)
	}
	return set, nil
}

// ValidateConditions reports the first configuration error in raw, if any
func ValidateConditions(raw map[string]any) error {
	_, err := CompileConditions(raw)
	return err
}

// resolveKey looks a condition key up in the context. "action" is the action;
// "user.", "resource.", "environment." (or "env.") select a namespace and walk
// nested maps; a bare key is tried against user, resource and environment in
// that order.
func resolveKey(ctx *EvaluationContext, key string) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	if key == "action" {
		return ctx.Action, true
	}
	head, rest, dotted := strings.Cut(key, ".")
	switch head {
	case "user":
		if !dotted {
			return ctx.User, ctx.User != nil
		}
		return walk(ctx.User, rest)
	case "resource":
		if !dotted {
			return ctx.Resource, ctx.Resource != nil
		}
		return walk(ctx.Resource, rest)
	case "environment", "env":
		if !dotted {
			return ctx.Environment, ctx.Environment != nil
		}
		return walk(ctx.Environment, rest)
	}
	for _, ns := range []map[string]any{ctx.User, ctx.Resource, ctx.Environment} {
		if v, ok := walk(ns, key); ok {
			return v, true
		}
	}
	return nil, false
}

func walk(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, dotted := strings.Cut(path, ".")
	if !dotted {
		return nil, false
	}
	next, ok := asObject(m[head])
	if !ok {
		return nil, false
	}
	return walk(next, rest)
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// normalize maps every numeric type to float64 and every slice to []any so
// values coming from JSON, YAML and Go callers compare alike
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		m, _ := asObject(x)
		return normalize(m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// containsValue reports whether needle is a member of haystack: substring for
// strings, element equality for lists, key presence for objects
func containsValue(haystack, needle any) (bool, error) {
	switch h := normalize(haystack).(type) {
	case string:
		n, ok := normalize(needle).(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot test %T in string", ErrConditionEvaluation, needle)
		}
		return strings.Contains(h, n), nil
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		n, ok := normalize(needle).(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot test %T in object", ErrConditionEvaluation, needle)
		}
		_, found := h[n]
		return found, nil
	}
	return false, fmt.Errorf("%w: %T is not a collection", ErrConditionEvaluation, haystack)
}

func compareOrdered(a, b any) (int, error) {
	switch av := normalize(a).(type) {
	case float64:
		if bv, ok := normalize(b).(float64); ok {
			switch {
			case av == bv:
				return 0, nil
			case av < bv:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case string:
		if bv, ok := normalize(b).(string); ok {
			return strings.Compare(av, bv), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot order %T against %T", ErrConditionEvaluation, a, b)
}

func stringForm(v any) string {
	switch x := normalize(v).(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
