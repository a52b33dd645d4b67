package opi

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// FieldPolicy decides what happens to request keys no spec declares.
type FieldPolicy int

const (
	// IgnoreUnexpected drops undeclared keys from the validated arguments.
	IgnoreUnexpected FieldPolicy = iota
	// RejectUnexpected fails validation on the first undeclared key.
	RejectUnexpected
)

// Validate checks m against specs and returns the validated arguments. It
// stops at the first violation: specs are checked in declared order, then
// undeclared keys in sorted order. m is never modified.
func Validate(m Message, cmd Command, specs []ParameterSpec, policy FieldPolicy) (Args, error) {
	args := make(Args, len(specs))
	for _, spec := range specs {
		v, ok := m[spec.Name]
		if !ok || v == nil {
			if !spec.Optional {
				return nil, MissingField(cmd, spec.Name)
			}
			if spec.Default != nil {
				args[spec.Name] = spec.Default
			}
			continue
		}
		val, err := checkValue(cmd, spec, v)
		if err != nil {
			return nil, err
		}
		args[spec.Name] = val
	}

	if policy == RejectUnexpected {
		if name, ok := firstUnexpected(m, specs); ok {
			return nil, UnexpectedField(cmd, name, m[name])
		}
	}
	return args, nil
}

// Unexpected lists the undeclared keys of m in sorted order.
func Unexpected(m Message, specs []ParameterSpec) []string {
	declared := make(map[string]bool, len(specs)+1)
	declared[CommandKey] = true
	for _, s := range specs {
		declared[s.Name] = true
	}
	var extra []string
	for k := range m {
		if !declared[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func firstUnexpected(m Message, specs []ParameterSpec) (string, bool) {
	extra := Unexpected(m, specs)
	if len(extra) == 0 {
		return "", false
	}
	return extra[0], true
}

func checkValue(cmd Command, spec ParameterSpec, v any) (any, error) {
	list, isList := v.([]any)
	if spec.Type.List != isList {
		return nil, typeError(cmd, spec, v, -1)
	}
	if !isList {
		return checkScalar(cmd, spec, v, -1)
	}
	out := make([]any, len(list))
	for i, e := range list {
		val, err := checkScalar(cmd, spec, e, i)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func checkScalar(cmd Command, spec ParameterSpec, v any, index int) (any, error) {
	switch spec.Type.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(cmd, spec, v, index)
		}
		return s, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeError(cmd, spec, v, index)
		}
		return b, nil
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(cmd, spec, v, index)
		}
		for _, e := range spec.Enum {
			if s == e {
				return s, nil
			}
		}
		return nil, &ValidationError{Command: cmd, Field: spec.Name, Reason: ReasonEnum, Expected: spec.expected(), Actual: s, Index: index}
	case KindDouble, KindInt:
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) {
			return nil, typeError(cmd, spec, v, index)
		}
		if spec.Type.Kind == KindInt && f != math.Trunc(f) {
			return nil, typeError(cmd, spec, v, index)
		}
		if f < spec.Min || f > spec.Max {
			return nil, &ValidationError{Command: cmd, Field: spec.Name, Reason: ReasonRange, Expected: spec.expected(), Actual: f, Index: index}
		}
		return f, nil
	}
	return nil, typeError(cmd, spec, v, index)
}

func typeError(cmd Command, spec ParameterSpec, v any, index int) *ValidationError {
	return &ValidationError{Command: cmd, Field: spec.Name, Reason: ReasonType, Expected: spec.expected(), Actual: describe(v), Index: index}
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case string:
		return strconv.Quote(x)
	}
	return fmt.Sprintf("%v", v)
}

func formatRange(min, max float64) string {
	return "[" + formatBound(min) + ", " + formatBound(max) + "]"
}

func formatBound(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// CheckReply compares a backend reply with the declared reply fields and
// returns a description of every mismatch. Outbound replies are never
// rejected; the result is only logged.
func CheckReply(reply Message, returns []ReturnSpec) []string {
	var problems []string
	for _, r := range returns {
		v, ok := reply[r.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %q", r.Name))
			continue
		}
		if !replyTypeMatches(r.Type, v) {
			problems = append(problems, fmt.Sprintf("%q: expected %s, got %T", r.Name, r.Type, v))
		}
	}
	return problems
}

func replyTypeMatches(t Type, v any) bool {
	if t.List {
		switch v.(type) {
		case []any, []float64, []string, []bool:
			return true
		}
		return false
	}
	switch t.Kind {
	case KindString, KindEnum:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindDouble, KindInt:
		switch v.(type) {
		case float64, float32, int, int64, int32, uint, uint64:
			return true
		}
	}
	return false
}
