// Package resolver substitutes ${input.x} and ${steps.id.path} placeholders
// in step input templates with concrete values.
//
// A string that is exactly one placeholder is replaced by the referenced
// value with its original type. Placeholders embedded in longer strings are
// replaced textually; non-string values are JSON-encoded first.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)
	wholeRe       = regexp.MustCompile(`^\$\{([^}]+)\}$`)
)

// ErrUnresolvedVariable matches every *UnresolvedVariableError.
var ErrUnresolvedVariable = errors.New("unresolved variable")

// UnresolvedVariableError reports a placeholder that could not be resolved.
type UnresolvedVariableError struct {
	Expr   string
	Reason string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable ${%s}: %s", e.Expr, e.Reason)
}

// Is makes errors.Is(err, ErrUnresolvedVariable) work.
func (e *UnresolvedVariableError) Is(target error) bool {
	return target == ErrUnresolvedVariable
}

// Kind is the root a reference resolves against.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindStep
)

// Reference is one parsed placeholder.
type Reference struct {
	Expr string
	Kind Kind
	// StepID is set for KindStep.
	StepID string
	// Path is the dotted path below the root; empty means the whole value.
	Path []string
}

// ParseReference parses the expression inside ${...}.
func ParseReference(expr string) Reference {
	ref := Reference{Expr: expr}
	parts := strings.Split(strings.TrimSpace(expr), ".")
	for _, p := range parts {
		if p == "" {
			return ref
		}
	}
	switch parts[0] {
	case "input":
		ref.Kind = KindInput
		ref.Path = parts[1:]
	case "steps":
		if len(parts) < 2 {
			return ref
		}
		ref.Kind = KindStep
		ref.StepID = parts[1]
		ref.Path = parts[2:]
	}
	return ref
}

// Scope is what placeholders resolve against.
type Scope struct {
	Input map[string]any
	// Steps maps step id to that step's recorded output.
	Steps map[string]any
}

// Resolver resolves templates. The zero value is strict: any missing
// reference is an error.
type Resolver struct {
	// OnMissing, when set, supplies a value for a reference that cannot be
	// resolved. Returning an error aborts resolution.
	OnMissing func(ref Reference, cause *UnresolvedVariableError) (any, error)
}

// Resolve resolves template strictly against scope.
func Resolve(template any, scope Scope) (any, error) {
	return (&Resolver{}).Resolve(template, scope)
}

// ResolveMap is Resolve for the common map-shaped step input.
func ResolveMap(template map[string]any, scope Scope) (map[string]any, error) {
	return (&Resolver{}).ResolveMap(template, scope)
}

// ResolveMap resolves a map template. A nil template yields an empty map.
func (r *Resolver) ResolveMap(template map[string]any, scope Scope) (map[string]any, error) {
	if template == nil {
		return map[string]any{}, nil
	}
	v, err := r.Resolve(template, scope)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Resolve returns a copy of template with every placeholder substituted.
// The template itself is never modified.
func (r *Resolver) Resolve(template any, scope Scope) (any, error) {
	switch t := template.(type) {
	case string:
		return r.resolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			rv, err := r.Resolve(v, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			rv, err := r.Resolve(v, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, v := range t {
			rv, err := r.resolveString(v, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return template, nil
	}
}

func (r *Resolver) resolveString(s string, scope Scope) (any, error) {
	if m := wholeRe.FindStringSubmatch(s); m != nil {
		return r.value(m[1], scope)
	}
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		v, err := r.value(match[2:len(match)-1], scope)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (r *Resolver) value(expr string, scope Scope) (any, error) {
	ref := ParseReference(expr)
	v, err := lookupRef(ref, scope)
	if err == nil {
		return v, nil
	}
	var uerr *UnresolvedVariableError
	if r.OnMissing != nil && errors.As(err, &uerr) {
		return r.OnMissing(ref, uerr)
	}
	return nil, err
}

func lookupRef(ref Reference, scope Scope) (any, error) {
	switch ref.Kind {
	case KindInput:
		if scope.Input == nil {
			return nil, &UnresolvedVariableError{Expr: ref.Expr, Reason: "no input"}
		}
		v, ok := Lookup(scope.Input, ref.Path)
		if !ok {
			return nil, &UnresolvedVariableError{Expr: ref.Expr, Reason: "path not found in input"}
		}
		return v, nil
	case KindStep:
		out, ok := scope.Steps[ref.StepID]
		if !ok {
			return nil, &UnresolvedVariableError{Expr: ref.Expr, Reason: fmt.Sprintf("step %q has no output", ref.StepID)}
		}
		v, ok := Lookup(out, ref.Path)
		if !ok {
			return nil, &UnresolvedVariableError{Expr: ref.Expr, Reason: fmt.Sprintf("path not found in output of step %q", ref.StepID)}
		}
		return v, nil
	default:
		return nil, &UnresolvedVariableError{Expr: ref.Expr, Reason: "expected input.<path> or steps.<id>.<path>"}
	}
}

// Lookup walks path through nested maps and slices. Numeric segments index
// slices.
func Lookup(value any, path []string) (any, bool) {
	cur := value
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// References lists every placeholder in template. Map keys are visited in
// sorted order so the result is deterministic.
func References(template any) []Reference {
	var refs []Reference
	collect(template, &refs)
	return refs
}

func collect(v any, refs *[]Reference) {
	switch t := v.(type) {
	case string:
		for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
			*refs = append(*refs, ParseReference(m[1]))
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(t[k], refs)
		}
	case []any:
		for _, e := range t {
			collect(e, refs)
		}
	case []string:
		for _, e := range t {
			collect(e, refs)
		}
	}
}

// HasPlaceholder reports whether any string inside v still contains ${...}.
func HasPlaceholder(v any) bool {
	return len(References(v)) > 0
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
