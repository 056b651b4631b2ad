package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// patternTimeout bounds a single pattern match. A timeout surfaces as a
// config error of the schema that declared the pattern.
const patternTimeout = 250 * time.Millisecond

// Keywords rejected by the restricted dialect.
var disallowedKeywords = map[string]bool{
	"if": true, "then": true, "else": true,
	"anyOf": true, "oneOf": true, "not": true,
	"dependentSchemas": true, "dependentRequired": true,
}

var annotationKeywords = map[string]bool{
	"title": true, "description": true, "default": true,
	"examples": true, "$comment": true,
}

var jsonTypes = []string{"string", "integer", "number", "boolean", "array", "object", "null"}

// Violation is one failed keyword.
type Violation struct {
	// Path is the slash separated location inside the evaluated value,
	// empty for the value itself.
	Path    string `json:"path,omitempty"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

// String returns the violation with its path prefix.
func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Predicate evaluates a reduced need. Implementations are the compiled
// fragments (select, local, inline trigger and inline link rules) and the
// type gate of an entry.
type Predicate interface {
	// Evaluate returns the violations of reduced. A non-nil error is a
	// configuration problem of the predicate itself.
	Evaluate(reduced map[string]any) ([]Violation, error)
	// Properties maps every declared property to its declared JSON type,
	// "" when the type is not declared.
	Properties() map[string]string
	// Source returns the effective schema, for debug output.
	Source() any
}

// Fragment is a compiled JSON-schema fragment.
type Fragment struct {
	root  *node
	raw   any
	props map[string]string
}

// Evaluate implements Predicate.
func (f *Fragment) Evaluate(reduced map[string]any) ([]Violation, error) {
	return f.EvaluateValue(reduced)
}

// EvaluateValue evaluates any decoded JSON value.
func (f *Fragment) EvaluateValue(v any) ([]Violation, error) {
	var out []Violation
	if err := f.root.eval(v, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Properties implements Predicate.
func (f *Fragment) Properties() map[string]string {
	return f.props
}

// Source implements Predicate.
func (f *Fragment) Source() any {
	return f.raw
}

// typeGate denies needs whose type is not listed.
type typeGate struct {
	types []string
}

func (g typeGate) Evaluate(reduced map[string]any) ([]Violation, error) {
	t, _ := reduced["type"].(string)
	if slices.Contains(g.types, t) {
		return nil, nil
	}
	return []Violation{{
		Path:    "type",
		Keyword: "types",
		Message: fmt.Sprintf("need type %s is not one of %s", formatValue(t), formatValue(g.types)),
	}}, nil
}

func (g typeGate) Properties() map[string]string {
	return map[string]string{"type": "string"}
}

func (g typeGate) Source() any {
	return map[string]any{"types": g.types}
}

// CompileFragment compiles a standalone fragment. defs resolves $ref.
func CompileFragment(raw any, defs map[string]any) (*Fragment, error) {
	fc := newFragmentCompiler("", defs)
	f := fc.fragment(raw, "")
	if len(fc.errs) > 0 {
		return nil, fc.errs[0]
	}
	return f, nil
}

type node struct {
	always *bool

	types    []string
	hasConst bool
	constVal any
	enum     []any

	pattern    *regexp2.Regexp
	patternSrc string
	minLength  *int
	maxLength  *int

	minimum          *float64
	maximum          *float64
	exclusiveMinimum *float64
	exclusiveMaximum *float64
	multipleOf       *float64

	items       *node
	contains    *node
	minItems    *int
	maxItems    *int
	minContains *int
	maxContains *int
	uniqueItems bool

	properties map[string]*node
	propOrder  []string
	required   []string
	allOf      []*node

	ref     *node
	refName string
}

type fragmentCompiler struct {
	schemaID string
	defs     map[string]any
	compiled map[string]*node
	// checked holds the nodes already searched for reference cycles.
	checked map[*node]bool
	errs    []error
}

func newFragmentCompiler(schemaID string, defs map[string]any) *fragmentCompiler {
	return &fragmentCompiler{
		schemaID: schemaID,
		defs:     defs,
		compiled: make(map[string]*node),
		checked:  make(map[*node]bool),
	}
}

func (fc *fragmentCompiler) errorf(path, format string, args ...any) {
	fc.errs = append(fc.errs, configErrorf(fc.schemaID, path, format, args...))
}

func (fc *fragmentCompiler) fragment(raw any, path string) *Fragment {
	root := fc.compile(raw, path)
	fc.checkRefCycles(root, path)
	return &Fragment{
		root:  root,
		raw:   raw,
		props: collectProperties(root),
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func (fc *fragmentCompiler) compile(raw any, path string) *node {
	n := &node{}
	switch v := raw.(type) {
	case bool:
		n.always = &v
		return n
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fc.keyword(n, k, v[k], joinPath(path, k))
		}
		return n
	default:
		fc.errorf(path, "expected schema object, got %T", raw)
		return n
	}
}

func (fc *fragmentCompiler) keyword(n *node, key string, val any, path string) {
	switch {
	case disallowedKeywords[key]:
		fc.errorf(path, "keyword %q is not supported by the restricted dialect", key)
		return
	case annotationKeywords[key]:
		return
	}

	switch key {
	case "type":
		n.types = fc.typeList(val, path)
	case "const":
		n.hasConst = true
		n.constVal = val
	case "enum":
		list, ok := val.([]any)
		if !ok || len(list) == 0 {
			fc.errorf(path, "enum must be a non-empty list")
			return
		}
		n.enum = list
	case "pattern":
		src, ok := val.(string)
		if !ok {
			fc.errorf(path, "pattern must be a string")
			return
		}
		re, err := regexp2.Compile(src, regexp2.ECMAScript)
		if err != nil {
			fc.errorf(path, "invalid pattern %q: %v", src, err)
			return
		}
		re.MatchTimeout = patternTimeout
		n.pattern, n.patternSrc = re, src
	case "minLength":
		n.minLength = fc.count(val, path)
	case "maxLength":
		n.maxLength = fc.count(val, path)
	case "minimum":
		n.minimum = fc.number(val, path)
	case "maximum":
		n.maximum = fc.number(val, path)
	case "exclusiveMinimum":
		n.exclusiveMinimum = fc.number(val, path)
	case "exclusiveMaximum":
		n.exclusiveMaximum = fc.number(val, path)
	case "multipleOf":
		n.multipleOf = fc.number(val, path)
		if n.multipleOf != nil && *n.multipleOf <= 0 {
			fc.errorf(path, "multipleOf must be positive")
		}
	case "items":
		n.items = fc.compile(val, path)
	case "contains":
		n.contains = fc.compile(val, path)
	case "minItems":
		n.minItems = fc.count(val, path)
	case "maxItems":
		n.maxItems = fc.count(val, path)
	case "minContains":
		n.minContains = fc.count(val, path)
	case "maxContains":
		n.maxContains = fc.count(val, path)
	case "uniqueItems":
		b, ok := val.(bool)
		if !ok {
			fc.errorf(path, "uniqueItems must be a boolean")
			return
		}
		n.uniqueItems = b
	case "properties":
		props, ok := val.(map[string]any)
		if !ok {
			fc.errorf(path, "properties must be an object")
			return
		}
		n.properties = make(map[string]*node, len(props))
		for name := range props {
			n.propOrder = append(n.propOrder, name)
		}
		sort.Strings(n.propOrder)
		for _, name := range n.propOrder {
			n.properties[name] = fc.compile(props[name], joinPath(path, name))
		}
	case "required":
		list, ok := val.([]any)
		if !ok {
			fc.errorf(path, "required must be a list of strings")
			return
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				fc.errorf(path, "required must be a list of strings")
				return
			}
			n.required = append(n.required, s)
		}
	case "allOf":
		list, ok := val.([]any)
		if !ok || len(list) == 0 {
			fc.errorf(path, "allOf must be a non-empty list")
			return
		}
		for i, item := range list {
			n.allOf = append(n.allOf, fc.compile(item, fmt.Sprintf("%s[%d]", path, i)))
		}
	case "$ref":
		ref, ok := val.(string)
		if !ok {
			fc.errorf(path, "$ref must be a string")
			return
		}
		n.refName = ref
		n.ref = fc.resolveRef(ref, path)
	default:
		fc.errorf(path, "unknown keyword %q", key)
	}
}

func (fc *fragmentCompiler) resolveRef(ref, path string) *node {
	const prefix = "#/$defs/"
	if !strings.HasPrefix(ref, prefix) {
		fc.errorf(path, "unsupported $ref %q (only %s<name>)", ref, prefix)
		return nil
	}
	name := strings.TrimPrefix(ref, prefix)
	if n, ok := fc.compiled[name]; ok {
		return n
	}
	raw, ok := fc.defs[name]
	if !ok {
		fc.errorf(path, "$ref %q does not resolve", ref)
		return nil
	}
	placeholder := &node{}
	fc.compiled[name] = placeholder
	*placeholder = *fc.compile(raw, "$defs."+name)
	return placeholder
}

// checkRefCycles rejects $ref loops that reach the same node again through
// allOf and $ref alone. Such a loop never moves to a sub-value, so
// evaluating it would not terminate. Loops through properties, items or
// contains descend into the value and are fine.
func (fc *fragmentCompiler) checkRefCycles(root *node, path string) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[*node]int)

	// inPlace follows the edges that evaluate the same value and returns
	// the $ref that closes a loop.
	var inPlace func(n *node) (string, bool)
	inPlace = func(n *node) (string, bool) {
		if n == nil || state[n] == done {
			return "", false
		}
		if state[n] == visiting {
			return "", true
		}
		state[n] = visiting
		for _, sub := range n.allOf {
			if ref, loop := inPlace(sub); loop {
				return ref, true
			}
		}
		if n.ref != nil {
			if ref, loop := inPlace(n.ref); loop {
				if ref == "" {
					ref = n.refName
				}
				return ref, true
			}
		}
		state[n] = done
		return "", false
	}

	stack := []*node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil || fc.checked[n] {
			continue
		}
		fc.checked[n] = true
		if ref, loop := inPlace(n); loop {
			fc.errorf(path, "$ref %q loops back to itself without descending into a property or item", ref)
			return
		}
		stack = append(stack, n.allOf...)
		stack = append(stack, n.ref, n.items, n.contains)
		for _, name := range n.propOrder {
			stack = append(stack, n.properties[name])
		}
	}
}

func (fc *fragmentCompiler) typeList(val any, path string) []string {
	var names []string
	switch t := val.(type) {
	case string:
		names = []string{t}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				fc.errorf(path, "type must be a string or list of strings")
				return nil
			}
			names = append(names, s)
		}
	default:
		fc.errorf(path, "type must be a string or list of strings")
		return nil
	}
	for _, name := range names {
		if !slices.Contains(jsonTypes, name) {
			fc.errorf(path, "unknown type %q", name)
		}
	}
	return names
}

func (fc *fragmentCompiler) count(val any, path string) *int {
	i, ok := asInt(val)
	if !ok || i < 0 {
		fc.errorf(path, "expected a non-negative integer, got %v", val)
		return nil
	}
	return &i
}

func (fc *fragmentCompiler) number(val any, path string) *float64 {
	f, ok := asFloat(val)
	if !ok {
		fc.errorf(path, "expected a number, got %v", val)
		return nil
	}
	return &f
}

// collectProperties gathers the composed property set of a node: its own
// properties plus those of allOf branches and $ref targets.
func collectProperties(root *node) map[string]string {
	props := make(map[string]string)
	seen := make(map[*node]bool)
	var stack []*node
	if root != nil {
		stack = append(stack, root)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil || seen[n] {
			continue
		}
		seen[n] = true
		for _, name := range n.propOrder {
			typ := declaredType(n.properties[name])
			if prev, ok := props[name]; !ok || prev == "" {
				props[name] = typ
			}
		}
		stack = append(stack, n.allOf...)
		if n.ref != nil {
			stack = append(stack, n.ref)
		}
	}
	return props
}

// declaredType returns the first declared non-null type of a property.
func declaredType(n *node) string {
	seen := make(map[*node]bool)
	for n != nil && !seen[n] {
		seen[n] = true
		for _, t := range n.types {
			if t != "null" {
				return t
			}
		}
		for _, sub := range n.allOf {
			if t := declaredType(sub); t != "" {
				return t
			}
		}
		n = n.ref
	}
	return ""
}

func (n *node) eval(v any, path string, out *[]Violation) error {
	if n == nil {
		return nil
	}
	if n.always != nil {
		if !*n.always {
			*out = append(*out, Violation{Path: path, Keyword: "false", Message: "no value is allowed here"})
		}
		return nil
	}
	v = normalizeValue(v)

	if len(n.types) > 0 && !matchesAnyType(v, n.types) {
		*out = append(*out, Violation{
			Path:    path,
			Keyword: "type",
			Message: fmt.Sprintf("%s is not of type %s", formatValue(v), quoteList(n.types)),
		})
		// Further keywords would only repeat the type mismatch.
		return nil
	}
	if n.hasConst && !jsonEqual(v, n.constVal) {
		*out = append(*out, Violation{Path: path, Keyword: "const",
			Message: fmt.Sprintf("%s was expected, got %s", formatValue(n.constVal), formatValue(v))})
	}
	if n.enum != nil && !slices.ContainsFunc(n.enum, func(e any) bool { return jsonEqual(v, e) }) {
		*out = append(*out, Violation{Path: path, Keyword: "enum",
			Message: fmt.Sprintf("%s is not one of %s", formatValue(v), formatValue(n.enum))})
	}

	switch t := v.(type) {
	case string:
		if err := n.evalString(t, path, out); err != nil {
			return err
		}
	case []any:
		if err := n.evalArray(t, path, out); err != nil {
			return err
		}
	case map[string]any:
		if err := n.evalObject(t, path, out); err != nil {
			return err
		}
	default:
		if f, ok := asFloat(t); ok {
			n.evalNumber(f, path, out)
		}
	}

	for _, sub := range n.allOf {
		if err := sub.eval(v, path, out); err != nil {
			return err
		}
	}
	if n.ref != nil {
		return n.ref.eval(v, path, out)
	}
	return nil
}

func (n *node) evalString(s, path string, out *[]Violation) error {
	length := utf8.RuneCountInString(s)
	if n.minLength != nil && length < *n.minLength {
		*out = append(*out, Violation{Path: path, Keyword: "minLength",
			Message: fmt.Sprintf("%s is shorter than %d characters", formatValue(s), *n.minLength)})
	}
	if n.maxLength != nil && length > *n.maxLength {
		*out = append(*out, Violation{Path: path, Keyword: "maxLength",
			Message: fmt.Sprintf("%s is longer than %d characters", formatValue(s), *n.maxLength)})
	}
	if n.pattern != nil {
		ok, err := n.pattern.MatchString(s)
		if err != nil {
			return &ConfigError{Path: path, Msg: fmt.Sprintf("pattern %q: %v", n.patternSrc, err)}
		}
		if !ok {
			*out = append(*out, Violation{Path: path, Keyword: "pattern",
				Message: fmt.Sprintf("%s does not match %q", formatValue(s), n.patternSrc)})
		}
	}
	return nil
}

func (n *node) evalNumber(f float64, path string, out *[]Violation) {
	if n.minimum != nil && f < *n.minimum {
		*out = append(*out, Violation{Path: path, Keyword: "minimum",
			Message: fmt.Sprintf("%v is less than the minimum of %v", f, *n.minimum)})
	}
	if n.maximum != nil && f > *n.maximum {
		*out = append(*out, Violation{Path: path, Keyword: "maximum",
			Message: fmt.Sprintf("%v is greater than the maximum of %v", f, *n.maximum)})
	}
	if n.exclusiveMinimum != nil && f <= *n.exclusiveMinimum {
		*out = append(*out, Violation{Path: path, Keyword: "exclusiveMinimum",
			Message: fmt.Sprintf("%v is less than or equal to the exclusive minimum of %v", f, *n.exclusiveMinimum)})
	}
	if n.exclusiveMaximum != nil && f >= *n.exclusiveMaximum {
		*out = append(*out, Violation{Path: path, Keyword: "exclusiveMaximum",
			Message: fmt.Sprintf("%v is greater than or equal to the exclusive maximum of %v", f, *n.exclusiveMaximum)})
	}
	if n.multipleOf != nil {
		q := f / *n.multipleOf
		if math.Abs(q-math.Round(q)) > 1e-9 {
			*out = append(*out, Violation{Path: path, Keyword: "multipleOf",
				Message: fmt.Sprintf("%v is not a multiple of %v", f, *n.multipleOf)})
		}
	}
}

func (n *node) evalArray(items []any, path string, out *[]Violation) error {
	if n.minItems != nil && len(items) < *n.minItems {
		*out = append(*out, Violation{Path: path, Keyword: "minItems",
			Message: fmt.Sprintf("expected at least %d items, got %d", *n.minItems, len(items))})
	}
	if n.maxItems != nil && len(items) > *n.maxItems {
		*out = append(*out, Violation{Path: path, Keyword: "maxItems",
			Message: fmt.Sprintf("expected at most %d items, got %d", *n.maxItems, len(items))})
	}
	if n.uniqueItems {
		for i := range items {
			for j := i + 1; j < len(items); j++ {
				if jsonEqual(items[i], items[j]) {
					*out = append(*out, Violation{Path: path, Keyword: "uniqueItems",
						Message: fmt.Sprintf("%s has non-unique elements", formatValue(items))})
					i = len(items)
					break
				}
			}
		}
	}
	if n.items != nil {
		for i, item := range items {
			if err := n.items.eval(item, fmt.Sprintf("%s/%d", path, i), out); err != nil {
				return err
			}
		}
	}
	if n.contains != nil {
		matched := 0
		for _, item := range items {
			var sub []Violation
			if err := n.contains.eval(item, path, &sub); err != nil {
				return err
			}
			if len(sub) == 0 {
				matched++
			}
		}
		minC := 1
		if n.minContains != nil {
			minC = *n.minContains
		}
		if matched < minC {
			*out = append(*out, Violation{Path: path, Keyword: "contains",
				Message: fmt.Sprintf("%d items match contains, expected at least %d", matched, minC)})
		}
		if n.maxContains != nil && matched > *n.maxContains {
			*out = append(*out, Violation{Path: path, Keyword: "maxContains",
				Message: fmt.Sprintf("%d items match contains, expected at most %d", matched, *n.maxContains)})
		}
	}
	return nil
}

func (n *node) evalObject(obj map[string]any, path string, out *[]Violation) error {
	for _, name := range n.required {
		if _, ok := obj[name]; !ok {
			*out = append(*out, Violation{Path: path, Keyword: "required",
				Message: fmt.Sprintf("%q is a required property", name)})
		}
	}
	for _, name := range n.propOrder {
		val, ok := obj[name]
		if !ok {
			continue
		}
		sub := name
		if path != "" {
			sub = path + "/" + name
		}
		if err := n.properties[name].eval(val, sub, out); err != nil {
			return err
		}
	}
	return nil
}

func matchesAnyType(v any, types []string) bool {
	for _, t := range types {
		if matchesType(v, t) {
			return true
		}
	}
	return false
}

func matchesType(v any, t string) bool {
	switch t {
	case "null":
		return v == nil
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "number":
		_, ok := asFloat(v)
		return ok
	case "integer":
		f, ok := asFloat(v)
		return ok && f == math.Trunc(f)
	}
	return false
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func jsonEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !jsonEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !jsonEqual(va, vb) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
