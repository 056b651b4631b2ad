package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/schema"
)

// frame is one unit of work on the evaluation stack. step advances the
// frame and returns a child to push, or nil once the frame is finished.
// childDone hands a finished child back to its parent.
type frame interface {
	step(ev *evaluation) frame
	childDone(child frame)
	result() *outcome
}

type outcome struct {
	pass    bool
	skipped bool
	local   []*Warning
	network []*Warning
}

func (o *outcome) warnings() []*Warning {
	out := make([]*Warning, 0, len(o.local)+len(o.network))
	out = append(out, o.local...)
	return append(out, o.network...)
}

type reduceKey struct {
	need  string
	owner any
}

type reduction struct {
	value map[string]any
	err   error
}

// evaluation is the state of one (need, entry) pair. Network traversal runs
// on an explicit stack so cyclic link graphs cannot exhaust the call stack.
type evaluation struct {
	store   need.Store
	fields  *need.Fields
	maxNest int

	root  *need.Need
	entry *schema.CompiledEntry

	deps     map[string]struct{}
	reduced  map[reduceKey]reduction
	maxNestW *Warning
	abortW   *Warning
}

func newEvaluation(store need.Store, maxNest int, root *need.Need, entry *schema.CompiledEntry) *evaluation {
	fields := store.Fields()
	if fields == nil {
		fields = need.DefaultFields()
	}
	return &evaluation{
		store:   store,
		fields:  fields,
		maxNest: maxNest,
		root:    root,
		entry:   entry,
		deps:    make(map[string]struct{}),
		reduced: make(map[reduceKey]reduction),
	}
}

func (ev *evaluation) evaluate() *NeedResult {
	root := &ruleFrame{
		entry:      ev.entry,
		owner:      ev.entry,
		primary:    true,
		n:          ev.root,
		needPath:   []string{ev.root.ID},
		schemaPath: []string{ev.entry.ID},
		out:        outcome{pass: true},
	}
	ev.run(root)
	return ev.result(root)
}

func (ev *evaluation) run(root frame) {
	stack := []frame{root}
	for len(stack) > 0 && !ev.aborted() {
		top := stack[len(stack)-1]
		if child := top.step(ev); child != nil {
			stack = append(stack, child)
			continue
		}
		if ev.aborted() {
			return
		}
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			stack[len(stack)-1].childDone(top)
		}
	}
}

// result builds the pair's result. A config error replaces everything
// found so far; only the dependency set survives for cache invalidation.
func (ev *evaluation) result(root *ruleFrame) *NeedResult {
	deps := sortedKeys(ev.deps)
	switch {
	case ev.abortW != nil:
		return &NeedResult{
			Local:   LocalResult{Success: false, Warnings: []*Warning{ev.abortW}},
			Network: NetworkResult{Success: false, Dependencies: deps},
		}
	case root.out.skipped:
		return &NeedResult{
			Local:   LocalResult{Success: true},
			Network: NetworkResult{Success: true, Dependencies: deps},
			Skipped: true,
		}
	}
	network := root.out.network
	if ev.maxNestW != nil {
		network = append(network, ev.maxNestW)
	}
	return &NeedResult{
		Local:   LocalResult{Success: len(root.out.local) == 0, Warnings: root.out.local},
		Network: NetworkResult{Success: len(network) == 0, Warnings: network, Dependencies: deps},
	}
}

func (ev *evaluation) aborted() bool {
	return ev.abortW != nil
}

func (ev *evaluation) abort(err error, needPath, schemaPath []string) {
	if ev.abortW != nil {
		return
	}
	ev.abortW = &Warning{
		Rule:       schema.RuleConfigError,
		Severity:   schema.RuleConfigError.DefaultSeverity(),
		Need:       ev.root.ID,
		SchemaPath: schemaPath,
		NeedPath:   needPath,
		Messages:   []string{err.Error()},
		Debug:      &Debug{Schema: ev.entry.EffectiveSchema()},
	}
}

func (ev *evaluation) addDep(id string) {
	ev.deps[id] = struct{}{}
}

func (ev *evaluation) maxNestReached(f *linkFrame, targetID string) {
	f.overflow = true
	if ev.maxNestW != nil {
		return
	}
	path := extend(f.needPath, f.link.LinkType, targetID)
	ev.maxNestW = &Warning{
		Rule:       schema.RuleMaxNestLevel,
		Severity:   schema.RuleMaxNestLevel.DefaultSeverity(),
		Need:       ev.root.ID,
		SchemaPath: f.schemaPath,
		NeedPath:   path,
		Messages: []string{fmt.Sprintf("maximum network nest level %d exceeded at %s",
			ev.maxNest, strings.Join(path, " > "))},
	}
}

// reduce memoizes reductions per need and schema context. A coercion
// failure is returned as a warning; a config error aborts the evaluation.
func (ev *evaluation) reduce(n *need.Need, owner any, props map[string]string, needPath, schemaPath []string) (map[string]any, *Warning) {
	key := reduceKey{need: n.ID, owner: owner}
	r, ok := ev.reduced[key]
	if !ok {
		r.value, r.err = Reduce(n, ev.fields, props)
		ev.reduced[key] = r
	}
	if r.err == nil {
		return r.value, nil
	}

	var ote *OptionTypeError
	if errors.As(r.err, &ote) {
		return nil, &Warning{
			Rule:       schema.RuleOptionTypeError,
			Severity:   schema.RuleOptionTypeError.DefaultSeverity(),
			Need:       n.ID,
			SchemaPath: schemaPath,
			NeedPath:   needPath,
			Messages:   []string{ote.Error()},
		}
	}
	ev.abort(r.err, needPath, schemaPath)
	return nil, nil
}

const (
	ruleStart = iota
	ruleAwaitTrigger
	ruleLocal
	ruleLinks
	ruleDone
)

// ruleFrame evaluates a whole entry (primary or referenced) or an inline
// rule against one need.
type ruleFrame struct {
	entry   *schema.CompiledEntry
	rule    *schema.CompiledRule
	owner   *schema.CompiledEntry
	primary bool

	n          *need.Need
	depth      int
	needPath   []string
	schemaPath []string

	state   int
	reduced map[string]any
	links   []*schema.CompiledLink
	linkIdx int
	out     outcome
}

func newRuleFrame(r *schema.CompiledRule, owner *schema.CompiledEntry, n *need.Need, depth int, needPath, schemaPath []string) *ruleFrame {
	f := &ruleFrame{
		rule:       r,
		owner:      owner,
		n:          n,
		depth:      depth,
		needPath:   needPath,
		schemaPath: schemaPath,
		out:        outcome{pass: true},
	}
	switch {
	case r.Entry != nil:
		f.entry = r.Entry
		f.owner = r.Entry
		f.schemaPath = extend(schemaPath, r.Entry.ID)
	case r.LocalOf != nil:
		f.owner = r.LocalOf
		f.schemaPath = extend(schemaPath, r.LocalOf.ID)
	}
	return f
}

func (f *ruleFrame) result() *outcome {
	return &f.out
}

func (f *ruleFrame) step(ev *evaluation) frame {
	for !ev.aborted() {
		switch f.state {
		case ruleStart:
			if child := f.start(ev); child != nil {
				return child
			}
		case ruleLocal:
			f.local(ev)
		case ruleLinks:
			if f.linkIdx < len(f.links) {
				l := f.links[f.linkIdx]
				f.linkIdx++
				return &linkFrame{
					link:       l,
					owner:      f.owner,
					n:          f.n,
					depth:      f.depth,
					needPath:   f.needPath,
					schemaPath: extend(f.schemaPath, l.LinkType),
				}
			}
			f.state = ruleDone
		default:
			return nil
		}
	}
	return nil
}

func (f *ruleFrame) start(ev *evaluation) frame {
	var (
		props map[string]string
		owner any
	)
	if f.entry != nil {
		props, owner = f.entry.Properties(), f.entry
	} else {
		props, owner = f.rule.Properties(), f.rule
	}
	reduced, w := ev.reduce(f.n, owner, props, f.needPath, f.schemaPath)
	if ev.aborted() {
		return nil
	}
	if w != nil {
		f.fail(w)
		f.state = ruleDone
		return nil
	}
	f.reduced = reduced

	if f.entry == nil {
		f.state = ruleLocal
		return nil
	}

	gates := []struct {
		keyword string
		pred    schema.Predicate
	}{
		{"types", f.entry.TypeGate},
		{"select", f.entry.Select},
	}
	for _, g := range gates {
		if g.pred == nil {
			continue
		}
		viol, err := g.pred.Evaluate(reduced)
		if err != nil {
			ev.abort(err, f.needPath, extend(f.schemaPath, g.keyword))
			return nil
		}
		if len(viol) == 0 {
			continue
		}
		f.state = ruleDone
		if f.primary {
			f.out.skipped = true
		} else {
			f.fail(f.violation(g.keyword, g.pred, viol))
		}
		return nil
	}

	if f.entry.Trigger != nil {
		f.state = ruleAwaitTrigger
		return newRuleFrame(f.entry.Trigger, f.entry, f.n, f.depth, f.needPath, extend(f.schemaPath, "trigger"))
	}
	f.state = ruleLocal
	return nil
}

func (f *ruleFrame) local(ev *evaluation) {
	var pred schema.Predicate
	switch {
	case f.entry != nil:
		pred, f.links = f.entry.Local, f.entry.Network
	case f.rule.LocalOf != nil:
		pred = f.rule.LocalOf.Local
	default:
		pred, f.links = f.rule.Local, f.rule.Network
	}
	f.state = ruleLinks
	if pred == nil {
		return
	}
	viol, err := pred.Evaluate(f.reduced)
	if err != nil {
		ev.abort(err, f.needPath, extend(f.schemaPath, "local"))
		return
	}
	if len(viol) > 0 {
		f.fail(f.violation("local", pred, viol))
	}
}

func (f *ruleFrame) childDone(child frame) {
	co := child.result()
	switch f.state {
	case ruleAwaitTrigger:
		if co.pass {
			f.state = ruleLocal
			return
		}
		f.state = ruleDone
		if f.primary {
			f.out.skipped = true
			return
		}
		f.out.pass = false
		f.out.local = append(f.out.local, co.warnings()...)
	case ruleLinks:
		f.out.network = append(f.out.network, co.network...)
		if !co.pass {
			f.out.pass = false
		}
	}
}

func (f *ruleFrame) fail(w *Warning) {
	f.out.pass = false
	f.out.local = append(f.out.local, w)
}

func (f *ruleFrame) violation(keyword string, pred schema.Predicate, viol []schema.Violation) *Warning {
	sev := schema.RuleValidationFail.DefaultSeverity()
	var msgs []string
	if f.owner != nil {
		sev = f.owner.FailSeverity()
		if f.owner.Message != "" {
			msgs = append(msgs, f.owner.Message)
		}
	}
	for _, v := range viol {
		msgs = append(msgs, v.String())
	}
	return &Warning{
		Rule:       schema.RuleValidationFail,
		Severity:   sev,
		Need:       f.n.ID,
		SchemaPath: extend(f.schemaPath, keyword),
		NeedPath:   f.needPath,
		Messages:   msgs,
		Debug:      &Debug{Reduced: f.reduced, Schema: pred.Source()},
	}
}

const (
	linkStart = iota
	linkNext
	linkAwaitItems
	linkContains
	linkAwaitContains
	linkDone
)

type targetResult struct {
	id string
	n  *need.Need

	itemsRun, itemsPass       bool
	containsRun, containsPass bool
	itemsWarnings             []*Warning
	containsWarnings          []*Warning
}

// linkFrame evaluates the constraint of one link type on one need.
type linkFrame struct {
	link  *schema.CompiledLink
	owner *schema.CompiledEntry

	n          *need.Need
	depth      int
	needPath   []string
	schemaPath []string

	state    int
	targets  []string
	idx      int
	cur      *targetResult
	results  []*targetResult
	overflow bool
	out      outcome
}

func (f *linkFrame) result() *outcome {
	return &f.out
}

func (f *linkFrame) step(ev *evaluation) frame {
	for !ev.aborted() {
		switch f.state {
		case linkStart:
			f.targets = f.n.LinkTargets(f.link.LinkType)
			f.cardinality()
			f.state = linkNext
		case linkNext:
			if f.idx >= len(f.targets) {
				f.finish()
				f.state = linkDone
				continue
			}
			id := f.targets[f.idx]
			f.idx++
			ev.addDep(id)
			target, ok := ev.store.Get(id)
			if !ok {
				f.warn(schema.RuleMissingTarget, extend(f.needPath, f.link.LinkType, id), nil,
					fmt.Sprintf("%s target %q does not exist", f.link.LinkType, id))
				continue
			}
			tr := &targetResult{id: id, n: target}
			f.results = append(f.results, tr)
			if f.link.Items == nil && f.link.Contains == nil {
				continue
			}
			if f.depth+1 > ev.maxNest {
				ev.maxNestReached(f, id)
				tr.itemsRun = f.link.Items != nil
				tr.containsRun = f.link.Contains != nil
				continue
			}
			f.cur = tr
			if f.link.Items != nil {
				f.state = linkAwaitItems
				return f.child(f.link.Items, "items", target)
			}
			f.state = linkContains
		case linkContains:
			if f.link.Contains != nil {
				f.state = linkAwaitContains
				return f.child(f.link.Contains, "contains", f.cur.n)
			}
			f.state = linkNext
		default:
			return nil
		}
	}
	return nil
}

func (f *linkFrame) child(r *schema.CompiledRule, keyword string, target *need.Need) frame {
	return newRuleFrame(r, f.owner, target, f.depth+1,
		extend(f.needPath, f.link.LinkType, target.ID), extend(f.schemaPath, keyword))
}

func (f *linkFrame) childDone(child frame) {
	co := child.result()
	switch f.state {
	case linkAwaitItems:
		f.cur.itemsRun, f.cur.itemsPass = true, co.pass
		f.cur.itemsWarnings = co.warnings()
		f.state = linkContains
	case linkAwaitContains:
		f.cur.containsRun, f.cur.containsPass = true, co.pass
		f.cur.containsWarnings = co.warnings()
		f.state = linkNext
	}
}

func (f *linkFrame) warn(rule schema.Rule, needPath []string, children []*Warning, msg string) {
	f.out.network = append(f.out.network, &Warning{
		Rule:       rule,
		Severity:   rule.DefaultSeverity(),
		Need:       f.n.ID,
		SchemaPath: f.schemaPath,
		NeedPath:   needPath,
		Messages:   []string{msg},
		Children:   children,
	})
}

func (f *linkFrame) cardinality() {
	count := len(f.targets)
	lt := f.link.LinkType
	if f.link.MinItems != nil && count < *f.link.MinItems {
		f.warn(schema.RuleTooFewLinks, f.needPath, nil,
			fmt.Sprintf("%s has %d links, expected at least %d", lt, count, *f.link.MinItems))
	}
	if f.link.MaxItems != nil && count > *f.link.MaxItems {
		f.warn(schema.RuleTooManyLinks, f.needPath, nil,
			fmt.Sprintf("%s has %d links, expected at most %d", lt, count, *f.link.MaxItems))
	}
}

func (f *linkFrame) finish() {
	lt := f.link.LinkType

	var failed []string
	var children []*Warning
	for _, tr := range f.results {
		if tr.itemsRun && !tr.itemsPass {
			failed = append(failed, tr.id)
			children = append(children, tr.itemsWarnings...)
		}
	}
	if len(failed) > 0 {
		f.warn(schema.RuleItemsFail, f.needPath, children,
			fmt.Sprintf("%d of %d %s targets fail the items rule: %s",
				len(failed), len(f.results), lt, strings.Join(failed, ", ")))
	}

	if f.link.Contains != nil {
		var ok, nok []string
		var nokWarnings []*Warning
		for _, tr := range f.results {
			if tr.containsRun && tr.containsPass {
				ok = append(ok, tr.id)
				continue
			}
			nok = append(nok, tr.id)
			nokWarnings = append(nokWarnings, tr.containsWarnings...)
		}
		if len(ok) < f.link.MinContains {
			f.warn(schema.RuleTooFewLinks, f.needPath, nokWarnings,
				fmt.Sprintf("%d of %d %s targets match, expected at least %d (ok: %s; nok: %s)",
					len(ok), len(f.results), lt, f.link.MinContains, idList(ok), idList(nok)))
		}
		if f.link.MaxContains != nil && len(ok) > *f.link.MaxContains {
			f.warn(schema.RuleTooManyLinks, f.needPath, nil,
				fmt.Sprintf("%d of %d %s targets match, expected at most %d (ok: %s; nok: %s)",
					len(ok), len(f.results), lt, *f.link.MaxContains, idList(ok), idList(nok)))
		}
	}

	if f.link.DisallowUnevaluated {
		var extra []string
		for _, tr := range f.results {
			if (tr.itemsRun && tr.itemsPass) || (tr.containsRun && tr.containsPass) {
				continue
			}
			extra = append(extra, tr.id)
		}
		if len(extra) > 0 {
			f.warn(schema.RuleUnevaluatedLinks, f.needPath, nil,
				fmt.Sprintf("%s targets match neither items nor contains: %s", lt, strings.Join(extra, ", ")))
		}
	}

	f.out.pass = len(f.out.network) == 0 && !f.overflow
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

// extend returns a new path; it never aliases path's backing array.
func extend(path []string, elems ...string) []string {
	out := make([]string, 0, len(path)+len(elems))
	out = append(out, path...)
	return append(out, elems...)
}
