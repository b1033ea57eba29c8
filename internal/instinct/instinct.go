// Package instinct loads and serves the tier-0 rule base. Rules live in
// a Mangle program embedded at build time (optionally merged with an
// operator file), are evaluated once at startup and are query-only from
// then on: there is no runtime mutation path. Rule evaluation is pure;
// the same Context always yields the same Verdict.
package instinct

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"cortex/internal/logging"
	"cortex/internal/types"
)

//go:embed rules.mg
var embeddedRules string

// Severity grades how a violated rule combines into a verdict.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
	SeverityAdvisory Severity = "advisory"
)

// Juncture names the two evaluation points in the request pipeline.
type Juncture string

const (
	PreDispatch Juncture = "pre_dispatch"
	PreEmit     Juncture = "pre_emit"
)

// Rule is one materialized tier-0 rule.
type Rule struct {
	ID           string
	Layer        string
	Severity     Severity
	Predicate    string // checker name in the static checker table
	Message      string
	Version      int
	Junctures    []Juncture
	Alternatives []string
}

// Decision is a checker outcome after severity is applied.
type Decision string

const (
	Pass  Decision = "pass"
	Warn  Decision = "warn"
	Block Decision = "block"
)

// Verdict is the result of checking one rule against a context.
type Verdict struct {
	Decision     Decision
	RuleID       string
	Message      string
	Detail       string
	Alternatives []string
}

// Context is the pure input to rule evaluation: the classified request
// before dispatch, plus the rendered output and declared effects before
// emission. Checkers read it and nothing else.
type Context struct {
	Intent    types.Intent
	Operation string
	RawText   string
	Namespace string
	Effects   []types.Effect
	Rendered  string
}

// Options carries the guard thresholds the rule base is parameterised
// with. Zero values take engine defaults.
type Options struct {
	SpikeDelta        float64
	SpikeSupport      int
	ClarityMarkersMin int
}

func (o Options) withDefaults() Options {
	if o.SpikeDelta <= 0 {
		o.SpikeDelta = 0.20
	}
	if o.SpikeSupport <= 0 {
		o.SpikeSupport = 5
	}
	if o.ClarityMarkersMin <= 0 {
		o.ClarityMarkersMin = 2
	}
	return o
}

// RuleSet is the immutable tier-0 facade. Safe for concurrent use: all
// fields are written once in Load and only read afterwards.
type RuleSet struct {
	version    int
	rules      map[string]*Rule
	byLayer    map[string][]*Rule
	byJuncture map[Juncture][]*Rule
	opts       Options
}

// Load parses, analyses and evaluates the rule program, then
// materializes the rule facts into a RuleSet. extraPath optionally
// names an operator rule file appended to the embedded base. Any parse
// or analysis failure, a missing version fact, or a rule referencing an
// unknown checker is a configuration error.
func Load(extraPath string, opts Options) (*RuleSet, error) {
	timer := logging.StartTimer(logging.CategoryInstinct, "Load")
	defer timer.StopWithInfo()

	source := embeddedRules
	if extraPath != "" {
		extra, err := os.ReadFile(extraPath)
		if err != nil {
			return nil, types.NewError(types.KindConfigurationError, "read rule file "+extraPath, err)
		}
		source = source + "\n" + string(extra)
	}

	unit, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return nil, types.NewError(types.KindConfigurationError, "parse rule base", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, types.NewError(types.KindConfigurationError, "analyse rule base", err)
	}
	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, types.NewError(types.KindConfigurationError, "evaluate rule base", err)
	}

	rs := &RuleSet{
		rules:      map[string]*Rule{},
		byLayer:    map[string][]*Rule{},
		byJuncture: map[Juncture][]*Rule{},
		opts:       opts.withDefaults(),
	}

	if err := rs.materialize(store); err != nil {
		return nil, err
	}

	logging.Instinct("Loaded rule base version %d: %d rules across %d layers",
		rs.version, len(rs.rules), len(rs.byLayer))
	return rs, nil
}

func (rs *RuleSet) materialize(store factstore.FactStore) error {
	versions, err := queryFacts(store, "ruleset_version", 1)
	if err != nil || len(versions) != 1 {
		return types.Errorf(types.KindConfigurationError,
			"rule base must declare exactly one ruleset_version, found %d", len(versions))
	}
	v, ok := versions[0][0].(int64)
	if !ok {
		return types.Errorf(types.KindConfigurationError, "ruleset_version must be a number")
	}
	rs.version = int(v)

	ruleRows, err := queryFacts(store, "rule", 6)
	if err != nil {
		return types.NewError(types.KindConfigurationError, "query rules", err)
	}
	for _, row := range about(ruleRows) {
		id := nameString(row[0])
		sev := Severity(nameString(row[2]))
		switch sev {
		case SeverityBlocking, SeverityWarning, SeverityAdvisory:
		default:
			return types.Errorf(types.KindConfigurationError, "rule %s: unknown severity %q", id, sev)
		}
		checker, _ := row[3].(string)
		if _, ok := checkers[checker]; !ok {
			return types.Errorf(types.KindConfigurationError, "rule %s references unknown checker %q", id, checker)
		}
		message, _ := row[4].(string)
		version, _ := row[5].(int64)
		if rs.rules[id] != nil {
			return types.Errorf(types.KindConfigurationError, "duplicate rule id %s", id)
		}
		rule := &Rule{
			ID:        id,
			Layer:     nameString(row[1]),
			Severity:  sev,
			Predicate: checker,
			Message:   message,
			Version:   int(version),
		}
		rs.rules[id] = rule
		rs.byLayer[rule.Layer] = append(rs.byLayer[rule.Layer], rule)
	}

	targets, err := queryFacts(store, "rule_target", 2)
	if err != nil {
		return types.NewError(types.KindConfigurationError, "query rule targets", err)
	}
	for _, row := range about(targets) {
		rule := rs.rules[nameString(row[0])]
		if rule == nil {
			return types.Errorf(types.KindConfigurationError, "rule_target references unknown rule %v", row[0])
		}
		j := Juncture(nameString(row[1]))
		rule.Junctures = append(rule.Junctures, j)
		rs.byJuncture[j] = append(rs.byJuncture[j], rule)
	}

	alternatives, err := queryFacts(store, "rule_alternative", 2)
	if err != nil {
		return types.NewError(types.KindConfigurationError, "query rule alternatives", err)
	}
	for _, row := range about(alternatives) {
		rule := rs.rules[nameString(row[0])]
		if rule == nil {
			return types.Errorf(types.KindConfigurationError, "rule_alternative references unknown rule %v", row[0])
		}
		if alt, ok := row[1].(string); ok {
			rule.Alternatives = append(rule.Alternatives, alt)
		}
	}

	for _, rules := range rs.byLayer {
		sortRules(rules)
	}
	for _, rules := range rs.byJuncture {
		sortRules(rules)
	}
	for _, rule := range rs.rules {
		sort.Strings(rule.Alternatives)
	}
	return nil
}

// about gives fact iteration a stable order so load diagnostics and
// duplicate detection are deterministic.
func about(rows [][]any) [][]any {
	sort.Slice(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i]) < fmt.Sprint(rows[j])
	})
	return rows
}

func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}

// queryFacts collects all facts of a predicate as plain Go rows.
func queryFacts(store factstore.FactStore, predicate string, arity int) ([][]any, error) {
	sym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	var rows [][]any
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		row := make([]any, len(atom.Args))
		for i, arg := range atom.Args {
			row[i] = termToValue(arg)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func termToValue(term ast.BaseTerm) any {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.NameType, ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	default:
		return c.String()
	}
}

// nameString strips the leading slash from a Mangle name constant.
func nameString(v any) string {
	s, _ := v.(string)
	return strings.TrimPrefix(s, "/")
}

// Version reports the loaded ruleset version.
func (rs *RuleSet) Version() int { return rs.version }

// Rule returns one rule by id, or nil.
func (rs *RuleSet) Rule(id string) *Rule { return rs.rules[id] }

// RulesForLayer returns the rules of one layer, sorted by id.
func (rs *RuleSet) RulesForLayer(layer string) []*Rule { return rs.byLayer[layer] }

// RulesForJuncture returns the rules evaluated at a juncture, sorted by
// id.
func (rs *RuleSet) RulesForJuncture(j Juncture) []*Rule { return rs.byJuncture[j] }

// Layers lists the populated layers, sorted.
func (rs *RuleSet) Layers() []string {
	layers := make([]string, 0, len(rs.byLayer))
	for layer := range rs.byLayer {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	return layers
}

// Check evaluates one named checker against a context. An unknown
// checker blocks: the protection layer fails closed rather than letting
// an unevaluated rule pass.
func (rs *RuleSet) Check(predicate string, ctx Context) Verdict {
	checker, ok := checkers[predicate]
	if !ok {
		return Verdict{
			Decision: Block,
			Message:  fmt.Sprintf("no checker registered for predicate %q", predicate),
		}
	}
	rule := rs.ruleForPredicate(predicate)

	violated, detail := checker(ctx, rs.opts)
	if !violated {
		return Verdict{Decision: Pass, RuleID: ruleID(rule)}
	}

	verdict := Verdict{
		Decision: Warn,
		RuleID:   ruleID(rule),
		Detail:   detail,
	}
	if rule != nil {
		verdict.Message = rule.Message
		verdict.Alternatives = rule.Alternatives
		if rule.Severity == SeverityBlocking {
			verdict.Decision = Block
		}
	}
	return verdict
}

// CheckRule evaluates a specific rule, honoring its declared severity.
func (rs *RuleSet) CheckRule(rule *Rule, ctx Context) Verdict {
	if rule == nil {
		return Verdict{Decision: Block, Message: "nil rule"}
	}
	return rs.Check(rule.Predicate, ctx)
}

func (rs *RuleSet) ruleForPredicate(predicate string) *Rule {
	for _, rule := range rs.rules {
		if rule.Predicate == predicate {
			return rule
		}
	}
	return nil
}

func ruleID(rule *Rule) string {
	if rule == nil {
		return ""
	}
	return rule.ID
}
