// Package skull is the protection kernel. It evaluates tier-0 rules at
// the two junctures of the request pipeline: pre-dispatch, before any
// agent runs, and pre-emit, before a rendered response leaves the
// engine. The kernel holds only in-memory rules and never performs I/O
// after load; rule-engine failures are treated as blocking.
package skull

import (
	"fmt"

	"cortex/internal/instinct"
	"cortex/internal/logging"
)

// Assessment is the combined outcome of one juncture evaluation. Any
// blocking verdict blocks the request; the first blocking rule is
// reported with its alternatives, warnings accumulate across rules.
type Assessment struct {
	Blocked      bool
	Rule         string
	Reason       string
	Alternatives []string
	Warnings     []string
}

// Kernel evaluates requests and proposed responses against the tier-0
// rule set. Safe for concurrent use; the rule set is immutable.
type Kernel struct {
	rules *instinct.RuleSet
}

// New builds a kernel over a loaded rule set.
func New(rules *instinct.RuleSet) *Kernel {
	return &Kernel{rules: rules}
}

// PreDispatch evaluates every rule targeting the pre-dispatch juncture
// against the classified request, before the agent executes.
func (k *Kernel) PreDispatch(ctx instinct.Context) Assessment {
	return k.evaluate(instinct.PreDispatch, ctx)
}

// PreEmit evaluates output-shape rules against the rendered response
// and the agent's declared effects, before anything is surfaced.
func (k *Kernel) PreEmit(ctx instinct.Context) Assessment {
	return k.evaluate(instinct.PreEmit, ctx)
}

func (k *Kernel) evaluate(juncture instinct.Juncture, ctx instinct.Context) Assessment {
	var out Assessment
	for _, rule := range k.rules.RulesForJuncture(juncture) {
		verdict := k.checkRule(rule, ctx)
		switch verdict.Decision {
		case instinct.Block:
			if !out.Blocked {
				out.Blocked = true
				out.Rule = verdict.RuleID
				out.Reason = reason(verdict)
				out.Alternatives = verdict.Alternatives
			}
			logging.Skull("%s: rule %s blocked: %s", juncture, verdict.RuleID, reason(verdict))
		case instinct.Warn:
			out.Warnings = append(out.Warnings, warning(verdict))
			logging.SkullDebug("%s: rule %s warned: %s", juncture, verdict.RuleID, reason(verdict))
		}
	}
	return out
}

// checkRule runs one rule, converting a checker panic into a blocking
// verdict. The kernel fails closed.
func (k *Kernel) checkRule(rule *instinct.Rule, ctx instinct.Context) (verdict instinct.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategorySkull).Error("checker %s panicked: %v", rule.Predicate, r)
			verdict = instinct.Verdict{
				Decision: instinct.Block,
				RuleID:   rule.ID,
				Message:  fmt.Sprintf("rule checker failed: %v", r),
			}
		}
	}()
	return k.rules.CheckRule(rule, ctx)
}

func reason(v instinct.Verdict) string {
	if v.Detail == "" {
		return v.Message
	}
	return v.Message + " (" + v.Detail + ")"
}

func warning(v instinct.Verdict) string {
	if v.RuleID == "" {
		return reason(v)
	}
	return v.RuleID + ": " + reason(v)
}
