package instinct

import (
	"fmt"
	"path/filepath"
	"strings"

	"cortex/internal/types"
)

// checkerFunc reports whether the rule it backs is violated by the
// given context. Checkers are pure: no I/O, no clocks, no globals.
type checkerFunc func(ctx Context, opts Options) (violated bool, detail string)

// checkers is the static table binding rule predicates to Go code. A
// rule naming a predicate absent from this table fails the load.
var checkers = map[string]checkerFunc{
	"no_root_docs":               checkNoRootDocs,
	"requires_mandatory_format":  checkMandatoryFormat,
	"no_core_amnesia":            checkNoCoreAmnesia,
	"challenge_low_dor":          checkChallengeLowDOR,
	"confidence_spike_guard":     checkConfidenceSpike,
	"single_writer_discipline":   checkSingleWriter,
	"interface_segregation_hint": checkInterfaceSegregation,
	"hemisphere_separation":      checkHemisphereSeparation,
}

// checkNoRootDocs blocks document writes that land in the repository
// root instead of a categorised subdirectory.
func checkNoRootDocs(ctx Context, _ Options) (bool, string) {
	for _, effect := range ctx.Effects {
		if effect.Class != types.EffectFileWrite {
			continue
		}
		path := filepath.ToSlash(effect.Path)
		if path == "" {
			continue
		}
		if !strings.Contains(strings.Trim(path, "/"), "/") {
			return true, fmt.Sprintf("write to %q targets the repository root", effect.Path)
		}
	}
	return false, ""
}

// checkMandatoryFormat requires the rendered output to carry all five
// mandatory sections. An empty Rendered means the response has not been
// built yet; there is nothing to judge.
func checkMandatoryFormat(ctx Context, _ Options) (bool, string) {
	if ctx.Rendered == "" {
		return false, ""
	}
	if types.HasMandatoryStructure(ctx.Rendered) {
		return false, ""
	}
	missing := types.MissingSections(ctx.Rendered)
	return true, "missing sections: " + strings.Join(missing, ", ")
}

var amnesiaVerbs = []string{"delete", "wipe", "erase", "purge", "clear", "drop", "destroy", "forget"}
var amnesiaTargets = []string{"conversation", "history", "memory", "memories", "pattern", "patterns", "knowledge", "brain"}

// checkNoCoreAmnesia blocks requests and effects that would
// irrecoverably delete tier 1 or tier 2 data. It fires both on declared
// memory_delete effects and, pre-dispatch, on the request text itself
// so the agent never runs.
func checkNoCoreAmnesia(ctx Context, _ Options) (bool, string) {
	for _, effect := range ctx.Effects {
		if effect.Class != types.EffectMemoryDelete {
			continue
		}
		target := strings.ToLower(effect.Path)
		if strings.Contains(target, "tier1") || strings.Contains(target, "tier2") {
			return true, fmt.Sprintf("declared memory_delete effect against %s", effect.Path)
		}
	}

	text := strings.ToLower(ctx.RawText)
	verb := ""
	for _, v := range amnesiaVerbs {
		if strings.Contains(text, v) {
			verb = v
			break
		}
	}
	if verb == "" {
		return false, ""
	}
	for _, target := range amnesiaTargets {
		if strings.Contains(text, target) {
			return true, fmt.Sprintf("request asks to %s %s", verb, target)
		}
	}
	return false, ""
}

// clarityMarkers groups the definition-of-ready vocabulary. A request
// scores one marker per group it touches, not per word.
var clarityMarkers = map[string][]string{
	"goal":       {"goal", "objective", "purpose", "so that", "in order to"},
	"scope":      {"scope", "in scope", "out of scope", "boundary", "only", "limited to"},
	"constraint": {"constraint", "deadline", "budget", "must not", "without", "limit"},
	"acceptance": {"acceptance", "criteria", "done when", "success", "verify", "measurable"},
}

// checkChallengeLowDOR warns on planning requests that carry too few
// clarity markers to be actionable.
func checkChallengeLowDOR(ctx Context, opts Options) (bool, string) {
	if ctx.Intent != types.IntentPlan {
		return false, ""
	}
	text := strings.ToLower(ctx.RawText)
	hit := 0
	for _, words := range clarityMarkers {
		for _, w := range words {
			if strings.Contains(text, w) {
				hit++
				break
			}
		}
	}
	if hit >= opts.ClarityMarkersMin {
		return false, ""
	}
	return true, fmt.Sprintf("found %d of %d required clarity markers", hit, opts.ClarityMarkersMin)
}

// checkConfidenceSpike blocks knowledge-graph effects whose confidence
// delta exceeds the spike threshold without enough supporting outcomes.
func checkConfidenceSpike(ctx Context, opts Options) (bool, string) {
	for _, effect := range ctx.Effects {
		if effect.Class != types.EffectTier2Write {
			continue
		}
		delta := effect.Delta
		if delta < 0 {
			delta = -delta
		}
		if delta > opts.SpikeDelta && effect.Support < opts.SpikeSupport {
			return true, fmt.Sprintf("confidence delta %.2f with %d supporting outcomes (need %d)",
				effect.Delta, effect.Support, opts.SpikeSupport)
		}
	}
	return false, ""
}

// checkSingleWriter warns when a request asks for direct edits to the
// tier databases instead of going through the adapters.
func checkSingleWriter(ctx Context, _ Options) (bool, string) {
	text := strings.ToLower(ctx.RawText)
	for _, phrase := range []string{"edit the database", "modify tier", "write to tier", "open the sqlite", "sqlite3 "} {
		if strings.Contains(text, phrase) {
			return true, "request wants to bypass the tier adapters"
		}
	}
	return false, ""
}

// checkInterfaceSegregation warns when one operation declares effects
// across most side-effect classes at once.
func checkInterfaceSegregation(ctx Context, _ Options) (bool, string) {
	classes := map[types.EffectClass]bool{}
	for _, effect := range ctx.Effects {
		classes[effect.Class] = true
	}
	if len(classes) > 4 {
		return true, fmt.Sprintf("operation declares %d distinct side-effect classes", len(classes))
	}
	return false, ""
}

// checkHemisphereSeparation warns when a planning request ships
// implementation side effects alongside the plan.
func checkHemisphereSeparation(ctx Context, _ Options) (bool, string) {
	if ctx.Intent != types.IntentPlan {
		return false, ""
	}
	for _, effect := range ctx.Effects {
		if effect.Class == types.EffectGitCommand {
			return true, "plan intent declares git commands"
		}
		if effect.Class == types.EffectFileWrite {
			path := filepath.ToSlash(effect.Path)
			if !strings.HasPrefix(path, "planning/") {
				return true, fmt.Sprintf("plan intent writes outside planning/: %s", effect.Path)
			}
		}
	}
	return false, ""
}
