// Package formatter assembles the user-visible response from an agent
// result and the routing diagnostics. Template selection tries the
// intent mapping, the trigger mapping, the agent's explicit hint and
// finally the fallback template; whatever happens, the emitted text
// carries the mandatory five-section structure.
package formatter

import (
	"fmt"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/templates"
	"cortex/internal/types"
)

// FallbackTemplate re-wraps anything that would otherwise leave the
// engine malformed.
const FallbackTemplate = "fallback"

// BlockedTemplate renders structured refusals.
const BlockedTemplate = "blocked_refusal"

// Formatter renders agent results through the template registry.
type Formatter struct {
	tpl *templates.Registry
}

// New builds a formatter over a loaded registry.
func New(tpl *templates.Registry) *Formatter {
	return &Formatter{tpl: tpl}
}

// Format renders one agent result. It returns the final text, the
// template that produced it and any warnings gathered along the way.
func (f *Formatter) Format(req *types.Request, result *types.AgentResult, routeWarnings []string) (string, string, []string) {
	templateID := f.selectTemplate(req, result)
	subs := f.substitutions(req, result, routeWarnings)

	text, warnings, err := f.tpl.Render(templateID, subs)
	if err != nil {
		logging.Get(logging.CategoryFormatter).Warn("render %s failed: %v", templateID, err)
		if templateID != FallbackTemplate {
			return f.rewrap(result.Content, subs, append(warnings, err.Error()))
		}
		return f.safeResponse(req, types.KindOf(err)), templateID, append(warnings, err.Error())
	}

	if !types.HasMandatoryStructure(text) {
		logging.FormatterDebug("template %s produced malformed output, re-wrapping", templateID)
		return f.rewrap(text, subs, warnings)
	}
	return text, templateID, warnings
}

// FormatBlocked renders a structured refusal for a protection verdict.
// Refusals flow through the same template machinery so they keep the
// mandatory structure.
func (f *Formatter) FormatBlocked(req *types.Request, rule, reason string, alternatives []string) (string, string, []string) {
	var alt strings.Builder
	if len(alternatives) > 0 {
		alt.WriteString("Consider instead:\n")
		for _, a := range alternatives {
			fmt.Fprintf(&alt, "- %s\n", a)
		}
	} else {
		alt.WriteString("Re-state the request within the protection rules.")
	}

	subs := map[string]string{
		"understanding": fmt.Sprintf("The request was classified as %s but tripped protection rule `%s`.", req.Decision.Intent, rule),
		"challenge":     reason,
		"response":      fmt.Sprintf("This action is refused: %s.", reason),
		"request":       req.RawText,
		"next_steps":    alt.String(),
	}

	text, warnings, err := f.tpl.Render(BlockedTemplate, subs)
	if err != nil || !types.HasMandatoryStructure(text) {
		return f.rewrap(subs["response"], subs, warnings)
	}
	return text, BlockedTemplate, warnings
}

// FormatError produces the minimal safe response for an unrecoverable
// failure.
func (f *Formatter) FormatError(req *types.Request, kind types.ErrorKind) (string, string) {
	return f.safeResponse(req, kind), FallbackTemplate
}

func (f *Formatter) selectTemplate(req *types.Request, result *types.AgentResult) string {
	if req.Decision != nil {
		if tpl := f.tpl.ByIntent(req.Decision.Intent.String()); tpl != nil {
			return tpl.ID
		}
	}
	if _, tpl := f.tpl.MatchTrigger(req.RawText); tpl != nil {
		return tpl.ID
	}
	if result.TemplateHint != "" {
		if tpl := f.tpl.Get(result.TemplateHint); tpl != nil {
			return tpl.ID
		}
		logging.FormatterDebug("agent hinted unknown template %q", result.TemplateHint)
	}
	return FallbackTemplate
}

// substitutions builds the default substitution map, then lets the
// agent's own substitutions override it.
func (f *Formatter) substitutions(req *types.Request, result *types.AgentResult, routeWarnings []string) map[string]string {
	subs := map[string]string{
		"understanding": understanding(req),
		"challenge":     challenge(routeWarnings),
		"response":      result.Content,
		"request":       req.RawText,
		"next_steps":    "None.",
	}
	if next, ok := result.Metadata["next_steps"]; ok && next != "" {
		subs["next_steps"] = next
	}
	for key, value := range result.Substitutions {
		subs[key] = value
	}
	return subs
}

func understanding(req *types.Request) string {
	d := req.Decision
	if d == nil {
		return "Unclassified request."
	}
	confirm := ""
	if d.SuggestConfirm {
		confirm = "; please confirm this reading"
	}
	return fmt.Sprintf("Classified as %s (via %s, confidence %.2f)%s.", d.Intent, d.Origin, d.Confidence, confirm)
}

func challenge(warnings []string) string {
	if len(warnings) == 0 {
		return "No concerns."
	}
	return "- " + strings.Join(warnings, "\n- ")
}

// rewrap forces content into the fallback template.
func (f *Formatter) rewrap(content string, subs map[string]string, warnings []string) (string, string, []string) {
	wrapped := map[string]string{
		"understanding": subs["understanding"],
		"challenge":     subs["challenge"],
		"response":      content,
		"request":       subs["request"],
		"next_steps":    subs["next_steps"],
	}
	text, renderWarnings, err := f.tpl.Render(FallbackTemplate, wrapped)
	warnings = append(warnings, renderWarnings...)
	if err != nil || !types.HasMandatoryStructure(text) {
		// The fallback template itself is broken; emit the hand-built
		// shape so the output contract still holds.
		return manualWrap(wrapped), FallbackTemplate, append(warnings, "fallback template unavailable")
	}
	return text, FallbackTemplate, warnings
}

func (f *Formatter) safeResponse(req *types.Request, kind types.ErrorKind) string {
	if kind == "" {
		kind = types.KindRenderError
	}
	return manualWrap(map[string]string{
		"understanding": "The request could not be completed.",
		"challenge":     fmt.Sprintf("Failure kind: %s.", kind),
		"response":      "An internal error prevented a full response. The failure was recorded for analysis.",
		"request":       req.RawText,
		"next_steps":    "Retry the request, or rephrase it if the failure persists.",
	})
}

func manualWrap(subs map[string]string) string {
	var b strings.Builder
	keys := []string{"understanding", "challenge", "response", "request", "next_steps"}
	for i, marker := range types.MandatorySections {
		fmt.Fprintf(&b, "%s\n%s\n", marker, subs[keys[i]])
		if i < len(types.MandatorySections)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
