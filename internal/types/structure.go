package types

import "strings"

// The five mandatory response sections, in emission order. Every
// user-facing response carries all five markers; the formatter re-wraps
// anything that arrives without them.
const (
	SectionUnderstanding = "## Understanding"
	SectionChallenge     = "## Challenge"
	SectionResponse      = "## Response"
	SectionRequest       = "## Request"
	SectionNextSteps     = "## Next Steps"
)

// MandatorySections lists the markers in their required order.
var MandatorySections = []string{
	SectionUnderstanding,
	SectionChallenge,
	SectionResponse,
	SectionRequest,
	SectionNextSteps,
}

// HasMandatoryStructure reports whether text contains all five section
// markers in order. Extra content between and around sections is fine.
func HasMandatoryStructure(text string) bool {
	idx := 0
	for _, marker := range MandatorySections {
		at := strings.Index(text[idx:], marker)
		if at < 0 {
			return false
		}
		idx += at + len(marker)
	}
	return true
}

// MissingSections returns the markers absent from text, for diagnostics.
func MissingSections(text string) []string {
	var missing []string
	for _, marker := range MandatorySections {
		if !strings.Contains(text, marker) {
			missing = append(missing, marker)
		}
	}
	return missing
}
