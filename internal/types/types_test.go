package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseIntent(t *testing.T) {
	if got := ParseIntent("plan"); got != IntentPlan {
		t.Errorf("ParseIntent(plan) = %q", got)
	}
	if got := ParseIntent("dance"); got != IntentUnknown {
		t.Errorf("ParseIntent(dance) = %q, want unknown", got)
	}
	if IntentUnknown.Known() {
		t.Error("IntentUnknown must not be Known")
	}
}

func TestErrorKindMatching(t *testing.T) {
	base := Errorf(KindStorageUnavailable, "tier1 open failed")
	wrapped := fmt.Errorf("dispatch: %w", base)

	if !IsKind(wrapped, KindStorageUnavailable) {
		t.Error("KindOf should see through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, KindAgentFailed) {
		t.Error("wrong kind matched")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("unclassified error must report empty kind")
	}
}

func TestErrorIsByKind(t *testing.T) {
	a := Errorf(KindCancelled, "deadline hit")
	b := Errorf(KindCancelled, "different message")
	if !errors.Is(a, b) {
		t.Error("errors with the same kind should match via errors.Is")
	}
}

func TestBlockedCarriesAlternatives(t *testing.T) {
	alts := []string{"archive old conversations", "export a backup"}
	err := Blocked("no_core_amnesia", "destructive memory operation", alts)

	if RuleOf(err) != "no_core_amnesia" {
		t.Errorf("RuleOf = %q", RuleOf(err))
	}
	got := AlternativesOf(fmt.Errorf("outer: %w", err))
	if len(got) != 2 || got[0] != alts[0] {
		t.Errorf("AlternativesOf = %v", got)
	}
}

func TestStorageErrPreservesClassification(t *testing.T) {
	anomaly := Errorf(KindAnomalyDetected, "confidence spike")
	if KindOf(StorageErr("reinforce", anomaly)) != KindAnomalyDetected {
		t.Error("StorageErr must not reclassify an already classified cause")
	}
	if KindOf(StorageErr("open", errors.New("disk io"))) != KindStorageUnavailable {
		t.Error("raw causes classify as storage unavailable")
	}
	if StorageErr("noop", nil) != nil {
		t.Error("nil cause stays nil")
	}
}

func TestHasMandatoryStructure(t *testing.T) {
	full := "## Understanding\nx\n## Challenge\ny\n## Response\nz\n## Request\nq\n## Next Steps\nn\n"
	if !HasMandatoryStructure(full) {
		t.Error("complete structure not recognised")
	}

	outOfOrder := "## Challenge\n## Understanding\n## Response\n## Request\n## Next Steps\n"
	if HasMandatoryStructure(outOfOrder) {
		t.Error("markers out of order must fail")
	}

	missing := MissingSections("## Understanding\nonly one")
	if len(missing) != 4 {
		t.Errorf("MissingSections = %v", missing)
	}
}
