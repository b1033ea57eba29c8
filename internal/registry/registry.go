// Package registry is the operation table: the plugin surface through
// which agents join the engine. Operations register at startup with
// their trigger phrases, intents and declared side-effect classes;
// after startup the table is read-only. Adding an operation means
// registering it here; the router and dispatcher consult only this
// table.
package registry

import (
	"sort"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Operation describes one registered capability.
type Operation struct {
	ID           string
	Name         string
	Triggers     []string
	Intents      []types.Intent
	Capabilities []string
	SideEffects  []types.EffectClass
	Priority     int // higher wins trigger ties
	Constructor  func() types.Agent
}

// Registry maps operations by id, trigger and intent. Register is
// startup-only; lookups are safe for concurrent use afterwards.
type Registry struct {
	byID      map[string]*Operation
	byTrigger map[string]*Operation
	byIntent  map[types.Intent][]*Operation
	triggers  []string // sorted longest-first
	sealed    bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:      map[string]*Operation{},
		byTrigger: map[string]*Operation{},
		byIntent:  map[types.Intent][]*Operation{},
	}
}

// Register adds one operation. Duplicate ids and triggers are fatal
// configuration errors: two operations claiming the same phrase would
// make routing order-dependent.
func (r *Registry) Register(op Operation) error {
	if r.sealed {
		return types.Errorf(types.KindConfigurationError, "registry is sealed; cannot register %s", op.ID)
	}
	if op.ID == "" {
		return types.Errorf(types.KindConfigurationError, "operation id must not be empty")
	}
	if op.Constructor == nil {
		return types.Errorf(types.KindConfigurationError, "operation %s has no constructor", op.ID)
	}
	if _, dup := r.byID[op.ID]; dup {
		return types.Errorf(types.KindConfigurationError, "duplicate operation id %s", op.ID)
	}

	stored := op
	stored.Triggers = nil
	for _, trigger := range op.Triggers {
		key := strings.ToLower(strings.TrimSpace(trigger))
		if key == "" {
			continue
		}
		if other, dup := r.byTrigger[key]; dup {
			return types.Errorf(types.KindConfigurationError,
				"trigger %q claimed by both %s and %s", trigger, other.ID, op.ID)
		}
		stored.Triggers = append(stored.Triggers, key)
	}

	r.byID[stored.ID] = &stored
	for _, key := range stored.Triggers {
		r.byTrigger[key] = &stored
		r.triggers = append(r.triggers, key)
	}
	for _, intent := range stored.Intents {
		r.byIntent[intent] = append(r.byIntent[intent], &stored)
	}
	logging.BootDebug("Registered operation %s (%d triggers)", stored.ID, len(stored.Triggers))
	return nil
}

// Seal freezes the registry. Registration order does not affect
// lookups: triggers sort longest-first, intent lists by priority then
// id.
func (r *Registry) Seal() {
	sort.Slice(r.triggers, func(i, j int) bool {
		if len(r.triggers[i]) != len(r.triggers[j]) {
			return len(r.triggers[i]) > len(r.triggers[j])
		}
		return r.triggers[i] < r.triggers[j]
	})
	for _, ops := range r.byIntent {
		sort.Slice(ops, func(i, j int) bool {
			if ops[i].Priority != ops[j].Priority {
				return ops[i].Priority > ops[j].Priority
			}
			return ops[i].ID < ops[j].ID
		})
	}
	r.sealed = true
}

// Get returns one operation by id, or nil.
func (r *Registry) Get(id string) *Operation { return r.byID[id] }

// ResolveTrigger finds the longest registered trigger present in text
// on word boundaries. Ties cannot occur: triggers are unique.
func (r *Registry) ResolveTrigger(text string) (string, *Operation) {
	folded := strings.ToLower(text)
	for _, trigger := range r.triggers {
		if containsPhrase(folded, trigger) {
			return trigger, r.byTrigger[trigger]
		}
	}
	return "", nil
}

// ForIntent returns the operations claiming an intent, best first.
func (r *Registry) ForIntent(intent types.Intent) []*Operation { return r.byIntent[intent] }

// Operations lists all registered operations sorted by id.
func (r *Registry) Operations() []*Operation {
	ops := make([]*Operation, 0, len(r.byID))
	for _, op := range r.byID {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		at := strings.Index(text[idx:], phrase)
		if at < 0 {
			return false
		}
		start := idx + at
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
