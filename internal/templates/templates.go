// Package templates loads the response template file, indexes it three
// ways (by id, by trigger, by intent) and renders templates against a
// substitution map. The registry is an immutable snapshot swapped
// atomically; hot reload replaces the snapshot without blocking
// readers for longer than a pointer swap.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"cortex/internal/logging"
	"cortex/internal/types"
)

//go:embed defaults.yaml
var embeddedDefaults []byte

// Template is one resolved response template. Base composition is
// applied at load; Content never references another template.
type Template struct {
	ID           string
	Name         string   `yaml:"name"`
	Base         string   `yaml:"base"`
	Triggers     []string `yaml:"triggers"`
	ResponseType string   `yaml:"response_type"`
	Content      string   `yaml:"content"`
}

// templateFile is the on-disk shape.
type templateFile struct {
	Templates map[string]*Template `yaml:"templates"`
}

// snapshot is one immutable index generation.
type snapshot struct {
	byID      map[string]*Template
	byTrigger map[string]*Template // case-folded trigger -> template
	byIntent  map[string]*Template // response_type -> template
	triggers  []string             // sorted longest-first for matching
}

// Registry serves templates from the current snapshot. Safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	snap *snapshot
	path string // optional override file, re-read on Reload
}

// Load parses the embedded defaults, merges the optional override file
// on top (by id), resolves base composition and builds the indexes.
// Malformed YAML, duplicate triggers, unknown or cyclic bases are
// configuration errors.
func Load(overridePath string) (*Registry, error) {
	timer := logging.StartTimer(logging.CategoryTemplates, "Load")
	defer timer.Stop()

	snap, err := buildSnapshot(overridePath)
	if err != nil {
		return nil, err
	}
	logging.Templates("Loaded %d templates (%d triggers)", len(snap.byID), len(snap.triggers))
	return &Registry{snap: snap, path: overridePath}, nil
}

func buildSnapshot(overridePath string) (*snapshot, error) {
	parsed, err := parseFile(embeddedDefaults, "embedded defaults")
	if err != nil {
		return nil, err
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		switch {
		case os.IsNotExist(err):
			// Optional file; defaults stand alone.
		case err != nil:
			return nil, types.NewError(types.KindConfigurationError, "read template file "+overridePath, err)
		default:
			override, err := parseFile(data, overridePath)
			if err != nil {
				return nil, err
			}
			for id, tpl := range override {
				parsed[id] = tpl
			}
		}
	}

	resolved := make(map[string]*Template, len(parsed))
	for id := range parsed {
		tpl, err := resolve(parsed, id, nil)
		if err != nil {
			return nil, err
		}
		resolved[id] = tpl
	}

	return index(resolved)
}

func parseFile(data []byte, origin string) (map[string]*Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, types.NewError(types.KindConfigurationError, "parse templates from "+origin, err)
	}
	if len(file.Templates) == 0 {
		return nil, types.Errorf(types.KindConfigurationError, "no templates defined in %s", origin)
	}
	for id, tpl := range file.Templates {
		if tpl == nil {
			return nil, types.Errorf(types.KindConfigurationError, "template %s in %s is empty", id, origin)
		}
		tpl.ID = id
	}
	return file.Templates, nil
}

// resolve applies base composition: the child inherits any field it
// leaves empty, except triggers, which are always the child's own.
func resolve(all map[string]*Template, id string, seen []string) (*Template, error) {
	tpl, ok := all[id]
	if !ok {
		return nil, types.Errorf(types.KindConfigurationError,
			"template %s references unknown base %s", strings.Join(seen, " -> "), id)
	}
	for _, prior := range seen {
		if prior == id {
			return nil, types.Errorf(types.KindConfigurationError,
				"template base cycle: %s -> %s", strings.Join(seen, " -> "), id)
		}
	}
	out := *tpl
	out.Triggers = append([]string(nil), tpl.Triggers...)
	if tpl.Base == "" {
		return &out, nil
	}

	base, err := resolve(all, tpl.Base, append(seen, id))
	if err != nil {
		return nil, err
	}
	if out.Content == "" {
		out.Content = base.Content
	}
	if out.Name == "" {
		out.Name = base.Name
	}
	if out.ResponseType == "" {
		out.ResponseType = base.ResponseType
	}
	out.Base = ""
	return &out, nil
}

func index(resolved map[string]*Template) (*snapshot, error) {
	snap := &snapshot{
		byID:      resolved,
		byTrigger: map[string]*Template{},
		byIntent:  map[string]*Template{},
	}
	ids := make([]string, 0, len(resolved))
	for id := range resolved {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tpl := resolved[id]
		if tpl.Content == "" {
			return nil, types.Errorf(types.KindConfigurationError, "template %s has no content", id)
		}
		for _, trigger := range tpl.Triggers {
			key := strings.ToLower(strings.TrimSpace(trigger))
			if key == "" {
				continue
			}
			if other, dup := snap.byTrigger[key]; dup {
				return nil, types.Errorf(types.KindConfigurationError,
					"trigger %q claimed by both %s and %s", trigger, other.ID, id)
			}
			snap.byTrigger[key] = tpl
			snap.triggers = append(snap.triggers, key)
		}
		if tpl.ResponseType != "" {
			// Later ids do not displace earlier ones; the map is filled
			// in sorted id order so intent mapping is deterministic.
			if _, taken := snap.byIntent[tpl.ResponseType]; !taken {
				snap.byIntent[tpl.ResponseType] = tpl
			}
		}
	}

	sort.Slice(snap.triggers, func(i, j int) bool {
		if len(snap.triggers[i]) != len(snap.triggers[j]) {
			return len(snap.triggers[i]) > len(snap.triggers[j])
		}
		return snap.triggers[i] < snap.triggers[j]
	})
	return snap, nil
}

// Reload re-reads the override file and swaps the snapshot. A failed
// reload keeps the current snapshot.
func (r *Registry) Reload() error {
	snap, err := buildSnapshot(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	logging.Templates("Reloaded %d templates", len(snap.byID))
	return nil
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Get returns a template by id, or nil.
func (r *Registry) Get(id string) *Template { return r.current().byID[id] }

// ByTrigger returns the template owning an exact (case-folded) trigger.
func (r *Registry) ByTrigger(phrase string) *Template {
	return r.current().byTrigger[strings.ToLower(strings.TrimSpace(phrase))]
}

// ByIntent returns the template mapped to an intent via response_type.
func (r *Registry) ByIntent(intent string) *Template { return r.current().byIntent[intent] }

// MatchTrigger finds the longest trigger contained in text, if any.
func (r *Registry) MatchTrigger(text string) (string, *Template) {
	folded := strings.ToLower(text)
	snap := r.current()
	for _, trigger := range snap.triggers {
		if containsPhrase(folded, trigger) {
			return trigger, snap.byTrigger[trigger]
		}
	}
	return "", nil
}

// containsPhrase reports whether phrase occurs in text on word
// boundaries, so the trigger "help" does not fire inside "helpless".
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

// IDs lists the loaded template ids, sorted.
func (r *Registry) IDs() []string {
	snap := r.current()
	ids := make([]string, 0, len(snap.byID))
	for id := range snap.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var placeholderRe = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// Render substitutes {placeholder} tokens in a template. Missing
// substitutions become the empty string and are reported as warnings;
// an unknown template id is an error.
func (r *Registry) Render(id string, subs map[string]string) (string, []string, error) {
	tpl := r.Get(id)
	if tpl == nil {
		return "", nil, types.Errorf(types.KindTemplateMissing, "unknown template %q", id)
	}

	var warnings []string
	missing := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(tpl.Content, func(token string) string {
		key := token[1 : len(token)-1]
		if value, ok := subs[key]; ok {
			return value
		}
		missing[key] = true
		return ""
	})

	keys := make([]string, 0, len(missing))
	for key := range missing {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		warnings = append(warnings, fmt.Sprintf("template %s: no substitution for {%s}", id, key))
		logging.TemplatesDebug("render %s: missing substitution %q", id, key)
	}
	return out, warnings, nil
}
