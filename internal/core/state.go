// Package core is the composition root and request dispatcher. State
// owns every subsystem; Dispatcher drives one request through routing,
// protection, execution, rendering and commit.
package core

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"cortex/internal/agents"
	"cortex/internal/config"
	"cortex/internal/formatter"
	"cortex/internal/gateway"
	"cortex/internal/instinct"
	"cortex/internal/learning"
	"cortex/internal/logging"
	"cortex/internal/registry"
	"cortex/internal/router"
	"cortex/internal/skull"
	"cortex/internal/store"
	"cortex/internal/telemetry"
	"cortex/internal/templates"
	"cortex/internal/types"
	"cortex/internal/workspace"
)

// State owns the full engine: the rule base, the memory tiers, the
// event log, templates, registry, router, formatter and the learning
// pipeline. Open initializes bottom-up; Close tears down in reverse.
type State struct {
	cfg     *config.Config
	metrics *telemetry.Metrics

	rules  *instinct.RuleSet
	kernel *skull.Kernel

	tier1  *store.Tier1Store
	tier2  *store.Tier2Store
	tier3  *store.Tier3Store
	events *store.EventLog

	templates *templates.Registry
	watcher   *templates.Watcher
	registry  *registry.Registry
	router    *router.Router
	formatter *formatter.Formatter
	gateway   gateway.Client
	writer    *workspace.Writer
	git       workspace.Git

	learning   *learning.Pipeline
	dispatcher *Dispatcher
}

// Open brings up the engine from configuration. A nil cfg uses the
// defaults. Any failure tears down what already started.
func Open(cfg *config.Config) (*State, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.BrainDir, 0o755); err != nil {
		return nil, types.NewError(types.KindConfigurationError, "create brain dir", err)
	}

	s := &State{cfg: cfg, metrics: telemetry.New()}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	rules, err := instinct.Load(cfg.Protection.RulesPath, instinct.Options{
		SpikeDelta:        cfg.Protection.SpikeDelta,
		SpikeSupport:      cfg.Protection.SpikeSupport,
		ClarityMarkersMin: cfg.Protection.ClarityMarkersMin,
	})
	if err != nil {
		return nil, err
	}
	s.rules = rules
	s.kernel = skull.New(rules)

	if s.tier1, err = store.NewTier1Store(cfg.TierPath("tier1.db"),
		cfg.Memory.CapacityTier1, cfg.Memory.ActivityWindow()); err != nil {
		return nil, err
	}
	if s.tier2, err = store.NewTier2Store(cfg.TierPath("tier2.db"), store.Tier2Options{
		SpikeDelta:   cfg.Protection.SpikeDelta,
		SpikeSupport: cfg.Protection.SpikeSupport,
		OverlapMin:   cfg.Routing.OverlapThreshold,
		MinExamples:  cfg.Learning.MinExamples,
	}); err != nil {
		return nil, err
	}
	if s.tier3, err = store.NewTier3Store(cfg.TierPath("tier3.db"), cfg.Memory.CacheTTL()); err != nil {
		return nil, err
	}
	if s.events, err = store.NewEventLog(cfg.TierPath("events.db")); err != nil {
		return nil, err
	}

	if s.templates, err = templates.Load(cfg.Templates.Path); err != nil {
		return nil, err
	}
	if cfg.Templates.HotReload && cfg.Templates.Path != "" {
		if s.watcher, err = templates.NewWatcher(s.templates, cfg.Templates.Debounce()); err != nil {
			return nil, err
		}
		if s.watcher != nil {
			if err = s.watcher.Start(); err != nil {
				return nil, err
			}
		}
	}

	s.gateway = openGateway(cfg)
	if s.writer, err = workspace.NewWriter(filepath.Join(cfg.BrainDir, "workspace")); err != nil {
		return nil, err
	}
	s.git = workspace.NewCommandGit(".")

	s.registry = registry.New()
	if err = agents.RegisterAll(s.registry, agents.Deps{
		Gateway:  s.gateway,
		Writer:   s.writer,
		Git:      s.git,
		Tier1:    s.tier1,
		Tier2:    s.tier2,
		Tier3:    s.tier3,
		Events:   s.events,
		Registry: s.registry,
		Metrics:  s.metrics,
		Cfg:      cfg,
	}); err != nil {
		return nil, err
	}
	s.registry.Seal()

	s.router = router.New(s.registry, s.templates, s.tier1, s.tier2, s.tier3, cfg.Routing)
	s.formatter = formatter.New(s.templates)

	s.learning = learning.New(s.events, s.tier2, cfg.Learning, cfg.Memory.DecayDays, s.metrics)
	s.learning.Start()

	s.dispatcher = NewDispatcher(s)

	ok = true
	logging.Boot("Engine open: ruleset v%d, brain dir %s", rules.Version(), cfg.BrainDir)
	return s, nil
}

// openGateway prefers the configured model gateway and degrades to the
// deterministic static client when no key is set or the client fails.
func openGateway(cfg *config.Config) gateway.Client {
	if !cfg.Gateway.Enabled() {
		return gateway.NewStatic()
	}
	client, err := gateway.NewGemini(context.Background(),
		cfg.Gateway.APIKey, cfg.Gateway.Model, cfg.Gateway.Timeout())
	if err != nil {
		logging.Get(logging.CategoryGateway).Warn("gateway init failed, using static client: %v", err)
		return gateway.NewStatic()
	}
	return client
}

// ProcessRequest is the single inbound API.
func (s *State) ProcessRequest(ctx context.Context, rawText, sessionHint string) *types.ResponseEnvelope {
	return s.dispatcher.Process(ctx, rawText, sessionHint)
}

// EndSession marks the session boundary and wakes the learning
// pipeline so the backlog drains promptly.
func (s *State) EndSession(ctx context.Context) error {
	if _, err := s.events.Emit(ctx, types.EventSessionComplete, map[string]string{}); err != nil {
		return err
	}
	s.learning.Notify(types.EventSessionComplete)
	return nil
}

// Maintain forces a learning run with decay and consolidation.
func (s *State) Maintain(ctx context.Context) (*learning.RunReport, error) {
	return s.learning.Maintain(ctx)
}

// Metrics exposes the telemetry snapshot source.
func (s *State) Metrics() *telemetry.Metrics { return s.metrics }

// Config returns the effective configuration.
func (s *State) Config() *config.Config { return s.cfg }

// Close tears subsystems down in reverse of Open, collecting every
// error.
func (s *State) Close() error {
	var errs error
	if s.learning != nil {
		errs = multierr.Append(errs, s.learning.Close())
	}
	if s.watcher != nil {
		errs = multierr.Append(errs, s.watcher.Close())
	}
	if s.events != nil {
		errs = multierr.Append(errs, s.events.Close())
	}
	if s.tier3 != nil {
		errs = multierr.Append(errs, s.tier3.Close())
	}
	if s.tier2 != nil {
		errs = multierr.Append(errs, s.tier2.Close())
	}
	if s.tier1 != nil {
		errs = multierr.Append(errs, s.tier1.Close())
	}
	logging.Sync()
	return errs
}
