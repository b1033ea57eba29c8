// Package learning is the event-consuming pipeline that turns the
// request stream into knowledge: pattern reinforcement and extraction,
// file-relationship tracking, correction capture, and the scheduled
// decay/consolidation maintenance. The pipeline advances its event
// cursor only when a run commits fully; anomalies are recorded and
// skipped, never retried.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/store"
	"cortex/internal/telemetry"
	"cortex/internal/types"
)

// Consumer is the pipeline's cursor name in the event log.
const Consumer = "learning"

// RunReport summarizes one pipeline run.
type RunReport struct {
	Processed    int
	Reinforced   int
	Learned      int
	Corrections  int
	FileEdits    int
	Anomalies    int
	DecayChanges int
	Merges       int
	Cursor       int64
}

// Pipeline consumes the event log on its own goroutine. Runs trigger
// on the pending-count threshold, on aged backlog, or on an observed
// session_complete event.
type Pipeline struct {
	events    *store.EventLog
	tier2     *store.Tier2Store
	cfg       config.LearningConfig
	decayDays [4]int
	metrics   *telemetry.Metrics

	notifyCh chan types.EventKind
	stopCh   chan struct{}
	doneCh   chan struct{}

	runMu           sync.Mutex
	lastMaintenance time.Time
	started         bool
}

// New wires a pipeline; call Start to begin consuming.
func New(events *store.EventLog, tier2 *store.Tier2Store, cfg config.LearningConfig,
	decayDays [4]int, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		events:    events,
		tier2:     tier2,
		cfg:       cfg,
		decayDays: decayDays,
		metrics:   metrics,
		notifyCh:  make(chan types.EventKind, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start() {
	if p.started {
		return
	}
	p.started = true
	go p.loop()
	logging.Learning("Pipeline started (threshold %d, batch %d)", p.cfg.Threshold, p.cfg.BatchSize)
}

// Notify pings the pipeline after the dispatcher commits a request. The
// ping never blocks the request path.
func (p *Pipeline) Notify(kind types.EventKind) {
	select {
	case p.notifyCh <- kind:
	default:
	}
}

// Close stops the consumer and waits for it to exit.
func (p *Pipeline) Close() error {
	if !p.started {
		return nil
	}
	close(p.stopCh)
	<-p.doneCh
	return nil
}

func (p *Pipeline) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Tick())
	defer ticker.Stop()

	for {
		force := false
		select {
		case <-p.stopCh:
			return
		case kind := <-p.notifyCh:
			force = kind == types.EventSessionComplete
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if p.shouldRun(ctx, force) {
			if _, err := p.RunOnce(ctx); err != nil {
				logging.Get(logging.CategoryLearning).Error("run failed: %v", err)
			}
		}
		cancel()
	}
}

// shouldRun applies the three run triggers.
func (p *Pipeline) shouldRun(ctx context.Context, force bool) bool {
	if force {
		return true
	}
	pending, err := p.events.PendingCount(ctx, Consumer)
	if err != nil {
		logging.Get(logging.CategoryLearning).Warn("pending count failed: %v", err)
		return false
	}
	if pending >= p.cfg.Threshold {
		return true
	}
	if pending >= p.cfg.AgePendingMin {
		oldest, ok, err := p.events.OldestPending(ctx, Consumer)
		if err == nil && ok && time.Since(oldest) > p.cfg.MaxAge() {
			return true
		}
	}
	return false
}

// RunOnce executes one pipeline run. The cursor advances only when
// every mutation in the run succeeded; anomalies count as handled (they
// are recorded as events and must not be retried).
func (p *Pipeline) RunOnce(ctx context.Context) (*RunReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	timer := logging.StartTimer(logging.CategoryLearning, "RunOnce")
	defer timer.StopWithInfo()

	cursor, err := p.events.Cursor(ctx, Consumer)
	if err != nil {
		return nil, err
	}
	batch, err := p.events.ReadAfter(ctx, cursor, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Cursor: cursor}
	if len(batch) == 0 {
		report = p.maybeMaintain(ctx, report)
		return report, nil
	}

	outcomes := map[string][]bool{}       // pattern id -> outcomes, in order
	candidates := map[string]*candidate{} // intent|trigger -> examples
	editsByTrace := map[string][]string{} // trace -> edited paths
	var corrections []types.UserCorrectedPayload

	for _, event := range batch {
		report.Processed++
		switch event.Kind {
		case types.EventRouteSuccess, types.EventRouteFailure:
			var payload types.RouteOutcomePayload
			if err := event.DecodePayload(&payload); err != nil || payload.PatternID == "" {
				continue
			}
			outcomes[payload.PatternID] = append(outcomes[payload.PatternID],
				event.Kind == types.EventRouteSuccess)

		case types.EventRequestHandled:
			var payload types.RequestHandledPayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			p.collectCandidate(candidates, payload)

		case types.EventFileEdited:
			var payload types.FileEditedPayload
			if err := event.DecodePayload(&payload); err != nil || payload.Path == "" {
				continue
			}
			editsByTrace[payload.TraceID] = append(editsByTrace[payload.TraceID], payload.Path)

		case types.EventUserCorrected:
			var payload types.UserCorrectedPayload
			if err := event.DecodePayload(&payload); err != nil {
				continue
			}
			corrections = append(corrections, payload)
		}
		report.Cursor = event.ID
	}

	// All knowledge-graph mutations for the batch commit in one
	// transaction; any failure rolls every one of them back, so a
	// replayed batch never finds half-applied state. A batch whose
	// watermark is already recorded (a previous run mutated but could
	// not advance the cursor) is skipped, not reapplied.
	var emits []pendingEvent
	applied, err := p.tier2.ApplyLearningBatch(ctx, Consumer, report.Cursor, func(b *store.LearningBatch) error {
		var errs error
		errs = multierr.Append(errs, p.applyCorrections(ctx, b, corrections, report))
		errs = multierr.Append(errs, p.applyOutcomes(ctx, b, outcomes, report, &emits))
		errs = multierr.Append(errs, p.learnCandidates(ctx, b, candidates, report, &emits))
		errs = multierr.Append(errs, p.applyFileEdits(ctx, b, editsByTrace, report))
		return errs
	})
	if err != nil {
		p.recordRun("failure")
		return report, err
	}
	if applied {
		for _, e := range emits {
			if _, err := p.events.Emit(ctx, e.kind, e.payload); err != nil {
				logging.Get(logging.CategoryLearning).Warn("%s emit failed: %v", e.kind, err)
			}
		}
		if p.metrics != nil {
			for i := 0; i < report.Learned; i++ {
				p.metrics.RecordPatternLearned()
			}
		}
	}

	report = p.maybeMaintain(ctx, report)

	if err := p.events.Advance(ctx, Consumer, report.Cursor); err != nil {
		p.recordRun("failure")
		return report, err
	}
	if _, err := p.events.Emit(ctx, types.EventLearningRun, report); err != nil {
		logging.Get(logging.CategoryLearning).Warn("learning_run emit failed: %v", err)
	}
	p.recordRun("success")
	logging.Learning("Run complete: %d events, %d reinforced, %d learned, %d anomalies",
		report.Processed, report.Reinforced, report.Learned, report.Anomalies)
	return report, nil
}

// pendingEvent is an event queued during a batch and emitted only after
// the batch commits.
type pendingEvent struct {
	kind    types.EventKind
	payload any
}

// Maintain forces a full run with the maintenance interval reset, for
// the operator path.
func (p *Pipeline) Maintain(ctx context.Context) (*RunReport, error) {
	p.runMu.Lock()
	p.lastMaintenance = time.Time{}
	p.runMu.Unlock()
	return p.RunOnce(ctx)
}

func (p *Pipeline) recordRun(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordLearningRun(outcome)
	}
}

// applyCorrections stores user corrections within the batch.
func (p *Pipeline) applyCorrections(ctx context.Context, b *store.LearningBatch,
	corrections []types.UserCorrectedPayload, report *RunReport) error {

	var errs error
	for _, c := range corrections {
		if err := b.RecordCorrection(ctx, c.MistakeType, c.Correction, c.Context); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("record correction: %w", err))
			continue
		}
		report.Corrections++
	}
	return errs
}

// applyOutcomes reinforces patterns one outcome at a time, in event
// order. An anomaly rejection is final for this outcome: it is counted
// and skipped, not retried on the next run.
func (p *Pipeline) applyOutcomes(ctx context.Context, b *store.LearningBatch,
	outcomes map[string][]bool, report *RunReport, emits *[]pendingEvent) error {

	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs error
	for _, id := range ids {
		for _, success := range outcomes[id] {
			_, err := b.Reinforce(ctx, id, success)
			switch {
			case err == nil:
				report.Reinforced++
				*emits = append(*emits, pendingEvent{types.EventPatternReinforced, map[string]any{
					"pattern_id": id, "success": success,
				}})
			case types.IsKind(err, types.KindAnomalyDetected):
				report.Anomalies++
				*emits = append(*emits, pendingEvent{types.EventAnomalyDetected, map[string]any{
					"pattern_id": id, "reason": err.Error(),
				}})
			default:
				errs = multierr.Append(errs, fmt.Errorf("reinforce %s: %w", id, err))
			}
		}
	}
	return errs
}

// candidate accumulates distinct supporting examples for one potential
// pattern.
type candidate struct {
	intent  types.Intent
	trigger string
	agent   string
	traces  map[string]bool
}

func (p *Pipeline) collectCandidate(candidates map[string]*candidate, payload types.RequestHandledPayload) {
	// Only successful non-pattern routes teach new patterns; pattern
	// routes already reinforce their source.
	if !payload.Success || payload.Origin == string(types.OriginPattern) {
		return
	}
	trigger := strings.TrimSpace(strings.ToLower(payload.Trigger))
	intent := types.ParseIntent(payload.Intent.String())
	if trigger == "" || !intent.Known() {
		return
	}
	key := intent.String() + "|" + trigger
	c := candidates[key]
	if c == nil {
		c = &candidate{intent: intent, trigger: trigger, agent: payload.Agent, traces: map[string]bool{}}
		candidates[key] = c
	}
	c.traces[payload.TraceID] = true
}

func (p *Pipeline) learnCandidates(ctx context.Context, b *store.LearningBatch,
	candidates map[string]*candidate, report *RunReport, emits *[]pendingEvent) error {

	keys := make([]string, 0, len(candidates))
	for key := range candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs error
	for _, key := range keys {
		c := candidates[key]
		if len(c.traces) < p.cfg.MinExamples {
			continue
		}
		if existing, err := b.FindByExactTrigger(ctx, c.trigger); err == nil && existing != nil {
			continue // already known; reinforcement covers it
		}
		pattern, err := b.LearnPattern(ctx, store.PatternCandidate{
			Intent:   c.intent,
			Triggers: []string{c.trigger},
			RoutesTo: c.agent,
			Examples: len(c.traces),
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("learn %s: %w", key, err))
			continue
		}
		report.Learned++
		*emits = append(*emits, pendingEvent{types.EventPatternLearned, map[string]any{
			"pattern_id": pattern.ID, "intent": pattern.Intent, "trigger": c.trigger,
		}})
	}
	return errs
}

// applyFileEdits updates modification counters and co-modification
// edges for every pair of files edited within the same trace.
func (p *Pipeline) applyFileEdits(ctx context.Context, b *store.LearningBatch,
	editsByTrace map[string][]string, report *RunReport) error {

	traces := make([]string, 0, len(editsByTrace))
	for trace := range editsByTrace {
		traces = append(traces, trace)
	}
	sort.Strings(traces)

	var errs error
	for _, trace := range traces {
		paths := dedupe(editsByTrace[trace])
		for _, path := range paths {
			if err := b.ObserveFileEdit(ctx, path); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			report.FileEdits++
		}
		for i := 0; i < len(paths); i++ {
			for j := i + 1; j < len(paths); j++ {
				relType := classifyRelation(paths[i], paths[j])
				if err := b.ObserveCoModification(ctx, paths[i], paths[j], relType); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
	}
	return errs
}

func dedupe(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// classifyRelation guesses the relationship type from the file names.
func classifyRelation(a, b string) string {
	isTest := func(p string) bool {
		return strings.Contains(p, "_test.") || strings.Contains(p, ".test.") || strings.Contains(p, ".spec.")
	}
	isStyle := func(p string) bool {
		return strings.HasSuffix(p, ".css") || strings.HasSuffix(p, ".scss") || strings.HasSuffix(p, ".less")
	}
	isConfig := func(p string) bool {
		return strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml") ||
			strings.HasSuffix(p, ".json") || strings.HasSuffix(p, ".toml")
	}
	switch {
	case isTest(a) != isTest(b):
		return "test-coverage"
	case isStyle(a) != isStyle(b):
		return "styling"
	case isConfig(a) != isConfig(b):
		return "config-implementation"
	default:
		return "component-usage"
	}
}

// maybeMaintain runs decay and consolidation at most once per run and
// no more often than the configured maintenance interval.
func (p *Pipeline) maybeMaintain(ctx context.Context, report *RunReport) *RunReport {
	if time.Since(p.lastMaintenance) < p.cfg.MaintenanceInterval() {
		return report
	}
	p.lastMaintenance = time.Now()

	changes, err := p.tier2.DecayPass(ctx, time.Now(), p.decayDays)
	if err != nil {
		logging.Get(logging.CategoryLearning).Error("decay pass failed: %v", err)
	} else {
		report.DecayChanges = len(changes)
		for _, change := range changes {
			if _, err := p.events.Emit(ctx, types.EventPatternDecayed, change); err != nil {
				logging.Get(logging.CategoryLearning).Warn("pattern_decayed emit failed: %v", err)
			}
		}
	}

	merges, err := p.tier2.ConsolidatePass(ctx, p.cfg.ConsolidationSimilarity)
	if err != nil {
		logging.Get(logging.CategoryLearning).Error("consolidation pass failed: %v", err)
	} else {
		report.Merges = len(merges)
		for _, merge := range merges {
			if p.metrics != nil {
				p.metrics.RecordConsolidation()
			}
			if _, err := p.events.Emit(ctx, types.EventPatternConsolidated, merge); err != nil {
				logging.Get(logging.CategoryLearning).Warn("pattern_consolidated emit failed: %v", err)
			}
		}
	}
	return report
}
