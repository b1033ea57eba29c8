package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/instinct"
	"cortex/internal/logging"
	"cortex/internal/types"
)

const convStripes = 64

// Dispatcher drives one request through the pipeline: parse, route,
// pre-dispatch protection, agent execution, rendering, pre-emit
// protection, commit. Terminal failures never leak partial writes; a
// cancelled request commits nothing.
type Dispatcher struct {
	state   *State
	stripes [convStripes]sync.Mutex
}

func NewDispatcher(s *State) *Dispatcher {
	return &Dispatcher{state: s}
}

func (d *Dispatcher) stripe(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &d.stripes[h.Sum32()%convStripes]
}

// Process handles one inbound request end to end and always returns an
// envelope; failures degrade into structured error responses.
func (d *Dispatcher) Process(ctx context.Context, rawText, sessionHint string) *types.ResponseEnvelope {
	start := time.Now()
	req := &types.Request{
		TraceID:     uuid.NewString(),
		RawText:     strings.TrimSpace(rawText),
		SessionHint: sessionHint,
		Namespace:   d.state.cfg.Name,
		ReceivedAt:  start,
	}
	log := logging.Get(logging.CategoryDispatch).With("trace_id", req.TraceID)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.state.cfg.RequestDeadlineMS)*time.Millisecond)
	defer cancel()

	if req.RawText == "" {
		text, templateID := d.state.formatter.FormatError(req, types.KindConfigurationError)
		return d.envelope(req, text, templateID, start,
			[]string{"empty request; say what you need or ask for help"})
	}

	// Routed.
	decision := d.state.router.Route(ctx, req.RawText, sessionHint, req.Namespace)
	req.Decision = decision
	log.Info("routed intent=%s agent=%s origin=%s confidence=%.2f",
		decision.Intent, decision.Agent, decision.Origin, decision.Confidence)

	// Pre-dispatch protection.
	pre := d.state.kernel.PreDispatch(instinct.Context{
		Intent:    decision.Intent,
		Operation: decision.Agent,
		RawText:   req.RawText,
		Namespace: req.Namespace,
	})
	if pre.Blocked {
		return d.blocked(req, pre.Rule, pre.Reason, pre.Alternatives, start)
	}
	warnings := append(bundleWarnings(decision), pre.Warnings...)

	// Executing.
	op := d.state.registry.Get(decision.Agent)
	if op == nil || op.Constructor == nil {
		text, templateID := d.state.formatter.FormatError(req, types.KindConfigurationError)
		return d.envelope(req, text, templateID, start,
			append(warnings, fmt.Sprintf("no operation registered for agent %q", decision.Agent)))
	}
	result, err := d.execute(ctx, op.Constructor(), req)
	if err != nil {
		return d.failed(ctx, req, err, warnings, start)
	}

	// Rendering.
	text, templateID, renderWarnings := d.state.formatter.Format(req, result, warnings)
	warnings = append(warnings, renderWarnings...)

	// Pre-emit protection over the rendered output and declared effects.
	post := d.state.kernel.PreEmit(instinct.Context{
		Intent:    decision.Intent,
		Operation: decision.Agent,
		RawText:   req.RawText,
		Namespace: req.Namespace,
		Effects:   result.Effects,
		Rendered:  text,
	})
	if post.Blocked {
		return d.blocked(req, post.Rule, post.Reason, post.Alternatives, start)
	}
	warnings = append(warnings, post.Warnings...)

	// Committed. A deadline hit before commit drops all writes.
	if ctx.Err() != nil {
		return d.cancelled(req, warnings, start)
	}
	warnings = append(warnings, d.commit(ctx, req, result, text, start)...)

	d.state.metrics.RecordRequest(decision.Intent.String(), decision.Agent, "committed", time.Since(start))
	envelope := d.envelope(req, text, templateID, start, warnings)
	envelope.Effects = result.Effects
	return envelope
}

type agentOutcome struct {
	result *types.AgentResult
	err    error
}

// execute runs the agent with panic containment and a watchdog. An
// agent that ignores its context cannot hold the request open past
// twice the configured deadline; the goroutine is abandoned and the
// request resolves as cancelled.
func (d *Dispatcher) execute(ctx context.Context, agent types.Agent, req *types.Request) (*types.AgentResult, error) {
	outcome := make(chan agentOutcome, 1) // buffered so an abandoned agent can still finish
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryDispatch).Error("agent %s panicked: %v", agent.Name(), r)
				outcome <- agentOutcome{nil, types.Errorf(types.KindAgentFailed, "agent %s panicked: %v", agent.Name(), r)}
			}
		}()
		timer := logging.StartTimer(logging.CategoryAgents, agent.Name())
		defer timer.StopWithInfo()
		result, err := agent.Execute(ctx, req)
		outcome <- agentOutcome{result, err}
	}()

	watchdog := time.NewTimer(2 * time.Duration(d.state.cfg.RequestDeadlineMS) * time.Millisecond)
	defer watchdog.Stop()
	select {
	case out := <-outcome:
		return out.result, out.err
	case <-watchdog.C:
		logging.Get(logging.CategoryDispatch).Error("agent %s did not yield; abandoning", agent.Name())
		return nil, fmt.Errorf("agent %s did not yield: %w", agent.Name(), context.DeadlineExceeded)
	}
}

// commit persists the exchange and emits the request's events. Commit
// errors degrade to warnings: the response already exists and is worth
// more than the bookkeeping.
func (d *Dispatcher) commit(ctx context.Context, req *types.Request, result *types.AgentResult,
	rendered string, start time.Time) []string {

	var warnings []string
	decision := req.Decision

	mu := d.stripe(req.SessionHint)
	mu.Lock()
	conversationID := req.SessionHint
	userTurn, err := d.state.tier1.AppendTurn(ctx, conversationID, "user", req.RawText)
	if err != nil {
		warnings = append(warnings, "working memory degraded: turn not recorded")
	} else {
		conversationID = userTurn.ConversationID
		if _, err = d.state.tier1.AppendTurn(ctx, conversationID, "assistant", rendered); err != nil {
			warnings = append(warnings, "working memory degraded: response turn not recorded")
		}
	}
	mu.Unlock()

	evicted, err := d.state.tier1.EvictIfOverCapacity(ctx, time.Now())
	if err != nil {
		warnings = append(warnings, "eviction pass failed")
	}
	for _, conv := range evicted {
		d.emit(ctx, types.EventConversationEvicted, map[string]any{
			"conversation_id": conv.ID, "message_count": conv.MessageCount,
		})
	}

	for _, effect := range result.Effects {
		if effect.Class != types.EffectEventEmit {
			continue
		}
		kind := types.EventKind(effect.Path)
		switch kind {
		case types.EventFileEdited:
			d.emit(ctx, kind, types.FileEditedPayload{
				TraceID: req.TraceID, Path: effect.Summary, Change: "edit",
			})
		case types.EventUserCorrected:
			d.emit(ctx, kind, types.UserCorrectedPayload{
				TraceID: req.TraceID, MistakeType: "user_feedback",
				Correction: effect.Summary, Context: req.RawText,
			})
		default:
			d.emit(ctx, kind, map[string]any{
				"trace_id": req.TraceID, "summary": effect.Summary,
			})
		}
	}

	if decision.Origin == types.OriginPattern && decision.PatternID != "" {
		d.emit(ctx, types.EventRouteSuccess, types.RouteOutcomePayload{
			TraceID:   req.TraceID,
			PatternID: decision.PatternID,
			Intent:    decision.Intent,
			Score:     decision.Confidence,
		})
	}
	d.emit(ctx, types.EventRequestHandled, types.RequestHandledPayload{
		TraceID:        req.TraceID,
		Intent:         decision.Intent,
		Agent:          decision.Agent,
		Trigger:        strings.ToLower(req.RawText),
		Origin:         string(decision.Origin),
		Confidence:     decision.Confidence,
		Success:        true,
		ConversationID: conversationID,
		DurationMS:     time.Since(start).Milliseconds(),
	})

	d.state.learning.Notify(types.EventRequestHandled)
	return warnings
}

func (d *Dispatcher) emit(ctx context.Context, kind types.EventKind, payload any) {
	if _, err := d.state.events.Emit(ctx, kind, payload); err != nil {
		logging.Get(logging.CategoryEvents).Warn("emit %s failed: %v", kind, err)
		return
	}
	d.state.metrics.RecordEvent(string(kind))
}

// blocked renders the structured refusal. A blocked request persists
// nothing: no turns, no events. The refusal is visible in telemetry
// and the skull log only.
func (d *Dispatcher) blocked(req *types.Request, rule, reason string,
	alternatives []string, start time.Time) *types.ResponseEnvelope {

	logging.Skull("Blocked %s by %s: %s", req.TraceID, rule, reason)
	d.state.metrics.RecordBlocked(rule)
	if req.Decision != nil {
		d.state.metrics.RecordRequest(req.Decision.Intent.String(), req.Decision.Agent, "blocked", time.Since(start))
	}

	text, templateID, warnings := d.state.formatter.FormatBlocked(req, rule, reason, alternatives)
	envelope := d.envelope(req, text, templateID, start, warnings)
	envelope.Blocked = true
	envelope.BlockedBy = rule
	return envelope
}

// failed maps an agent error to a safe envelope. Pattern-routed
// failures feed the learning pipeline so the pattern pays for them.
func (d *Dispatcher) failed(ctx context.Context, req *types.Request, err error,
	warnings []string, start time.Time) *types.ResponseEnvelope {

	decision := req.Decision
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return d.cancelled(req, warnings, start)
	}

	logging.Get(logging.CategoryDispatch).Error("agent %s failed for %s: %v", decision.Agent, req.TraceID, err)
	if decision.Origin == types.OriginPattern && decision.PatternID != "" {
		d.emit(ctx, types.EventRouteFailure, types.RouteOutcomePayload{
			TraceID:   req.TraceID,
			PatternID: decision.PatternID,
			Intent:    decision.Intent,
			Score:     decision.Confidence,
		})
	}
	d.emit(ctx, types.EventRequestHandled, types.RequestHandledPayload{
		TraceID:    req.TraceID,
		Intent:     decision.Intent,
		Agent:      decision.Agent,
		Origin:     string(decision.Origin),
		Confidence: decision.Confidence,
		Success:    false,
		DurationMS: time.Since(start).Milliseconds(),
	})
	d.state.metrics.RecordRequest(decision.Intent.String(), decision.Agent, "failed", time.Since(start))

	text, templateID := d.state.formatter.FormatError(req, types.KindOf(err))
	return d.envelope(req, text, templateID, start, append(warnings, err.Error()))
}

// cancelled produces the deadline envelope. No writes, no events.
func (d *Dispatcher) cancelled(req *types.Request, warnings []string, start time.Time) *types.ResponseEnvelope {
	logging.Dispatch("Request %s cancelled after %s", req.TraceID, time.Since(start))
	if req.Decision != nil {
		d.state.metrics.RecordRequest(req.Decision.Intent.String(), req.Decision.Agent, "cancelled", time.Since(start))
	}
	text, templateID := d.state.formatter.FormatError(req, types.KindCancelled)
	return d.envelope(req, text, templateID, start, append(warnings, "request deadline exceeded"))
}

func (d *Dispatcher) envelope(req *types.Request, text, templateID string,
	start time.Time, warnings []string) *types.ResponseEnvelope {

	envelope := &types.ResponseEnvelope{
		TraceID:    req.TraceID,
		Text:       text,
		TemplateID: templateID,
		Warnings:   warnings,
		Duration:   time.Since(start),
	}
	if req.Decision != nil {
		envelope.Intent = req.Decision.Intent
		envelope.Agent = req.Decision.Agent
	}
	return envelope
}

func bundleWarnings(decision *types.RoutingDecision) []string {
	if decision == nil || decision.Bundle == nil {
		return nil
	}
	return append([]string(nil), decision.Bundle.Warnings...)
}
