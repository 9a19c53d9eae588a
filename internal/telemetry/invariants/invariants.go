// Package invariants records violations of duet's runtime guarantees as
// telemetry events. A violation means a guard elsewhere failed, so these
// checks never panic and never change control flow; they make the bug
// visible in traces and let the caller decide what to do.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantPhaseTransitionLegal requires session lifecycle transitions
	// to follow the closed phase graph.
	InvariantPhaseTransitionLegal = "phase_transition_legal"
	// InvariantSinglePendingRequest requires at most one in-flight request
	// per session.
	InvariantSinglePendingRequest = "single_pending_request"
	// InvariantForwardTargetDistinct requires forwards to target a tool
	// other than their source.
	InvariantForwardTargetDistinct = "forward_target_distinct"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// Violation emits an invariant.violation event on the active span. If the
// context has no active span, a short synthetic span is created so the
// violation still reaches the exporter.
func Violation(ctx context.Context, invariantName, severity string, details ViolationDetails) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("duet/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckPhaseTransitionLegal validates the phase_transition_legal invariant.
func CheckPhaseTransitionLegal(ctx context.Context, whereDetected, tool, fromPhase, toPhase string, legal bool) bool {
	if legal {
		return true
	}
	Violation(ctx, InvariantPhaseTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session lifecycle transitions follow the closed phase graph",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for tool=%s from=%s to=%s", tool, fromPhase, toPhase),
		Additional: map[string]string{
			"tool":       strings.TrimSpace(tool),
			"from_phase": strings.TrimSpace(fromPhase),
			"to_phase":   strings.TrimSpace(toPhase),
		},
	})
	return false
}

// CheckSinglePendingRequest validates the single_pending_request invariant.
func CheckSinglePendingRequest(ctx context.Context, whereDetected, tool string, pendingCount int) bool {
	if pendingCount <= 1 {
		return true
	}
	Violation(ctx, InvariantSinglePendingRequest, SeverityError, ViolationDetails{
		WhatInvariant: "a session carries at most one in-flight request",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("tool=%s has %d pending requests", tool, pendingCount),
		Additional: map[string]string{
			"tool":          strings.TrimSpace(tool),
			"pending_count": fmt.Sprintf("%d", pendingCount),
		},
	})
	return false
}

// CheckForwardTargetDistinct validates the forward_target_distinct invariant.
func CheckForwardTargetDistinct(ctx context.Context, whereDetected, source, target string) bool {
	if !strings.EqualFold(strings.TrimSpace(source), strings.TrimSpace(target)) {
		return true
	}
	Violation(ctx, InvariantForwardTargetDistinct, SeverityError, ViolationDetails{
		WhatInvariant: "forwards target a tool other than their source",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("forward resolved source and target to the same tool %q", source),
		Additional: map[string]string{
			"source": strings.TrimSpace(source),
			"target": strings.TrimSpace(target),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
