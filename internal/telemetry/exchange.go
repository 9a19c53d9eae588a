package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/session"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// ExchangeRecorder mirrors bus traffic into tool.exchange spans: one span
// per prompt/response pair, carrying boundary method, latency, and token
// estimates. Prompts and responses never travel in attributes, only hashes
// and sizes, so traces stay safe to export.
//
// A single wildcard subscription keeps each tool's RequestSent ahead of the
// BoundaryDetected or ProcessExit that closes it.
type ExchangeRecorder struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[string]*exchangeSpan
}

type exchangeSpan struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int
}

// NewExchangeRecorder subscribes a recorder to the bus. With tracing
// disabled the no-op tracer makes every callback free.
func NewExchangeRecorder(bus events.Bus) (*ExchangeRecorder, error) {
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	r := &ExchangeRecorder{
		tracer: otel.Tracer("duet/telemetry"),
		open:   make(map[string]*exchangeSpan),
	}
	bus.SubscribeAll(r.handle)
	return r, nil
}

func (r *ExchangeRecorder) handle(event events.Event) {
	switch event.Type {
	case events.EventTypeRequestSent:
		payload, ok := event.Payload.(session.RequestPayload)
		if !ok {
			return
		}
		r.onRequest(event.Tool, payload)
	case events.EventTypeBoundaryDetected:
		payload, ok := event.Payload.(session.BoundaryPayload)
		if !ok {
			return
		}
		r.onBoundary(event.Tool, payload)
	case events.EventTypeProcessExit:
		payload, ok := event.Payload.(session.ExitPayload)
		if !ok {
			return
		}
		r.onExit(event.Tool, payload)
	}
}

func (r *ExchangeRecorder) onRequest(tool string, payload session.RequestPayload) {
	promptTokens := EstimateTokenCount(payload.Prompt)
	_, span := r.tracer.Start(context.Background(), "tool.exchange", trace.WithAttributes(
		attribute.String("tool", normalizeOrUnknown(tool)),
		attribute.String("prompt_hash", hashPrompt(payload.Prompt)),
		attribute.Int("prompt_tokens", promptTokens),
	))

	r.mu.Lock()
	defer r.mu.Unlock()
	if stale, ok := r.open[tool]; ok {
		// A request arrived while one was open. End the stale span so it
		// is not leaked; the session layer forbids this pairing.
		stale.span.SetStatus(codes.Error, "superseded by a newer request")
		stale.span.End()
	}
	r.open[tool] = &exchangeSpan{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
}

func (r *ExchangeRecorder) onBoundary(tool string, payload session.BoundaryPayload) {
	r.mu.Lock()
	open, ok := r.open[tool]
	if ok {
		delete(r.open, tool)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	responseTokens := EstimateTokenCount(payload.Response)
	open.span.SetAttributes(
		attribute.String("boundary_method", normalizeOrUnknown(payload.Method)),
		attribute.Bool("quiet", payload.Quiet),
		attribute.Int("output_bytes", payload.Bytes),
		attribute.Int64("latency_ms", payload.Duration.Milliseconds()),
		attribute.Int("response_tokens", responseTokens),
		attribute.Int("total_tokens", open.promptTokens+responseTokens),
	)
	if payload.Quiet {
		open.span.SetStatus(codes.Ok, "completed without output")
	} else {
		open.span.SetStatus(codes.Ok, "exchange completed")
	}
	open.span.End()
}

func (r *ExchangeRecorder) onExit(tool string, payload session.ExitPayload) {
	r.mu.Lock()
	open, ok := r.open[tool]
	if ok {
		delete(r.open, tool)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	open.span.AddEvent("tool.exit", trace.WithAttributes(
		attribute.Int("exit_code", payload.Code),
	))
	open.span.SetStatus(codes.Error, "tool exited before the response completed")
	open.span.End()
}

// EstimateTokenCount estimates token count with a deterministic
// words-to-tokens heuristic. The wrapped tools do not report real counts.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
