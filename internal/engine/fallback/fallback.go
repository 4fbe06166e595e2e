// Package fallback asks a generative model to classify utterances the local
// rules could not. The reply is parsed into the same ParsedIntent the local
// classifier produces and then goes through planning and the gate like any
// other intent.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/metrics"
	"nlcqe-workers/internal/common/validation"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/gate"
	"nlcqe-workers/internal/models"

	"golang.org/x/time/rate"
)

const (
	// DefaultConfidence applies when the model reports none.
	DefaultConfidence = 0.7
	DefaultTimeout    = 8 * time.Second

	maxUtteranceRunes = 500
)

// Outcomes recorded per invocation.
const (
	OutcomeParsed      = "parsed"
	OutcomeUnknown     = "unknown"
	OutcomeUnparsable  = "unparsable"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
)

const systemPrompt = `You classify requests for an HR system. Reply with one JSON object and nothing else:
{"action": "<action>", "entity": "<entity>", "params": {...}, "confidence": <0..1>}
Use only the entities and fields listed. Use "unknown" when the request does not fit.`

var replySchema = validation.MustCompileSchema(fmt.Sprintf(`{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": [%s]},
    "entity": {"type": "string"},
    "params": {"type": "object"},
    "confidence": {"type": "number"}
  }
}`, quotedActions()))

func quotedActions() string {
	parts := make([]string, len(models.Actions))
	for i, a := range models.Actions {
		parts[i] = fmt.Sprintf("%q", a)
	}
	return strings.Join(parts, ", ")
}

type reply struct {
	Action     models.Action          `json:"action"`
	Entity     string                 `json:"entity"`
	Params     map[string]interface{} `json:"params"`
	Confidence *float64               `json:"confidence"`
}

type Fallback struct {
	gen     Generator
	limiter *rate.Limiter
	timeout time.Duration
	logger  logger.Logger
}

type Option func(*Fallback)

// WithRateLimit bounds model calls process-wide. Calls over the limit are
// refused rather than queued.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fallback) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(f *Fallback) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func New(gen Generator, log logger.Logger, opts ...Option) *Fallback {
	f := &Fallback{
		gen:     gen,
		timeout: DefaultTimeout,
		logger:  logger.Component(log, "fallback"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Classify returns nil whenever the model is unavailable, slow, or replies
// with anything that does not validate. The caller then answers with help.
func (f *Fallback) Classify(ctx context.Context, text string, schema *catalog.Schema) *models.ParsedIntent {
	if f == nil || f.gen == nil || schema == nil {
		return nil
	}
	if f.limiter != nil && !f.limiter.Allow() {
		f.record(OutcomeRateLimited, nil)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	raw, err := f.gen.Generate(ctx, Prompt(schema.Summary(), text), systemPrompt)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, ErrModelTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		f.record(outcome, map[string]interface{}{"error": err.Error(), "durationMs": time.Since(start).Milliseconds()})
		return nil
	}

	intent, outcome := Parse(raw, text, schema)
	f.record(outcome, map[string]interface{}{"durationMs": time.Since(start).Milliseconds()})
	return intent
}

func (f *Fallback) record(outcome string, fields map[string]interface{}) {
	metrics.FallbackOutcomes.WithLabelValues(outcome).Inc()
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["outcome"] = outcome
	if outcome == OutcomeParsed {
		f.logger.Debug("fallback classified utterance", fields)
		return
	}
	f.logger.Info("fallback produced no intent", fields)
}

// Prompt carries the schema summary and the sanitized utterance only.
func Prompt(summary, text string) string {
	var b strings.Builder
	b.WriteString("Entities:\n")
	b.WriteString(summary)
	b.WriteString("\nActions: ")
	b.WriteString(strings.ReplaceAll(quotedActions(), `"`, ""))
	b.WriteString("\n\nRequest:\n")
	b.WriteString(Sanitize(text))
	return b.String()
}

// Sanitize drops control characters, collapses whitespace and truncates.
func Sanitize(text string) string {
	var b strings.Builder
	space := false
	n := 0
	for _, r := range text {
		if n >= maxUtteranceRunes {
			break
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			continue
		}
		if space {
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Parse maps the first well-formed JSON object in raw to an intent. The
// entity must exist in schema and tenant-like params are dropped.
func Parse(raw, originalText string, schema *catalog.Schema) (*models.ParsedIntent, string) {
	block, ok := FirstObject(raw)
	if !ok {
		return nil, OutcomeUnparsable
	}
	if res := replySchema.ValidateJSON([]byte(block)); !res.Valid {
		return nil, OutcomeInvalid
	}

	var r reply
	if err := json.Unmarshal([]byte(block), &r); err != nil {
		return nil, OutcomeInvalid
	}
	if r.Action == models.ActionUnknown {
		return nil, OutcomeUnknown
	}
	if !schema.Has(r.Entity) {
		return nil, OutcomeInvalid
	}

	confidence := DefaultConfidence
	if r.Confidence != nil {
		confidence = math.Max(0, math.Min(1, *r.Confidence))
	}

	params := make(map[string]interface{}, len(r.Params))
	for k, v := range r.Params {
		if gate.IsTenantKey(k) {
			continue
		}
		switch v.(type) {
		case string, float64, bool:
			params[k] = v
		}
	}

	return &models.ParsedIntent{
		Action:       r.Action,
		Entity:       r.Entity,
		Params:       params,
		Confidence:   confidence,
		OriginalText: originalText,
		Source:       models.SourceGenerative,
	}, OutcomeParsed
}

// FirstObject returns the first balanced {...} block in s that is valid JSON.
// Braces inside strings are ignored.
func FirstObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := balanced(s, start); ok && json.Valid([]byte(s[start:end])) {
			return s[start:end], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func balanced(s string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
