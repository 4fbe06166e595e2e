// Package pipeline wires the engine components into the submit-utterance
// flow: classify, plan, secure, execute, format. Every outcome, failures
// included, is returned as a models.Response and recorded in the caller's
// conversation history.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/metrics"
	"nlcqe-workers/internal/common/observability"
	"nlcqe-workers/internal/common/validation"
	"nlcqe-workers/internal/engine/actionplan"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/classifier"
	"nlcqe-workers/internal/engine/executor"
	"nlcqe-workers/internal/engine/formatter"
	"nlcqe-workers/internal/engine/gate"
	"nlcqe-workers/internal/engine/queryplan"
	"nlcqe-workers/internal/engine/session"
	"nlcqe-workers/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultAutoExecuteThreshold = 0.6

// SchemaSource yields the current catalog schema.
type SchemaSource interface {
	Schema(ctx context.Context) (*catalog.Schema, error)
}

// IntentFallback classifies utterances the local rules could not. A nil
// intent means no usable interpretation.
type IntentFallback interface {
	Classify(ctx context.Context, text string, schema *catalog.Schema) *models.ParsedIntent
}

// Snapshots serves tenant context snapshots.
type Snapshots interface {
	Get(ctx context.Context, tenant string, forceRefresh bool) (*models.ContextSnapshot, error)
	Invalidate(ctx context.Context, tenant string) error
}

// Deps are the components an Engine is assembled from. Fallback may be nil.
type Deps struct {
	Catalog    SchemaSource
	Classifier *classifier.Classifier
	Queries    *queryplan.Planner
	Actions    *actionplan.Planner
	Gate       *gate.Gate
	Executor   *executor.Executor
	Fallback   IntentFallback
	Snapshots  Snapshots
	Sessions   session.Store
}

type Engine struct {
	deps      Deps
	threshold float64
	obs       *observability.Observability
	logger    logger.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

// WithAutoExecuteThreshold sets the confidence an intent must exceed to be
// executed without asking the user first.
func WithAutoExecuteThreshold(v float64) Option {
	return func(e *Engine) {
		if v > 0 && v < 1 {
			e.threshold = v
		}
	}
}

func WithObservability(obs *observability.Observability) Option {
	return func(e *Engine) { e.obs = obs }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func New(deps Deps, log logger.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("pipeline: catalog is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("pipeline: classifier is required")
	case deps.Queries == nil || deps.Actions == nil:
		return nil, fmt.Errorf("pipeline: planners are required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("pipeline: gate is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	case deps.Snapshots == nil:
		return nil, fmt.Errorf("pipeline: snapshots are required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("pipeline: session store is required")
	}

	e := &Engine{
		deps:      deps,
		threshold: DefaultAutoExecuteThreshold,
		logger:    logger.Component(log, "pipeline"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubmitRequest is one utterance from an identified caller.
type SubmitRequest struct {
	Text   string        `json:"text" validate:"max=2000"`
	Caller models.Caller `json:"caller" validate:"required"`
}

// turnMeta is what an assistant turn records about how it was produced.
type turnMeta struct {
	intent *models.ParsedIntent
	ruleID string
}

// Submit never returns an error: failures are rendered into the response.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) models.Response {
	start := e.now()
	if res := validation.Struct(req); !res.Valid {
		return response(formatter.Failure(errors.NewInvalidInputError(res.Error())), nil, false, errors.ErrCodeInvalidInput)
	}

	ctx, span := e.obs.StartSpan(ctx, "nlcqe.submit",
		attribute.String("tenantId", req.Caller.TenantID),
		attribute.String("role", string(req.Caller.Role)),
	)
	defer span.End()

	resp, meta := e.answer(ctx, req)

	if !resp.Success {
		span.SetStatus(codes.Error, resp.ErrorCode)
	}
	if meta.intent != nil {
		span.SetAttributes(
			attribute.String("action", string(meta.intent.Action)),
			attribute.String("entity", meta.intent.Entity),
			attribute.Float64("confidence", meta.intent.Confidence),
		)
	}

	duration := e.now().Sub(start)
	e.record(ctx, req, resp, meta, duration)

	fields := map[string]interface{}{
		"tenantId":   req.Caller.TenantID,
		"userId":     req.Caller.UserID,
		"success":    resp.Success,
		"durationMs": duration.Milliseconds(),
	}
	if meta.intent != nil {
		fields["action"] = meta.intent.Action
		fields["entity"] = meta.intent.Entity
		fields["confidence"] = meta.intent.Confidence
		fields["source"] = meta.intent.Source
		fields["ruleId"] = meta.ruleID
	}
	if resp.ErrorCode != "" {
		fields["errorCode"] = resp.ErrorCode
	}
	e.logger.Info("utterance answered", fields)
	return resp
}

func (e *Engine) answer(ctx context.Context, req SubmitRequest) (models.Response, turnMeta) {
	var meta turnMeta

	schema, err := e.deps.Catalog.Schema(ctx)
	if err != nil {
		return failure(errors.NewUpstreamError("catalog", err), nil), meta
	}

	intent, rule := e.classify(ctx, req.Text, schema)
	meta.intent = &intent
	if rule != nil {
		meta.ruleID = rule.ID
	}

	// Reply rules answer directly.
	if reply := intent.Param(models.ParamReply); reply != "" && rule != nil {
		return models.Response{
			Success:       true,
			Message:       formatter.Reply(reply, req.Caller.UserName),
			Visualization: models.VizText,
			Suggestions:   suggestionsOr(rule.Suggestions, formatter.DefaultSuggestions),
			Intent:        &intent,
		}, meta
	}

	if intent.Action == models.ActionUnknown {
		fb := e.escalate(ctx, req.Text, schema)
		if fb == nil {
			return response(formatter.Help(), &intent, true, ""), meta
		}
		intent, rule = *fb, nil
		meta.intent, meta.ruleID = &intent, ""
	}

	if intent.Confidence <= e.threshold {
		entity, _ := schema.Get(intent.Entity)
		var s []string
		if rule != nil {
			s = rule.Suggestions
		}
		return response(formatter.Clarify(intent, entity, s), &intent, true, ""), meta
	}

	if intent.Action.IsRead() {
		resp, escalated := e.read(ctx, req, schema, intent, rule)
		if escalated != nil {
			meta.intent, meta.ruleID = escalated, ""
		}
		return resp, meta
	}
	return e.act(ctx, req, schema, intent), meta
}

// classify runs the local rules and counts the outcome.
func (e *Engine) classify(ctx context.Context, text string, schema *catalog.Schema) (models.ParsedIntent, *classifier.Rule) {
	_, span := e.obs.StartSpan(ctx, "nlcqe.classify")
	defer span.End()

	intent, rule := e.deps.Classifier.Using(schema).Match(text)
	if checked := validateIntent(schema, intent); checked.Action != intent.Action {
		e.logger.Warn("classified entity not in catalog", map[string]interface{}{
			"entity": intent.Entity,
			"ruleId": intent.RuleID,
		})
		intent, rule = checked, nil
	} else {
		intent = checked
	}
	metrics.IntentsClassified.WithLabelValues(string(intent.Source), string(intent.Action)).Inc()
	e.logger.Debug("utterance classified", map[string]interface{}{
		"action":     intent.Action,
		"entity":     intent.Entity,
		"confidence": intent.Confidence,
		"ruleId":     intent.RuleID,
	})
	return intent, rule
}

// escalate asks the generative fallback. A usable intent re-enters the same
// plan, gate and execute path as a local one.
func (e *Engine) escalate(ctx context.Context, text string, schema *catalog.Schema) *models.ParsedIntent {
	if e.deps.Fallback == nil {
		return nil
	}
	ctx, span := e.obs.StartSpan(ctx, "nlcqe.fallback")
	defer span.End()

	intent := e.deps.Fallback.Classify(ctx, text, schema)
	if intent == nil {
		return nil
	}
	checked := validateIntent(schema, *intent)
	if checked.Action == models.ActionUnknown {
		return nil
	}
	metrics.IntentsClassified.WithLabelValues(string(checked.Source), string(checked.Action)).Inc()
	return &checked
}

func (e *Engine) read(ctx context.Context, req SubmitRequest, schema *catalog.Schema, intent models.ParsedIntent, rule *classifier.Rule) (models.Response, *models.ParsedIntent) {
	var escalated *models.ParsedIntent

	_, planSpan := e.obs.StartSpan(ctx, "nlcqe.plan", attribute.String("kind", "query"))
	plan := e.deps.Queries.Plan(schema, intent)
	planSpan.End()

	if plan == nil && intent.Source == models.SourceLocal {
		if fb := e.escalate(ctx, req.Text, schema); fb != nil && fb.Confidence > e.threshold {
			if !fb.Action.IsRead() {
				return e.act(ctx, req, schema, *fb), fb
			}
			intent, rule, escalated = *fb, nil, fb
			plan = e.deps.Queries.Plan(schema, intent)
		}
	}
	if plan == nil {
		return response(formatter.Help(), &intent, true, ""), escalated
	}

	secured, err := e.deps.Gate.SecureQuery(schema, plan, req.Caller.TenantID)
	if err != nil {
		return failure(err, &intent), escalated
	}

	execCtx, execSpan := e.obs.StartSpan(ctx, "nlcqe.execute",
		attribute.String("kind", "query"),
		attribute.String("operation", string(plan.Operation)),
	)
	res, err := e.deps.Executor.Query(execCtx, secured)
	if err != nil {
		execSpan.SetStatus(codes.Error, err.Error())
	}
	execSpan.End()
	if err != nil {
		return failure(err, &intent), escalated
	}

	_, fmtSpan := e.obs.StartSpan(ctx, "nlcqe.format")
	defer fmtSpan.End()

	out := formatter.Query(res, secured.Entity())
	if rule != nil && rule.Template != "" {
		if text, ok := formatter.Grounded(rule.Template, res, e.snapshot(ctx, req.Caller.TenantID)); ok {
			out.Text = text
			if rule.Visualization != "" {
				out.Visualization = rule.Visualization
			}
		}
	}
	qr := models.QueryResponse{
		Success:     true,
		Data:        out.Data,
		Explanation: out.Text,
		Suggestions: out.Suggestions,
	}
	return qr.Response(out.Visualization, &intent), escalated
}

// snapshot returns nil when the snapshot is unavailable; templates then use
// the executed figures alone.
func (e *Engine) snapshot(ctx context.Context, tenant string) *models.ContextSnapshot {
	snap, err := e.deps.Snapshots.Get(ctx, tenant, false)
	if err != nil {
		e.logger.Warn("context snapshot unavailable", map[string]interface{}{"tenantId": tenant, "error": err.Error()})
		return nil
	}
	return snap
}

func (e *Engine) act(ctx context.Context, req SubmitRequest, schema *catalog.Schema, intent models.ParsedIntent) models.Response {
	// Denied before planning, so a caller is never prompted for the fields
	// of an action they cannot run.
	if !e.deps.Gate.Allows(req.Caller.Role, intent.Action, intent.Entity) {
		return failure(errors.NewPermissionError(string(req.Caller.Role)), &intent)
	}

	_, planSpan := e.obs.StartSpan(ctx, "nlcqe.plan", attribute.String("kind", "action"))
	ar, err := e.deps.Actions.Plan(intent, req.Caller)
	planSpan.End()
	if err != nil {
		return failure(err, &intent)
	}

	secured, err := e.deps.Gate.SecureAction(schema, ar, req.Caller.TenantID)
	if err != nil {
		return failure(err, &intent)
	}

	execCtx, execSpan := e.obs.StartSpan(ctx, "nlcqe.execute",
		attribute.String("kind", "action"),
		attribute.String("operation", string(ar.Operation)),
	)
	res, err := e.deps.Executor.Act(execCtx, secured)
	if err != nil {
		execSpan.SetStatus(codes.Error, err.Error())
	}
	execSpan.End()
	if err != nil {
		return failure(err, &intent)
	}

	if err := e.deps.Snapshots.Invalidate(ctx, req.Caller.TenantID); err != nil {
		e.logger.Warn("snapshot invalidation failed", map[string]interface{}{"tenantId": req.Caller.TenantID, "error": err.Error()})
	}

	_, fmtSpan := e.obs.StartSpan(ctx, "nlcqe.format")
	defer fmtSpan.End()
	return response(formatter.Action(res, intent.Entity), &intent, true, "")
}

// record appends the user turn and the assistant turn. A store failure is
// logged and does not change the response.
func (e *Engine) record(ctx context.Context, req SubmitRequest, resp models.Response, meta turnMeta, duration time.Duration) {
	now := e.now().UTC()
	md := map[string]interface{}{
		"visualization": string(resp.Visualization),
		"durationMs":    duration.Milliseconds(),
		"success":       resp.Success,
	}
	if meta.intent != nil {
		md["source"] = string(meta.intent.Source)
		md["action"] = string(meta.intent.Action)
		if meta.intent.Entity != "" {
			md["entity"] = meta.intent.Entity
		}
	}
	if meta.ruleID != "" {
		md["ruleId"] = meta.ruleID
	}
	if resp.ErrorCode != "" {
		md["errorCode"] = resp.ErrorCode
	}

	turns := []models.ConversationTurn{
		{ID: e.newID(), Role: models.TurnUser, Text: req.Text, Timestamp: now},
		{ID: e.newID(), Role: models.TurnAssistant, Text: resp.Message, Timestamp: now, Metadata: md},
	}
	if err := e.deps.Sessions.Append(ctx, req.Caller.TenantID, req.Caller.UserID, turns...); err != nil {
		e.logger.Warn("conversation turn not stored", map[string]interface{}{
			"tenantId": req.Caller.TenantID,
			"userId":   req.Caller.UserID,
			"error":    err.Error(),
		})
	}
}

// ==========================
// Other operations
// ==========================

// History returns the caller's turns, oldest first.
func (e *Engine) History(ctx context.Context, caller models.Caller) ([]models.ConversationTurn, error) {
	if caller.TenantID == "" || caller.UserID == "" {
		return nil, errors.NewInvalidInputError("tenantId and userId are required")
	}
	return e.deps.Sessions.History(ctx, caller.TenantID, caller.UserID)
}

func (e *Engine) ClearHistory(ctx context.Context, caller models.Caller) error {
	if caller.TenantID == "" || caller.UserID == "" {
		return errors.NewInvalidInputError("tenantId and userId are required")
	}
	return e.deps.Sessions.Clear(ctx, caller.TenantID, caller.UserID)
}

// RefreshContext rebuilds the tenant's snapshot regardless of its age.
func (e *Engine) RefreshContext(ctx context.Context, tenant string) (*models.ContextSnapshot, error) {
	return e.deps.Snapshots.Get(ctx, tenant, true)
}

// Classify runs only the local classifier. Nothing is executed or recorded.
func (e *Engine) Classify(ctx context.Context, text string) (models.ParsedIntent, error) {
	schema, err := e.deps.Catalog.Schema(ctx)
	if err != nil {
		return models.ParsedIntent{}, errors.NewUpstreamError("catalog", err)
	}
	intent, _ := e.classify(ctx, text, schema)
	return intent, nil
}

// ==========================
// Helpers
// ==========================

// validateIntent is applied to every intent, local or generative, before it
// is planned or returned. An unknown action, or an entity the schema does not
// hold, makes the intent unknown. Confidence is kept within [0,1].
func validateIntent(schema *catalog.Schema, intent models.ParsedIntent) models.ParsedIntent {
	switch {
	case math.IsNaN(intent.Confidence) || intent.Confidence < 0:
		intent.Confidence = 0
	case intent.Confidence > 1:
		intent.Confidence = 1
	}
	if intent.Action == models.ActionUnknown {
		return intent
	}
	if !intent.Action.Valid() || schema == nil || !schema.Has(intent.Entity) {
		intent.Action = models.ActionUnknown
		intent.Entity = ""
		intent.RuleID = ""
		intent.Params = nil
	}
	return intent
}

func response(out formatter.Output, intent *models.ParsedIntent, success bool, code errors.ErrorCode) models.Response {
	return models.Response{
		Success:       success,
		Message:       out.Text,
		Data:          out.Data,
		Visualization: out.Visualization,
		Suggestions:   out.Suggestions,
		Intent:        intent,
		ErrorCode:     string(code),
	}
}

func failure(err error, intent *models.ParsedIntent) models.Response {
	return response(formatter.Failure(err), intent, false, errors.Normalize(err).Code)
}

func suggestionsOr(s, fallback []string) []string {
	if len(s) > 0 {
		return append([]string(nil), s...)
	}
	return append([]string(nil), fallback...)
}
