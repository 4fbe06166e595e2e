// Package executor runs secured plans against postgres. It accepts only the
// plan types produced by the gate and never renders SQL from anything else.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"nlcqe-workers/internal/common/database"
	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/metrics"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/gate"
	"nlcqe-workers/internal/models"

	"github.com/google/uuid"
)

// AuditRecorder receives one record per committed mutation.
type AuditRecorder interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// Notifier delivers persisted notifications over external channels.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type Executor struct {
	db       *sql.DB
	logger   logger.Logger
	recorder AuditRecorder
	notifier Notifier
	now      func() time.Time
	newID    func() string
}

type Option func(*Executor)

func WithAuditRecorder(r AuditRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

func New(db *sql.DB, log logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		db:     db,
		logger: logger.Component(log, "executor"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ==========================
// Reads
// ==========================

// Query runs a read plan. An upstream failure is retried once.
func (e *Executor) Query(ctx context.Context, q gate.SecureQuery) (*models.QueryResult, error) {
	if !q.Valid() {
		return nil, errors.NewPlanRejectedError("query was not secured")
	}
	plan := q.Plan()

	start := time.Now()
	defer func() {
		metrics.ExecutorDuration.WithLabelValues("read", string(plan.Operation)).Observe(time.Since(start).Seconds())
	}()

	res, err := e.read(ctx, q.Entity(), plan)
	if err != nil && errors.HasCode(err, errors.ErrCodeUpstreamFailure) && ctx.Err() == nil {
		e.logger.Warn("read failed, retrying once", map[string]interface{}{
			"entity":    plan.Entity,
			"operation": plan.Operation,
			"error":     err.Error(),
		})
		res, err = e.read(ctx, q.Entity(), plan)
	}
	return res, err
}

func (e *Executor) read(ctx context.Context, entity catalog.Entity, plan models.QueryPlan) (*models.QueryResult, error) {
	result := &models.QueryResult{Entity: plan.Entity, Operation: plan.Operation}

	switch plan.Operation {
	case models.OpCount:
		stmt, err := renderCount(entity, plan)
		if err != nil {
			return nil, errors.NewPlanRejectedError(err.Error())
		}
		if err := e.db.QueryRowContext(ctx, stmt.sql, stmt.args...).Scan(&result.Count); err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}

	case models.OpFindMany:
		stmt, names, err := renderFindMany(entity, plan)
		if err != nil {
			return nil, errors.NewPlanRejectedError(err.Error())
		}
		rows, err := e.db.QueryContext(ctx, stmt.sql, stmt.args...)
		if err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}
		defer rows.Close()
		result.Rows, err = scanRows(rows, entity, names)
		if err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}
		result.Count = int64(len(result.Rows))

	case models.OpAggregate:
		stmt, fields, err := renderAggregate(entity, plan)
		if err != nil {
			return nil, errors.NewPlanRejectedError(err.Error())
		}
		sums := make([]float64, len(fields))
		avgs := make([]float64, len(fields))
		dest := []interface{}{&result.Count}
		for i := range fields {
			dest = append(dest, &sums[i], &avgs[i])
		}
		if err := e.db.QueryRowContext(ctx, stmt.sql, stmt.args...).Scan(dest...); err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}
		result.Sums = make(map[string]float64, len(fields))
		result.Averages = make(map[string]float64, len(fields))
		for i, f := range fields {
			result.Sums[f.Name] = sums[i]
			result.Averages[f.Name] = avgs[i]
		}

	case models.OpGroupBy:
		stmt, err := renderGroupBy(entity, plan)
		if err != nil {
			return nil, errors.NewPlanRejectedError(err.Error())
		}
		rows, err := e.db.QueryContext(ctx, stmt.sql, stmt.args...)
		if err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g models.GroupCount
			if err := rows.Scan(&g.Key, &g.Count); err != nil {
				return nil, errors.NewUpstreamError("postgres", err)
			}
			result.Groups = append(result.Groups, g)
			result.Count += g.Count
		}
		if err := rows.Err(); err != nil {
			return nil, errors.NewUpstreamError("postgres", err)
		}

	default:
		return nil, errors.NewPlanRejectedError(fmt.Sprintf("read operation %q", plan.Operation))
	}

	return result, nil
}

func scanRows(rows *sql.Rows, entity catalog.Entity, names []string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(names))
		for i, name := range names {
			f, _ := entity.Field(name)
			row[name] = cell(f, values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// cell converts driver values into JSON-friendly ones. Numeric columns come
// back from pq as text.
func cell(f catalog.Field, v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		if f.Type == catalog.FieldNumber {
			if n, err := strconv.ParseFloat(string(x), 64); err == nil {
				return n
			}
		}
		return string(x)
	case int64:
		if f.Type == catalog.FieldNumber {
			return float64(x)
		}
	}
	return v
}

// ==========================
// Actions
// ==========================

// Act performs one mutation inside a transaction. Mutations are never
// retried. Audit and delivery run only after commit and cannot fail the
// action.
func (e *Executor) Act(ctx context.Context, a gate.SecureAction) (*models.ActionResult, error) {
	if !a.Valid() {
		return nil, errors.NewPlanRejectedError("action was not secured")
	}
	req := a.Request()

	if !gate.Permitted(req.RequestedBy.Role, req.Operation, req.Entity) {
		e.logger.Warn("action denied", map[string]interface{}{
			"role":   req.RequestedBy.Role,
			"action": req.Operation,
			"entity": req.Entity,
		})
		return nil, errors.NewPermissionError(string(req.RequestedBy.Role))
	}

	handler, ok := actions[actionKey{req.Operation, req.Entity}]
	if !ok {
		return nil, errors.NewPlanRejectedError(fmt.Sprintf("no handler for %s %s", req.Operation, req.Entity))
	}

	start := time.Now()
	defer func() {
		metrics.ExecutorDuration.WithLabelValues("action", string(req.Operation)).Observe(time.Since(start).Seconds())
	}()

	target, _ := a.Target()
	x := &actionContext{
		req:    req,
		entity: a.Entity(),
		target: target,
		now:    e.now().UTC(),
		newID:  e.newID,
	}

	var out *outcome
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		x.tx = tx
		var err error
		out, err = handler(ctx, x)
		return err
	})
	if err != nil {
		if _, ok := errors.AsStandard(err); !ok {
			err = errors.NewUpstreamError("postgres", err)
		}
		e.logger.Info("action not applied", map[string]interface{}{
			"action": req.Operation,
			"entity": req.Entity,
			"error":  err.Error(),
		})
		return nil, err
	}

	e.logger.Info("action committed", map[string]interface{}{
		"action":   req.Operation,
		"entity":   req.Entity,
		"recordId": out.recordID,
		"tenantId": req.Tenant,
	})
	e.afterCommit(ctx, req, out)

	return &models.ActionResult{
		Success:     true,
		Message:     out.message,
		Data:        out.record,
		Suggestions: out.suggestions,
	}, nil
}

func (e *Executor) afterCommit(ctx context.Context, req models.ActionRequest, out *outcome) {
	if e.recorder != nil {
		rec := models.AuditRecord{
			ID:        e.newID(),
			TenantID:  req.Tenant,
			UserID:    req.RequestedBy.UserID,
			Role:      req.RequestedBy.Role,
			Action:    req.Operation,
			Entity:    req.Entity,
			TargetID:  out.targetID,
			RecordID:  out.recordID,
			Fields:    req.Fields,
			Message:   out.message,
			Timestamp: e.now().UTC(),
		}
		if err := e.recorder.Record(ctx, rec); err != nil {
			e.logger.Warn("audit record failed", map[string]interface{}{"error": err.Error(), "recordId": out.recordID})
		}
	}
	if e.notifier != nil && out.notification != nil {
		if err := e.notifier.Notify(ctx, *out.notification); err != nil {
			e.logger.Warn("notification delivery failed", map[string]interface{}{"error": err.Error(), "kind": out.notification.Kind})
		}
	}
}
