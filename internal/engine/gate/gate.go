// Package gate is the single place the read and write surface is bounded.
// Plans only reach the executor wrapped in SecureQuery or SecureAction, and
// only this package can build those.
package gate

import (
	"fmt"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/metrics"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/models"
)

const DefaultMaxRows = 20

// Rejection reasons, also used as metric labels.
const (
	ReasonNoTenant        = "no_tenant"
	ReasonEmptyPlan       = "empty_plan"
	ReasonUnknownEntity   = "unknown_entity"
	ReasonOperation       = "operation_not_allowed"
	ReasonUnknownField    = "unknown_field"
	ReasonComparator      = "comparator_not_allowed"
	ReasonUnknownTarget   = "unknown_target"
	ReasonTenantStripped  = "tenant_override_stripped"
	ReasonPermission      = "permission_denied"
	ReasonActionForEntity = "action_not_declared"
)

var readOperations = map[models.QueryOperation]bool{
	models.OpFindMany:  true,
	models.OpCount:     true,
	models.OpAggregate: true,
	models.OpGroupBy:   true,
}

// Delete is deliberately absent.
var writeOperations = map[models.Action]bool{
	models.ActionCreate:   true,
	models.ActionUpdate:   true,
	models.ActionApprove:  true,
	models.ActionReject:   true,
	models.ActionTransfer: true,
	models.ActionAssign:   true,
	models.ActionSend:     true,
}

var comparators = map[models.Comparator]bool{
	models.CmpEq:       true,
	models.CmpGt:       true,
	models.CmpGte:      true,
	models.CmpLte:      true,
	models.CmpContains: true,
}

// Keys that could carry a tenant id. They are dropped wherever they appear.
var tenantKeys = map[string]bool{
	"companyId":  true,
	"company_id": true,
	"tenantId":   true,
	"tenant_id":  true,
	"company":    true,
	"tenant":     true,
}

// IsTenantKey reports whether name could address the tenant column.
func IsTenantKey(name string) bool { return tenantKeys[name] }

// SecureQuery is a read plan scoped to one tenant.
type SecureQuery struct {
	plan   models.QueryPlan
	entity catalog.Entity
}

func (q SecureQuery) Plan() models.QueryPlan { return q.plan }
func (q SecureQuery) Entity() catalog.Entity { return q.entity }
func (q SecureQuery) Tenant() string { return q.plan.Tenant }
func (q SecureQuery) Valid() bool { return q.plan.Tenant != "" && q.entity.Table != "" }

// SecureAction is a mutation request scoped to one tenant.
type SecureAction struct {
	req    models.ActionRequest
	entity catalog.Entity
	target catalog.Entity
}

func (a SecureAction) Request() models.ActionRequest { return a.req }
func (a SecureAction) Entity() catalog.Entity { return a.entity }
func (a SecureAction) Tenant() string { return a.req.Tenant }
func (a SecureAction) Valid() bool { return a.req.Tenant != "" && a.entity.Table != "" }

// Target returns the catalog entry of the target selector's entity.
func (a SecureAction) Target() (catalog.Entity, bool) {
	return a.target, a.req.TargetSelector != nil
}

// PermissionFunc decides whether role may perform action on entity.
type PermissionFunc func(role models.Role, action models.Action, entity string) bool

type Gate struct {
	maxRows   int
	permitted PermissionFunc
	logger    logger.Logger
}

type Option func(*Gate)

// WithPermissions replaces the role matrix the gate applies. The executor
// always applies Permitted on its own.
func WithPermissions(fn PermissionFunc) Option {
	return func(g *Gate) {
		if fn != nil {
			g.permitted = fn
		}
	}
}

func New(maxRows int, log logger.Logger, opts ...Option) *Gate {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	g := &Gate{maxRows: maxRows, permitted: Permitted, logger: logger.Component(log, "gate")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allows reports whether role may perform action on entity under the
// gate's role matrix.
func (g *Gate) Allows(role models.Role, action models.Action, entity string) bool {
	return g.permitted(role, action, entity)
}

// SecureQuery sets the plan's tenant to tenant, whatever the plan carried,
// and fails closed on anything outside the allow-list.
func (g *Gate) SecureQuery(schema *catalog.Schema, plan *models.QueryPlan, tenant string) (SecureQuery, error) {
	if tenant == "" {
		return SecureQuery{}, g.reject(ReasonNoTenant, "caller has no tenant")
	}
	if plan == nil || schema == nil {
		return SecureQuery{}, g.reject(ReasonEmptyPlan, "no plan")
	}
	entity, ok := schema.Get(plan.Entity)
	if !ok {
		return SecureQuery{}, g.reject(ReasonUnknownEntity, fmt.Sprintf("entity %q is not exposed", plan.Entity))
	}
	if !readOperations[plan.Operation] {
		return SecureQuery{}, g.reject(ReasonOperation, fmt.Sprintf("read operation %q is not allowed", plan.Operation))
	}

	out := models.QueryPlan{
		Entity:    entity.Name,
		Operation: plan.Operation,
		Tenant:    tenant,
	}

	all, err := g.conditions(entity, plan.Filter.All)
	if err != nil {
		return SecureQuery{}, err
	}
	out.Filter.All = all
	for _, group := range plan.Filter.AnyOf {
		kept, err := g.conditions(entity, group)
		if err != nil {
			return SecureQuery{}, err
		}
		if len(kept) > 0 {
			out.Filter.AnyOf = append(out.Filter.AnyOf, kept)
		}
	}

	for _, f := range plan.Projection {
		if tenantKeys[f] {
			continue
		}
		if _, ok := entity.Field(f); !ok {
			return SecureQuery{}, g.reject(ReasonUnknownField, fmt.Sprintf("projection field %q", f))
		}
		out.Projection = append(out.Projection, f)
	}

	if plan.Order != nil {
		if _, ok := entity.Field(plan.Order.Field); !ok || tenantKeys[plan.Order.Field] {
			return SecureQuery{}, g.reject(ReasonUnknownField, fmt.Sprintf("order field %q", plan.Order.Field))
		}
		order := *plan.Order
		out.Order = &order
	}

	if out.Operation == models.OpFindMany {
		out.Limit = plan.Limit
		if out.Limit <= 0 || out.Limit > g.maxRows {
			out.Limit = g.maxRows
		}
	}

	if plan.Tenant != "" && plan.Tenant != tenant {
		g.logger.Warn("foreign tenant on plan overwritten", map[string]interface{}{"entity": plan.Entity})
		metrics.GateRejections.WithLabelValues(ReasonTenantStripped).Inc()
	}
	return SecureQuery{plan: out, entity: entity}, nil
}

// SecureAction scopes a mutation to tenant. The requester's tenant is
// overwritten too, so nothing downstream can read another one.
func (g *Gate) SecureAction(schema *catalog.Schema, req *models.ActionRequest, tenant string) (SecureAction, error) {
	if tenant == "" {
		return SecureAction{}, g.reject(ReasonNoTenant, "caller has no tenant")
	}
	if req == nil || schema == nil {
		return SecureAction{}, g.reject(ReasonEmptyPlan, "no request")
	}
	entity, ok := schema.Get(req.Entity)
	if !ok {
		return SecureAction{}, g.reject(ReasonUnknownEntity, fmt.Sprintf("entity %q is not exposed", req.Entity))
	}
	if !writeOperations[req.Operation] {
		return SecureAction{}, g.reject(ReasonOperation, fmt.Sprintf("write operation %q is not allowed", req.Operation))
	}
	if !entity.AllowsAction(string(req.Operation)) {
		return SecureAction{}, g.reject(ReasonActionForEntity, fmt.Sprintf("%s is not declared on %s", req.Operation, entity.Name))
	}

	out := models.ActionRequest{
		Entity:      entity.Name,
		Operation:   req.Operation,
		Fields:      make(map[string]interface{}, len(req.Fields)),
		RequestedBy: req.RequestedBy,
		Tenant:      tenant,
	}
	out.RequestedBy.TenantID = tenant

	stripped := false
	for k, v := range req.Fields {
		if tenantKeys[k] {
			stripped = true
			continue
		}
		out.Fields[k] = v
	}
	if stripped || (req.Tenant != "" && req.Tenant != tenant) {
		g.logger.Warn("tenant-like values removed from action", map[string]interface{}{"entity": req.Entity})
		metrics.GateRejections.WithLabelValues(ReasonTenantStripped).Inc()
	}

	var target catalog.Entity
	if req.TargetSelector != nil {
		t, ok := schema.Get(req.TargetSelector.Entity)
		if !ok {
			return SecureAction{}, g.reject(ReasonUnknownTarget, fmt.Sprintf("target entity %q is not exposed", req.TargetSelector.Entity))
		}
		sel := *req.TargetSelector
		out.TargetSelector = &sel
		target = t
	}

	if !g.permitted(req.RequestedBy.Role, req.Operation, entity.Name) {
		metrics.GateRejections.WithLabelValues(ReasonPermission).Inc()
		g.logger.Warn("action denied", map[string]interface{}{
			"role":   req.RequestedBy.Role,
			"action": req.Operation,
			"entity": entity.Name,
		})
		return SecureAction{}, errors.NewPermissionError(string(req.RequestedBy.Role))
	}

	return SecureAction{req: out, entity: entity, target: target}, nil
}

func (g *Gate) conditions(entity catalog.Entity, in []models.Condition) ([]models.Condition, error) {
	var out []models.Condition
	for _, c := range in {
		if tenantKeys[c.Field] {
			g.logger.Warn("tenant condition stripped from plan", map[string]interface{}{"entity": entity.Name, "field": c.Field})
			metrics.GateRejections.WithLabelValues(ReasonTenantStripped).Inc()
			continue
		}
		if _, ok := entity.Field(c.Field); !ok {
			return nil, g.reject(ReasonUnknownField, fmt.Sprintf("filter field %q", c.Field))
		}
		if !comparators[c.Op] {
			return nil, g.reject(ReasonComparator, fmt.Sprintf("comparator %q", c.Op))
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *Gate) reject(reason, details string) error {
	metrics.GateRejections.WithLabelValues(reason).Inc()
	g.logger.Warn("plan rejected", map[string]interface{}{"reason": reason, "details": details})
	return errors.NewPlanRejectedError(details)
}
