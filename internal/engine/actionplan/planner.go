// Package actionplan validates an action intent into an ActionRequest.
package actionplan

import (
	"fmt"
	"strconv"
	"strings"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/models"
)

type Planner struct{}

func New() *Planner { return &Planner{} }

// Plan returns the request or a validation error that carries the prompt for
// the first missing parameter. The tenant is left for the gate to set.
func (p *Planner) Plan(intent models.ParsedIntent, caller models.Caller) (*models.ActionRequest, error) {
	spec, ok := Lookup(intent.Action, intent.Entity)
	if !ok {
		return nil, errors.NewPlanRejectedError(fmt.Sprintf("no action %s on %s", intent.Action, intent.Entity))
	}

	fields := make(map[string]interface{}, len(spec.Required)+len(spec.Optional)+len(spec.Defaults))
	for k, v := range spec.Defaults {
		fields[k] = v
	}

	for _, param := range spec.Required {
		v, ok := read(intent, param)
		if !ok {
			return nil, errors.NewValidationError(param.Field, param.Prompt, param.Example)
		}
		fields[param.Field] = v
	}
	for _, param := range spec.Optional {
		if v, ok := read(intent, param); ok {
			fields[param.Field] = v
		}
	}

	if f, ok := fields["amount"].(float64); ok && f <= 0 {
		return nil, errors.NewValidationError("amount", "يجب أن يكون المبلغ أكبر من صفر", spec.Example)
	}

	target, err := selector(spec, intent)
	if err != nil {
		return nil, err
	}

	return &models.ActionRequest{
		Entity:         intent.Entity,
		Operation:      intent.Action,
		TargetSelector: target,
		Fields:         fields,
		RequestedBy:    caller,
	}, nil
}

func selector(spec Spec, intent models.ParsedIntent) (*models.TargetSelector, error) {
	name := strings.TrimSpace(intent.Param(models.ParamEmployeeName))

	switch spec.Target {
	case TargetNone:
		return nil, nil
	case TargetOptional:
		if name == "" {
			return nil, nil
		}
	case TargetRequired:
		if name == "" {
			return nil, errors.NewValidationError(models.ParamEmployeeName, spec.TargetPrompt, spec.Example)
		}
	case TargetImplicit:
		if name == "" {
			return &models.TargetSelector{Entity: spec.TargetEntity, Implicit: true}, nil
		}
	}
	return &models.TargetSelector{Entity: spec.TargetEntity, Name: name}, nil
}

func read(intent models.ParsedIntent, param Param) (interface{}, bool) {
	for _, alias := range param.Aliases {
		if param.Number {
			if f, ok := intent.Number(alias); ok {
				return f, true
			}
			if s := intent.Param(alias); s != "" {
				if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
					return f, true
				}
			}
			continue
		}
		if s := strings.TrimSpace(intent.Param(alias)); s != "" {
			return s, true
		}
	}
	return nil, false
}
