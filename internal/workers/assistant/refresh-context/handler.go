package refreshcontext

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/validation"
	"nlcqe-workers/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "refresh-context"
)

var (
	ErrCompleteFailed = stderrors.New("COMPLETE_JOB_FAILED")
)

type ContextRefresher interface {
	RefreshContext(ctx context.Context, tenant string) (*models.ContextSnapshot, error)
}

type Handler struct {
	config    *Config
	refresher ContextRefresher
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(config *Config, refresher ContextRefresher, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    config,
		refresher: refresher,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return h.errors.HandleJobError(context.Background(), client, job,
			errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.Execute(ctx, &input)
	if err != nil {
		return h.errors.HandleJobError(ctx, client, job, err)
	}

	return h.completeJob(client, job, output)
}

// Execute rebuilds the tenant snapshot regardless of cache age. A snapshot
// with degraded metrics is still a successful refresh.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if res := validation.Struct(input); !res.Valid {
		return nil, errors.NewInvalidInputError(res.Error())
	}

	snap, err := h.refresher.RefreshContext(ctx, input.TenantID)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Snapshot:   snap,
		AlertCount: len(snap.Alerts),
		Degraded:   snap.Degraded,
	}
	for _, a := range snap.Alerts {
		if a.Level == models.AlertCritical {
			out.HasCritical = true
			break
		}
	}

	h.logger.Info("context refreshed", map[string]interface{}{
		"tenantId": input.TenantID,
		"alerts":   out.AlertCount,
		"degraded": len(out.Degraded),
	})
	return out, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrCompleteFailed, err)
	}

	if _, err = cmd.Send(context.Background()); err != nil {
		h.logger.Error("Failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrCompleteFailed, err)
	}
	return nil
}
