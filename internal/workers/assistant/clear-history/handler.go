package clearhistory

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
	TaskType = "clear-history"
)

var (
	ErrCompleteFailed = stderrors.New("COMPLETE_JOB_FAILED")
)

type HistoryClearer interface {
	ClearHistory(ctx context.Context, caller models.Caller) error
}

type Handler struct {
	config  *Config
	history HistoryClearer
	errors  *errors.ErrorHandler
	logger  logger.Logger
}

func NewHandler(config *Config, history HistoryClearer, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:  config,
		history: history,
		errors:  errors.NewErrorHandler(log),
		logger:  log,
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

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if res := validation.Struct(input); !res.Valid {
		return nil, errors.NewInvalidInputError(res.Error())
	}

	if err := h.history.ClearHistory(ctx, models.Caller{UserID: input.UserID, TenantID: input.TenantID}); err != nil {
		return nil, err
	}

	h.logger.Info("history cleared", map[string]interface{}{
		"tenantId": input.TenantID,
		"userId":   input.UserID,
	})
	return &Output{Cleared: true}, nil
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
