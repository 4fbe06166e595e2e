package submitutterance

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/validation"
	"nlcqe-workers/internal/engine/pipeline"
	"nlcqe-workers/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "submit-utterance"
)

var (
	ErrCompleteFailed = stderrors.New("COMPLETE_JOB_FAILED")
)

// Assistant answers one utterance. Failures come back inside the response.
type Assistant interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) models.Response
}

type Handler struct {
	config    *Config
	assistant Assistant
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(config *Config, assistant Assistant, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    config,
		assistant: assistant,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}
}

// Handle completes the job with the structured response even when the
// utterance could not be answered. Only malformed job input fails the job.
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

	resp := h.assistant.Submit(ctx, pipeline.SubmitRequest{
		Text:   input.Text,
		Caller: input.Caller,
	})

	output := &Output{
		Response:  resp,
		Success:   resp.Success,
		ErrorCode: resp.ErrorCode,
	}
	if resp.Intent != nil {
		output.Action = string(resp.Intent.Action)
		output.Entity = resp.Intent.Entity
	}
	return output, nil
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

	h.logger.Info("job completed", map[string]interface{}{
		"jobKey":    job.Key,
		"success":   output.Success,
		"errorCode": output.ErrorCode,
	})
	return nil
}
