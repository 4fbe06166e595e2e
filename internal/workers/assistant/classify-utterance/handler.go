package classifyutterance

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
	TaskType = "classify-utterance"
)

var (
	ErrCompleteFailed = stderrors.New("COMPLETE_JOB_FAILED")
)

// Classifier runs the local rule table only.
type Classifier interface {
	Classify(ctx context.Context, text string) (models.ParsedIntent, error)
}

type Handler struct {
	config     *Config
	classifier Classifier
	errors     *errors.ErrorHandler
	logger     logger.Logger
}

func NewHandler(config *Config, classifier Classifier, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		classifier: classifier,
		errors:     errors.NewErrorHandler(log),
		logger:     log,
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

// Execute classifies without planning or executing anything, so BPMN models
// can route on the intent before calling submit-utterance.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if res := validation.Struct(input); !res.Valid {
		return nil, errors.NewInvalidInputError(res.Error())
	}

	intent, err := h.classifier.Classify(ctx, input.Text)
	if err != nil {
		return nil, err
	}

	understood := intent.Action != models.ActionUnknown
	h.logger.Debug("utterance classified", map[string]interface{}{
		"action":     intent.Action,
		"entity":     intent.Entity,
		"confidence": intent.Confidence,
		"ruleId":     intent.RuleID,
	})

	return &Output{
		Intent:      intent,
		Action:      string(intent.Action),
		Entity:      intent.Entity,
		Confidence:  intent.Confidence,
		IsRead:      intent.Action.IsRead(),
		Understood:  understood,
		AutoExecute: understood && intent.Confidence > h.config.AutoExecuteThreshold,
	}, nil
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
