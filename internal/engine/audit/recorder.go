// Package audit keeps a searchable trail of committed mutations.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
)

const DefaultIndex = "nlcqe-actions"

// ElasticsearchRecorder indexes one document per record, keyed by record id
// so a replayed record overwrites instead of duplicating.
type ElasticsearchRecorder struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  logger.Logger
}

func NewElasticsearchRecorder(client *elasticsearch.Client, index string, log logger.Logger) *ElasticsearchRecorder {
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticsearchRecorder{
		client:  client,
		index:   index,
		timeout: 5 * time.Second,
		logger:  logger.Component(log, "audit"),
	}
}

func (r *ElasticsearchRecorder) Record(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return errors.NewIndexingFailedError(r.index, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := esapi.IndexRequest{
		Index:      r.index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return errors.NewIndexingFailedError(r.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.NewIndexingFailedError(r.index, fmt.Errorf("index failed: %s", res.Status()))
	}

	r.logger.Debug("audit record indexed", map[string]interface{}{
		"tenantId": rec.TenantID,
		"action":   rec.Action,
		"entity":   rec.Entity,
		"recordId": rec.RecordID,
	})
	return nil
}

// Noop discards records. Used when no audit index is configured.
type Noop struct{}

func (Noop) Record(context.Context, models.AuditRecord) error { return nil }
