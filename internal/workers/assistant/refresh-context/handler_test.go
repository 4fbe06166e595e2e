package refreshcontext

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct {
	snap    *models.ContextSnapshot
	err     error
	tenants []string
}

func (s *stubRefresher) RefreshContext(_ context.Context, tenant string) (*models.ContextSnapshot, error) {
	s.tenants = append(s.tenants, tenant)
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

func createTestConfig() *Config {
	return &Config{Timeout: time.Second}
}

func TestHandler_Execute_SummarizesSnapshot(t *testing.T) {
	refresher := &stubRefresher{snap: &models.ContextSnapshot{
		TenantID: "t-1",
		Alerts: []models.Alert{
			{Level: models.AlertWarning, Message: "2 طلبات إجازة معلقة"},
			{Level: models.AlertCritical, Message: "نسبة الحضور منخفضة"},
		},
		Degraded: []string{"goals"},
	}}
	h := NewHandler(createTestConfig(), refresher, logger.NewTestLogger(t))

	out, err := h.Execute(context.Background(), &Input{TenantID: "t-1"})

	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, refresher.tenants)
	assert.Equal(t, 2, out.AlertCount)
	assert.True(t, out.HasCritical)
	assert.Equal(t, []string{"goals"}, out.Degraded)
	assert.Same(t, refresher.snap, out.Snapshot)
}

func TestHandler_Execute_HealthyTenant(t *testing.T) {
	h := NewHandler(createTestConfig(), &stubRefresher{snap: &models.ContextSnapshot{TenantID: "t-1"}}, logger.NewTestLogger(t))

	out, err := h.Execute(context.Background(), &Input{TenantID: "t-1"})

	require.NoError(t, err)
	assert.Zero(t, out.AlertCount)
	assert.False(t, out.HasCritical)
}

func TestHandler_Execute_Errors(t *testing.T) {
	refresher := &stubRefresher{err: stderrors.New("cache down")}
	h := NewHandler(createTestConfig(), refresher, logger.NewTestLogger(t))

	_, err := h.Execute(context.Background(), &Input{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.Empty(t, refresher.tenants)

	_, err = h.Execute(context.Background(), &Input{TenantID: "t-1"})
	assert.EqualError(t, err, "cache down")
}
