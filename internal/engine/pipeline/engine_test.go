package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/engine/actionplan"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/classifier"
	"nlcqe-workers/internal/engine/executor"
	"nlcqe-workers/internal/engine/formatter"
	"nlcqe-workers/internal/engine/gate"
	"nlcqe-workers/internal/engine/queryplan"
	"nlcqe-workers/internal/engine/session"
	"nlcqe-workers/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

const tenant = "t-1"

var fixedNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

type stubFallback struct {
	intent *models.ParsedIntent
	calls  int
}

func (s *stubFallback) Classify(_ context.Context, text string, _ *catalog.Schema) *models.ParsedIntent {
	s.calls++
	if s.intent == nil {
		return nil
	}
	out := *s.intent
	out.OriginalText = text
	return &out
}

type stubSnapshots struct {
	snap        *models.ContextSnapshot
	err         error
	gets        int
	forced      int
	invalidated []string
}

func (s *stubSnapshots) Get(_ context.Context, tenant string, force bool) (*models.ContextSnapshot, error) {
	s.gets++
	if force {
		s.forced++
	}
	if s.err != nil {
		return nil, s.err
	}
	snap := *s.snap
	snap.TenantID = tenant
	return &snap, nil
}

func (s *stubSnapshots) Invalidate(_ context.Context, tenant string) error {
	s.invalidated = append(s.invalidated, tenant)
	return nil
}

type fixture struct {
	engine    *Engine
	mock      sqlmock.Sqlmock
	fallback  *stubFallback
	snapshots *stubSnapshots
	sessions  *session.MemoryStore
}

type fixedSchema struct {
	schema *catalog.Schema
}

func (s fixedSchema) Schema(context.Context) (*catalog.Schema, error) {
	return s.schema, nil
}

// schemaWithout is the builtin catalog minus the named entities, as after a
// reload against a database that dropped their tables.
func schemaWithout(t *testing.T, names ...string) fixedSchema {
	t.Helper()
	all, err := catalog.Builtin().Load(context.Background())
	require.NoError(t, err)

	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var kept []catalog.Entity
	for _, e := range all {
		if !drop[e.Name] {
			kept = append(kept, e)
		}
	}
	return fixedSchema{schema: catalog.NewSchema(kept, fixedNow)}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, catalog.New(catalog.Builtin(), time.Minute, logger.NewNoOpLogger()))
}

func newFixtureWith(t *testing.T, src SchemaSource) *fixture {
	t.Helper()
	log := logger.NewTestLogger(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rules, err := classifier.Builtin()
	require.NoError(t, err)
	cls, err := classifier.New(rules)
	require.NoError(t, err)

	clock := func() time.Time { return fixedNow }
	n := 0
	f := &fixture{
		mock:     mock,
		fallback: &stubFallback{},
		snapshots: &stubSnapshots{snap: &models.ContextSnapshot{
			Employees: models.EmployeeStats{Total: 45, Active: 42, NewThisMonth: 3},
			Leaves:    models.LeaveStats{Pending: 2, ApprovedThisMonth: 5},
		}},
		sessions: session.NewMemoryStore(session.DefaultMaxTurns),
	}
	f.engine, err = New(Deps{
		Catalog:    src,
		Classifier: cls,
		Queries:    queryplan.New(0, queryplan.WithClock(clock)),
		Actions:    actionplan.New(),
		Gate:       gate.New(0, log),
		Executor:   executor.New(db, log, executor.WithClock(clock)),
		Fallback:   f.fallback,
		Snapshots:  f.snapshots,
		Sessions:   f.sessions,
	}, log, WithClock(clock), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("turn-%d", n)
	}))
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(text string, role models.Role) models.Response {
	return f.engine.Submit(context.Background(), SubmitRequest{
		Text:   text,
		Caller: models.Caller{UserID: "u-1", TenantID: tenant, Role: role, UserName: "سارة"},
	})
}

func q(s string) string { return regexp.QuoteMeta(s) }

// ==========================
// Reads
// ==========================

func TestSubmit_EmployeeCount(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "users" t WHERE t."company_id" = $1`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	resp := f.submit("كم عدد الموظفين", models.RoleManager)

	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "42")
	assert.Equal(t, models.VizCard, resp.Visualization)
	require.NotNil(t, resp.Intent)
	assert.Equal(t, "employee", resp.Intent.Entity)
	assert.Equal(t, models.ActionCount, resp.Intent.Action)
	assert.Equal(t, formatter.Suggestions("employee"), resp.Suggestions)
	assert.Equal(t, 1, f.snapshots.gets)
	assert.Zero(t, f.fallback.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmit_GroundedTemplateWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	f.snapshots.err = stderrors.New("redis down")
	f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "users" t WHERE t."company_id" = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	resp := f.submit("كم عدد الموظفين", models.RoleManager)

	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "7")
}

func TestSubmit_ReadUpstreamFailureIsStructured(t *testing.T) {
	f := newFixture(t)
	countSQL := q(`SELECT COUNT(*) FROM "users" t WHERE t."company_id" = $1`)
	f.mock.ExpectQuery(countSQL).WillReturnError(stderrors.New("connection reset"))
	f.mock.ExpectQuery(countSQL).WillReturnError(stderrors.New("connection reset"))

	resp := f.submit("كم عدد الموظفين", models.RoleManager)

	assert.False(t, resp.Success)
	assert.Equal(t, string(errors.ErrCodeUpstreamFailure), resp.ErrorCode)
	assert.NotEmpty(t, resp.Suggestions)
	assert.NotContains(t, resp.Message, "connection reset")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ==========================
// Actions
// ==========================

func TestSubmit_AmbiguousLeaveApproval(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(q(`SELECT t."id", concat_ws(' ', t."first_name", t."last_name") AS label FROM "users" t WHERE t."company_id" = $1`)).
		WithArgs(tenant, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).
			AddRow("e-1", "أحمد علي").
			AddRow("e-2", "أحمد حسن"))
	f.mock.ExpectRollback()

	resp := f.submit("وافق على إجازة أحمد", models.RoleHR)

	assert.False(t, resp.Success)
	assert.Equal(t, string(errors.ErrCodeAmbiguousTarget), resp.ErrorCode)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"أحمد علي", "أحمد حسن"}, data["candidates"])
	assert.Empty(t, f.snapshots.invalidated, "nothing was committed")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmit_ApproveLatestPendingLeave(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(q(`FROM "leave_requests" t LEFT JOIN "users" j1`)).
		WithArgs(tenant, "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow("l-9", "منى خالد"))
	f.mock.ExpectExec(q(`UPDATE "leave_requests" SET "status" = $1`)).
		WithArgs("APPROVED", "u-1", sqlmock.AnyArg(), "l-9", tenant, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	resp := f.submit("وافق على الإجازة", models.RoleHR)

	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "منى خالد")
	assert.Equal(t, models.VizCard, resp.Visualization)
	assert.Equal(t, []string{tenant}, f.snapshots.invalidated)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmit_MissingParameterPromptsWithExample(t *testing.T) {
	f := newFixture(t)

	resp := f.submit("ارفض الإجازة", models.RoleHR)

	assert.False(t, resp.Success)
	assert.Equal(t, string(errors.ErrCodeValidationFailed), resp.ErrorCode)
	assert.Contains(t, resp.Message, "ارفض إجازة أحمد")
	assert.Equal(t, []string{"ارفض إجازة أحمد"}, resp.Suggestions)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmit_DeniedBeforeParameterPrompt(t *testing.T) {
	f := newFixture(t)

	resp := f.submit("ارفض الإجازة", models.RoleEmployee)

	assert.False(t, resp.Success)
	assert.Equal(t, string(errors.ErrCodePermissionDenied), resp.ErrorCode)
	assert.NotContains(t, resp.Message, "ارفض إجازة أحمد")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ==========================
// Fallback and clarification
// ==========================

func TestSubmit_UnknownWithFailedFallbackReturnsHelp(t *testing.T) {
	f := newFixture(t)

	resp := f.submit("qwerty zxcv", models.RoleAdmin)

	assert.True(t, resp.Success)
	assert.Equal(t, formatter.Help().Text, resp.Message)
	assert.Equal(t, formatter.DefaultSuggestions, resp.Suggestions)
	assert.Equal(t, 1, f.fallback.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no executor call")
}

func TestSubmit_FallbackIntentTakesTheSamePath(t *testing.T) {
	f := newFixture(t)
	f.fallback.intent = &models.ParsedIntent{
		Action:     models.ActionCount,
		Entity:     "employee",
		Params:     map[string]interface{}{"companyId": "t-2"},
		Confidence: 0.8,
		Source:     models.SourceGenerative,
	}
	f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "users" t WHERE t."company_id" = $1`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	resp := f.submit("qwerty zxcv", models.RoleAdmin)

	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "42")
	assert.Equal(t, models.SourceGenerative, resp.Intent.Source)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmit_LowConfidenceAsksForClarification(t *testing.T) {
	f := newFixture(t)
	f.fallback.intent = &models.ParsedIntent{
		Action:     models.ActionApprove,
		Entity:     "leave",
		Confidence: 0.5,
		Source:     models.SourceGenerative,
	}

	resp := f.submit("qwerty zxcv", models.RoleHR)

	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "هل تقصد")
	assert.Equal(t, models.VizText, resp.Visualization)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "nothing executed")
}

// ==========================
// Replies and history
// ==========================

func TestSubmit_GreetingUsesCallerName(t *testing.T) {
	f := newFixture(t)

	resp := f.submit("مرحبا", models.RoleEmployee)

	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "سارة")
	assert.NotContains(t, resp.Message, "{userName}")
	assert.NotEmpty(t, resp.Suggestions)
}

func TestSubmit_RecordsTurnsWithMetadata(t *testing.T) {
	f := newFixture(t)
	f.submit("مرحبا", models.RoleEmployee)

	h, err := f.engine.History(context.Background(), models.Caller{UserID: "u-1", TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, h, 2)

	assert.Equal(t, models.TurnUser, h[0].Role)
	assert.Equal(t, "مرحبا", h[0].Text)
	assert.Equal(t, models.TurnAssistant, h[1].Role)
	assert.Equal(t, "greeting", h[1].Metadata["ruleId"])
	assert.Equal(t, "local", h[1].Metadata["source"])
	assert.Equal(t, "text", h[1].Metadata["visualization"])
	assert.Contains(t, h[1].Metadata, "durationMs")
}

func TestSubmit_HistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 16; i++ {
		f.submit(fmt.Sprintf("مرحبا %d", i), models.RoleEmployee)
	}

	h, err := f.engine.History(context.Background(), models.Caller{UserID: "u-1", TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, h, session.DefaultMaxTurns)
	assert.Equal(t, "مرحبا 1", h[0].Text, "the oldest two turns were evicted")
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t)
	f.submit("مرحبا", models.RoleEmployee)
	caller := models.Caller{UserID: "u-1", TenantID: tenant}

	require.NoError(t, f.engine.ClearHistory(context.Background(), caller))

	h, err := f.engine.History(context.Background(), caller)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestHistory_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.History(context.Background(), models.Caller{TenantID: tenant})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

// ==========================
// Other operations
// ==========================

func TestSubmit_RejectsIncompleteCaller(t *testing.T) {
	f := newFixture(t)

	resp := f.engine.Submit(context.Background(), SubmitRequest{
		Text:   "كم عدد الموظفين",
		Caller: models.Caller{UserID: "u-1", Role: models.RoleAdmin},
	})

	assert.False(t, resp.Success)
	assert.Equal(t, string(errors.ErrCodeInvalidInput), resp.ErrorCode)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshContext_Forces(t *testing.T) {
	f := newFixture(t)

	snap, err := f.engine.RefreshContext(context.Background(), tenant)

	require.NoError(t, err)
	assert.Equal(t, tenant, snap.TenantID)
	assert.Equal(t, 1, f.snapshots.forced)
}

func TestClassify_DoesNotExecute(t *testing.T) {
	f := newFixture(t)

	intent, err := f.engine.Classify(context.Background(), "وافق على إجازة أحمد")

	require.NoError(t, err)
	assert.Equal(t, models.ActionApprove, intent.Action)
	assert.Equal(t, "leave", intent.Entity)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	h, _ := f.engine.History(context.Background(), models.Caller{UserID: "u-1", TenantID: tenant})
	assert.Empty(t, h)
}

func TestClassify_EntityOutsideCatalogIsUnknown(t *testing.T) {
	f := newFixtureWith(t, schemaWithout(t, "employee"))

	intent, err := f.engine.Classify(context.Background(), "كم عدد الموظفين")

	require.NoError(t, err)
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.Empty(t, intent.Entity)
	assert.Empty(t, intent.RuleID)
}

func TestSubmit_EntityOutsideCatalogIsNotExecuted(t *testing.T) {
	f := newFixtureWith(t, schemaWithout(t, "employee"))
	f.fallback.intent = &models.ParsedIntent{
		Action:     models.ActionCount,
		Entity:     "employee",
		Confidence: 0.9,
		Source:     models.SourceGenerative,
	}

	resp := f.submit("كم عدد الموظفين", models.RoleAdmin)

	assert.True(t, resp.Success)
	assert.Equal(t, formatter.Help().Text, resp.Message)
	assert.Equal(t, 1, f.fallback.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no executor call")
}

func TestValidateIntent(t *testing.T) {
	schema := schemaWithout(t, "employee").schema

	tests := []struct {
		name       string
		in         models.ParsedIntent
		action     models.Action
		confidence float64
	}{
		{
			name:       "known entity kept",
			in:         models.ParsedIntent{Action: models.ActionList, Entity: "task", Confidence: 0.8},
			action:     models.ActionList,
			confidence: 0.8,
		},
		{
			name:       "dropped entity becomes unknown",
			in:         models.ParsedIntent{Action: models.ActionCount, Entity: "employee", Confidence: 0.9},
			action:     models.ActionUnknown,
			confidence: 0.9,
		},
		{
			name:       "invalid action becomes unknown",
			in:         models.ParsedIntent{Action: "destroy", Entity: "task", Confidence: 0.9},
			action:     models.ActionUnknown,
			confidence: 0.9,
		},
		{
			name:       "confidence clamped high",
			in:         models.ParsedIntent{Action: models.ActionList, Entity: "task", Confidence: 1.7},
			action:     models.ActionList,
			confidence: 1,
		},
		{
			name:       "confidence clamped low",
			in:         models.ParsedIntent{Action: models.ActionUnknown, Confidence: -0.2},
			action:     models.ActionUnknown,
			confidence: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validateIntent(schema, tt.in)

			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.confidence, got.Confidence)
			if got.Action != models.ActionUnknown {
				assert.True(t, schema.Has(got.Entity))
			}
		})
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Deps{}, logger.NewNoOpLogger())
	assert.Error(t, err)
}
