package executor

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
	"nlcqe-workers/internal/engine/gate"
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

type recorderSpy struct {
	records []models.AuditRecord
	err     error
}

func (r *recorderSpy) Record(_ context.Context, rec models.AuditRecord) error {
	r.records = append(r.records, rec)
	return r.err
}

type notifierSpy struct {
	sent []models.Notification
}

func (n *notifierSpy) Notify(_ context.Context, note models.Notification) error {
	n.sent = append(n.sent, note)
	return nil
}

type fixture struct {
	exec     *Executor
	mock     sqlmock.Sqlmock
	recorder *recorderSpy
	notifier *notifierSpy
	schema   *catalog.Schema
	gate     *gate.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	entities, err := catalog.Builtin().Load(context.Background())
	require.NoError(t, err)

	n := 0
	f := &fixture{
		mock:     mock,
		recorder: &recorderSpy{},
		notifier: &notifierSpy{},
		schema:   catalog.NewSchema(entities, fixedNow),
		gate:     gate.New(0, logger.NewTestLogger(t)),
	}
	f.exec = New(db, logger.NewTestLogger(t),
		WithAuditRecorder(f.recorder),
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id%d-0000", n)
		}),
	)
	return f
}

func (f *fixture) query(t *testing.T, plan models.QueryPlan) gate.SecureQuery {
	t.Helper()
	sq, err := f.gate.SecureQuery(f.schema, &plan, tenant)
	require.NoError(t, err)
	return sq
}

func (f *fixture) action(t *testing.T, req models.ActionRequest) gate.SecureAction {
	t.Helper()
	sa, err := f.gate.SecureAction(f.schema, &req, tenant)
	require.NoError(t, err)
	return sa
}

func q(s string) string { return regexp.QuoteMeta(s) }

func caller(role models.Role) models.Caller {
	return models.Caller{UserID: "u-1", TenantID: tenant, Role: role, UserName: "سارة"}
}

// expectEmployeeLookup expects a name lookup against users for one folded
// fragment and returns the given id/label pairs.
func expectEmployeeLookup(mock sqlmock.Sqlmock, fragment string, found ...[2]string) {
	rows := sqlmock.NewRows([]string{"id", "label"})
	for _, r := range found {
		rows.AddRow(r[0], r[1])
	}
	mock.ExpectQuery(q(`SELECT t."id", concat_ws(' ', t."first_name", t."last_name") AS label FROM "users" t WHERE t."company_id" = $1`)).
		WithArgs(tenant, fragment).
		WillReturnRows(rows)
}

// ==========================
// Reads
// ==========================

func TestQuery_Count(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "users" t WHERE t."company_id" = $1 AND t."status" = $2`)).
		WithArgs(tenant, "ACTIVE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{
		Entity:    "employee",
		Operation: models.OpCount,
		Filter:    models.Filter{All: []models.Condition{{Field: "status", Op: models.CmpEq, Value: "ACTIVE"}}},
	}))

	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Count)
	assert.Equal(t, models.OpCount, res.Operation)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_FixedDiscriminatorIsAlwaysApplied(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "payroll_adjustments" t WHERE t."company_id" = $1 AND t."type" = $2`)).
		WithArgs(tenant, "DEDUCTION").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{Entity: "deduction", Operation: models.OpCount}))

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_FindManyJoinsRelations(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT t."id" AS "id", t."first_name" AS "firstName", j1."name" AS "department", t."salary" AS "salary" `+
		`FROM "users" t LEFT JOIN "departments" j1 ON j1."id" = t."department_id" `+
		`WHERE t."company_id" = $1 ORDER BY t."created_at" DESC LIMIT 20`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"id", "firstName", "department", "salary"}).
			AddRow("e-1", "أحمد", "المبيعات", []byte("5000.50")).
			AddRow("e-2", "سارة", nil, []byte("7000")))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{
		Entity:     "employee",
		Operation:  models.OpFindMany,
		Projection: []string{"id", "firstName", "department", "salary"},
		Order:      &models.Order{Field: "createdAt", Desc: true},
		Limit:      50,
	}))

	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(2), res.Count)
	assert.Equal(t, "المبيعات", res.Rows[0]["department"])
	assert.Equal(t, 5000.5, res.Rows[0]["salary"])
	assert.Nil(t, res.Rows[1]["department"])
	assert.Equal(t, 7000.0, res.Rows[1]["salary"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_ContainsIsFoldedOnBothSides(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`(translate(lower(t."first_name"::text), 'أإآىة', 'ااايه') LIKE '%' || $2 || '%')`)).
		WithArgs(tenant, "احمد").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{
		Entity:    "employee",
		Operation: models.OpCount,
		Filter: models.Filter{AnyOf: [][]models.Condition{
			{{Field: "firstName", Op: models.CmpContains, Value: "أحمد"}},
		}},
	}))

	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_Aggregate(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT COUNT(*), COALESCE(SUM(t."salary"), 0), COALESCE(AVG(t."salary"), 0) FROM "users" t WHERE t."company_id" = $1`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum", "avg"}).AddRow(3, 15000.0, 5000.0))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{Entity: "employee", Operation: models.OpAggregate}))

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.Equal(t, map[string]float64{"salary": 15000}, res.Sums)
	assert.Equal(t, map[string]float64{"salary": 5000}, res.Averages)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_GroupByStatus(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(q(`SELECT COALESCE(t."status"::text, ''), COUNT(*) FROM "tasks" t WHERE t."company_id" = $1 GROUP BY 1 ORDER BY 2 DESC, 1`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("TODO", 3).AddRow("DONE", 2))

	res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{Entity: "task", Operation: models.OpGroupBy}))

	require.NoError(t, err)
	assert.Equal(t, []models.GroupCount{{Key: "TODO", Count: 3}, {Key: "DONE", Count: 2}}, res.Groups)
	assert.Equal(t, int64(5), res.Count)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQuery_RetriesOnceOnUpstreamFailure(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "branches" t`)).WillReturnError(stderrors.New("connection reset"))
		f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "branches" t`)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

		res, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{Entity: "branch", Operation: models.OpCount}))

		require.NoError(t, err)
		assert.Equal(t, int64(4), res.Count)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("both attempts fail", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "branches" t`)).WillReturnError(stderrors.New("connection reset"))
		f.mock.ExpectQuery(q(`SELECT COUNT(*) FROM "branches" t`)).WillReturnError(stderrors.New("connection reset"))

		_, err := f.exec.Query(context.Background(), f.query(t, models.QueryPlan{Entity: "branch", Operation: models.OpCount}))

		assert.True(t, errors.HasCode(err, errors.ErrCodeUpstreamFailure))
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestQuery_RejectsUnsecuredPlan(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Query(context.Background(), gate.SecureQuery{})
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanRejected))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ==========================
// Actions
// ==========================

func TestEveryPlannableActionHasHandler(t *testing.T) {
	for _, s := range actionplan.Specs() {
		assert.True(t, Handled(s.Action, s.Entity), "%s %s", s.Action, s.Entity)
	}
}

func TestAct_PermissionIsRechecked(t *testing.T) {
	f := newFixture(t)
	// A gate with a looser matrix still cannot authorize past the executor.
	f.gate = gate.New(0, logger.NewTestLogger(t), gate.WithPermissions(func(models.Role, models.Action, string) bool { return true }))
	sa := f.action(t, models.ActionRequest{
		Entity:         "bonus",
		Operation:      models.ActionCreate,
		TargetSelector: &models.TargetSelector{Entity: "employee", Name: "أحمد"},
		Fields:         map[string]interface{}{"amount": 500.0},
		RequestedBy:    caller(models.RoleManager),
	})

	_, err := f.exec.Act(context.Background(), sa)

	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	assert.Empty(t, f.recorder.records)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no transaction is opened")
}

func TestAct_Bonus(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد علي"})
	f.mock.ExpectExec(q(`INSERT INTO "payroll_adjustments" ("id", "company_id", "user_id", "amount", "status", "created_by_id", "created_at", "type")`)).
		WithArgs("id1-0000", tenant, "e-1", 500.0, "PENDING", "u-1", sqlmock.AnyArg(), "BONUS").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:         "bonus",
		Operation:      models.ActionCreate,
		TargetSelector: &models.TargetSelector{Entity: "employee", Name: "أحمد"},
		Fields:         map[string]interface{}{"amount": 500.0},
		RequestedBy:    caller(models.RoleHR),
	}))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "أحمد علي")
	assert.Contains(t, res.Message, "500")

	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.Equal(t, tenant, rec.TenantID)
	assert.Equal(t, "bonus", rec.Entity)
	assert.Equal(t, "e-1", rec.TargetID)
	assert.Equal(t, "id1-0000", rec.RecordID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAct_TargetMustResolveToExactlyOne(t *testing.T) {
	bonus := func(f *fixture) gate.SecureAction {
		return f.action(t, models.ActionRequest{
			Entity:         "bonus",
			Operation:      models.ActionCreate,
			TargetSelector: &models.TargetSelector{Entity: "employee", Name: "أحمد"},
			Fields:         map[string]interface{}{"amount": 500.0},
			RequestedBy:    caller(models.RoleHR),
		})
	}

	t.Run("no match", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد")
		f.mock.ExpectRollback()

		_, err := f.exec.Act(context.Background(), bonus(f))

		assert.True(t, errors.HasCode(err, errors.ErrCodeTargetNotFound))
		assert.Empty(t, f.recorder.records)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("two matches", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد علي"}, [2]string{"e-2", "أحمد حسن"})
		f.mock.ExpectRollback()

		_, err := f.exec.Act(context.Background(), bonus(f))

		se, ok := errors.AsStandard(err)
		require.True(t, ok)
		assert.Equal(t, errors.ErrCodeAmbiguousTarget, se.Code)
		assert.Equal(t, []string{"أحمد علي", "أحمد حسن"}, se.Metadata["candidates"])
		assert.Empty(t, f.recorder.records)
		assert.NoError(t, f.mock.ExpectationsWereMet(), "nothing is written")
	})

	t.Run("a single exact name wins", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد"}, [2]string{"e-2", "أحمد حسن"})
		f.mock.ExpectExec(q(`INSERT INTO "payroll_adjustments"`)).
			WithArgs("id1-0000", tenant, "e-1", 500.0, "PENDING", "u-1", sqlmock.AnyArg(), "BONUS").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		_, err := f.exec.Act(context.Background(), bonus(f))

		require.NoError(t, err)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestAct_ApproveLeave(t *testing.T) {
	leaveLookup := q(`SELECT t."id", t."status" FROM "leave_requests" t WHERE t."company_id" = $1 AND t."user_id" = $2 ORDER BY (t."status" = $3) DESC, t."created_at" DESC LIMIT 1`)
	guardedUpdate := q(`UPDATE "leave_requests" SET "status" = $1, "reviewed_by_id" = $2, "reviewed_at" = $3 WHERE "id" = $4 AND "company_id" = $5 AND "status" = $6`)

	approve := func(f *fixture, sel *models.TargetSelector) (*models.ActionResult, error) {
		return f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
			Entity:         "leave",
			Operation:      models.ActionApprove,
			TargetSelector: sel,
			Fields:         map[string]interface{}{},
			RequestedBy:    caller(models.RoleHR),
		}))
	}

	t.Run("named pending request", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد علي"})
		f.mock.ExpectQuery(leaveLookup).
			WithArgs(tenant, "e-1", "PENDING").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("l-1", "PENDING"))
		f.mock.ExpectExec(guardedUpdate).
			WithArgs("APPROVED", "u-1", sqlmock.AnyArg(), "l-1", tenant, "PENDING").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		res, err := approve(f, &models.TargetSelector{Entity: "leave", Name: "أحمد"})

		require.NoError(t, err)
		assert.Contains(t, res.Message, "أحمد علي")
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("already approved is an error", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد علي"})
		f.mock.ExpectQuery(leaveLookup).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("l-1", "APPROVED"))
		f.mock.ExpectRollback()

		_, err := approve(f, &models.TargetSelector{Entity: "leave", Name: "أحمد"})

		assert.True(t, errors.HasCode(err, errors.ErrCodeStatePreconditionFailed))
		assert.Empty(t, f.recorder.records)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("two employees named alike", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		expectEmployeeLookup(f.mock, "احمد", [2]string{"e-1", "أحمد علي"}, [2]string{"e-2", "أحمد حسن"})
		f.mock.ExpectRollback()

		_, err := approve(f, &models.TargetSelector{Entity: "leave", Name: "أحمد"})

		assert.True(t, errors.HasCode(err, errors.ErrCodeAmbiguousTarget))
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("implicit target takes the latest pending", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(q(`SELECT t."id", concat_ws(' ', j1."first_name", j1."last_name") FROM "leave_requests" t LEFT JOIN "users" j1 ON j1."id" = t."user_id" WHERE t."company_id" = $1 AND t."status" = $2 ORDER BY t."created_at" DESC LIMIT 1`)).
			WithArgs(tenant, "PENDING").
			WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow("l-9", "سارة أحمد"))
		f.mock.ExpectExec(guardedUpdate).
			WithArgs("APPROVED", "u-1", sqlmock.AnyArg(), "l-9", tenant, "PENDING").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		res, err := approve(f, &models.TargetSelector{Entity: "leave", Implicit: true})

		require.NoError(t, err)
		assert.Contains(t, res.Message, "سارة أحمد")
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("concurrent reviewer wins the race", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(q(`FROM "leave_requests" t LEFT JOIN "users" j1`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow("l-9", "سارة أحمد"))
		f.mock.ExpectExec(guardedUpdate).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectRollback()

		_, err := approve(f, &models.TargetSelector{Entity: "leave", Implicit: true})

		assert.True(t, errors.HasCode(err, errors.ErrCodeStatePreconditionFailed))
		assert.Empty(t, f.recorder.records)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestAct_DepartmentNeedsBranch(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(q(`SELECT t."id", t."name" FROM "branches" t WHERE t."company_id" = $1 ORDER BY t."created_at" LIMIT 1`)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	f.mock.ExpectRollback()

	_, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:      "department",
		Operation:   models.ActionCreate,
		Fields:      map[string]interface{}{"name": "المبيعات"},
		RequestedBy: caller(models.RoleAdmin),
	}))

	assert.True(t, errors.HasCode(err, errors.ErrCodeStatePreconditionFailed))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAct_CreateEmployee(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(q(`INSERT INTO "users" ("id", "company_id", "first_name", "last_name", "email", "role", "status", "hire_date", "created_at", "salary")`)).
		WithArgs("id1-0000", tenant, "أحمد", "علي", "ahmd.aly.id1@company.local", "EMPLOYEE", "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg(), 5000.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:      "employee",
		Operation:   models.ActionCreate,
		Fields:      map[string]interface{}{"firstName": "أحمد", "lastName": "علي", "salary": 5000.0},
		RequestedBy: caller(models.RoleAdmin),
	}))

	require.NoError(t, err)
	record, ok := res.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ahmd.aly.id1@company.local", record["email"])
	assert.Contains(t, res.Message, "5,000")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAct_BroadcastNotification(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(q(`FROM "users" t WHERE t."company_id" = $1 AND t."status" = $2`)).
		WithArgs(tenant, "ACTIVE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "phone"}).
			AddRow("e-1", "أحمد علي", "a@example.com", "").
			AddRow("e-2", "سارة حسن", "", "+966500000000"))
	for i := 1; i <= 2; i++ {
		f.mock.ExpectExec(q(`INSERT INTO "notifications"`)).
			WithArgs(fmt.Sprintf("id%d-0000", i), tenant, fmt.Sprintf("e-%d", i), "📢 إشعار جديد", "اجتماع الساعة 10", false, "u-1", sqlmock.AnyArg(), "GENERAL").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	f.mock.ExpectCommit()

	res, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:      "notification",
		Operation:   models.ActionSend,
		Fields:      map[string]interface{}{"message": "اجتماع الساعة 10"},
		RequestedBy: caller(models.RoleManager),
	}))

	require.NoError(t, err)
	assert.Contains(t, res.Message, "(2)")
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, models.NotificationGeneral, f.notifier.sent[0].Kind)
	assert.Len(t, f.notifier.sent[0].Recipients, 2)
	assert.Equal(t, tenant, f.notifier.sent[0].TenantID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAct_WriteFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(q(`INSERT INTO "branches"`)).WillReturnError(stderrors.New("deadlock detected"))
	f.mock.ExpectRollback()

	_, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:      "branch",
		Operation:   models.ActionCreate,
		Fields:      map[string]interface{}{"name": "الرياض"},
		RequestedBy: caller(models.RoleAdmin),
	}))

	assert.True(t, errors.HasCode(err, errors.ErrCodeUpstreamFailure))
	assert.Empty(t, f.recorder.records)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAct_AuditFailureDoesNotFailTheAction(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = stderrors.New("index unavailable")
	f.mock.ExpectBegin()
	f.mock.ExpectExec(q(`INSERT INTO "branches"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.exec.Act(context.Background(), f.action(t, models.ActionRequest{
		Entity:      "branch",
		Operation:   models.ActionCreate,
		Fields:      map[string]interface{}{"name": "جدة"},
		RequestedBy: caller(models.RoleAdmin),
	}))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, f.recorder.records, 1)
}

func TestPlaceholderEmail(t *testing.T) {
	tests := []struct {
		first, last, id, want string
	}{
		{"أحمد", "علي", "3f2a9c1e-aaaa-bbbb", "ahmd.aly.3f2a9c1e@company.local"},
		{"خالد", "", "abc", "khald.user.abc@company.local"},
		{"John", "O'Neil", "x-1", "john.oneil.x@company.local"},
		{"!!", "??", "z", "user.user.z@company.local"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, placeholderEmail(tt.first, tt.last, tt.id))
		})
	}
}
