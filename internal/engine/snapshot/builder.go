// Package snapshot assembles and caches a point-in-time view of a tenant's
// HR state. Each metric is queried on its own; a failing metric falls back
// to zero values and is listed in Degraded instead of failing the snapshot.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/metrics"
	"nlcqe-workers/internal/models"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 60 * time.Second

	atRiskAbsences = 5
	atRiskWindow   = 180 * 24 * time.Hour
	atRiskLimit    = 10
	lowAttendance  = 80
)

// Metric names, as reported in ContextSnapshot.Degraded.
const (
	MetricEmployees  = "employees"
	MetricAttendance = "attendance"
	MetricLeaves     = "leaves"
	MetricPayroll    = "payroll"
	MetricTasks      = "tasks"
	MetricGoals      = "goals"
)

var closedTaskStatuses = []string{"COMPLETED", "DONE", "CANCELLED"}

type Builder struct {
	db     *sql.DB
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(db *sql.DB, cache Cache, ttl time.Duration, log logger.Logger, opts ...Option) *Builder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	b := &Builder{
		db:     db,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Component(log, "snapshot"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get serves the cached snapshot unless it is missing, expired or
// forceRefresh is set. Concurrent refreshes for one tenant share one build.
func (b *Builder) Get(ctx context.Context, tenant string, forceRefresh bool) (*models.ContextSnapshot, error) {
	if tenant == "" {
		return nil, errors.NewInvalidInputError("tenant is required")
	}

	if !forceRefresh {
		snap, ok, err := b.cache.Get(ctx, tenant)
		switch {
		case err != nil:
			metrics.SnapshotCache.WithLabelValues("error").Inc()
			b.logger.Warn("snapshot cache read failed", map[string]interface{}{"tenantId": tenant, "error": err.Error()})
		case ok:
			metrics.SnapshotCache.WithLabelValues("hit").Inc()
			return snap, nil
		default:
			metrics.SnapshotCache.WithLabelValues("miss").Inc()
		}
	} else {
		metrics.SnapshotCache.WithLabelValues("refresh").Inc()
	}

	v, _, _ := b.group.Do(tenant, func() (interface{}, error) {
		snap := b.build(ctx, tenant)
		if err := b.cache.Set(ctx, snap, b.ttl); err != nil {
			metrics.SnapshotCache.WithLabelValues("error").Inc()
			b.logger.Warn("snapshot cache write failed", map[string]interface{}{"tenantId": tenant, "error": err.Error()})
		}
		return snap, nil
	})
	return v.(*models.ContextSnapshot), nil
}

// Invalidate drops the tenant's cached snapshot.
func (b *Builder) Invalidate(ctx context.Context, tenant string) error {
	if err := b.cache.Delete(ctx, tenant); err != nil {
		return errors.NewUpstreamError("snapshot-cache", err)
	}
	return nil
}

type window struct {
	today      time.Time
	monthStart time.Time
	riskSince  time.Time
	now        time.Time
}

func (b *Builder) build(ctx context.Context, tenant string) *models.ContextSnapshot {
	now := b.now().UTC()
	w := window{
		today:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		monthStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		riskSince:  now.Add(-atRiskWindow),
		now:        now,
	}
	snap := &models.ContextSnapshot{TenantID: tenant, CreatedAt: now}

	type metric struct {
		name string
		run  func(context.Context, string, window, *models.ContextSnapshot) error
	}
	parts := []metric{
		{MetricEmployees, b.employees},
		{MetricAttendance, b.attendance},
		{MetricLeaves, b.leaves},
		{MetricPayroll, b.payroll},
		{MetricTasks, b.tasks},
		{MetricGoals, b.goals},
	}

	// Each metric writes only its own part of the snapshot.
	failed := make([]error, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range parts {
		i, m := i, m
		g.Go(func() error {
			failed[i] = m.run(gctx, tenant, w, snap)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range failed {
		if err == nil {
			continue
		}
		snap.Degraded = append(snap.Degraded, parts[i].name)
		b.logger.Warn("snapshot metric degraded", map[string]interface{}{
			"tenantId": tenant,
			"metric":   parts[i].name,
			"error":    err.Error(),
		})
	}
	b.resetDegraded(snap)
	snap.Alerts = Alerts(snap)
	return snap
}

// resetDegraded zeroes parts that may have been half written before failing.
func (b *Builder) resetDegraded(snap *models.ContextSnapshot) {
	for _, name := range snap.Degraded {
		switch name {
		case MetricEmployees:
			snap.Employees = models.EmployeeStats{}
		case MetricAttendance:
			snap.Attendance = models.AttendanceStats{}
		case MetricLeaves:
			snap.Leaves = models.LeaveStats{}
		case MetricPayroll:
			snap.Payroll = models.PayrollStats{}
		case MetricTasks:
			snap.Tasks = models.TaskStats{}
		case MetricGoals:
			snap.Goals = models.GoalStats{}
		}
	}
}

// ==========================
// Metrics
// ==========================

const employeeCountsSQL = `SELECT COUNT(*),
	COUNT(*) FILTER (WHERE status = 'ACTIVE'),
	COUNT(*) FILTER (WHERE hire_date >= $2)
FROM users WHERE company_id = $1`

const departmentBreakdownSQL = `SELECT COALESCE(d.name, ''), COUNT(*)
FROM users u LEFT JOIN departments d ON d.id = u.department_id
WHERE u.company_id = $1 AND u.status = 'ACTIVE'
GROUP BY 1 ORDER BY 2 DESC`

const atRiskSQL = `SELECT concat_ws(' ', u.first_name, u.last_name)
FROM attendances a JOIN users u ON u.id = a.user_id
WHERE a.company_id = $1 AND a.status = 'ABSENT' AND a.date >= $2
GROUP BY u.id, u.first_name, u.last_name
HAVING COUNT(*) >= $3
ORDER BY COUNT(*) DESC LIMIT $4`

func (b *Builder) employees(ctx context.Context, tenant string, w window, snap *models.ContextSnapshot) error {
	s := &snap.Employees
	if err := b.db.QueryRowContext(ctx, employeeCountsSQL, tenant, w.monthStart).Scan(&s.Total, &s.Active, &s.NewThisMonth); err != nil {
		return fmt.Errorf("employee counts: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, departmentBreakdownSQL, tenant)
	if err != nil {
		return fmt.Errorf("department breakdown: %w", err)
	}
	s.ByDepartment = map[string]int64{}
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return fmt.Errorf("department breakdown: %w", err)
		}
		if name == "" {
			name = "بدون قسم"
		}
		s.ByDepartment[name] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("department breakdown: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, atRiskSQL, tenant, w.riskSince, atRiskAbsences, atRiskLimit)
	if err != nil {
		return fmt.Errorf("at-risk employees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("at-risk employees: %w", err)
		}
		s.AtRisk = append(s.AtRisk, name)
	}
	return rows.Err()
}

const attendanceSQL = `SELECT
	COUNT(*) FILTER (WHERE status IN ('PRESENT', 'LATE')),
	COUNT(*) FILTER (WHERE status = 'LATE'),
	COUNT(*) FILTER (WHERE status = 'ABSENT'),
	COUNT(*) FILTER (WHERE status = 'ON_LEAVE'),
	(SELECT COUNT(*) FROM users WHERE company_id = $1 AND status = 'ACTIVE')
FROM attendances WHERE company_id = $1 AND date >= $2`

func (b *Builder) attendance(ctx context.Context, tenant string, w window, snap *models.ContextSnapshot) error {
	s := &snap.Attendance
	var active int64
	if err := b.db.QueryRowContext(ctx, attendanceSQL, tenant, w.today).Scan(&s.Present, &s.Late, &s.Absent, &s.OnLeave, &active); err != nil {
		return fmt.Errorf("attendance: %w", err)
	}
	if active > 0 {
		s.Rate = int(s.Present * 100 / active)
	}
	return nil
}

const leavesSQL = `SELECT
	COUNT(*) FILTER (WHERE status = 'PENDING'),
	COUNT(*) FILTER (WHERE status = 'APPROVED' AND reviewed_at >= $2)
FROM leave_requests WHERE company_id = $1`

func (b *Builder) leaves(ctx context.Context, tenant string, w window, snap *models.ContextSnapshot) error {
	s := &snap.Leaves
	if err := b.db.QueryRowContext(ctx, leavesSQL, tenant, w.monthStart).Scan(&s.Pending, &s.ApprovedThisMonth); err != nil {
		return fmt.Errorf("leaves: %w", err)
	}
	return nil
}

const payrollSQL = `SELECT COALESCE(SUM(salary), 0), COALESCE(AVG(salary), 0)
FROM users WHERE company_id = $1 AND status = 'ACTIVE'`

func (b *Builder) payroll(ctx context.Context, tenant string, _ window, snap *models.ContextSnapshot) error {
	s := &snap.Payroll
	if err := b.db.QueryRowContext(ctx, payrollSQL, tenant).Scan(&s.TotalSalary, &s.AverageSalary); err != nil {
		return fmt.Errorf("payroll: %w", err)
	}
	return nil
}

const tasksSQL = `SELECT
	COUNT(*) FILTER (WHERE status <> ALL($2)),
	COUNT(*) FILTER (WHERE status <> ALL($2) AND due_date < $3)
FROM tasks WHERE company_id = $1`

func (b *Builder) tasks(ctx context.Context, tenant string, w window, snap *models.ContextSnapshot) error {
	s := &snap.Tasks
	if err := b.db.QueryRowContext(ctx, tasksSQL, tenant, pq.Array(closedTaskStatuses), w.now).Scan(&s.Open, &s.Overdue); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	return nil
}

const goalsSQL = `SELECT
	COUNT(*) FILTER (WHERE status = 'ACTIVE'),
	COALESCE(AVG(progress) FILTER (WHERE status = 'ACTIVE'), 0)
FROM goals WHERE company_id = $1`

func (b *Builder) goals(ctx context.Context, tenant string, _ window, snap *models.ContextSnapshot) error {
	s := &snap.Goals
	if err := b.db.QueryRowContext(ctx, goalsSQL, tenant).Scan(&s.Active, &s.AverageProgress); err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	return nil
}

// ==========================
// Alerts
// ==========================

// Alerts derives notices from a snapshot. Degraded metrics raise nothing.
func Alerts(snap *models.ContextSnapshot) []models.Alert {
	degraded := map[string]bool{}
	for _, d := range snap.Degraded {
		degraded[d] = true
	}

	var out []models.Alert
	if !degraded[MetricAttendance] && !degraded[MetricEmployees] && snap.Employees.Active > 0 && snap.Attendance.Rate < lowAttendance {
		out = append(out, models.Alert{
			Level:   models.AlertCritical,
			Message: fmt.Sprintf("نسبة الحضور اليوم منخفضة: %d%%", snap.Attendance.Rate),
		})
	}
	if !degraded[MetricLeaves] && snap.Leaves.Pending > 0 {
		out = append(out, models.Alert{
			Level:   models.AlertWarning,
			Message: fmt.Sprintf("لديك %d طلب إجازة بانتظار المراجعة", snap.Leaves.Pending),
		})
	}
	if !degraded[MetricTasks] && snap.Tasks.Overdue > 0 {
		out = append(out, models.Alert{
			Level:   models.AlertWarning,
			Message: fmt.Sprintf("%d مهمة متأخرة عن موعدها", snap.Tasks.Overdue),
		})
	}
	if !degraded[MetricEmployees] && len(snap.Employees.AtRisk) > 0 {
		out = append(out, models.Alert{
			Level:   models.AlertInfo,
			Message: fmt.Sprintf("%d موظف بغياب متكرر خلال آخر 6 أشهر", len(snap.Employees.AtRisk)),
		})
	}
	return out
}
