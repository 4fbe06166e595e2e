// internal/models/snapshot.go
package models

import "time"

type EmployeeStats struct {
	Total        int64            `json:"total"`
	Active       int64            `json:"active"`
	NewThisMonth int64            `json:"newThisMonth"`
	ByDepartment map[string]int64 `json:"byDepartment,omitempty"`
	AtRisk       []string         `json:"atRisk,omitempty"`
}

type AttendanceStats struct {
	Present int64 `json:"present"`
	Late    int64 `json:"late"`
	Absent  int64 `json:"absent"`
	OnLeave int64 `json:"onLeave"`
	Rate    int   `json:"rate"`
}

type LeaveStats struct {
	Pending           int64 `json:"pending"`
	ApprovedThisMonth int64 `json:"approvedThisMonth"`
}

type PayrollStats struct {
	TotalSalary   float64 `json:"totalSalary"`
	AverageSalary float64 `json:"averageSalary"`
}

type TaskStats struct {
	Open    int64 `json:"open"`
	Overdue int64 `json:"overdue"`
}

type GoalStats struct {
	Active          int64   `json:"active"`
	AverageProgress float64 `json:"averageProgress"`
}

type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

type Alert struct {
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

// ContextSnapshot is a tenant-scoped aggregate view. Degraded lists the
// metrics that fell back to zero values.
type ContextSnapshot struct {
	TenantID   string          `json:"tenantId"`
	Employees  EmployeeStats   `json:"employees"`
	Attendance AttendanceStats `json:"attendance"`
	Leaves     LeaveStats      `json:"leaves"`
	Payroll    PayrollStats    `json:"payroll"`
	Tasks      TaskStats       `json:"tasks"`
	Goals      GoalStats       `json:"goals"`
	Alerts     []Alert         `json:"alerts,omitempty"`
	Degraded   []string        `json:"degraded,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
