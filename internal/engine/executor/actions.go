package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/formatter"
	"nlcqe-workers/internal/models"

	"github.com/lib/pq"
)

const (
	statusPending   = "PENDING"
	statusApproved  = "APPROVED"
	statusRejected  = "REJECTED"
	statusActive    = "ACTIVE"
	statusAssigned  = "ASSIGNED"
	statusAvailable = "AVAILABLE"
	statusTodo      = "TODO"

	taskDueIn = 7 * 24 * time.Hour
	goalDueIn = 90 * 24 * time.Hour
)

type actionContext struct {
	tx     *sql.Tx
	req    models.ActionRequest
	entity catalog.Entity
	target catalog.Entity
	now    time.Time
	newID  func() string
}

type outcome struct {
	message      string
	record       map[string]interface{}
	recordID     string
	targetID     string
	suggestions  []string
	notification *models.Notification
}

type actionFunc func(ctx context.Context, x *actionContext) (*outcome, error)

type actionKey struct {
	action models.Action
	entity string
}

var actions = map[actionKey]actionFunc{
	{models.ActionCreate, "employee"}:   createEmployee,
	{models.ActionUpdate, "employee"}:   updateSalary,
	{models.ActionTransfer, "employee"}: transferEmployee,
	{models.ActionCreate, "department"}: createDepartment,
	{models.ActionCreate, "branch"}:     createBranch,
	{models.ActionCreate, "task"}:       createTask,
	{models.ActionAssign, "task"}:       assignTask,
	{models.ActionApprove, "leave"}:     reviewLeave(statusApproved),
	{models.ActionReject, "leave"}:      reviewLeave(statusRejected),
	{models.ActionCreate, "bonus"}:      createAdjustment,
	{models.ActionCreate, "deduction"}:  createAdjustment,
	{models.ActionCreate, "goal"}:       createGoal,
	{models.ActionSend, "notification"}: sendNotification,
	{models.ActionSend, "recognition"}:  sendNotification,
	{models.ActionCreate, "custody"}:    createCustody,
}

// Handled reports whether a handler exists for action on entity.
func Handled(action models.Action, entity string) bool {
	_, ok := actions[actionKey{action, entity}]
	return ok
}

// ==========================
// Helpers
// ==========================

type colVal struct {
	col string
	val interface{}
}

func (x *actionContext) tenant() string { return x.req.Tenant }

// col maps a field of the acting entity to its column.
func (x *actionContext) col(field string) string {
	if f, ok := x.entity.Field(field); ok {
		return f.Column
	}
	return field
}

func (x *actionContext) insert(ctx context.Context, table string, values []colVal) error {
	cols := make([]string, len(values))
	marks := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		cols[i] = pq.QuoteIdentifier(v.col)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v.val
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := x.tx.ExecContext(ctx, query, args...)
	return err
}

// update sets values on one tenant row. guard, when set, must still hold or
// nothing is written.
func (x *actionContext) update(ctx context.Context, table, id string, values []colVal, guard *colVal) (int64, error) {
	sets := make([]string, len(values))
	args := make([]interface{}, 0, len(values)+3)
	for i, v := range values {
		args = append(args, v.val)
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(v.col), len(args))
	}
	args = append(args, id, x.tenant())
	where := fmt.Sprintf("%s = $%d AND %s = $%d",
		pq.QuoteIdentifier("id"), len(args)-1, pq.QuoteIdentifier("company_id"), len(args))
	if guard != nil {
		args = append(args, guard.val)
		where += fmt.Sprintf(" AND %s = $%d", pq.QuoteIdentifier(guard.col), len(args))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", pq.QuoteIdentifier(table), strings.Join(sets, ", "), where)
	res, err := x.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// withFixed appends the entity's discriminator columns in a stable order.
func withFixed(values []colVal, fixed map[string]string) []colVal {
	keys := make([]string, 0, len(fixed))
	for k := range fixed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, colVal{k, fixed[k]})
	}
	return values
}

// resolveTarget finds the single record the selector names.
func (x *actionContext) resolveTarget(ctx context.Context) (candidate, error) {
	sel := x.req.TargetSelector
	if sel == nil || sel.Name == "" {
		return candidate{}, errors.NewValidationError(models.ParamEmployeeName, "يرجى تحديد اسم الموظف", "")
	}
	l, ok := lookupFor(x.target)
	if !ok {
		return candidate{}, errors.NewPlanRejectedError(fmt.Sprintf("%s cannot be looked up by name", x.target.Name))
	}
	return l.find(ctx, x.tx, x.tenant(), sel.Name)
}

// resolveRef finds a record of the table the given field of the acting
// entity points at.
func (x *actionContext) resolveRef(ctx context.Context, field, label, name string) (candidate, error) {
	f, ok := x.entity.Field(field)
	if !ok {
		return candidate{}, errors.NewPlanRejectedError(fmt.Sprintf("%s has no field %s", x.entity.Name, field))
	}
	l, ok := refLookup(f, label)
	if !ok {
		return candidate{}, errors.NewPlanRejectedError(fmt.Sprintf("%s.%s is not a relation", x.entity.Name, field))
	}
	return l.find(ctx, x.tx, x.tenant(), name)
}

func (x *actionContext) number(key string) (float64, bool) {
	switch v := x.req.Fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (x *actionContext) callerID() string { return x.req.RequestedBy.UserID }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ==========================
// Employees
// ==========================

func createEmployee(ctx context.Context, x *actionContext) (*outcome, error) {
	first := x.req.Field("firstName")
	last := x.req.Field("lastName")
	id := x.newID()
	email := placeholderEmail(first, last, id)

	values := []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("firstName"), first},
		{x.col("lastName"), last},
		{x.col("email"), email},
		{"role", string(models.RoleEmployee)},
		{x.col("status"), statusActive},
		{x.col("hireDate"), x.now},
		{x.col("createdAt"), x.now},
	}
	record := map[string]interface{}{
		"id":        id,
		"firstName": first,
		"lastName":  last,
		"email":     email,
	}

	deptLabel := "غير محدد"
	if name := x.req.Field("department"); name != "" {
		dept, err := x.resolveRef(ctx, "department", "قسم", name)
		if err != nil {
			return nil, err
		}
		values = append(values, colVal{x.col("department"), dept.ID})
		deptLabel = dept.Label
		record["department"] = dept.Label
	}

	salaryLabel := "غير محدد"
	if salary, ok := x.number("salary"); ok {
		values = append(values, colVal{x.col("salary"), salary})
		salaryLabel = formatter.Amount(salary) + " ريال"
		record["salary"] = salary
	}
	for _, field := range []string{"jobTitle", "phone"} {
		if v := x.req.Field(field); v != "" {
			values = append(values, colVal{x.col(field), v})
			record[field] = v
		}
	}

	if err := x.insert(ctx, x.entity.Table, values); err != nil {
		return nil, err
	}

	return &outcome{
		message: fmt.Sprintf("✅ تم إضافة الموظف!\n\n👤 **%s**\n📧 %s\n🏢 القسم: %s\n💰 الراتب: %s",
			strings.TrimSpace(first+" "+last), email, deptLabel, salaryLabel),
		record:      record,
		recordID:    id,
		suggestions: []string{"أضف موظف آخر", "اعرض الموظفين"},
	}, nil
}

func updateSalary(ctx context.Context, x *actionContext) (*outcome, error) {
	emp, err := x.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}
	salary, _ := x.number("salary")

	var old float64
	query := fmt.Sprintf("SELECT COALESCE(%s, 0) FROM %s t WHERE %s = $1 AND %s = $2 FOR UPDATE",
		column("t", x.col("salary")), pq.QuoteIdentifier(x.entity.Table), column("t", "id"), column("t", "company_id"))
	if err := x.tx.QueryRowContext(ctx, query, emp.ID, x.tenant()).Scan(&old); err != nil {
		return nil, err
	}

	if _, err := x.update(ctx, x.entity.Table, emp.ID, []colVal{{x.col("salary"), salary}}, nil); err != nil {
		return nil, err
	}

	change := salary - old
	sign := ""
	if change >= 0 {
		sign = "+"
	}
	return &outcome{
		message: fmt.Sprintf("✅ تم تحديث الراتب!\n\n👤 %s\n💰 القديم: %s ريال\n💰 الجديد: %s ريال\n📈 التغيير: %s%s",
			emp.Label, formatter.Amount(old), formatter.Amount(salary), sign, formatter.Amount(change)),
		record:   map[string]interface{}{"id": emp.ID, "name": emp.Label, "oldSalary": old, "salary": salary},
		recordID: emp.ID,
		targetID: emp.ID,
	}, nil
}

func transferEmployee(ctx context.Context, x *actionContext) (*outcome, error) {
	emp, err := x.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}
	dept, err := x.resolveRef(ctx, "department", "قسم", x.req.Field("department"))
	if err != nil {
		return nil, err
	}
	if _, err := x.update(ctx, x.entity.Table, emp.ID, []colVal{{x.col("department"), dept.ID}}, nil); err != nil {
		return nil, err
	}
	return &outcome{
		message:  fmt.Sprintf("✅ تم نقل %s إلى قسم %s", emp.Label, dept.Label),
		record:   map[string]interface{}{"id": emp.ID, "name": emp.Label, "department": dept.Label},
		recordID: emp.ID,
		targetID: emp.ID,
	}, nil
}

// ==========================
// Organization
// ==========================

func createDepartment(ctx context.Context, x *actionContext) (*outcome, error) {
	var branch candidate
	if name := x.req.Field("branch"); name != "" {
		b, err := x.resolveRef(ctx, "branch", "فرع", name)
		if err != nil {
			return nil, err
		}
		branch = b
	} else {
		f, _ := x.entity.Field("branch")
		if f.Ref == nil || len(f.Ref.Display) == 0 {
			return nil, errors.NewPlanRejectedError("department has no branch relation")
		}
		query := fmt.Sprintf("SELECT %s, %s FROM %s t WHERE %s = $1 ORDER BY %s LIMIT 1",
			column("t", "id"), column("t", f.Ref.Display[0]), pq.QuoteIdentifier(f.Ref.Table),
			column("t", "company_id"), column("t", "created_at"))
		err := x.tx.QueryRowContext(ctx, query, x.tenant()).Scan(&branch.ID, &branch.Label)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewStatePreconditionError("لا يوجد فرع في النظام. يرجى إنشاء فرع أولاً.", "no branch in tenant").
				WithMetadata("suggestions", []string{"أضف فرع \"الفرع الرئيسي\""})
		}
		if err != nil {
			return nil, err
		}
	}

	id := x.newID()
	name := x.req.Field("name")
	err := x.insert(ctx, x.entity.Table, []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("name"), name},
		{x.col("branch"), branch.ID},
		{x.col("createdAt"), x.now},
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		message:  fmt.Sprintf("✅ تم إنشاء قسم \"%s\" في فرع \"%s\"", name, branch.Label),
		record:   map[string]interface{}{"id": id, "name": name, "branch": branch.Label},
		recordID: id,
	}, nil
}

func createBranch(ctx context.Context, x *actionContext) (*outcome, error) {
	id := x.newID()
	name := x.req.Field("name")
	values := []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("name"), name},
		{x.col("createdAt"), x.now},
	}
	record := map[string]interface{}{"id": id, "name": name}
	if addr := x.req.Field("address"); addr != "" {
		values = append(values, colVal{x.col("address"), addr})
		record["address"] = addr
	}
	if err := x.insert(ctx, x.entity.Table, values); err != nil {
		return nil, err
	}
	return &outcome{
		message:  fmt.Sprintf("✅ تم إنشاء فرع \"%s\"", name),
		record:   record,
		recordID: id,
	}, nil
}

// ==========================
// Tasks and goals
// ==========================

var priorityLabels = map[string]string{
	"HIGH":   "عالية 🔴",
	"MEDIUM": "متوسطة 🟡",
	"LOW":    "منخفضة 🟢",
}

func createTask(ctx context.Context, x *actionContext) (*outcome, error) {
	id := x.newID()
	title := x.req.Field("title")
	priority := orDefault(strings.ToUpper(x.req.Field("priority")), "MEDIUM")

	values := []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("title"), title},
		{x.col("priority"), priority},
		{x.col("status"), statusTodo},
		{x.col("dueDate"), x.now.Add(taskDueIn)},
		{"created_by_id", x.callerID()},
		{x.col("createdAt"), x.now},
	}
	record := map[string]interface{}{"id": id, "title": title, "priority": priority, "status": statusTodo}

	assignee := "👤 غير مسندة"
	var targetID string
	if x.req.TargetSelector != nil {
		emp, err := x.resolveTarget(ctx)
		if err != nil {
			return nil, err
		}
		values = append(values, colVal{x.col("assignee"), emp.ID})
		assignee = "👤 مسندة إلى: " + emp.Label
		record["assignee"] = emp.Label
		targetID = emp.ID
	}

	if err := x.insert(ctx, x.entity.Table, values); err != nil {
		return nil, err
	}
	return &outcome{
		message: fmt.Sprintf("✅ تم إنشاء المهمة!\n\n📝 **%s**\n%s\n⚡ الأولوية: %s",
			title, assignee, orDefault(priorityLabels[priority], priority)),
		record:      record,
		recordID:    id,
		targetID:    targetID,
		suggestions: []string{"اعرض المهام", "أضف مهمة أخرى"},
	}, nil
}

func assignTask(ctx context.Context, x *actionContext) (*outcome, error) {
	l, ok := lookupFor(x.entity)
	if !ok {
		return nil, errors.NewPlanRejectedError("task cannot be looked up by title")
	}
	task, err := l.find(ctx, x.tx, x.tenant(), x.req.Field("title"))
	if err != nil {
		return nil, err
	}
	emp, err := x.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := x.update(ctx, x.entity.Table, task.ID, []colVal{{x.col("assignee"), emp.ID}}, nil); err != nil {
		return nil, err
	}
	return &outcome{
		message:  fmt.Sprintf("✅ تم إسناد المهمة \"%s\" إلى %s", task.Label, emp.Label),
		record:   map[string]interface{}{"id": task.ID, "title": task.Label, "assignee": emp.Label},
		recordID: task.ID,
		targetID: emp.ID,
	}, nil
}

func createGoal(ctx context.Context, x *actionContext) (*outcome, error) {
	owner := candidate{ID: x.callerID(), Label: x.req.RequestedBy.UserName}
	if x.req.TargetSelector != nil {
		emp, err := x.resolveTarget(ctx)
		if err != nil {
			return nil, err
		}
		owner = emp
	}

	id := x.newID()
	title := x.req.Field("title")
	due := x.now.Add(goalDueIn)
	err := x.insert(ctx, x.entity.Table, []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("title"), title},
		{x.col("status"), statusActive},
		{x.col("progress"), 0},
		{x.col("dueDate"), due},
		{x.col("owner"), owner.ID},
		{x.col("createdAt"), x.now},
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		message: fmt.Sprintf("✅ تم إنشاء الهدف!\n\n🎯 **%s**\n👤 %s\n📅 الموعد النهائي: %s",
			title, orDefault(owner.Label, "أنت"), due.Format("2006-01-02")),
		record:   map[string]interface{}{"id": id, "title": title, "owner": owner.Label, "dueDate": due},
		recordID: id,
		targetID: owner.ID,
	}, nil
}

// ==========================
// Leaves
// ==========================

// reviewLeave moves a leave request out of PENDING. The write is guarded on
// the status so a concurrent reviewer loses with a state error.
func reviewLeave(to string) actionFunc {
	return func(ctx context.Context, x *actionContext) (*outcome, error) {
		leave, err := findLeave(ctx, x)
		if err != nil {
			return nil, err
		}

		values := []colVal{
			{x.col("status"), to},
			{"reviewed_by_id", x.callerID()},
			{"reviewed_at", x.now},
		}
		if reason := x.req.Field("reason"); reason != "" && to == statusRejected {
			values = append(values, colVal{"rejection_reason", reason})
		}
		n, err := x.update(ctx, x.entity.Table, leave.ID, values, &colVal{x.col("status"), statusPending})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.NewStatePreconditionError(
				"تغيرت حالة طلب الإجازة أثناء المعالجة، يرجى المحاولة مرة أخرى",
				fmt.Sprintf("leave %s is no longer %s", leave.ID, statusPending))
		}

		msg := fmt.Sprintf("✅ تمت الموافقة على إجازة %s!", leave.Label)
		if to == statusRejected {
			msg = fmt.Sprintf("❌ تم رفض إجازة %s", leave.Label)
		}
		return &outcome{
			message:     msg,
			record:      map[string]interface{}{"id": leave.ID, "employee": leave.Label, "status": to},
			recordID:    leave.ID,
			targetID:    leave.ID,
			suggestions: []string{"اعرض طلبات الإجازات"},
		}, nil
	}
}

type leaveRow struct {
	ID     string
	Label  string
	Status string
}

// findLeave picks the leave a review applies to. Without a name it is the
// tenant's most recent pending request. With a name it is that employee's
// pending request, or their latest one, which then fails the state check.
func findLeave(ctx context.Context, x *actionContext) (leaveRow, error) {
	person, ok := x.entity.Field(x.entity.PersonField)
	if !ok || person.Ref == nil {
		return leaveRow{}, errors.NewPlanRejectedError("leave has no person relation")
	}
	status := column("t", x.col("status"))
	table := pq.QuoteIdentifier(x.entity.Table)
	created := column("t", x.col("createdAt"))

	sel := x.req.TargetSelector
	if sel == nil || sel.Implicit {
		b := newBuilder(x.entity, x.tenant())
		label := b.expr(person)
		query := fmt.Sprintf("SELECT %s, %s%s WHERE %s = $1 AND %s = $2 ORDER BY %s DESC LIMIT 1",
			column("t", "id"), label, b.from(), column("t", "company_id"), status, created)

		var row leaveRow
		err := x.tx.QueryRowContext(ctx, query, x.tenant(), statusPending).Scan(&row.ID, &row.Label)
		if stderrors.Is(err, sql.ErrNoRows) {
			return leaveRow{}, errors.NewNotFoundError("طلب إجازة معلق", "")
		}
		row.Status = statusPending
		return row, err
	}

	l, _ := refLookup(person, "موظف")
	emp, err := l.find(ctx, x.tx, x.tenant(), sel.Name)
	if err != nil {
		return leaveRow{}, err
	}

	query := fmt.Sprintf("SELECT %s, %s FROM %s t WHERE %s = $1 AND %s = $2 ORDER BY (%s = $3) DESC, %s DESC LIMIT 1",
		column("t", "id"), status, table, column("t", "company_id"), column("t", person.Column), status, created)
	row := leaveRow{Label: emp.Label}
	err = x.tx.QueryRowContext(ctx, query, x.tenant(), emp.ID, statusPending).Scan(&row.ID, &row.Status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return leaveRow{}, errors.NewNotFoundError("طلب إجازة", sel.Name)
	}
	if err != nil {
		return leaveRow{}, err
	}
	if row.Status != statusPending {
		return leaveRow{}, errors.NewStatePreconditionError(
			fmt.Sprintf("طلب إجازة %s ليس معلقاً (الحالة الحالية: %s)", emp.Label, row.Status),
			fmt.Sprintf("leave %s is %s", row.ID, row.Status))
	}
	return row, nil
}

// ==========================
// Payroll and custody
// ==========================

func createAdjustment(ctx context.Context, x *actionContext) (*outcome, error) {
	emp, err := x.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}
	amount, _ := x.number("amount")

	id := x.newID()
	values := []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("employee"), emp.ID},
		{x.col("amount"), amount},
		{x.col("status"), statusPending},
		{"created_by_id", x.callerID()},
		{x.col("createdAt"), x.now},
	}
	if reason := x.req.Field("reason"); reason != "" {
		values = append(values, colVal{x.col("reason"), reason})
	}
	if err := x.insert(ctx, x.entity.Table, withFixed(values, x.entity.Fixed)); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("✅ تم تسجيل المكافأة!\n\n👤 %s\n💰 المبلغ: %s ريال\n\n⚠️ ستضاف في الراتب القادم", emp.Label, formatter.Amount(amount))
	if x.entity.Name == "deduction" {
		msg = fmt.Sprintf("✅ تم تسجيل الخصم!\n\n👤 %s\n💸 المبلغ: %s ريال\n\n⚠️ سيُخصم من الراتب القادم", emp.Label, formatter.Amount(amount))
	}
	return &outcome{
		message:  msg,
		record:   map[string]interface{}{"id": id, "employee": emp.Label, "amount": amount, "status": statusPending},
		recordID: id,
		targetID: emp.ID,
	}, nil
}

// createCustody hands an item to an employee. A known item must be
// available; an unknown one is registered on the spot.
func createCustody(ctx context.Context, x *actionContext) (*outcome, error) {
	emp, err := x.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}

	itemField, _ := x.entity.Field("item")
	name := x.req.Field("item")
	item, err := x.resolveRef(ctx, "item", "عهدة", name)
	switch {
	case errors.HasCode(err, errors.ErrCodeTargetNotFound) && itemField.Ref != nil:
		item = candidate{ID: x.newID(), Label: name}
		err = x.insert(ctx, itemField.Ref.Table, []colVal{
			{"id", item.ID},
			{"company_id", x.tenant()},
			{itemField.Ref.Display[0], name},
			{"status", statusAssigned},
			{"created_at", x.now},
		})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		n, err := x.update(ctx, itemField.Ref.Table, item.ID,
			[]colVal{{"status", statusAssigned}}, &colVal{"status", statusAvailable})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.NewStatePreconditionError(
				fmt.Sprintf("العهدة \"%s\" غير متاحة", item.Label),
				fmt.Sprintf("custody item %s is not %s", item.ID, statusAvailable))
		}
	}

	id := x.newID()
	err = x.insert(ctx, x.entity.Table, []colVal{
		{"id", id},
		{"company_id", x.tenant()},
		{x.col("employee"), emp.ID},
		{x.col("item"), item.ID},
		{x.col("status"), statusAssigned},
		{x.col("assignedAt"), x.now},
		{"assigned_by_id", x.callerID()},
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		message:     fmt.Sprintf("✅ تم تسليم العهدة!\n\n📦 %s\n👤 إلى: %s", item.Label, emp.Label),
		record:      map[string]interface{}{"id": id, "item": item.Label, "employee": emp.Label, "status": statusAssigned},
		recordID:    id,
		targetID:    emp.ID,
		suggestions: []string{"اعرض العهد"},
	}, nil
}

// ==========================
// Notifications
// ==========================

const (
	defaultNotificationTitle = "📢 إشعار جديد"
	recognitionTitle         = "🌟 شكر وتقدير"
)

// sendNotification stores one notification row per recipient. Without a
// target every active employee of the tenant receives it.
func sendNotification(ctx context.Context, x *actionContext) (*outcome, error) {
	kind := models.NotificationGeneral
	title := orDefault(x.req.Field("title"), defaultNotificationTitle)
	if x.entity.Name == "recognition" {
		kind = models.NotificationRecognition
		title = recognitionTitle
	}
	message := x.req.Field("message")

	var (
		recipients []models.Recipient
		targetID   string
		audience   string
	)
	if x.req.TargetSelector != nil {
		emp, err := x.resolveTarget(ctx)
		if err != nil {
			return nil, err
		}
		r, err := contact(ctx, x, emp)
		if err != nil {
			return nil, err
		}
		recipients = []models.Recipient{r}
		targetID = emp.ID
		audience = emp.Label
	} else {
		all, err := activeEmployees(ctx, x)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, errors.NewStatePreconditionError("لا يوجد موظفون نشطون لإرسال الإشعار", "no active employees")
		}
		recipients = all
		audience = fmt.Sprintf("جميع الموظفين (%d)", len(all))
	}

	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		id := x.newID()
		values := []colVal{
			{"id", id},
			{"company_id", x.tenant()},
			{x.col("recipient"), r.UserID},
			{x.col("title"), title},
			{x.col("message"), message},
			{"is_read", false},
			{"created_by_id", x.callerID()},
			{x.col("createdAt"), x.now},
		}
		if err := x.insert(ctx, x.entity.Table, withFixed(values, x.entity.Fixed)); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	msg := fmt.Sprintf("✅ تم إرسال الإشعار!\n\n📨 إلى: %s\n📝 الرسالة: %s", audience, message)
	if kind == models.NotificationRecognition {
		msg = fmt.Sprintf("🌟 تم إرسال التقدير إلى %s\n\n%s", audience, message)
	}
	return &outcome{
		message:  msg,
		record:   map[string]interface{}{"ids": ids, "recipients": len(recipients), "title": title},
		recordID: ids[0],
		targetID: targetID,
		notification: &models.Notification{
			TenantID:   x.tenant(),
			Kind:       kind,
			Title:      title,
			Message:    message,
			SenderID:   x.callerID(),
			Recipients: recipients,
			CreatedAt:  x.now,
		},
		suggestions: []string{"ارسل إشعار آخر", "اعرض الإشعارات"},
	}, nil
}

const usersTable = "users"

func contact(ctx context.Context, x *actionContext, emp candidate) (models.Recipient, error) {
	r := models.Recipient{UserID: emp.ID, Name: emp.Label}
	query := fmt.Sprintf("SELECT COALESCE(%s, ''), COALESCE(%s, '') FROM %s t WHERE %s = $1 AND %s = $2",
		column("t", "email"), column("t", "phone"), pq.QuoteIdentifier(usersTable), column("t", "id"), column("t", "company_id"))
	err := x.tx.QueryRowContext(ctx, query, emp.ID, x.tenant()).Scan(&r.Email, &r.Phone)
	return r, err
}

func activeEmployees(ctx context.Context, x *actionContext) ([]models.Recipient, error) {
	query := fmt.Sprintf("SELECT %s, concat_ws(' ', %s, %s), COALESCE(%s, ''), COALESCE(%s, '') FROM %s t WHERE %s = $1 AND %s = $2 ORDER BY %s",
		column("t", "id"), column("t", "first_name"), column("t", "last_name"), column("t", "email"), column("t", "phone"),
		pq.QuoteIdentifier(usersTable), column("t", "company_id"), column("t", "status"), column("t", "id"))
	rows, err := x.tx.QueryContext(ctx, query, x.tenant(), statusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.UserID, &r.Name, &r.Email, &r.Phone); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
