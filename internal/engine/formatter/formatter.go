// Package formatter turns executor output into user-facing text, a
// visualization hint and follow-up suggestions.
package formatter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/models"
)

// Output is a rendered result.
type Output struct {
	Text          string
	Visualization models.Visualization
	Suggestions   []string
	Data          interface{}
}

// ChartData is the payload of a chart visualization.
type ChartData struct {
	Type   string   `json:"type"`
	Labels []string `json:"labels"`
	Values []int64  `json:"values"`
}

// DefaultSuggestions are offered whenever nothing more specific applies.
var DefaultSuggestions = []string{"كم موظف", "حضور اليوم", "الإجازات المعلقة", "مساعدة"}

const helpText = "🤔 لم أفهم طلبك تماماً.\n\n" +
	"جرب أحد الأوامر التالية:\n" +
	"📊 \"كم موظف\" أو \"حضور اليوم\" أو \"الإجازات المعلقة\"\n" +
	"⚡ \"أضف مهمة [عنوان] لـ [اسم]\" أو \"وافق على إجازة [اسم]\"\n" +
	"💡 اكتب \"مساعدة\" لعرض كل الأوامر"

var entitySuggestions = map[string][]string{
	"employee":     {"كم موظف نشط", "الموظفين في قسم", "إجمالي الرواتب"},
	"attendance":   {"حضور اليوم", "المتأخرين", "الغائبين"},
	"leave":        {"الإجازات المعلقة", "وافق على الإجازة", "الإجازات المعتمدة"},
	"department":   {"أضف قسم", "الفروع", "الموظفين في قسم"},
	"branch":       {"أضف فرع", "الأقسام"},
	"task":         {"أضف مهمة", "المهام المعلقة", "حالة المهام"},
	"goal":         {"أضف هدف", "تقدم الأهداف"},
	"review":       {"التقييمات", "الأهداف"},
	"custody":      {"أضف عهدة", "اعرض العهد"},
	"bonus":        {"أضف مكافأة", "إجمالي الرواتب"},
	"deduction":    {"اخصم من موظف", "إجمالي الرواتب"},
	"notification": {"ارسل إشعار", "حضور اليوم"},
	"recognition":  {"أرسل تقدير", "الأهداف"},
}

// Suggestions returns the follow-up menu for an entity.
func Suggestions(entity string) []string {
	if s, ok := entitySuggestions[entity]; ok {
		return append([]string(nil), s...)
	}
	return append([]string(nil), DefaultSuggestions...)
}

var statusLabels = map[string]string{
	"ACTIVE":           "نشط",
	"INACTIVE":         "غير نشط",
	"PENDING":          "معلق",
	"PENDING_APPROVAL": "بانتظار الموافقة",
	"APPROVED":         "موافق عليه",
	"REJECTED":         "مرفوض",
	"TODO":             "قيد الانتظار",
	"IN_PROGRESS":      "قيد التنفيذ",
	"COMPLETED":        "مكتمل",
	"DONE":             "منجز",
	"CANCELLED":        "ملغي",
	"PRESENT":          "حاضر",
	"LATE":             "متأخر",
	"ABSENT":           "غائب",
	"ON_LEAVE":         "في إجازة",
	"ASSIGNED":         "مسلمة",
	"AVAILABLE":        "متاحة",
	"RETURNED":         "مرتجعة",
}

// StatusLabel translates a stored status value, returning it unchanged when
// unknown.
func StatusLabel(s string) string {
	if s == "" {
		return "غير محدد"
	}
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return s
}

// Query renders a read result. Counts become cards, lists tables and status
// distributions pie charts; anything else is text.
func Query(res *models.QueryResult, entity catalog.Entity) Output {
	out := Output{
		Visualization: models.VizText,
		Suggestions:   Suggestions(entity.Name),
	}
	label := orName(entity.PluralLabel, entity.Name)

	switch res.Operation {
	case models.OpCount:
		out.Visualization = models.VizCard
		out.Text = fmt.Sprintf("📊 عدد %s: **%s**", label, strconv.FormatInt(res.Count, 10))
		out.Data = map[string]interface{}{"count": res.Count}

	case models.OpFindMany:
		out.Visualization = models.VizTable
		out.Data = res.Rows
		out.Text = table(label, entity, res.Rows)

	case models.OpGroupBy:
		out.Visualization = models.VizChart
		chart := ChartData{Type: "pie"}
		var b strings.Builder
		fmt.Fprintf(&b, "📊 توزيع %s حسب الحالة (%d):", label, res.Count)
		for _, g := range res.Groups {
			l := StatusLabel(g.Key)
			chart.Labels = append(chart.Labels, l)
			chart.Values = append(chart.Values, g.Count)
			fmt.Fprintf(&b, "\n• %s: %d", l, g.Count)
		}
		if len(res.Groups) == 0 {
			b.WriteString("\nلا توجد بيانات")
		}
		out.Text = b.String()
		out.Data = chart

	case models.OpAggregate:
		out.Text = aggregate(label, res)
		out.Data = map[string]interface{}{"count": res.Count, "sums": res.Sums, "averages": res.Averages}
	}
	return out
}

func table(label string, entity catalog.Entity, rows []map[string]interface{}) string {
	if len(rows) == 0 {
		return fmt.Sprintf("🔍 لا توجد %s مطابقة", label)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s (%d):", label, len(rows))
	for _, row := range rows {
		b.WriteString("\n• ")
		b.WriteString(rowLine(entity, row))
	}
	return b.String()
}

// rowLine joins a row's values in projection order, leaving out ids.
func rowLine(entity catalog.Entity, row map[string]interface{}) string {
	keys := make([]string, 0, len(row))
	for _, name := range entity.Projection {
		if _, ok := row[name]; ok {
			keys = append(keys, name)
		}
	}
	if len(keys) == 0 {
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	var parts []string
	for _, k := range keys {
		if k == "id" {
			continue
		}
		if s := cellText(entity, k, row[k]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

func cellText(entity catalog.Entity, field string, v interface{}) string {
	if v == nil {
		return ""
	}
	f, _ := entity.Field(field)
	switch x := v.(type) {
	case float64:
		return Amount(x)
	case bool:
		if x {
			return "✓"
		}
		return "✗"
	case string:
		if field == entity.StatusField || f.Type == catalog.FieldEnum {
			return StatusLabel(x)
		}
		return x
	}
	return fmt.Sprint(v)
}

var fieldLabels = map[string]string{
	"salary":          "الرواتب",
	"amount":          "المبالغ",
	"progress":        "التقدم",
	"lateMinutes":     "دقائق التأخير",
	"overtimeMinutes": "دقائق العمل الإضافي",
	"finalRating":     "التقييم",
}

func aggregate(label string, res *models.QueryResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s (%d):", label, res.Count)
	names := make([]string, 0, len(res.Sums))
	for name := range res.Sums {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := orName(fieldLabels[name], name)
		fmt.Fprintf(&b, "\n💰 إجمالي %s: %s\n📈 متوسط %s: %s",
			field, Amount(res.Sums[name]), field, Amount(res.Averages[name]))
	}
	return b.String()
}

// Grounded renders one of the local answer templates, enriching the executed
// figures with the tenant snapshot. It reports false for unknown templates.
func Grounded(template string, res *models.QueryResult, snap *models.ContextSnapshot) (string, bool) {
	if res == nil {
		return "", false
	}
	s := snap
	if s == nil {
		s = &models.ContextSnapshot{}
	}

	switch template {
	case "employees":
		return fmt.Sprintf("👥 إجمالي الموظفين: **%s**\n✅ النشطين: %d\n🆕 جدد هذا الشهر: %d",
			strconv.FormatInt(res.Count, 10), s.Employees.Active, s.Employees.NewThisMonth), true

	case "attendance":
		a := s.Attendance
		if snap == nil {
			a = attendanceFromGroups(res.Groups)
		}
		return fmt.Sprintf("📊 حضور اليوم:\n\n✅ الحاضرين: %d\n⏰ المتأخرين: %d\n❌ الغائبين: %d\n🏖️ في إجازة: %d\n\n📈 نسبة الحضور: %d%%",
			a.Present, a.Late, a.Absent, a.OnLeave, a.Rate), true

	case "leaves":
		return fmt.Sprintf("📋 الإجازات المعلقة: **%s**\n✅ المعتمدة هذا الشهر: %d",
			strconv.FormatInt(res.Count, 10), s.Leaves.ApprovedThisMonth), true

	case "payroll":
		total, avg := res.Sums["salary"], res.Averages["salary"]
		return fmt.Sprintf("💰 ملخص الرواتب:\n\n💵 الإجمالي: %s ريال\n📊 المتوسط: %s ريال\n👥 عدد الموظفين: %s",
			Amount(total), Amount(avg), strconv.FormatInt(res.Count, 10)), true
	}
	return "", false
}

func attendanceFromGroups(groups []models.GroupCount) models.AttendanceStats {
	var a models.AttendanceStats
	var total int64
	for _, g := range groups {
		total += g.Count
		switch g.Key {
		case "PRESENT":
			a.Present += g.Count
		case "LATE":
			a.Late += g.Count
			a.Present += g.Count
		case "ABSENT":
			a.Absent += g.Count
		case "ON_LEAVE":
			a.OnLeave += g.Count
		}
	}
	if total > 0 {
		a.Rate = int(a.Present * 100 / total)
	}
	return a
}

// Action renders a committed mutation.
func Action(res *models.ActionResult, entity string) Output {
	s := res.Suggestions
	if len(s) == 0 {
		s = Suggestions(entity)
	}
	return Output{
		Text:          res.Message,
		Visualization: models.VizCard,
		Suggestions:   s,
		Data:          res.Data,
	}
}

// Reply fills the placeholders of a canned reply.
func Reply(text, userName string) string {
	if userName == "" {
		userName = "بك"
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "{userName}", userName))
}

// Help is the response to input nothing could interpret.
func Help() Output {
	return Output{
		Text:          helpText,
		Visualization: models.VizText,
		Suggestions:   append([]string(nil), DefaultSuggestions...),
	}
}

// Clarify asks the user to confirm a low-confidence interpretation instead of
// acting on it.
func Clarify(intent models.ParsedIntent, entity catalog.Entity, suggestions []string) Output {
	label := orName(entity.Label, intent.Entity)
	text := fmt.Sprintf("🤔 هل تقصد %s %s؟\nيرجى توضيح طلبك بشكل أدق.", actionLabel(intent.Action), label)
	if len(suggestions) == 0 {
		suggestions = Suggestions(intent.Entity)
	}
	return Output{Text: text, Visualization: models.VizText, Suggestions: suggestions}
}

var actionLabels = map[models.Action]string{
	models.ActionCreate:    "إضافة",
	models.ActionUpdate:    "تحديث",
	models.ActionList:      "عرض",
	models.ActionCount:     "عدد",
	models.ActionApprove:   "الموافقة على",
	models.ActionReject:    "رفض",
	models.ActionTransfer:  "نقل",
	models.ActionAssign:    "إسناد",
	models.ActionSend:      "إرسال",
	models.ActionCalculate: "حساب",
}

func actionLabel(a models.Action) string {
	if l, ok := actionLabels[a]; ok {
		return l
	}
	return string(a)
}

// Failure renders any error into the uniform response shape. Upstream and
// unexpected failures never expose their details.
func Failure(err error) Output {
	se := errors.Normalize(err)
	out := Output{
		Text:          "❌ " + se.Message,
		Visualization: models.VizText,
		Suggestions:   append([]string(nil), DefaultSuggestions...),
	}

	switch se.Code {
	case errors.ErrCodeValidationFailed:
		out.Text = "⚠️ " + se.Message
		if ex, ok := se.Metadata["example"].(string); ok && ex != "" {
			out.Text += fmt.Sprintf("\n\nمثال: \"%s\"", ex)
			out.Suggestions = []string{ex}
		}
	case errors.ErrCodeAmbiguousTarget:
		out.Text = "⚠️ " + se.Message
		if c, ok := se.Metadata["candidates"].([]string); ok {
			out.Data = map[string]interface{}{"candidates": c}
		}
	case errors.ErrCodeUpstreamFailure, errors.ErrCodeInternal:
		out.Text = "❌ حدث خطأ في النظام، يرجى المحاولة مرة أخرى"
	}

	if s, ok := se.Metadata["suggestions"].([]string); ok && len(s) > 0 {
		out.Suggestions = s
	}
	return out
}

func orName(label, name string) string {
	if label != "" {
		return label
	}
	return name
}
