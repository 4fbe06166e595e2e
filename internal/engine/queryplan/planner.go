// Package queryplan turns a read intent into an entity-scoped QueryPlan.
package queryplan

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/textnorm"
	"nlcqe-workers/internal/models"
)

const DefaultLimit = 20

// Intent params read by the planner besides operation.
const (
	ParamStatus = "status"
	ParamWindow = "window"
)

// Canonical status words. Rules put them in the status param; text phrases
// are mapped onto them too.
const (
	StatusActive    = "active"
	StatusLate      = "late"
	StatusAbsent    = "absent"
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

const (
	WindowToday = "today"
	WindowMonth = "month"
)

var (
	countWords = regexp.MustCompile(`(?:^|\s)(?:كم|عدد|احصي|count)(?:\s|$)`)
	listWords  = regexp.MustCompile(`(?:^|\s)(?:اعرض|قائمه|كل|اظهر|show|list)(?:\s|$)`)

	inDepartment = regexp.MustCompile(`(?:في|فى)\s*قسم\s+(\S+)`)
	inBranch     = regexp.MustCompile(`(?:في|فى)\s*فرع\s+(\S+)`)

	salaryCompare    = regexp.MustCompile(`(?:راتب|رواتب|salary).*?([<>]|اكثر|اقل|more|less).*?(\d+(?:\.\d+)?)`)
	magnitudeCompare = regexp.MustCompile(`([<>]|اكثر|اقل|more|less)\s*(?:من|than)?\s*(\d+(?:\.\d+)?)`)

	nameSearch = regexp.MustCompile(`(?:^|\s)(?:راتب|بيانات|معلومات|الموظف|موظف)\s+(\S+)(?:\s+(\S+))?`)
)

// Words that follow "employee" without being a name.
var notNames = map[string]bool{
	"نشط": true, "نشطين": true, "في": true, "فى": true, "قسم": true, "فرع": true,
	"براتب": true, "اكثر": true, "اقل": true, "اليوم": true, "الشهر": true, "هذا": true,
	"الجدد": true, "جديد": true, "كل": true, "عدد": true, "من": true, "الي": true,
	"متاخر": true, "غائب": true, "معلق": true, "مكتمل": true,
}

type statusPhrase struct {
	words  []string
	status string
}

// Checked in order; the first hit wins.
var statusPhrases = []statusPhrase{
	{[]string{"متاخر", "تاخير", "late"}, StatusLate},
	{[]string{"غائب", "غايب", "absent"}, StatusAbsent},
	{[]string{"معلق", "pending"}, StatusPending},
	{[]string{"مكتمل", "completed"}, StatusCompleted},
	{[]string{"نشط", "active"}, StatusActive},
}

// Per-entity value of the pending state.
var pendingValues = map[string]string{
	"leave": "PENDING",
	"task":  "TODO",
	"goal":  "PENDING_APPROVAL",
}

type Planner struct {
	limit int
	now   func() time.Time
}

type Option func(*Planner)

func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func New(limit int, opts ...Option) *Planner {
	if limit <= 0 {
		limit = DefaultLimit
	}
	p := &Planner{limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns nil when the intent is not a read over a catalog entity.
// A nil plan is a signal to escalate, not an error.
func (p *Planner) Plan(schema *catalog.Schema, intent models.ParsedIntent) *models.QueryPlan {
	if !intent.Action.IsRead() || schema == nil {
		return nil
	}
	entity, ok := schema.Get(intent.Entity)
	if !ok {
		return nil
	}

	text := textnorm.Fold(intent.OriginalText)
	plan := &models.QueryPlan{
		Entity:    entity.Name,
		Operation: operation(entity, intent, text),
	}

	plan.Filter.All = append(plan.Filter.All, membership(entity, text)...)
	plan.Filter.All = append(plan.Filter.All, magnitude(entity, text)...)
	if c, ok := p.status(entity, intent, text); ok {
		plan.Filter.All = append(plan.Filter.All, c)
	}
	if c, ok := p.window(entity, intent, text); ok {
		plan.Filter.All = append(plan.Filter.All, c)
	}
	all, anyOf := names(entity, intent, text)
	plan.Filter.All = append(plan.Filter.All, all...)
	plan.Filter.AnyOf = anyOf

	if plan.Operation == models.OpFindMany {
		plan.Projection = append([]string(nil), entity.Projection...)
		plan.Limit = p.limit
		if order := orderField(entity); order != "" {
			plan.Order = &models.Order{Field: order, Desc: true}
		}
	}
	return plan
}

func operation(entity catalog.Entity, intent models.ParsedIntent, text string) models.QueryOperation {
	op := models.QueryOperation(intent.Param(models.ParamOperation))
	switch op {
	case models.OpFindMany, models.OpCount, models.OpAggregate, models.OpGroupBy:
	default:
		switch {
		case countWords.MatchString(text):
			op = models.OpCount
		case listWords.MatchString(text):
			op = models.OpFindMany
		case intent.Action == models.ActionCount:
			op = models.OpCount
		case intent.Action == models.ActionCalculate:
			op = models.OpAggregate
		default:
			op = models.OpFindMany
		}
	}

	if op == models.OpGroupBy && entity.StatusField == "" {
		return models.OpCount
	}
	if op == models.OpAggregate && len(entity.NumericFields()) == 0 {
		return models.OpCount
	}
	return op
}

func membership(entity catalog.Entity, text string) []models.Condition {
	var out []models.Condition
	for _, unit := range []struct {
		field string
		re    *regexp.Regexp
	}{{"department", inDepartment}, {"branch", inBranch}} {
		if _, ok := entity.Field(unit.field); !ok {
			continue
		}
		if m := unit.re.FindStringSubmatch(text); m != nil {
			out = append(out, models.Condition{Field: unit.field, Op: models.CmpContains, Value: m[1]})
		}
	}
	return out
}

func magnitude(entity catalog.Entity, text string) []models.Condition {
	field := ""
	m := salaryCompare.FindStringSubmatch(text)
	if m != nil {
		if _, ok := entity.Field("salary"); ok {
			field = "salary"
		}
	}
	if field == "" {
		numeric := entity.NumericFields()
		if len(numeric) != 1 {
			return nil
		}
		if m = magnitudeCompare.FindStringSubmatch(text); m == nil {
			return nil
		}
		field = numeric[0]
	}

	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil
	}
	op := models.CmpGte
	if m[1] == "<" || m[1] == "اقل" || m[1] == "less" {
		op = models.CmpLte
	}
	return []models.Condition{{Field: field, Op: op, Value: v}}
}

func (p *Planner) status(entity catalog.Entity, intent models.ParsedIntent, text string) (models.Condition, bool) {
	word := intent.Param(ParamStatus)
	if word == "" {
		for _, sp := range statusPhrases {
			if containsAny(text, sp.words) {
				word = sp.status
				break
			}
		}
	}
	if word == "" {
		return models.Condition{}, false
	}

	if word == StatusLate {
		if _, ok := entity.Field("lateMinutes"); ok {
			return models.Condition{Field: "lateMinutes", Op: models.CmpGt, Value: 0}, true
		}
	}
	if entity.StatusField == "" {
		return models.Condition{}, false
	}

	var value string
	switch word {
	case StatusActive:
		value = "ACTIVE"
	case StatusLate:
		value = "LATE"
	case StatusAbsent:
		value = "ABSENT"
	case StatusCompleted:
		value = "COMPLETED"
	case StatusPending:
		value = "PENDING"
		if v, ok := pendingValues[entity.Name]; ok {
			value = v
		}
	default:
		return models.Condition{}, false
	}
	return models.Condition{Field: entity.StatusField, Op: models.CmpEq, Value: value}, true
}

func (p *Planner) window(entity catalog.Entity, intent models.ParsedIntent, text string) (models.Condition, bool) {
	if entity.DateField == "" {
		return models.Condition{}, false
	}

	w := intent.Param(ParamWindow)
	switch {
	case w != "":
	case containsAny(text, []string{"اليوم", "النهارده", "today"}):
		w = WindowToday
	case containsAny(text, []string{"هذا الشهر", "الشهر الحالي", "this month"}):
		w = WindowMonth
	}

	now := p.now()
	var since time.Time
	switch w {
	case WindowToday:
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case WindowMonth:
		since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return models.Condition{}, false
	}
	return models.Condition{Field: entity.DateField, Op: models.CmpGte, Value: since}, true
}

// names builds the person search. On entities with name fields every
// fragment is OR-matched against every name field; two fragments add a group
// requiring first and last name in that order. Entities that only point at a
// person match the person's display name instead.
func names(entity catalog.Entity, intent models.ParsedIntent, text string) ([]models.Condition, [][]models.Condition) {
	fragments := nameFragments(intent, text)
	if len(fragments) == 0 {
		return nil, nil
	}

	if len(entity.NameFields) == 0 {
		if entity.PersonField == "" {
			return nil, nil
		}
		return []models.Condition{{
			Field: entity.PersonField,
			Op:    models.CmpContains,
			Value: strings.Join(fragments, " "),
		}}, nil
	}

	var anyOf [][]models.Condition
	for _, frag := range fragments {
		for _, f := range entity.NameFields {
			anyOf = append(anyOf, []models.Condition{{Field: f, Op: models.CmpContains, Value: frag}})
		}
	}
	if len(fragments) == 2 && len(entity.NameFields) >= 2 {
		anyOf = append(anyOf, []models.Condition{
			{Field: entity.NameFields[0], Op: models.CmpContains, Value: fragments[0]},
			{Field: entity.NameFields[1], Op: models.CmpContains, Value: fragments[1]},
		})
	}
	return nil, anyOf
}

func nameFragments(intent models.ParsedIntent, text string) []string {
	if name := textnorm.Fold(intent.Param(models.ParamEmployeeName)); name != "" {
		return firstTwo(strings.Fields(name))
	}

	m := nameSearch.FindStringSubmatch(text)
	if m == nil || !isName(m[1]) {
		return nil
	}
	out := []string{m[1]}
	if isName(m[2]) {
		out = append(out, m[2])
	}
	return out
}

func firstTwo(words []string) []string {
	if len(words) > 2 {
		return words[:2]
	}
	return words
}

func orderField(entity catalog.Entity) string {
	if entity.DateField != "" {
		return entity.DateField
	}
	if _, ok := entity.Field("createdAt"); ok {
		return "createdAt"
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func isName(s string) bool {
	if s == "" || notNames[s] {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
