package classifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Helpers
// ==========================

func builtinSchema(t *testing.T) *catalog.Schema {
	t.Helper()
	entities, err := catalog.Builtin().Load(context.Background())
	require.NoError(t, err)
	return catalog.NewSchema(entities, time.Now())
}

func createTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	set, err := Builtin()
	require.NoError(t, err)
	c, err := New(set, WithEntityMatcher(builtinSchema(t)))
	require.NoError(t, err)
	return c
}

func ruleSet(rules ...Rule) *RuleSet {
	return &RuleSet{Version: "test", Rules: rules}
}

// ==========================
// Rule table
// ==========================

func TestBuiltinRules_ReferenceCatalogEntities(t *testing.T) {
	set, err := Builtin()
	require.NoError(t, err)
	assert.NoError(t, set.CheckEntities(builtinSchema(t).Has))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{
			name: "not yaml",
			doc:  "rules: [",
			msg:  "invalid rule document",
		},
		{
			name: "missing patterns",
			doc:  "rules:\n  - id: a\n    action: count\n    entity: employee\n",
			msg:  "patterns",
		},
		{
			name: "unknown action",
			doc:  "rules:\n  - id: a\n    action: drop\n    entity: employee\n    patterns: ['x']\n",
			msg:  "action",
		},
		{
			name: "bad regexp",
			doc:  "rules:\n  - id: a\n    action: count\n    entity: employee\n    patterns: ['(']\n",
			msg:  "pattern 0",
		},
		{
			name: "duplicate id",
			doc:  "rules:\n  - id: a\n    action: unknown\n    patterns: ['x']\n  - id: a\n    action: unknown\n    patterns: ['y']\n",
			msg:  "declared twice",
		},
		{
			name: "action without entity",
			doc:  "rules:\n  - id: a\n    action: count\n    patterns: ['x']\n",
			msg:  "needs an entity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestCheckEntities_UnknownEntity(t *testing.T) {
	set := ruleSet(Rule{ID: "payroll", Action: models.ActionCount, Entity: "payroll", Patterns: []string{"x"}})
	err := set.CheckEntities(builtinSchema(t).Has)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"payroll"`)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"2\"\nrules:\n  - id: ping\n    action: unknown\n    priority: 10\n    patterns: ['^ping$']\n    reply: pong\n"), 0o600))

	set, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "pong", set.Rules[0].Reply)

	builtin, err := LoadRules("")
	require.NoError(t, err)
	assert.Greater(t, len(builtin.Rules), 20)
}

// ==========================
// Classification
// ==========================

func TestClassify_BuiltinRules(t *testing.T) {
	c := createTestClassifier(t)

	tests := []struct {
		text   string
		action models.Action
		entity string
		ruleID string
		params map[string]interface{}
	}{
		{
			text:   "كم عدد الموظفين",
			action: models.ActionCount,
			entity: "employee",
			ruleID: "employee_count",
		},
		{
			text:   "وافق على إجازة أحمد",
			action: models.ActionApprove,
			entity: "leave",
			ruleID: "approve_leave",
			params: map[string]interface{}{"employeeName": "أحمد"},
		},
		{
			text:   "ارفض اجازة سارة",
			action: models.ActionReject,
			entity: "leave",
			ruleID: "reject_leave",
			params: map[string]interface{}{"employeeName": "سارة"},
		},
		{
			text:   "أضف مكافأة 500 لـ أحمد",
			action: models.ActionCreate,
			entity: "bonus",
			ruleID: "add_bonus",
			params: map[string]interface{}{"amount": 500.0, "employeeName": "أحمد"},
		},
		{
			text:   "اخصم 200 من محمد",
			action: models.ActionCreate,
			entity: "deduction",
			ruleID: "add_deduction",
			params: map[string]interface{}{"amount": 200.0, "employeeName": "محمد"},
		},
		{
			text:   "أضف موظف أحمد علي في قسم المبيعات براتب 5000",
			action: models.ActionCreate,
			entity: "employee",
			ruleID: "add_employee",
			params: map[string]interface{}{
				"firstName":  "أحمد",
				"lastName":   "علي",
				"department": "المبيعات",
				"salary":     5000.0,
			},
		},
		{
			text:   `أضف مهمة "مراجعة التقارير" لـ خالد`,
			action: models.ActionCreate,
			entity: "task",
			ruleID: "add_task",
			params: map[string]interface{}{"title": "مراجعة التقارير", "employeeName": "خالد"},
		},
		{
			text:   "حضور اليوم",
			action: models.ActionList,
			entity: "attendance",
			ruleID: "attendance_today",
			params: map[string]interface{}{"operation": "groupBy", "window": "today"},
		},
		{
			text:   "اعرض الفروع",
			action: models.ActionList,
			entity: "branch",
			ruleID: "branches",
		},
		{
			text:   "list tasks",
			action: models.ActionList,
			entity: "task",
			ruleID: "generic_query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent := c.Classify(tt.text)

			assert.Equal(t, tt.action, intent.Action)
			assert.Equal(t, tt.entity, intent.Entity)
			assert.Equal(t, tt.ruleID, intent.RuleID)
			assert.Equal(t, tt.text, intent.OriginalText)
			assert.Equal(t, models.SourceLocal, intent.Source)
			assert.GreaterOrEqual(t, intent.Confidence, DefaultMinConfidence)
			for k, v := range tt.params {
				assert.Equal(t, v, intent.Params[k], "param %s", k)
			}
		})
	}
}

func TestClassify_AttachedRecipient(t *testing.T) {
	c := createTestClassifier(t)

	tests := []struct {
		text   string
		ruleID string
		want   string
	}{
		{text: "أضف مكافأة 500 لأحمد", ruleID: "add_bonus", want: "أحمد"},
		{text: "أرسل تقدير لإبراهيم", ruleID: "send_recognition", want: "إبراهيم"},
		{text: "أرسل شكر لليلى", ruleID: "send_recognition", want: "ليلى"},
		{text: "أضف مكافأة 300 لسارة", ruleID: "add_bonus", want: "سارة"},
		{text: "أضف مكافأة 500 لـ أحمد", ruleID: "add_bonus", want: "أحمد"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent := c.Classify(tt.text)

			assert.Equal(t, tt.ruleID, intent.RuleID)
			assert.Equal(t, tt.want, intent.Param(models.ParamEmployeeName))
		})
	}
}

func TestAttachedName(t *testing.T) {
	tests := []struct {
		word string
		want bool
	}{
		{"احمد", true},
		{"ابراهيم", true},
		{"ليلي", true},
		{"سارة", true},
		{"الموظفين", false},
		{"لموظفين", false},
		{"لجميع", false},
		{"ا", false},
		{"كل", false},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			assert.Equal(t, tt.want, attachedName(tt.word))
		})
	}
}

func TestClassify_ReplyRule(t *testing.T) {
	intent, rule := createTestClassifier(t).Match("مرحبا")

	require.NotNil(t, rule)
	assert.Equal(t, "greeting", rule.ID)
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.Contains(t, intent.Param(models.ParamReply), "{userName}")
	assert.NotEmpty(t, rule.Suggestions)
}

func TestClassify_NoRuleFires(t *testing.T) {
	intent, rule := createTestClassifier(t).Match("xyzzy plugh")

	assert.Nil(t, rule)
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.Zero(t, intent.Confidence)
	assert.Empty(t, intent.Entity)
}

func TestClassify_EmptyText(t *testing.T) {
	intent := createTestClassifier(t).Classify("   ")
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.Zero(t, intent.Confidence)
}

func TestClassify_WildcardWithoutMatcher(t *testing.T) {
	set, err := Builtin()
	require.NoError(t, err)
	c, err := New(set)
	require.NoError(t, err)

	intent := c.Classify("list tasks")
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.Greater(t, intent.Confidence, 0.0)

	intent = c.Using(builtinSchema(t)).Classify("list tasks")
	assert.Equal(t, "task", intent.Entity)
}

func TestClassify_BelowMinConfidenceIsUnknown(t *testing.T) {
	c, err := New(ruleSet(
		Rule{ID: "weak", Action: models.ActionCount, Entity: "employee", Priority: -40, Patterns: []string{"كم"}},
	), WithMinConfidence(0.5))
	require.NoError(t, err)

	intent, rule := c.Match("كم")
	assert.Nil(t, rule)
	assert.Equal(t, models.ActionUnknown, intent.Action)
	assert.InDelta(t, 0.4, intent.Confidence, 1e-9)
}

// ==========================
// Confidence and tie-break
// ==========================

func TestConfidence(t *testing.T) {
	tests := []struct {
		name     string
		matched  int
		total    int
		priority int
		want     float64
	}{
		{"full match no priority", 10, 10, 0, 0.8},
		{"half match", 5, 10, 10, 0.75},
		{"capped", 10, 10, 80, 0.95},
		{"clamped at zero", 1, 10, -100, 0},
		{"no match", 0, 10, 50, 0},
		{"empty text", 3, 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.matched, tt.total, tt.priority), 1e-9)
		})
	}
}

func TestTieBreak_FirstDeclaredWins(t *testing.T) {
	first := Rule{ID: "first", Action: models.ActionCount, Entity: "employee", Priority: 10, Patterns: []string{"كم"}}
	second := Rule{ID: "second", Action: models.ActionList, Entity: "employee", Priority: 10, Patterns: []string{"كم"}}

	c, err := New(ruleSet(first, second))
	require.NoError(t, err)
	assert.Equal(t, "first", c.Classify("كم").RuleID)

	// Registration order alone decides between equals.
	reordered, err := New(ruleSet(second, first))
	require.NoError(t, err)
	assert.Equal(t, "second", reordered.Classify("كم").RuleID)

	for i := 0; i < 50; i++ {
		require.Equal(t, "first", c.Classify("كم").RuleID)
	}
}

func TestTieBreak_HigherPriorityDeclaredLater(t *testing.T) {
	low := Rule{ID: "low", Action: models.ActionList, Entity: "employee", Priority: 10, Patterns: []string{"كم"}}
	high := Rule{ID: "high", Action: models.ActionCount, Entity: "employee", Priority: 20, Patterns: []string{"كم"}}

	c, err := New(ruleSet(low, high))
	require.NoError(t, err)
	assert.Equal(t, "high", c.Classify("كم").RuleID)
	assert.Equal(t, []string{"high", "low"}, []string{c.Rules()[0].ID, c.Rules()[1].ID})
}

func TestTieBreak_LongerMatchWins(t *testing.T) {
	short := Rule{ID: "short", Action: models.ActionList, Entity: "employee", Priority: 10, Patterns: []string{"كم"}}
	long := Rule{ID: "long", Action: models.ActionCount, Entity: "employee", Priority: 10, Patterns: []string{"كم موظف"}}

	c, err := New(ruleSet(short, long))
	require.NoError(t, err)
	assert.Equal(t, "long", c.Classify("كم موظف نشط").RuleID)
}

// ==========================
// Properties
// ==========================

var vocabulary = []string{
	"كم", "عدد", "الموظفين", "أضف", "مكافأة", "500", "لـ", "أحمد", "حضور", "اليوم", "وافق", "على",
	"إجازة", "list", "tasks", `"`, "مرحبا", "قسم", "براتب", "من", "اعرض", "ما", "؟",
}

func TestClassify_Properties(t *testing.T) {
	c := createTestClassifier(t)
	schema := builtinSchema(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	wellFormed := func(text string) bool {
		intent := c.Classify(text)
		if intent.Confidence < 0 || intent.Confidence > 1 {
			return false
		}
		if intent.Action != models.ActionUnknown && !schema.Has(intent.Entity) {
			return false
		}
		return intent.OriginalText == text
	}

	properties.Property("arbitrary text yields a well-formed intent", prop.ForAll(
		wellFormed,
		gen.AnyString(),
	))

	properties.Property("domain phrases yield a well-formed intent", prop.ForAll(
		func(idx []int) bool {
			words := make([]string, len(idx))
			for i, n := range idx {
				words[i] = vocabulary[n]
			}
			return wellFormed(strings.Join(words, " "))
		},
		gen.SliceOf(gen.IntRange(0, len(vocabulary)-1)),
	))

	properties.Property("classification is deterministic", prop.ForAll(
		func(idx []int) bool {
			words := make([]string, len(idx))
			for i, n := range idx {
				words[i] = vocabulary[n]
			}
			text := strings.Join(words, " ")
			a, b := c.Classify(text), c.Classify(text)
			return a.RuleID == b.RuleID && a.Action == b.Action && a.Confidence == b.Confidence
		},
		gen.SliceOf(gen.IntRange(0, len(vocabulary)-1)),
	))

	properties.TestingRun(t)
}
