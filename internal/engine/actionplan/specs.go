package actionplan

import "nlcqe-workers/internal/models"

// TargetMode says whether an action needs a named target record.
type TargetMode int

const (
	TargetNone TargetMode = iota
	// TargetOptional uses the name when given and does without otherwise.
	TargetOptional
	// TargetRequired fails validation without a name.
	TargetRequired
	// TargetImplicit falls back to the most recent pending record, but only
	// when no name was given at all.
	TargetImplicit
)

// Param describes one value the action reads from the intent.
type Param struct {
	Field   string
	Aliases []string
	Number  bool
	Prompt  string
	Example string
}

// Spec is the minimal parameter set of one (action, entity) pair.
type Spec struct {
	Action       models.Action
	Entity       string
	Required     []Param
	Optional     []Param
	Target       TargetMode
	TargetEntity string
	TargetPrompt string
	Example      string
	Defaults     map[string]interface{}
}

type key struct {
	action models.Action
	entity string
}

var specs = map[key]Spec{}

func register(s Spec) {
	k := key{s.Action, s.Entity}
	if _, dup := specs[k]; dup {
		panic("actionplan: duplicate spec " + string(s.Action) + " " + s.Entity)
	}
	specs[k] = s
}

// Lookup returns the spec for an (action, entity) pair.
func Lookup(action models.Action, entity string) (Spec, bool) {
	s, ok := specs[key{action, entity}]
	return s, ok
}

// Specs returns every registered spec.
func Specs() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	return out
}

var (
	amount = Param{
		Field:   "amount",
		Aliases: []string{models.ParamAmount, models.ParamNumber},
		Number:  true,
		Prompt:  "يرجى تحديد المبلغ",
	}
	reason = Param{Field: "reason", Aliases: []string{"reason", models.ParamTitle}}
)

func init() {
	register(Spec{
		Action: models.ActionCreate,
		Entity: "employee",
		Required: []Param{{
			Field:   "firstName",
			Aliases: []string{"firstName", "name", models.ParamEmployeeName},
			Prompt:  "يرجى تحديد اسم الموظف",
			Example: "أضف موظف أحمد علي في قسم المبيعات",
		}},
		Optional: []Param{
			{Field: "lastName", Aliases: []string{"lastName"}},
			{Field: "department", Aliases: []string{"department"}},
			{Field: "salary", Aliases: []string{"salary"}, Number: true},
			{Field: "jobTitle", Aliases: []string{"jobTitle"}},
			{Field: "phone", Aliases: []string{"phone"}},
		},
	})

	register(Spec{
		Action: models.ActionUpdate,
		Entity: "employee",
		Required: []Param{{
			Field:   "salary",
			Aliases: []string{"salary", models.ParamAmount, models.ParamNumber},
			Number:  true,
			Prompt:  "يرجى تحديد الراتب الجديد",
			Example: "عدل راتب أحمد إلى 8000",
		}},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد اسم الموظف",
		Example:      "عدل راتب أحمد إلى 8000",
	})

	register(Spec{
		Action: models.ActionTransfer,
		Entity: "employee",
		Required: []Param{{
			Field:   "department",
			Aliases: []string{"department"},
			Prompt:  "يرجى تحديد القسم الجديد",
			Example: "انقل أحمد إلى قسم المبيعات",
		}},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد اسم الموظف",
		Example:      "انقل أحمد إلى قسم المبيعات",
	})

	register(Spec{
		Action: models.ActionCreate,
		Entity: "department",
		Required: []Param{{
			Field:   "name",
			Aliases: []string{"name", models.ParamTitle},
			Prompt:  "يرجى تحديد اسم القسم",
			Example: "أضف قسم المبيعات",
		}},
		Optional: []Param{{Field: "branch", Aliases: []string{"branch"}}},
	})

	register(Spec{
		Action: models.ActionCreate,
		Entity: "branch",
		Required: []Param{{
			Field:   "name",
			Aliases: []string{"name", models.ParamTitle},
			Prompt:  "يرجى تحديد اسم الفرع",
			Example: "أضف فرع الرياض",
		}},
		Optional: []Param{{Field: "address", Aliases: []string{"address"}}},
	})

	register(Spec{
		Action: models.ActionCreate,
		Entity: "task",
		Required: []Param{{
			Field:   "title",
			Aliases: []string{models.ParamTitle},
			Prompt:  "يرجى تحديد عنوان المهمة",
			Example: `أضف مهمة "مراجعة التقارير" لـ أحمد`,
		}},
		Optional:     []Param{{Field: "priority", Aliases: []string{"priority"}}},
		Target:       TargetOptional,
		TargetEntity: "employee",
		Defaults:     map[string]interface{}{"priority": "MEDIUM"},
	})

	register(Spec{
		Action: models.ActionAssign,
		Entity: "task",
		Required: []Param{{
			Field:   "title",
			Aliases: []string{models.ParamTitle},
			Prompt:  "يرجى تحديد عنوان المهمة",
			Example: `أسند مهمة "مراجعة التقارير" لـ أحمد`,
		}},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد الموظف المسند إليه",
		Example:      `أسند مهمة "مراجعة التقارير" لـ أحمد`,
	})

	register(Spec{
		Action:       models.ActionApprove,
		Entity:       "leave",
		Target:       TargetImplicit,
		TargetEntity: "leave",
	})

	register(Spec{
		Action:       models.ActionReject,
		Entity:       "leave",
		Optional:     []Param{reason},
		Target:       TargetRequired,
		TargetEntity: "leave",
		TargetPrompt: "يرجى تحديد اسم صاحب طلب الإجازة",
		Example:      "ارفض إجازة أحمد",
	})

	bonus := amount
	bonus.Example = "أضف مكافأة 500 لـ أحمد"
	register(Spec{
		Action:       models.ActionCreate,
		Entity:       "bonus",
		Required:     []Param{bonus},
		Optional:     []Param{reason},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد اسم الموظف",
		Example:      bonus.Example,
	})

	deduction := amount
	deduction.Example = "اخصم 200 من أحمد"
	register(Spec{
		Action:       models.ActionCreate,
		Entity:       "deduction",
		Required:     []Param{deduction},
		Optional:     []Param{reason},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد اسم الموظف",
		Example:      deduction.Example,
	})

	register(Spec{
		Action: models.ActionCreate,
		Entity: "goal",
		Required: []Param{{
			Field:   "title",
			Aliases: []string{models.ParamTitle},
			Prompt:  "يرجى تحديد عنوان الهدف",
			Example: "أضف هدف زيادة المبيعات لـ أحمد",
		}},
		Target:       TargetOptional,
		TargetEntity: "employee",
	})

	register(Spec{
		Action: models.ActionSend,
		Entity: "notification",
		Required: []Param{{
			Field:   "message",
			Aliases: []string{"message", models.ParamTitle},
			Prompt:  "يرجى كتابة نص الإشعار",
			Example: `أرسل إشعار "اجتماع الساعة 10" لـ أحمد`,
		}},
		Target:       TargetOptional,
		TargetEntity: "employee",
	})

	register(Spec{
		Action:       models.ActionSend,
		Entity:       "recognition",
		Optional:     []Param{{Field: "message", Aliases: []string{"message", models.ParamTitle}}},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد الموظف المراد تقديره",
		Example:      "أرسل تقدير لـ أحمد",
		Defaults:     map[string]interface{}{"message": "شكراً لجهودك المميزة! 🌟"},
	})

	register(Spec{
		Action: models.ActionCreate,
		Entity: "custody",
		Required: []Param{{
			Field:   "item",
			Aliases: []string{models.ParamTitle, "item"},
			Prompt:  "يرجى تحديد اسم العهدة",
			Example: "أضف عهدة لابتوب لـ أحمد",
		}},
		Target:       TargetRequired,
		TargetEntity: "employee",
		TargetPrompt: "يرجى تحديد الموظف المستلم للعهدة",
		Example:      "أضف عهدة لابتوب لـ أحمد",
	})
}
