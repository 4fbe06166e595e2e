package gate

import "nlcqe-workers/internal/models"

var roleRank = map[models.Role]int{
	models.RoleEmployee:   0,
	models.RoleManager:    1,
	models.RoleHR:         2,
	models.RoleAdmin:      3,
	models.RoleSuperAdmin: 4,
}

type pair struct {
	action models.Action
	entity string
}

// Least role for each mutation. Pairs not listed need a manager.
var minimumRole = map[pair]models.Role{
	{models.ActionCreate, "employee"}:   models.RoleAdmin,
	{models.ActionUpdate, "employee"}:   models.RoleAdmin,
	{models.ActionCreate, "department"}: models.RoleAdmin,
	{models.ActionCreate, "branch"}:     models.RoleAdmin,
	{models.ActionApprove, "leave"}:     models.RoleHR,
	{models.ActionReject, "leave"}:      models.RoleHR,
	{models.ActionCreate, "bonus"}:      models.RoleHR,
	{models.ActionCreate, "deduction"}:  models.RoleHR,
}

// Permitted reports whether role may perform action on entity. Every role
// may read; unknown roles may do nothing.
func Permitted(role models.Role, action models.Action, entity string) bool {
	rank, known := roleRank[role]
	if !known {
		return false
	}
	if action.IsRead() {
		return true
	}
	if action == models.ActionDelete || action == models.ActionUnknown {
		return false
	}
	need, ok := minimumRole[pair{action, entity}]
	if !ok {
		need = models.RoleManager
	}
	return rank >= roleRank[need]
}
