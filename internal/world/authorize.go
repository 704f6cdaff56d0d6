package world

import (
	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
)

// authorize decides whether ctx may perform op against an entity in group.
// Group-level roles gate the operation class; entity-level roles narrow it
// further. The entity's creator may always update or delete it ("owner
// override"), but gets no special viewing rights.
func authorize(ctx auth.Context, group config.GroupConfig, entity *Entity, op Operation) bool {
	switch op {
	case OpView:
		if !ctx.HasAnyRole(group.ViewRoles) {
			return false
		}
		if entity != nil && !ctx.HasAnyRole(entity.ViewRoles) {
			return false
		}
		return true
	case OpInsert:
		return ctx.HasAnyRole(group.InsertRoles)
	case OpUpdate:
		if entity != nil && entity.CreatedBy != "" && entity.CreatedBy == ctx.AgentID {
			return true
		}
		if !ctx.HasAnyRole(group.UpdateRoles) {
			return false
		}
		return entity == nil || ctx.HasAnyRole(entity.MutateRoles)
	case OpDelete:
		if entity != nil && entity.CreatedBy != "" && entity.CreatedBy == ctx.AgentID {
			return true
		}
		if !ctx.HasAnyRole(group.DeleteRoles) {
			return false
		}
		return entity == nil || ctx.HasAnyRole(entity.MutateRoles)
	}
	return false
}

// Visible reports whether ctx may observe the entity. Used by the diff engine
// and the broadcaster to compute recipient sets.
func Visible(ctx auth.Context, group config.GroupConfig, entity Entity) bool {
	return authorize(ctx, group, &entity, OpView)
}
