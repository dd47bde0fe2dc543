// Package authz implements the authorization gate consulted before every
// conversation-scoped event is dispatched. It never mutates state — a
// denial is purely a read of the membership table.
package authz

import (
	"context"

	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
)

// Action is a role-restricted operation; most conversation-scoped events
// only need membership, not a specific role.
type Action string

const (
	ActionMember             Action = "member"             // just needs to be a member
	ActionDeleteForeign      Action = "delete_foreign"      // delete another user's message
	ActionManageMembers      Action = "manage_members"      // add/remove/promote
	ActionDeleteConversation Action = "delete_conversation"
)

// Gate checks membership/role before a handler runs.
type Gate struct {
	store store.Store
}

// NewGate builds a Gate over the given Store.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// Check verifies userID may perform action against conversationID. It
// returns realtimeerr with KindUnauthorized or KindNotFound on denial;
// callers must not proceed to mutate state if Check returns non-nil.
func (g *Gate) Check(ctx context.Context, conversationID, userID string, action Action) (*models.Membership, error) {
	membership, err := g.store.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionMember:
		return membership, nil
	case ActionDeleteForeign, ActionManageMembers, ActionDeleteConversation:
		if membership.Role != models.RoleOwner && membership.Role != models.RoleAdmin {
			return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "requires ADMIN or OWNER role")
		}
		return membership, nil
	default:
		return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "unknown action")
	}
}

// CheckCallParticipant verifies userID is one of the two parties of call,
// the strict peer check the signaling relay depends on.
func CheckCallParticipant(call *models.Call, userID string) error {
	if !call.HasParticipant(userID) {
		return realtimeerr.New(realtimeerr.KindUnauthorized, "not a participant of this call")
	}
	return nil
}
