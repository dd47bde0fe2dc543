// Package store implements the conversation store facade: the only
// component allowed to touch persistence. The Store interface is the
// contract the rest of the core consumes; PostgresStore is the concrete
// implementation, built on sqlx + lib/pq + golang-migrate.
package store

import (
	"context"
	"time"

	"github.com/qzbxw/realtimecore/internal/models"
)

// NewMessageInput is the payload AppendMessage persists. ReplyToID, when
// set, must reference an existing message in the same conversation — the
// store enforces this.
type NewMessageInput struct {
	ConversationID string
	SenderID       *string
	Type           models.MessageType
	Content        string
	ReplyToID      *string
	TokenCount     *int
}

// Store is the persistence contract: read/write of conversations,
// memberships, messages, reactions, and read-state against the durable
// store.
type Store interface {
	// CreateConversation enforces the per-kind member-count invariants
	// (DIRECT exactly two, AI_CHAT exactly the creator, GROUP ≥ 1
	// with exactly one OWNER).
	CreateConversation(ctx context.Context, kind models.ConversationType, creatorID string, memberIDs []string, systemPrompt *string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)

	// AppendMessage persists m as a single atomic unit together with the
	// conversation's updated_at bump, rejecting a sender who is not a
	// current member.
	AppendMessage(ctx context.Context, m NewMessageInput) (*models.Message, error)
	// EditMessage enforces only-the-sender-may-edit and preserves CreatedAt.
	EditMessage(ctx context.Context, messageID, actorID, content string) (*models.Message, error)
	// DeleteMessage enforces sender-or-ADMIN/OWNER and tombstones the row.
	DeleteMessage(ctx context.Context, messageID, actorID string) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListHistory(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error)
	// FindLastAIResponse returns the most recent non-deleted AI_RESPONSE in
	// conversationID, or nil if there is none, backing regenerate-response.
	FindLastAIResponse(ctx context.Context, conversationID string) (*models.Message, error)
	// TombstoneMessage soft-deletes messageID without an actor/role check;
	// callers are responsible for having authorized the action themselves
	// (used by regenerate-response, which only requires membership, not
	// sender/admin ownership of the AI_RESPONSE being replaced).
	TombstoneMessage(ctx context.Context, messageID string) error

	// ToggleReaction is an idempotent (messageId, userId, emoji) toggle,
	// returning the full aggregated reaction list.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]models.ReactionSummary, error)

	// MarkRead advances lastReadAt monotonically and returns the new value.
	MarkRead(ctx context.Context, conversationID, userID string, upToCreatedAt time.Time) (time.Time, error)

	GetMembership(ctx context.Context, conversationID, userID string) (*models.Membership, error)
	ListMembers(ctx context.Context, conversationID string) ([]models.Membership, error)

	// CreateCall enforces the at-most-one-non-terminal-call-per-user
	// invariant (user_busy). It does not check that caller and callee share
	// the conversation; handleCallInitiate checks both memberships first.
	CreateCall(ctx context.Context, conversationID, callerID, calleeID string, callType models.CallType) (*models.Call, error)
	GetCall(ctx context.Context, callID string) (*models.Call, error)
	GetActiveCallForUser(ctx context.Context, userID string) (*models.Call, error)
	// TransitionCall is a compare-and-set on Call.State, the CAS that
	// prevents duplicate transitions from racing socket events.
	TransitionCall(ctx context.Context, callID string, expected, next models.CallState) (*models.Call, error)

	CreateNotification(ctx context.Context, n models.Notification) error
	ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)

	UpsertUserMirror(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// UpdateLastSeen stamps lastSeenAt without touching the rest of the
	// mirrored profile, used on the ONLINE->OFFLINE transition.
	UpdateLastSeen(ctx context.Context, userID string, lastSeenAt time.Time) error

	// ListConversationsForUser returns every conversationId the user
	// belongs to, used to fan out presence transitions to every room the
	// user is a member of.
	ListConversationsForUser(ctx context.Context, userID string) ([]string, error)

	Close() error
}
