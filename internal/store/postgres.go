package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

// PostgresStore is the concrete Store backed by Postgres, wrapping a
// sqlx.DB connection pool.
type PostgresStore struct {
	db *sqlx.DB
}

// New connects to Postgres at dbURL, configures the pool, and verifies
// connectivity.
func New(dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, errors.New("database connection string is empty")
	}
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping the database: %w", err)
	}
	log.Println("[store] connected to Postgres")
	return &PostgresStore{db: db}, nil
}

// Migrate applies all pending migrations found under migrationsPath.
func (s *PostgresStore) Migrate(dbURL, migrationsPath string) error {
	sourceURL := fmt.Sprintf("file://%s", migrationsPath)
	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, kind models.ConversationType, creatorID string, memberIDs []string, systemPrompt *string) (*models.Conversation, error) {
	members := dedupeWithCreator(creatorID, memberIDs)

	switch kind {
	case models.ConversationDirect:
		if len(members) != 2 {
			return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "a DIRECT conversation must have exactly two members")
		}
	case models.ConversationAIChat:
		if len(members) != 1 {
			return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "an AI_CHAT conversation must have exactly one member")
		}
	case models.ConversationGroup:
		if len(members) < 1 {
			return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "a GROUP conversation must have at least one member")
		}
	default:
		return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "unknown conversation type")
	}

	conv := &models.Conversation{
		ConversationID: uuid.NewString(),
		Type:           kind,
		CreatedByID:    creatorID,
		SystemPrompt:   systemPrompt,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, type, title, created_by_id, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ConversationID, conv.Type, conv.Title, conv.CreatedByID, conv.SystemPrompt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}

	for _, memberID := range members {
		role := models.RoleMember
		if memberID == creatorID {
			role = models.RoleOwner
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memberships (conversation_id, user_id, role, joined_at, is_pinned, is_muted)
			VALUES ($1, $2, $3, $4, false, false)`,
			conv.ConversationID, memberID, role, conv.CreatedAt)
		if err != nil {
			return nil, realtimeerr.Internal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return conv, nil
}

func dedupeWithCreator(creatorID string, memberIDs []string) []string {
	seen := map[string]bool{creatorID: true}
	out := []string{creatorID}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, `SELECT * FROM conversations WHERE conversation_id = $1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "conversation not found")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &c, nil
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, m NewMessageInput) (*models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	defer tx.Rollback()

	if m.SenderID != nil {
		var isMember bool
		err = tx.GetContext(ctx, &isMember, `
			SELECT EXISTS(SELECT 1 FROM memberships WHERE conversation_id = $1 AND user_id = $2)`,
			m.ConversationID, *m.SenderID)
		if err != nil {
			return nil, realtimeerr.Internal(err)
		}
		if !isMember {
			return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "sender is not a member of this conversation")
		}
	}

	if m.ReplyToID != nil {
		var exists bool
		err = tx.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1 AND conversation_id = $2)`,
			*m.ReplyToID, m.ConversationID)
		if err != nil {
			return nil, realtimeerr.Internal(err)
		}
		if !exists {
			return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "replyToId does not exist in this conversation")
		}
	}

	now := time.Now().UTC()
	msg := &models.Message{
		MessageID:      uuid.NewString(),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type,
		Content:        m.Content,
		ReplyToID:      m.ReplyToID,
		Status:         models.StatusSent,
		CreatedAt:      now,
		TokenCount:     m.TokenCount,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, sender_id, type, content, reply_to_id, status, is_edited, is_deleted, created_at, token_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, $8, $9)`,
		msg.MessageID, msg.ConversationID, msg.SenderID, msg.Type, msg.Content, msg.ReplyToID, msg.Status, msg.CreatedAt, msg.TokenCount)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE conversation_id = $2`, now, m.ConversationID)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE message_id = $1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "message not found")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &m, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, messageID, actorID, content string) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "message is deleted")
	}
	if msg.SenderID == nil || *msg.SenderID != actorID {
		return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "only the original sender may edit this message")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET content = $1, is_edited = true, edited_at = $2 WHERE message_id = $3`,
		content, now, messageID)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now
	return msg, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, actorID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}

	isSender := msg.SenderID != nil && *msg.SenderID == actorID
	if !isSender {
		membership, err := s.GetMembership(ctx, msg.ConversationID, actorID)
		if err != nil {
			return err
		}
		if membership.Role != models.RoleOwner && membership.Role != models.RoleAdmin {
			return realtimeerr.New(realtimeerr.KindUnauthorized, "only the sender or an admin/owner may delete this message")
		}
	}

	_, err = s.db.ExecContext(ctx, `UPDATE messages SET is_deleted = true, content = '' WHERE message_id = $1`, messageID)
	if err != nil {
		return realtimeerr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) FindLastAIResponse(ctx context.Context, conversationID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM messages
		WHERE conversation_id = $1 AND type = $2 AND is_deleted = false
		ORDER BY created_at DESC LIMIT 1`, conversationID, models.MessageAIResponse)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &m, nil
}

func (s *PostgresStore) TombstoneMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_deleted = true, content = '' WHERE message_id = $1`, messageID)
	if err != nil {
		return realtimeerr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Message
	var err error
	if before != nil {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM (
				SELECT * FROM messages WHERE conversation_id = $1 AND created_at < $2
				ORDER BY created_at DESC LIMIT $3
			) page ORDER BY created_at ASC`, conversationID, *before, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM (
				SELECT * FROM messages WHERE conversation_id = $1
				ORDER BY created_at DESC LIMIT $2
			) page ORDER BY created_at ASC`, conversationID, limit)
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return rows, nil
}

// --- Reactions ---

func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]models.ReactionSummary, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, messageID, userID, emoji)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	deleted, _ := res.RowsAffected()
	if deleted == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`, messageID, userID, emoji)
		if err != nil {
			return nil, realtimeerr.Internal(err)
		}
	}

	var rows []models.Reaction
	if err := tx.SelectContext(ctx, &rows, `SELECT message_id, user_id, emoji FROM reactions WHERE message_id = $1`, messageID); err != nil {
		return nil, realtimeerr.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, realtimeerr.Internal(err)
	}

	byEmoji := make(map[string]*models.ReactionSummary)
	order := make([]string, 0)
	for _, r := range rows {
		agg, ok := byEmoji[r.Emoji]
		if !ok {
			agg = &models.ReactionSummary{Emoji: r.Emoji}
			byEmoji[r.Emoji] = agg
			order = append(order, r.Emoji)
		}
		agg.Count++
		agg.UserIDs = append(agg.UserIDs, r.UserID)
	}
	summaries := make([]models.ReactionSummary, 0, len(order))
	for _, emoji := range order {
		summaries = append(summaries, *byEmoji[emoji])
	}
	return summaries, nil
}

// --- Read state ---

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string, upToCreatedAt time.Time) (time.Time, error) {
	var current sql.NullTime
	err := s.db.GetContext(ctx, &current, `SELECT last_read_at FROM memberships WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, realtimeerr.New(realtimeerr.KindUnauthorized, "not a member of this conversation")
	}
	if err != nil {
		return time.Time{}, realtimeerr.Internal(err)
	}
	if current.Valid && current.Time.After(upToCreatedAt) {
		return current.Time, nil // monotonic: never regress
	}

	_, err = s.db.ExecContext(ctx, `UPDATE memberships SET last_read_at = $1 WHERE conversation_id = $2 AND user_id = $3`, upToCreatedAt, conversationID, userID)
	if err != nil {
		return time.Time{}, realtimeerr.Internal(err)
	}
	return upToCreatedAt, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, conversationID, userID string) (*models.Membership, error) {
	var m models.Membership
	err := s.db.GetContext(ctx, &m, `SELECT * FROM memberships WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "not a member of this conversation")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, conversationID string) ([]models.Membership, error) {
	var rows []models.Membership
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM memberships WHERE conversation_id = $1`, conversationID); err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return rows, nil
}

// --- Calls ---

func (s *PostgresStore) CreateCall(ctx context.Context, conversationID, callerID, calleeID string, callType models.CallType) (*models.Call, error) {
	active, err := s.GetActiveCallForUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, realtimeerr.New(realtimeerr.KindUserBusy, "caller already has a non-terminal call")
	}
	active, err = s.GetActiveCallForUser(ctx, calleeID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, realtimeerr.New(realtimeerr.KindUserBusy, "callee already has a non-terminal call")
	}

	call := &models.Call{
		CallID:         uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Type:           callType,
		State:          models.CallInitiated,
		InitiatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, conversation_id, caller_id, callee_id, type, state, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.CallID, call.ConversationID, call.CallerID, call.CalleeID, call.Type, call.State, call.InitiatedAt)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return call, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	var c models.Call
	err := s.db.GetContext(ctx, &c, `SELECT * FROM calls WHERE call_id = $1`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "call not found")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &c, nil
}

func (s *PostgresStore) GetActiveCallForUser(ctx context.Context, userID string) (*models.Call, error) {
	var c models.Call
	err := s.db.GetContext(ctx, &c, `
		SELECT * FROM calls
		WHERE (caller_id = $1 OR callee_id = $1)
		  AND state NOT IN ('ENDED', 'REJECTED', 'MISSED')
		ORDER BY initiated_at DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &c, nil
}

// TransitionCall performs a compare-and-set: the UPDATE's
// WHERE clause folds the compare into a single round trip so a racing
// socket event cannot observe-then-act on a stale state.
func (s *PostgresStore) TransitionCall(ctx context.Context, callID string, expected, next models.CallState) (*models.Call, error) {
	now := time.Now().UTC()
	var timestampColumn string
	switch next {
	case models.CallRinging:
		timestampColumn = "ringing_at"
	case models.CallActive:
		timestampColumn = "active_at"
	case models.CallEnded, models.CallRejected, models.CallMissed:
		timestampColumn = "ended_at"
	}

	var query string
	var args []interface{}
	if timestampColumn != "" {
		query = fmt.Sprintf(`UPDATE calls SET state = $1, %s = $2 WHERE call_id = $3 AND state = $4 RETURNING *`, timestampColumn)
		args = []interface{}{next, now, callID, expected}
	} else {
		query = `UPDATE calls SET state = $1 WHERE call_id = $2 AND state = $3 RETURNING *`
		args = []interface{}{next, callID, expected}
	}

	var c models.Call
	err := s.db.GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindInvalidCallState, "call is not in the expected state")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &c, nil
}

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n models.Notification) error {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (notification_id, user_id, kind, title, body, data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.NotificationID, n.UserID, n.Kind, n.Title, n.Body, n.Data, n.IsRead, n.CreatedAt)
	if err != nil {
		return realtimeerr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Notification
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notifications WHERE user_id = $1 AND is_read = false
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return rows, nil
}

// --- Users ---

func (s *PostgresStore) UpsertUserMirror(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, avatar_url, bio, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			bio = EXCLUDED.bio`,
		u.UserID, u.DisplayName, u.AvatarURL, u.Bio, u.LastSeenAt)
	if err != nil {
		return realtimeerr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, userID string, lastSeenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = $1 WHERE user_id = $2`, lastSeenAt, userID)
	if err != nil {
		return realtimeerr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, realtimeerr.Internal(err)
	}
	return ids, nil
}
