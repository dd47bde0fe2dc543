// Package notify implements notification fan-out. Recipients are the
// conversation's members minus the sender minus anyone
// whose socket is already joined to the conversation's room (they'll see
// the live event and don't need a notification). Persists via
// Store.CreateNotification and emits new-notification to each recipient's
// personal channel — best-effort, since an offline recipient simply has no
// socket to deliver to right now.
package notify

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/qzbxw/realtimecore/internal/bus"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/store"
)

// RoomMembership reports who is already viewing a conversation's room, so
// Fanout can skip them.
type RoomMembership interface {
	UsersInRoom(conversationID string) map[string]bool
}

// Fanout produces and delivers notifications.
type Fanout struct {
	bus      bus.Bus
	store    store.Store
	registry RoomMembership
}

// New builds a Fanout.
func New(b bus.Bus, s store.Store, registry RoomMembership) *Fanout {
	return &Fanout{bus: b, store: s, registry: registry}
}

// NotifyNewMessage fans out NEW_MESSAGE (or MENTION, when the recipient's
// userId is @-mentioned as a whole token) to every member of
// conversationID other than senderID who doesn't already have the room
// open.
func (f *Fanout) NotifyNewMessage(ctx context.Context, conversationID string, message *models.Message) {
	members, err := f.store.ListMembers(ctx, conversationID)
	if err != nil {
		log.Printf("[notify] failed to list members for %s: %v", conversationID, err)
		return
	}
	present := f.registry.UsersInRoom(conversationID)

	for _, m := range members {
		if message.SenderID != nil && m.UserID == *message.SenderID {
			continue
		}
		if present[m.UserID] {
			continue
		}

		kind := models.NotifyNewMessage
		if mentionsUser(message.Content, m.UserID) {
			kind = models.NotifyMention
		}
		f.deliver(ctx, m.UserID, kind, "New message", message.Content, conversationID)
	}
}

// NotifyCallMissed fans out CALL_MISSED to the callee of a call that rang
// out.
func (f *Fanout) NotifyCallMissed(ctx context.Context, call *models.Call) {
	f.deliver(ctx, call.CalleeID, models.NotifyCallMissed, "Missed call", "", call.ConversationID)
}

// NotifyAIComplete fans out AI_COMPLETE to a conversation's member when an
// AI turn finishes and they aren't currently viewing the conversation.
func (f *Fanout) NotifyAIComplete(ctx context.Context, conversationID, userID, content string) {
	present := f.registry.UsersInRoom(conversationID)
	if present[userID] {
		return
	}
	f.deliver(ctx, userID, models.NotifyAIComplete, "AI reply ready", content, conversationID)
}

func (f *Fanout) deliver(ctx context.Context, userID string, kind models.NotificationKind, title, body, conversationID string) {
	n := models.Notification{
		UserID: userID,
		Kind:   kind,
		Title:  title,
		Body:   body,
		Data:   `{"conversationId":"` + conversationID + `"}`,
	}
	if err := f.store.CreateNotification(ctx, n); err != nil {
		log.Printf("[notify] failed to persist notification for %s: %v", userID, err)
		return
	}

	payload, err := envelope.Encode(envelope.EventNewNotification, n)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, bus.UserChannel(userID), payload); err != nil {
		log.Printf("[notify] failed to publish notification for %s: %v", userID, err)
	}
}

var mentionPattern = regexp.MustCompile(`(?i)@[\w.-]+`)

// mentionsUser reports whether content @-mentions userID by word boundary.
// The mention token is matched literally against userID; a display-name
// based match would require a store lookup per candidate and is left to the
// client to resolve into a canonical @userId token before sending.
func mentionsUser(content, userID string) bool {
	for _, match := range mentionPattern.FindAllString(content, -1) {
		if strings.EqualFold(strings.TrimPrefix(match, "@"), userID) {
			return true
		}
	}
	return false
}
