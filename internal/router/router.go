// Package router implements the message router: send/edit/delete/react
// and read/delivered receipts, persisted via the store and broadcast via
// the connection registry, each conversation's append-then-emit pair
// serialized by its actor to guarantee ordering.
package router

import (
	"context"
	"log"
	"regexp"

	"github.com/qzbxw/realtimecore/internal/authz"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/notify"
	"github.com/qzbxw/realtimecore/internal/realtime"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
)

// aiTrigger matches a standalone "@AI" token, case-insensitively, with a
// word-boundary requirement so "@AIbot" does not trigger.
var aiTrigger = regexp.MustCompile(`(?i)(^|\s)@AI(\s|$)`)

// AIEnqueuer is the narrow AI-streaming surface the router needs to start
// a turn.
type AIEnqueuer interface {
	EnqueueTurn(ctx context.Context, conversationID string, systemPrompt *string) error
}

// Dispatcher handles the six message-routing inbound events.
type Dispatcher struct {
	gate     *authz.Gate
	store    store.Store
	registry *realtime.Registry
	notify   *notify.Fanout
	ai       AIEnqueuer
	actors   *Manager
}

// New builds a Dispatcher backed by its own actor Manager.
func New(gate *authz.Gate, s store.Store, registry *realtime.Registry, n *notify.Fanout, ai AIEnqueuer, actors *Manager) *Dispatcher {
	return &Dispatcher{gate: gate, store: s, registry: registry, notify: n, ai: ai, actors: actors}
}

// Handle authorizes sess.UserID against conversationID for action, then
// submits fn to that conversation's actor. Denials are reported to the
// caller synchronously and never reach the actor queue.
func (d *Dispatcher) Handle(ctx context.Context, sess *envelope.Session, conversationID string, action authz.Action, fn func(ctx context.Context)) error {
	if _, err := d.gate.Check(ctx, conversationID, sess.UserID, action); err != nil {
		return err
	}
	d.actors.Submit(conversationID, func() { fn(ctx) })
	return nil
}

// HandleSendMessage persists and broadcasts a new message, optionally
// triggering an AI turn.
func (d *Dispatcher) HandleSendMessage(ctx context.Context, sess *envelope.Session, p SendMessagePayload) error {
	return d.Handle(ctx, sess, p.ConversationID, authz.ActionMember, func(ctx context.Context) {
		senderID := sess.UserID
		msg, err := d.store.AppendMessage(ctx, store.NewMessageInput{
			ConversationID: p.ConversationID,
			SenderID:       &senderID,
			Type:           models.MessageType(p.Type),
			Content:        p.Content,
			ReplyToID:      p.ReplyToID,
		})
		if err != nil {
			d.emitError(sess, err)
			return
		}

		d.emitRoom(ctx, p.ConversationID, envelope.EventNewMessage, msg)
		d.notify.NotifyNewMessage(ctx, p.ConversationID, msg)
		d.maybeTriggerAI(ctx, sess, p.ConversationID, msg.Content)
	})
}

func (d *Dispatcher) maybeTriggerAI(ctx context.Context, sess *envelope.Session, conversationID, content string) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Printf("[router] failed to load conversation %s for AI trigger check: %v", conversationID, err)
		return
	}
	if conv.Type != models.ConversationAIChat && !aiTrigger.MatchString(content) {
		return
	}
	if err := d.ai.EnqueueTurn(ctx, conversationID, conv.SystemPrompt); err != nil {
		if realtimeerr.KindOf(err) == realtimeerr.KindAIStreamBusy {
			d.emitError(sess, err)
			return
		}
		log.Printf("[router] failed to enqueue AI turn for %s: %v", conversationID, err)
	}
}

// HandleEditMessage edits a message and re-broadcasts the updated form.
func (d *Dispatcher) HandleEditMessage(ctx context.Context, sess *envelope.Session, conversationID string, p EditMessagePayload) error {
	return d.Handle(ctx, sess, conversationID, authz.ActionMember, func(ctx context.Context) {
		msg, err := d.store.EditMessage(ctx, p.MessageID, sess.UserID, p.Content)
		if err != nil {
			d.emitError(sess, err)
			return
		}
		d.emitRoom(ctx, conversationID, envelope.EventMessageUpdated, msg)
	})
}

// HandleDeleteMessage deletes a message. A non-owning sender without
// ADMIN/OWNER is rejected by Store.DeleteMessage itself, so this only needs
// conversation membership at the gate.
func (d *Dispatcher) HandleDeleteMessage(ctx context.Context, sess *envelope.Session, conversationID string, p DeleteMessagePayload) error {
	return d.Handle(ctx, sess, conversationID, authz.ActionMember, func(ctx context.Context) {
		if err := d.store.DeleteMessage(ctx, p.MessageID, sess.UserID); err != nil {
			d.emitError(sess, err)
			return
		}
		d.emitRoom(ctx, conversationID, envelope.EventMessageDeleted, map[string]string{"messageId": p.MessageID})
	})
}

// HandleMessageReaction toggles a reaction and re-broadcasts the
// aggregated reaction summary.
func (d *Dispatcher) HandleMessageReaction(ctx context.Context, sess *envelope.Session, conversationID string, p MessageReactionPayload) error {
	return d.Handle(ctx, sess, conversationID, authz.ActionMember, func(ctx context.Context) {
		summaries, err := d.store.ToggleReaction(ctx, p.MessageID, sess.UserID, p.Emoji)
		if err != nil {
			d.emitError(sess, err)
			return
		}
		d.emitRoom(ctx, conversationID, envelope.EventMessageReactionUpdated, map[string]interface{}{
			"messageId": p.MessageID,
			"reactions": summaries,
		})
	})
}

// HandleMessageRead records a read receipt and broadcasts the resulting
// aggregate message status.
func (d *Dispatcher) HandleMessageRead(ctx context.Context, sess *envelope.Session, p MessageReadPayload) error {
	return d.Handle(ctx, sess, p.ConversationID, authz.ActionMember, func(ctx context.Context) {
		var msg *models.Message
		var err error
		if p.UpToMessageID == "" {
			recent, histErr := d.store.ListHistory(ctx, p.ConversationID, nil, 1)
			if histErr != nil {
				d.emitError(sess, histErr)
				return
			}
			if len(recent) == 0 {
				return
			}
			msg = &recent[len(recent)-1]
		} else {
			msg, err = d.store.GetMessage(ctx, p.UpToMessageID)
			if err != nil {
				d.emitError(sess, err)
				return
			}
		}
		if _, err := d.store.MarkRead(ctx, p.ConversationID, sess.UserID, msg.CreatedAt); err != nil {
			d.emitError(sess, err)
			return
		}
		d.emitStatusUpdate(ctx, p.ConversationID, msg)
	})
}

// HandleMessageDelivered records a delivery acknowledgment. It is
// ephemeral live state: tracked only in the conversation actor for the
// current process lifetime, not persisted.
func (d *Dispatcher) HandleMessageDelivered(ctx context.Context, sess *envelope.Session, conversationID string, p MessageDeliveredPayload) error {
	return d.Handle(ctx, sess, conversationID, authz.ActionMember, func(ctx context.Context) {
		msg, err := d.store.GetMessage(ctx, p.MessageID)
		if err != nil {
			d.emitError(sess, err)
			return
		}
		d.actors.actorFor(conversationID).markDelivered(p.MessageID, sess.UserID)
		d.emitStatusUpdate(ctx, conversationID, msg)
	})
}

func (d *Dispatcher) emitStatusUpdate(ctx context.Context, conversationID string, msg *models.Message) {
	members, err := d.store.ListMembers(ctx, conversationID)
	if err != nil {
		log.Printf("[router] failed to list members of %s for status update: %v", conversationID, err)
		return
	}
	delivered := d.actors.actorFor(conversationID).deliveredSet(msg.MessageID)
	status := aggregateStatus(msg, members, delivered)
	d.emitRoom(ctx, conversationID, envelope.EventMessageStatusUpdate, map[string]interface{}{
		"messageId": msg.MessageID,
		"status":    status,
	})
}

func (d *Dispatcher) emitRoom(ctx context.Context, conversationID, eventType string, data interface{}) {
	payload, err := envelope.Encode(eventType, data)
	if err != nil {
		log.Printf("[router] failed to encode %s: %v", eventType, err)
		return
	}
	if err := d.registry.EmitToRoom(ctx, conversationID, payload); err != nil {
		log.Printf("[router] failed to emit %s to conversation %s: %v", eventType, conversationID, err)
	}
}

func (d *Dispatcher) emitError(sess *envelope.Session, err error) {
	d.registry.EmitToSocket(sess.Socket, envelope.EncodeError(err))
}
