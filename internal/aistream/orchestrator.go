package aistream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qzbxw/realtimecore/internal/bus"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
	"github.com/qzbxw/realtimecore/internal/telemetry/metrics"
)

// slot is the single in-flight stream a conversation may have: a
// cancellation registration keyed per conversation rather than per user,
// carrying the assigned messageId and a cancellation reason.
type slot struct {
	messageID      string
	cancel         context.CancelFunc
	canceledByUser bool
}

// NotificationSink is the narrow notification surface Orchestrator needs.
type NotificationSink interface {
	NotifyAIComplete(ctx context.Context, conversationID, userID, content string)
}

// Orchestrator owns the one-slot-per-conversation busy enforcement and
// drives each stream from provider to persisted message.
type Orchestrator struct {
	provider Provider
	store    store.Store
	bus      bus.Bus
	notify   NotificationSink

	wallClockCap time.Duration
	idleReadCap  time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

// New builds an Orchestrator.
func New(provider Provider, s store.Store, b bus.Bus, notify NotificationSink, wallClockCap, idleReadCap time.Duration) *Orchestrator {
	return &Orchestrator{
		provider:     provider,
		store:        s,
		bus:          b,
		notify:       notify,
		wallClockCap: wallClockCap,
		idleReadCap:  idleReadCap,
		slots:        make(map[string]*slot),
	}
}

// EnqueueTurn starts a new AI turn for conversationID if none is active,
// assigning the response's messageId up front. Returns ai_stream_busy if a
// stream is already STREAMING for this conversation.
func (o *Orchestrator) EnqueueTurn(ctx context.Context, conversationID string, systemPrompt *string) error {
	runCtx, cancel := context.WithCancel(context.Background())
	messageID := uuid.NewString()

	o.mu.Lock()
	if _, busy := o.slots[conversationID]; busy {
		o.mu.Unlock()
		cancel()
		return realtimeerr.New(realtimeerr.KindAIStreamBusy, "an AI response is already streaming for this conversation")
	}
	o.slots[conversationID] = &slot{messageID: messageID, cancel: cancel}
	o.mu.Unlock()
	metrics.ActiveAIStreams.Inc()

	history, err := o.store.ListHistory(ctx, conversationID, nil, 50)
	if err != nil {
		o.clearSlot(conversationID)
		return err
	}

	go o.run(runCtx, conversationID, messageID, systemPrompt, contextFrom(history))
	return nil
}

func contextFrom(history []models.Message) []ContextMessage {
	out := make([]ContextMessage, 0, len(history))
	for _, m := range history {
		if m.IsDeleted {
			continue
		}
		role := "user"
		if m.Type == models.MessageAIResponse {
			role = "assistant"
		} else if m.Type == models.MessageSystem {
			role = "system"
		}
		out = append(out, ContextMessage{Role: role, Content: m.Content})
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, conversationID, messageID string, systemPrompt *string, history []ContextMessage) {
	defer o.clearSlot(conversationID)
	defer metrics.ActiveAIStreams.Dec()

	wallCtx, cancelWall := context.WithTimeout(ctx, o.wallClockCap)
	defer cancelWall()

	var prompt string
	if systemPrompt != nil {
		prompt = *systemPrompt
	}

	chunks, err := o.provider.Stream(wallCtx, history, prompt)
	if err != nil {
		o.emitStreamError(ctx, conversationID, "provider unavailable")
		return
	}

	o.emit(ctx, conversationID, envelope.EventAIStreamStart, map[string]interface{}{"messageId": messageID})

	var content []byte
	idleTimer := time.NewTimer(o.idleReadCap)
	defer idleTimer.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if wallCtx.Err() != nil {
					o.handleTermination(ctx, conversationID, "wall-clock timeout exceeded")
					return
				}
				o.finish(ctx, conversationID, messageID, string(content))
				return
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(o.idleReadCap)

			if chunk.Err != nil {
				log.Printf("[aistream] provider error in conversation %s: %v", conversationID, chunk.Err)
				o.emitStreamError(ctx, conversationID, "provider error")
				return
			}
			content = append(content, chunk.Text...)
			o.emit(ctx, conversationID, envelope.EventAIStreamChunk, map[string]interface{}{
				"messageId": messageID,
				"chunk":     chunk.Text,
			})

		case <-idleTimer.C:
			o.handleTermination(ctx, conversationID, "provider idle timeout")
			return

		case <-wallCtx.Done():
			o.handleTermination(ctx, conversationID, "wall-clock timeout exceeded")
			return
		}
	}
}

// handleTermination distinguishes a user-requested stop-generation
// (emitted as ai-stream-error{reason:"cancelled"}) from any
// other context termination (timeout), which is also reported as an error
// since no assembled content is safe to persist mid-stream.
func (o *Orchestrator) handleTermination(ctx context.Context, conversationID, reason string) {
	o.mu.Lock()
	s := o.slots[conversationID]
	canceledByUser := s != nil && s.canceledByUser
	o.mu.Unlock()

	if canceledByUser {
		o.emitStreamError(ctx, conversationID, "cancelled")
		return
	}
	o.emitStreamError(ctx, conversationID, reason)
}

func (o *Orchestrator) finish(ctx context.Context, conversationID, messageID, content string) {
	msg, err := o.store.AppendMessage(ctx, store.NewMessageInput{
		ConversationID: conversationID,
		SenderID:       nil,
		Type:           models.MessageAIResponse,
		Content:        content,
	})
	if err != nil {
		log.Printf("[aistream] failed to persist AI_RESPONSE for %s: %v", conversationID, err)
		o.emitStreamError(ctx, conversationID, "failed to persist response")
		return
	}

	o.emit(ctx, conversationID, envelope.EventAIStreamEnd, map[string]interface{}{
		"messageId":   messageID,
		"fullContent": content,
	})
	o.emit(ctx, conversationID, envelope.EventNewMessage, msg)

	if o.notify != nil {
		members, err := listMemberIDs(ctx, o.store, conversationID)
		if err == nil {
			for _, userID := range members {
				o.notify.NotifyAIComplete(ctx, conversationID, userID, content)
			}
		}
	}
}

func listMemberIDs(ctx context.Context, s store.Store, conversationID string) ([]string, error) {
	members, err := s.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// StopGeneration cancels the active stream for conversationID, if any. It
// is a no-op (not an error) for a conversation with no active stream.
func (o *Orchestrator) StopGeneration(conversationID string) {
	o.mu.Lock()
	s := o.slots[conversationID]
	if s != nil {
		s.canceledByUser = true
		s.cancel()
	}
	o.mu.Unlock()
}

// RegenerateResponse tombstones the last AI_RESPONSE in conversationID and
// enqueues a fresh turn from the message history that precedes it. Only
// callers who have already passed the membership check may invoke this.
func (o *Orchestrator) RegenerateResponse(ctx context.Context, conversationID string, systemPrompt *string) error {
	last, err := o.store.FindLastAIResponse(ctx, conversationID)
	if err != nil {
		return err
	}
	if last == nil {
		return realtimeerr.New(realtimeerr.KindNotFound, "no AI response to regenerate")
	}
	if err := o.store.TombstoneMessage(ctx, last.MessageID); err != nil {
		return err
	}
	return o.EnqueueTurn(ctx, conversationID, systemPrompt)
}

func (o *Orchestrator) clearSlot(conversationID string) {
	o.mu.Lock()
	delete(o.slots, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ctx context.Context, conversationID, eventType string, data interface{}) {
	payload, err := envelope.Encode(eventType, data)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, bus.RoomChannel(conversationID), payload); err != nil {
		log.Printf("[aistream] failed to publish %s for %s: %v", eventType, conversationID, err)
	}
}

func (o *Orchestrator) emitStreamError(ctx context.Context, conversationID, reason string) {
	o.emit(ctx, conversationID, envelope.EventAIStreamError, map[string]interface{}{"reason": reason})
}
