package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/qzbxw/realtimecore/internal/authz"
	"github.com/qzbxw/realtimecore/internal/call"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/router"
	"github.com/qzbxw/realtimecore/internal/telemetry/metrics"
)

// handleFrame is the single entry point every inbound byte slice passes
// through: decode, ack-dedupe, rate limit, dispatch, then ack/error
// response, via a handler table keyed by event type rather than
// per-connection closures.
func (h *WSHandler) handleFrame(ctx context.Context, sess *envelope.Session, raw []byte) {
	frame, err := envelope.Decode(raw)
	if err != nil {
		h.registry.EmitToSocket(sess.Socket, envelope.EncodeError(err))
		return
	}

	if frame.MessageID != nil && !sess.Acks.Seen(*frame.MessageID) {
		return // duplicate retry of an already-handled ack'd event: dropped, not re-acked
	}

	if !h.userRL.Allow(sess.UserID) {
		h.respond(sess, frame, realtimeerr.New(realtimeerr.KindRateLimited, "per-user event rate exceeded"))
		return
	}

	start := time.Now()
	err = h.dispatch(ctx, sess, frame)
	metrics.EventHandlingLatency.WithLabelValues(frame.Type).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.EventsHandled.WithLabelValues(frame.Type, outcome).Inc()

	h.respond(sess, frame, err)
}

func (h *WSHandler) respond(sess *envelope.Session, frame *envelope.Frame, err error) {
	if envelope.RequiresAck(frame.Type) {
		messageID := ""
		if frame.MessageID != nil {
			messageID = *frame.MessageID
		}
		if err != nil {
			message := err.Error()
			var rerr *realtimeerr.Error
			if errors.As(err, &rerr) {
				message = rerr.Message
			}
			h.registry.EmitToSocket(sess.Socket, envelope.EncodeAckError(messageID, message))
		} else {
			h.registry.EmitToSocket(sess.Socket, envelope.EncodeAck(messageID))
		}
		return
	}
	if err != nil {
		h.registry.EmitToSocket(sess.Socket, envelope.EncodeError(err))
	}
}

func (h *WSHandler) dispatch(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	switch frame.Type {
	case envelope.EventJoinConversation:
		return h.handleJoinConversation(ctx, sess, frame)
	case envelope.EventLeaveConversation:
		return h.handleLeaveConversation(ctx, sess, frame)

	case envelope.EventSendMessage:
		var p router.SendMessagePayload
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		if !h.convRL.Allow(p.ConversationID) {
			return realtimeerr.New(realtimeerr.KindRateLimited, "per-conversation event rate exceeded")
		}
		return h.router.HandleSendMessage(ctx, sess, p)

	case envelope.EventEditMessage:
		var p struct {
			ConversationID string `json:"conversationId" validate:"required"`
			router.EditMessagePayload
		}
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		return h.router.HandleEditMessage(ctx, sess, p.ConversationID, p.EditMessagePayload)

	case envelope.EventDeleteMessage:
		var p struct {
			ConversationID string `json:"conversationId" validate:"required"`
			router.DeleteMessagePayload
		}
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		return h.router.HandleDeleteMessage(ctx, sess, p.ConversationID, p.DeleteMessagePayload)

	case envelope.EventMessageReaction:
		var p struct {
			ConversationID string `json:"conversationId" validate:"required"`
			router.MessageReactionPayload
		}
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		return h.router.HandleMessageReaction(ctx, sess, p.ConversationID, p.MessageReactionPayload)

	case envelope.EventMessageRead:
		var p router.MessageReadPayload
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		return h.router.HandleMessageRead(ctx, sess, p)

	case envelope.EventMessageDelivered:
		var p struct {
			ConversationID string `json:"conversationId" validate:"required"`
			router.MessageDeliveredPayload
		}
		if err := envelope.DecodeData(frame, &p); err != nil {
			return err
		}
		return h.router.HandleMessageDelivered(ctx, sess, p.ConversationID, p.MessageDeliveredPayload)

	case envelope.EventTypingStart, envelope.EventTypingStop:
		return h.handleTyping(ctx, sess, frame)

	case envelope.EventStopGeneration:
		return h.handleStopGeneration(ctx, sess, frame)
	case envelope.EventRegenerateResponse:
		return h.handleRegenerateResponse(ctx, sess, frame)

	case envelope.EventCallInitiate:
		return h.handleCallInitiate(ctx, sess, frame)
	case envelope.EventCallAccept:
		return h.handleCallAccept(ctx, sess, frame)
	case envelope.EventCallReject:
		return h.handleCallReject(ctx, sess, frame)
	case envelope.EventCallEnd:
		return h.handleCallEnd(ctx, sess, frame)
	case envelope.EventCallOffer:
		return h.handleCallOffer(ctx, sess, frame)
	case envelope.EventCallAnswer:
		return h.handleCallAnswer(ctx, sess, frame)
	case envelope.EventCallICECandidate:
		return h.handleCallICECandidate(ctx, sess, frame)

	default:
		return realtimeerr.New(realtimeerr.KindInvalidArgument, "unknown event type "+frame.Type)
	}
}

func (h *WSHandler) handleJoinConversation(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, sess.UserID, authz.ActionMember); err != nil {
		return err
	}
	return h.registry.JoinRoom(ctx, sess.Socket, p.ConversationID)
}

func (h *WSHandler) handleLeaveConversation(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	h.registry.LeaveRoom(p.ConversationID, sess.Socket)
	return nil
}

func (h *WSHandler) handleTyping(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, sess.UserID, authz.ActionMember); err != nil {
		return err
	}
	if frame.Type == envelope.EventTypingStart {
		h.presence.TypingStart(ctx, p.ConversationID, sess.UserID)
	} else {
		h.presence.TypingStop(ctx, p.ConversationID, sess.UserID)
	}
	return nil
}

func (h *WSHandler) handleStopGeneration(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, sess.UserID, authz.ActionMember); err != nil {
		return err
	}
	h.ai.StopGeneration(p.ConversationID)
	return nil
}

func (h *WSHandler) handleRegenerateResponse(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, sess.UserID, authz.ActionMember); err != nil {
		return err
	}
	return h.ai.RegenerateResponse(ctx, p.ConversationID, nil)
}

func (h *WSHandler) handleCallInitiate(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		ConversationID string `json:"conversationId" validate:"required"`
		CalleeID       string `json:"calleeId" validate:"required"`
		Type           string `json:"type" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, sess.UserID, authz.ActionMember); err != nil {
		return err
	}
	if _, err := h.gate.Check(ctx, p.ConversationID, p.CalleeID, authz.ActionMember); err != nil {
		return realtimeerr.New(realtimeerr.KindInvalidArgument, "callee does not share this conversation")
	}
	created, err := h.calls.Initiate(ctx, sess.UserID, p.ConversationID, p.CalleeID, models.CallType(p.Type))
	if err != nil {
		return err
	}
	log.Printf("[calls] %s initiated by %s to %s", created.CallID, sess.UserID, p.CalleeID)
	return nil
}

func (h *WSHandler) handleCallAccept(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		CallID string `json:"callId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	_, err := h.calls.Accept(ctx, p.CallID, sess.UserID)
	return err
}

func (h *WSHandler) handleCallReject(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		CallID string `json:"callId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	_, err := h.calls.Reject(ctx, p.CallID, sess.UserID)
	return err
}

func (h *WSHandler) handleCallEnd(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p struct {
		CallID string `json:"callId" validate:"required"`
	}
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	_, err := h.calls.End(ctx, p.CallID, sess.UserID)
	return err
}

func (h *WSHandler) handleCallOffer(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p call.OfferPayload
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	h.calls.RelayOffer(ctx, sess.UserID, p)
	return nil
}

func (h *WSHandler) handleCallAnswer(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p call.AnswerPayload
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	h.calls.RelayAnswer(ctx, sess.UserID, p)
	return nil
}

func (h *WSHandler) handleCallICECandidate(ctx context.Context, sess *envelope.Session, frame *envelope.Frame) error {
	var p call.ICECandidatePayload
	if err := envelope.DecodeData(frame, &p); err != nil {
		return err
	}
	h.calls.RelayICECandidate(ctx, sess.UserID, p)
	return nil
}
