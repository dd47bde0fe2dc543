// Package envelope implements the shared wire-format layer: the
// statically declared event-type union, one decode step at the edge,
// ack/error envelope construction, and per-socket ack-duplicate bookkeeping.
// Decoding happens in two steps: unmarshal the outer frame far enough to
// see "type", then decode the typed payload against validator/v10
// struct-tag validation, rather than any dynamic/runtime schema check.
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

// Client→server event types.
const (
	EventJoinConversation   = "join-conversation"
	EventLeaveConversation  = "leave-conversation"
	EventSendMessage        = "send-message"
	EventEditMessage        = "edit-message"
	EventDeleteMessage      = "delete-message"
	EventMessageReaction    = "message-reaction"
	EventMessageRead        = "message-read"
	EventMessageDelivered   = "message-delivered"
	EventTypingStart        = "typing-start"
	EventTypingStop         = "typing-stop"
	EventStopGeneration     = "stop-generation"
	EventRegenerateResponse = "regenerate-response"
	EventCallInitiate       = "call-initiate"
	EventCallAccept         = "call-accept"
	EventCallReject         = "call-reject"
	EventCallEnd            = "call-end"
	EventCallOffer          = "call-offer"
	EventCallAnswer         = "call-answer"
	EventCallICECandidate   = "call-ice-candidate"
)

// Server→client event types.
const (
	EventNewMessage             = "new-message"
	EventMessageUpdated         = "message-updated"
	EventMessageDeleted         = "message-deleted"
	EventMessageReactionUpdated = "message-reaction-updated"
	EventMessageStatusUpdate    = "message-status-update"
	EventAIStreamStart          = "ai-stream-start"
	EventAIStreamChunk          = "ai-stream-chunk"
	EventAIStreamEnd            = "ai-stream-end"
	EventAIStreamError          = "ai-stream-error"
	EventTyping                 = "typing"
	EventUserOnline             = "user-online"
	EventUserOffline            = "user-offline"
	EventConversationUpdated    = "conversation-updated"
	EventGroupMemberAdded       = "group-member-added"
	EventGroupMemberRemoved     = "group-member-removed"
	EventGroupUpdated           = "group-updated"
	EventCallRinging            = "call-ringing"
	EventCallAccepted           = "call-accepted"
	EventCallRejected           = "call-rejected"
	EventCallEnded              = "call-ended"
	EventNewNotification        = "new-notification"
	EventError                  = "error"
	EventAck                    = "event:ack"
)

// ackRequired is the set of client→server events that get a definite
// event:ack outcome rather than being purely fire-and-forget.
var ackRequired = map[string]bool{
	EventJoinConversation:   true,
	EventLeaveConversation:  true,
	EventCallInitiate:       true,
	EventCallAccept:         true,
	EventCallReject:         true,
	EventCallEnd:            true,
}

// RequiresAck reports whether eventType is expected to receive an
// event:ack response.
func RequiresAck(eventType string) bool { return ackRequired[eventType] }

// Frame is the one shape every inbound and outbound wire message takes:
// {type, data, messageId?}.
type Frame struct {
	Type      string          `json:"type" validate:"required"`
	Data      json.RawMessage `json:"data"`
	MessageID *string         `json:"messageId,omitempty"`
}

var validate = validator.New()

// Decode performs the single decode-at-the-edge step: unmarshal raw into a
// Frame and validate its required fields. Any malformed or schema-invalid
// frame maps to invalid_argument, never a panic or a silently dropped
// message.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "malformed frame: not valid JSON")
	}
	if err := validate.Struct(&f); err != nil {
		return nil, realtimeerr.New(realtimeerr.KindInvalidArgument, "malformed frame: missing required field")
	}
	return &f, nil
}

// DecodeData unmarshals f.Data into v, validating v's own struct tags. This
// is the second half of decoding: Decode establishes the envelope shape,
// DecodeData establishes the per-event payload shape.
func DecodeData(f *Frame, v interface{}) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return realtimeerr.New(realtimeerr.KindInvalidArgument, "malformed payload for event "+f.Type)
	}
	if err := validate.Struct(v); err != nil {
		return realtimeerr.New(realtimeerr.KindInvalidArgument, "payload failed validation for event "+f.Type)
	}
	return nil
}

// Encode marshals an outbound event as a Frame with no messageId.
func Encode(eventType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: eventType, Data: raw})
}

// ackPayload is the data object of an event:ack frame.
type ackPayload struct {
	MessageID string  `json:"messageId"`
	Success   bool    `json:"success"`
	Error     *string `json:"error,omitempty"`
}

// EncodeAck builds the event:ack frame for a successfully handled
// ack-requiring event.
func EncodeAck(messageID string) []byte {
	raw, _ := Encode(EventAck, ackPayload{MessageID: messageID, Success: true})
	return raw
}

// EncodeAckError builds the event:ack frame for a failed ack-requiring
// event, carrying the client-safe error message.
func EncodeAckError(messageID, message string) []byte {
	raw, _ := Encode(EventAck, ackPayload{MessageID: messageID, Success: false, Error: &message})
	return raw
}

// errorPayload is the data object of a standalone error frame (used for
// fire-and-forget events that fail, which have no messageId to ack against).
type errorPayload struct {
	Kind    realtimeerr.Kind `json:"kind"`
	Message string           `json:"message"`
}

// EncodeError builds a standalone error frame.
func EncodeError(err error) []byte {
	kind := realtimeerr.KindOf(err)
	message := err.Error()
	var rerr *realtimeerr.Error
	if errors.As(err, &rerr) {
		message = rerr.Message
	}
	raw, _ := Encode(EventError, errorPayload{Kind: kind, Message: message})
	return raw
}
