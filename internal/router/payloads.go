package router

// Inbound payloads for the events this package handles, decoded via
// envelope.DecodeData after envelope.Decode establishes the frame shape.

type SendMessagePayload struct {
	ConversationID string  `json:"conversationId" validate:"required"`
	Type           string  `json:"type" validate:"required"`
	Content        string  `json:"content" validate:"required,max=16384"`
	ReplyToID      *string `json:"replyToId,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required,max=16384"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type MessageReactionPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}

// MessageReadPayload marks a conversation read up to a given message. When
// UpToMessageID is omitted, the handler resolves it to the conversation's
// most recent message.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UpToMessageID  string `json:"upToMessageId"`
}

type MessageDeliveredPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}
