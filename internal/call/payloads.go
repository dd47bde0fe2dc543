package call

// Inbound payloads for the call signaling event vocabulary.

type InitiatePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	CalleeID       string `json:"calleeId" validate:"required"`
	Type           string `json:"type" validate:"required,oneof=AUDIO VIDEO"`
}

type CallIDPayload struct {
	CallID string `json:"callId" validate:"required"`
}

type OfferPayload struct {
	CallID string `json:"callId" validate:"required"`
	Offer  string `json:"offer" validate:"required"`
}

type AnswerPayload struct {
	CallID string `json:"callId" validate:"required"`
	Answer string `json:"answer" validate:"required"`
}

type ICECandidatePayload struct {
	CallID    string `json:"callId" validate:"required"`
	Candidate string `json:"candidate" validate:"required"`
}
