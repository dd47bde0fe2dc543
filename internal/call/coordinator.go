// Package call implements the two-party call signaling relay and its
// authoritative state machine.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/qzbxw/realtimecore/internal/authz"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/notify"
	"github.com/qzbxw/realtimecore/internal/realtime"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
	"github.com/qzbxw/realtimecore/internal/telemetry/metrics"
)

// Coordinator owns the live ring/reconnect timers and drives every call
// transition through Store.TransitionCall's CAS.
type Coordinator struct {
	store    store.Store
	registry *realtime.Registry
	notify   *notify.Fanout

	ringTimeout    time.Duration
	reconnectGrace time.Duration

	mu              sync.Mutex
	ringTimers      map[string]*time.Timer // callID -> ring timeout
	reconnectTimers map[string]*time.Timer // userID -> pending ENDED after drop
	reconnectCallID map[string]string      // userID -> callID the grace timer belongs to
}

// New builds a Coordinator.
func New(s store.Store, registry *realtime.Registry, n *notify.Fanout, ringTimeout, reconnectGrace time.Duration) *Coordinator {
	return &Coordinator{
		store:           s,
		registry:        registry,
		notify:          n,
		ringTimeout:     ringTimeout,
		reconnectGrace:  reconnectGrace,
		ringTimers:      make(map[string]*time.Timer),
		reconnectTimers: make(map[string]*time.Timer),
		reconnectCallID: make(map[string]string),
	}
}

// Initiate starts a call, transitioning it INITIATED -> RINGING and
// starting the ring timeout. Store.CreateCall enforces the concurrency
// invariant (user_busy); the shared-conversation check is done by the
// caller (handleCallInitiate) before Initiate runs.
func (c *Coordinator) Initiate(ctx context.Context, callerID, conversationID, calleeID string, callType models.CallType) (*models.Call, error) {
	created, err := c.store.CreateCall(ctx, conversationID, callerID, calleeID, callType)
	if err != nil {
		return nil, err
	}
	ringing, err := c.store.TransitionCall(ctx, created.CallID, models.CallInitiated, models.CallRinging)
	if err != nil {
		return nil, err
	}

	c.emitToParticipants(ringing, envelope.EventCallRinging, ringing)
	c.armRingTimeout(ringing.CallID)
	return ringing, nil
}

func (c *Coordinator) armRingTimeout(callID string) {
	timer := time.AfterFunc(c.ringTimeout, func() {
		ctx := context.Background()
		call, err := c.store.TransitionCall(ctx, callID, models.CallRinging, models.CallMissed)
		c.mu.Lock()
		delete(c.ringTimers, callID)
		c.mu.Unlock()
		if err != nil {
			// already moved on (accepted/rejected/ended) — nothing to do.
			return
		}
		c.emitToParticipants(call, envelope.EventCallEnded, call)
		c.notify.NotifyCallMissed(ctx, call)
	})
	c.mu.Lock()
	c.ringTimers[callID] = timer
	c.mu.Unlock()
}

func (c *Coordinator) cancelRingTimeout(callID string) {
	c.mu.Lock()
	timer, ok := c.ringTimers[callID]
	if ok {
		delete(c.ringTimers, callID)
	}
	c.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Accept implements callee:call-accept, RINGING -> ACTIVE.
func (c *Coordinator) Accept(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != userID {
		return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "only the callee may accept")
	}
	if err := checkTransition(call.State, models.CallActive); err != nil {
		return nil, err
	}
	active, err := c.store.TransitionCall(ctx, callID, models.CallRinging, models.CallActive)
	if err != nil {
		return nil, err
	}
	c.cancelRingTimeout(callID)
	metrics.ActiveCalls.Inc()
	c.emitToParticipants(active, envelope.EventCallAccepted, active)
	return active, nil
}

// Reject implements callee:call-reject, RINGING -> REJECTED (terminal).
func (c *Coordinator) Reject(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != userID {
		return nil, realtimeerr.New(realtimeerr.KindUnauthorized, "only the callee may reject")
	}
	if err := checkTransition(call.State, models.CallRejected); err != nil {
		return nil, err
	}
	rejected, err := c.store.TransitionCall(ctx, callID, models.CallRinging, models.CallRejected)
	if err != nil {
		return nil, err
	}
	c.cancelRingTimeout(callID)
	c.emitToParticipants(rejected, envelope.EventCallRejected, rejected)
	return rejected, nil
}

// End implements either:call-end, RINGING|ACTIVE -> ENDED (terminal).
func (c *Coordinator) End(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := authz.CheckCallParticipant(call, userID); err != nil {
		return nil, err
	}
	if err := checkTransition(call.State, models.CallEnded); err != nil {
		return nil, err
	}
	wasActive := call.State == models.CallActive
	ended, err := c.store.TransitionCall(ctx, callID, call.State, models.CallEnded)
	if err != nil {
		return nil, err
	}
	c.cancelRingTimeout(callID)
	c.clearReconnectGrace(callID)
	if wasActive {
		metrics.ActiveCalls.Dec()
	}
	c.emitToParticipants(ended, envelope.EventCallEnded, ended)
	return ended, nil
}

// relay forwards an opaque signaling payload from sender to the other
// participant, dropping silently (warn + no client error) on an unknown or
// terminal callId.
func (c *Coordinator) relay(ctx context.Context, callID, senderID, eventType string, data interface{}) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		log.Printf("[call] dropping %s for unknown call %s: %v", eventType, callID, err)
		return
	}
	if err := authz.CheckCallParticipant(call, senderID); err != nil {
		log.Printf("[call] dropping %s from non-participant %s on call %s", eventType, senderID, callID)
		return
	}
	if isTerminal(call.State) {
		log.Printf("[call] dropping %s for terminal call %s", eventType, callID)
		return
	}
	peerID := call.CallerID
	if senderID == call.CallerID {
		peerID = call.CalleeID
	}
	payload, err := envelope.Encode(eventType, data)
	if err != nil {
		return
	}
	if err := c.registry.EmitToUser(ctx, peerID, payload); err != nil {
		log.Printf("[call] failed to relay %s to %s: %v", eventType, peerID, err)
	}
}

func (c *Coordinator) RelayOffer(ctx context.Context, senderID string, p OfferPayload) {
	c.relay(ctx, p.CallID, senderID, envelope.EventCallOffer, p)
}

func (c *Coordinator) RelayAnswer(ctx context.Context, senderID string, p AnswerPayload) {
	c.relay(ctx, p.CallID, senderID, envelope.EventCallAnswer, p)
}

func (c *Coordinator) RelayICECandidate(ctx context.Context, senderID string, p ICECandidatePayload) {
	c.relay(ctx, p.CallID, senderID, envelope.EventCallICECandidate, p)
}

// HandleDisconnect applies the disconnect rules: a RINGING call the
// disconnecting user is party to goes straight to MISSED; an ACTIVE call
// gets a reconnectGrace window before ending.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID string) {
	active, err := c.store.GetActiveCallForUser(ctx, userID)
	if err != nil || active == nil {
		return
	}
	switch active.State {
	case models.CallRinging:
		call, err := c.store.TransitionCall(ctx, active.CallID, models.CallRinging, models.CallMissed)
		if err != nil {
			return
		}
		c.cancelRingTimeout(active.CallID)
		c.emitToParticipants(call, envelope.EventCallEnded, call)
		c.notify.NotifyCallMissed(ctx, call)
	case models.CallActive:
		c.armReconnectGrace(active.CallID, userID)
	}
}

func (c *Coordinator) armReconnectGrace(callID, userID string) {
	timer := time.AfterFunc(c.reconnectGrace, func() {
		ctx := context.Background()
		ended, err := c.store.TransitionCall(ctx, callID, models.CallActive, models.CallEnded)
		c.mu.Lock()
		delete(c.reconnectTimers, userID)
		delete(c.reconnectCallID, userID)
		c.mu.Unlock()
		if err != nil {
			return
		}
		metrics.ActiveCalls.Dec()
		c.emitToParticipants(ended, envelope.EventCallEnded, ended)
	})
	c.mu.Lock()
	c.reconnectTimers[userID] = timer
	c.reconnectCallID[userID] = callID
	c.mu.Unlock()
}

// OnUserReconnected cancels any pending disconnect-grace ENDED transition
// for userID. The signaling peer mapping itself is just
// Registry.EmitToUser on the peer's user channel, resolved fresh on every
// relay, so nothing else needs to change.
func (c *Coordinator) OnUserReconnected(userID string) {
	c.mu.Lock()
	timer, ok := c.reconnectTimers[userID]
	if ok {
		delete(c.reconnectTimers, userID)
		delete(c.reconnectCallID, userID)
	}
	c.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (c *Coordinator) clearReconnectGrace(callID string) {
	c.mu.Lock()
	for userID, id := range c.reconnectCallID {
		if id == callID {
			if timer, ok := c.reconnectTimers[userID]; ok {
				timer.Stop()
				delete(c.reconnectTimers, userID)
			}
			delete(c.reconnectCallID, userID)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) emitToParticipants(call *models.Call, eventType string, data interface{}) {
	payload, err := envelope.Encode(eventType, data)
	if err != nil {
		log.Printf("[call] failed to encode %s: %v", eventType, err)
		return
	}
	ctx := context.Background()
	for _, userID := range []string{call.CallerID, call.CalleeID} {
		if err := c.registry.EmitToUser(ctx, userID, payload); err != nil {
			log.Printf("[call] failed to emit %s to %s: %v", eventType, userID, err)
		}
	}
}
