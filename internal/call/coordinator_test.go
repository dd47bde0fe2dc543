package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/realtimecore/internal/bus"
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/notify"
	"github.com/qzbxw/realtimecore/internal/realtime"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
)

// fakeStore is a minimal in-memory store.Store covering only what the
// Coordinator exercises; every other method panics if reached.
type fakeStore struct {
	calls      map[string]*models.Call
	nextCallID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]*models.Call)}
}

func (f *fakeStore) CreateCall(_ context.Context, conversationID, callerID, calleeID string, callType models.CallType) (*models.Call, error) {
	f.nextCallID++
	c := &models.Call{
		CallID:         "call-" + string(rune('0'+f.nextCallID)),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Type:           callType,
		State:          models.CallInitiated,
		InitiatedAt:    time.Now(),
	}
	f.calls[c.CallID] = c
	return c, nil
}

func (f *fakeStore) GetCall(_ context.Context, callID string) (*models.Call, error) {
	c, ok := f.calls[callID]
	if !ok {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "no such call")
	}
	copy := *c
	return &copy, nil
}

func (f *fakeStore) GetActiveCallForUser(_ context.Context, userID string) (*models.Call, error) {
	for _, c := range f.calls {
		if c.HasParticipant(userID) && !c.IsTerminal() {
			copy := *c
			return &copy, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TransitionCall(_ context.Context, callID string, expected, next models.CallState) (*models.Call, error) {
	c, ok := f.calls[callID]
	if !ok {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "no such call")
	}
	if c.State != expected {
		return nil, realtimeerr.New(realtimeerr.KindInvalidCallState, "state changed underneath us")
	}
	c.State = next
	copy := *c
	return &copy, nil
}

func (f *fakeStore) CreateNotification(context.Context, models.Notification) error { return nil }

func (f *fakeStore) CreateConversation(context.Context, models.ConversationType, string, []string, *string) (*models.Conversation, error) {
	panic("not used by call tests")
}
func (f *fakeStore) GetConversation(context.Context, string) (*models.Conversation, error) {
	panic("not used by call tests")
}
func (f *fakeStore) AppendMessage(context.Context, store.NewMessageInput) (*models.Message, error) {
	panic("not used by call tests")
}
func (f *fakeStore) EditMessage(context.Context, string, string, string) (*models.Message, error) {
	panic("not used by call tests")
}
func (f *fakeStore) DeleteMessage(context.Context, string, string) error {
	panic("not used by call tests")
}
func (f *fakeStore) GetMessage(context.Context, string) (*models.Message, error) {
	panic("not used by call tests")
}
func (f *fakeStore) ListHistory(context.Context, string, *time.Time, int) ([]models.Message, error) {
	panic("not used by call tests")
}
func (f *fakeStore) FindLastAIResponse(context.Context, string) (*models.Message, error) {
	panic("not used by call tests")
}
func (f *fakeStore) TombstoneMessage(context.Context, string) error {
	panic("not used by call tests")
}
func (f *fakeStore) ToggleReaction(context.Context, string, string, string) ([]models.ReactionSummary, error) {
	panic("not used by call tests")
}
func (f *fakeStore) MarkRead(context.Context, string, string, time.Time) (time.Time, error) {
	panic("not used by call tests")
}
func (f *fakeStore) GetMembership(context.Context, string, string) (*models.Membership, error) {
	panic("not used by call tests")
}
func (f *fakeStore) ListMembers(context.Context, string) ([]models.Membership, error) {
	panic("not used by call tests")
}
func (f *fakeStore) ListUnreadNotifications(context.Context, string, int) ([]models.Notification, error) {
	panic("not used by call tests")
}
func (f *fakeStore) UpsertUserMirror(context.Context, models.User) error {
	panic("not used by call tests")
}
func (f *fakeStore) GetUser(context.Context, string) (*models.User, error) {
	panic("not used by call tests")
}
func (f *fakeStore) UpdateLastSeen(context.Context, string, time.Time) error {
	panic("not used by call tests")
}
func (f *fakeStore) ListConversationsForUser(context.Context, string) ([]string, error) {
	panic("not used by call tests")
}
func (f *fakeStore) Close() error { panic("not used by call tests") }

func newCoordinator(t *testing.T, s *fakeStore) *Coordinator {
	t.Helper()
	b := bus.NewLocal()
	registry := realtime.NewRegistry(b)
	fanout := notify.New(b, s, registry)
	return New(s, registry, fanout, time.Hour, time.Hour)
}

func TestInitiate_MovesToRinging(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)

	call, err := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, models.CallRinging, call.State)
}

func TestAccept_OnlyCalleeMayAccept(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, err := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallVideo)
	require.NoError(t, err)

	_, err = c.Accept(context.Background(), call.CallID, "caller")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthorized, realtimeerr.KindOf(err))

	active, err := c.Accept(context.Background(), call.CallID, "callee")
	require.NoError(t, err)
	assert.Equal(t, models.CallActive, active.State)
}

func TestAccept_RejectedCallCannotBeAccepted(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, _ := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)

	_, err := c.Reject(context.Background(), call.CallID, "callee")
	require.NoError(t, err)

	_, err = c.Accept(context.Background(), call.CallID, "callee")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindInvalidCallState, realtimeerr.KindOf(err))
}

func TestEnd_RequiresParticipant(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, _ := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)
	_, _ = c.Accept(context.Background(), call.CallID, "callee")

	_, err := c.End(context.Background(), call.CallID, "stranger")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthorized, realtimeerr.KindOf(err))

	ended, err := c.End(context.Background(), call.CallID, "caller")
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, ended.State)
}

func TestEnd_AlreadyEndedCallIsRejected(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, _ := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)
	_, _ = c.Accept(context.Background(), call.CallID, "callee")
	_, err := c.End(context.Background(), call.CallID, "caller")
	require.NoError(t, err)

	_, err = c.End(context.Background(), call.CallID, "caller")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindInvalidCallState, realtimeerr.KindOf(err))
}

func TestRelay_DropsSilentlyForTerminalCall(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, _ := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)
	_, _ = c.Reject(context.Background(), call.CallID, "callee")

	// Relay must not panic or block on a terminal call; it just drops.
	c.RelayOffer(context.Background(), "caller", OfferPayload{CallID: call.CallID, Offer: "sdp"})
}

func TestHandleDisconnect_RingingGoesToMissed(t *testing.T) {
	s := newFakeStore()
	c := newCoordinator(t, s)
	call, _ := c.Initiate(context.Background(), "caller", "conv-1", "callee", models.CallAudio)

	c.HandleDisconnect(context.Background(), "callee")

	got, err := s.GetCall(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallMissed, got.State)
}
