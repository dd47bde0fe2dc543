package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
	"github.com/qzbxw/realtimecore/internal/store"
)

// fakeStore implements store.Store with only GetMembership wired; every
// other method is unreachable from the Gate and panics if called.
type fakeStore struct {
	memberships map[string]*models.Membership // key: conversationID+"/"+userID
}

func (f *fakeStore) GetMembership(_ context.Context, conversationID, userID string) (*models.Membership, error) {
	m, ok := f.memberships[conversationID+"/"+userID]
	if !ok {
		return nil, realtimeerr.New(realtimeerr.KindNotFound, "not a member")
	}
	return m, nil
}

func (f *fakeStore) CreateConversation(context.Context, models.ConversationType, string, []string, *string) (*models.Conversation, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) GetConversation(context.Context, string) (*models.Conversation, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) AppendMessage(context.Context, store.NewMessageInput) (*models.Message, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) EditMessage(context.Context, string, string, string) (*models.Message, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) DeleteMessage(context.Context, string, string) error {
	panic("not used by authz tests")
}
func (f *fakeStore) GetMessage(context.Context, string) (*models.Message, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) ListHistory(context.Context, string, *time.Time, int) ([]models.Message, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) FindLastAIResponse(context.Context, string) (*models.Message, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) TombstoneMessage(context.Context, string) error {
	panic("not used by authz tests")
}
func (f *fakeStore) ToggleReaction(context.Context, string, string, string) ([]models.ReactionSummary, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) MarkRead(context.Context, string, string, time.Time) (time.Time, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) ListMembers(context.Context, string) ([]models.Membership, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) CreateCall(context.Context, string, string, string, models.CallType) (*models.Call, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) GetCall(context.Context, string) (*models.Call, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) GetActiveCallForUser(context.Context, string) (*models.Call, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) TransitionCall(context.Context, string, models.CallState, models.CallState) (*models.Call, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) CreateNotification(context.Context, models.Notification) error {
	panic("not used by authz tests")
}
func (f *fakeStore) ListUnreadNotifications(context.Context, string, int) ([]models.Notification, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) UpsertUserMirror(context.Context, models.User) error {
	panic("not used by authz tests")
}
func (f *fakeStore) GetUser(context.Context, string) (*models.User, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) UpdateLastSeen(context.Context, string, time.Time) error {
	panic("not used by authz tests")
}
func (f *fakeStore) ListConversationsForUser(context.Context, string) ([]string, error) {
	panic("not used by authz tests")
}
func (f *fakeStore) Close() error { panic("not used by authz tests") }

func newFakeStore() *fakeStore {
	return &fakeStore{memberships: make(map[string]*models.Membership)}
}

func (f *fakeStore) addMember(conversationID, userID string, role models.MemberRole) {
	f.memberships[conversationID+"/"+userID] = &models.Membership{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
	}
}

func TestGate_Check_MemberActionAllowsAnyRole(t *testing.T) {
	s := newFakeStore()
	s.addMember("c1", "u1", models.RoleMember)
	gate := NewGate(s)

	m, err := gate.Check(context.Background(), "c1", "u1", ActionMember)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, m.Role)
}

func TestGate_Check_NonMemberDenied(t *testing.T) {
	s := newFakeStore()
	gate := NewGate(s)

	_, err := gate.Check(context.Background(), "c1", "ghost", ActionMember)
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindNotFound, realtimeerr.KindOf(err))
}

func TestGate_Check_PrivilegedActionRequiresAdminOrOwner(t *testing.T) {
	s := newFakeStore()
	s.addMember("c1", "u1", models.RoleMember)
	gate := NewGate(s)

	_, err := gate.Check(context.Background(), "c1", "u1", ActionManageMembers)
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthorized, realtimeerr.KindOf(err))
}

func TestGate_Check_PrivilegedActionAllowsAdminAndOwner(t *testing.T) {
	s := newFakeStore()
	s.addMember("c1", "owner", models.RoleOwner)
	s.addMember("c1", "admin", models.RoleAdmin)
	gate := NewGate(s)

	_, err := gate.Check(context.Background(), "c1", "owner", ActionDeleteConversation)
	assert.NoError(t, err)
	_, err = gate.Check(context.Background(), "c1", "admin", ActionManageMembers)
	assert.NoError(t, err)
}

func TestCheckCallParticipant(t *testing.T) {
	call := &models.Call{CallerID: "caller", CalleeID: "callee"}
	assert.NoError(t, CheckCallParticipant(call, "caller"))
	assert.NoError(t, CheckCallParticipant(call, "callee"))

	err := CheckCallParticipant(call, "stranger")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthorized, realtimeerr.KindOf(err))
}
