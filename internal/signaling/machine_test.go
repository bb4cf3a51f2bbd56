package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	"github.com/evanigwilo/meet-up-sub001/internal/database/testutil"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	"github.com/evanigwilo/meet-up-sub001/internal/presence"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	"github.com/evanigwilo/meet-up-sub001/internal/services"
)

type fakePresence struct {
	mu     sync.Mutex
	typing []string
	panics bool
}

func (p *fakePresence) Resolve(_ context.Context, userID string) presence.Snapshot {
	if p.panics {
		panic("presence exploded")
	}
	return presence.Snapshot{ID: userID, State: presence.StateNone}
}

func (p *fakePresence) SetTyping(_ context.Context, userID string) error {
	p.mu.Lock()
	p.typing = append(p.typing, userID)
	p.mu.Unlock()
	return nil
}

type fakeConversations struct {
	mu     sync.Mutex
	missed [][2]string
	seen   [][2]string
}

func (f *fakeConversations) SendMissedCall(_ context.Context, callerID, calleeID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missed = append(f.missed, [2]string{callerID, calleeID})
	return &models.Message{FromID: callerID, ToID: calleeID, Body: models.MissedCallBody, Missed: true}, nil
}

func (f *fakeConversations) MarkSeen(_ context.Context, userID, peerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, [2]string{userID, peerID})
	return true, nil
}

func (f *fakeConversations) missedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.missed)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }

type harness struct {
	clock         clockwork.FakeClock
	conns         *realtime.Manager
	presence      *fakePresence
	conversations Conversations
	store         cache.Store
	machine       *Machine
}

func newHarness(t *testing.T, conversations Conversations) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	conns := realtime.NewManager(realtime.WithClock(clock))
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)
	pres := &fakePresence{}
	if conversations == nil {
		conversations = &fakeConversations{}
	}

	machine, err := NewMachine(conns, pres, conversations, store, WithClock(clock))
	require.NoError(t, err)
	return &harness{clock: clock, conns: conns, presence: pres, conversations: conversations, store: store, machine: machine}
}

func (h *harness) connect(t *testing.T, userID string, ttl time.Duration) *realtime.Connection {
	t.Helper()
	c := h.conns.NewConnection(userID, "name-"+userID, h.clock.Now().Add(ttl))
	h.conns.Register(c)
	require.Equal(t, realtime.TypeConnection, next(t, c).Type)
	return c
}

func (h *harness) send(c *realtime.Connection, env realtime.Envelope) {
	h.machine.HandleFrame(context.Background(), c, env)
}

func next(t *testing.T, c *realtime.Connection) realtime.Envelope {
	t.Helper()
	select {
	case env := <-c.Outbound():
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", c.UserID())
		return realtime.Envelope{}
	}
}

func requireSilent(t *testing.T, c *realtime.Connection) {
	t.Helper()
	require.Never(t, func() bool { return len(c.Outbound()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestOfferToOfflineUserRepliesUserOffline(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b", Content: map[string]any{"signal": "sdp"}})

	require.Equal(t, realtime.TypeUserOffline, next(t, caller).Type)
	require.Empty(t, caller.LinkID())
}

func TestOfferFromExpiredCallerIsNeverRelayed(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Minute)
	callee := h.connect(t, "b", time.Hour)

	h.clock.Advance(2 * time.Minute)
	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b", Content: map[string]any{"signal": "sdp"}})

	require.Equal(t, realtime.TypeUnauthenticated, next(t, caller).Type)
	require.Empty(t, callee.Outbound())
	require.Empty(t, callee.LinkID())
	require.False(t, caller.Closed(), "expired connections are answered in band, not closed")
}

func TestOfferToExpiredCalleeIsOffline(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Hour)
	h.connect(t, "b", time.Minute)

	h.clock.Advance(2 * time.Minute)
	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})

	require.Equal(t, realtime.TypeUserOffline, next(t, caller).Type)
}

func TestOfferRelaysSignalAndCallerName(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b", Content: map[string]any{"signal": "sdp-offer"}})

	relayed := next(t, callee)
	require.Equal(t, realtime.TypeCallOffer, relayed.Type)
	require.Equal(t, "a", relayed.From)
	content, ok := relayed.Content.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "sdp-offer", content["signal"])
	require.Equal(t, "name-a", content["name"])

	require.NotEmpty(t, caller.LinkID())
	require.Equal(t, caller.LinkID(), callee.LinkID())
}

func TestOfferToLinkedCalleeIsOffline(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)
	third := h.connect(t, "c", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	next(t, callee)

	h.send(third, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	require.Equal(t, realtime.TypeUserOffline, next(t, third).Type)
	require.Empty(t, callee.Outbound())
}

func TestUserBusyScenario(t *testing.T) {
	conversations := &fakeConversations{}
	h := newHarness(t, conversations)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b", Content: map[string]any{"signal": "sdp"}})
	require.Equal(t, realtime.TypeCallOffer, next(t, callee).Type)

	h.send(callee, realtime.Envelope{Type: realtime.TypeUserBusy, To: "a"})

	busy := next(t, caller)
	require.Equal(t, realtime.TypeUserBusy, busy.Type)
	require.Equal(t, "b", busy.From)
	require.Empty(t, caller.LinkID())
	require.Empty(t, callee.LinkID())

	h.clock.Advance(DefaultCallTimeout)
	requireSilent(t, caller)
	require.Zero(t, conversations.missedCount())
}

func TestNoAnswerScenarioPersistsMissedCall(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	messages, err := services.NewMessageService(db, noopPublisher{})
	require.NoError(t, err)

	h := newHarness(t, messages)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	require.Equal(t, realtime.TypeCallOffer, next(t, callee).Type)

	h.clock.Advance(DefaultCallTimeout - time.Second)
	requireSilent(t, caller)

	h.clock.Advance(time.Second)
	noAnswer := next(t, caller)
	require.Equal(t, realtime.TypeNoAnswer, noAnswer.Type)
	require.Equal(t, "b", noAnswer.From)
	require.Empty(t, caller.LinkID())
	require.Empty(t, callee.LinkID())

	var missed []models.Message
	require.NoError(t, db.Where("missed = ?", true).Find(&missed).Error)
	require.Len(t, missed, 1)
	require.Equal(t, "a", missed[0].FromID)
	require.Equal(t, "b", missed[0].ToID)
	require.Equal(t, models.MissedCallBody, missed[0].Body)

	conversation, err := messages.Conversation(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, missed[0].ID, conversation.MessageID)
}

func TestAnswerBeforeTimeoutSuppressesNoAnswer(t *testing.T) {
	conversations := &fakeConversations{}
	h := newHarness(t, conversations)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	next(t, callee)

	h.send(callee, realtime.Envelope{Type: realtime.TypeAnswerOffer, To: "a", Content: map[string]any{"signal": "sdp-answer"}})
	answer := next(t, caller)
	require.Equal(t, realtime.TypeAnswerOffer, answer.Type)
	require.Equal(t, "b", answer.From)

	h.clock.Advance(DefaultCallTimeout)
	requireSilent(t, caller)
	require.Zero(t, conversations.missedCount())
}

func TestTimeoutDoesNotClearNewerLink(t *testing.T) {
	conversations := &fakeConversations{}
	h := newHarness(t, conversations)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	next(t, callee)
	h.send(caller, realtime.Envelope{Type: realtime.TypeCallCanceled, To: "b"})
	require.Equal(t, realtime.TypeCallCanceled, next(t, callee).Type)

	h.clock.Advance(DefaultCallTimeout / 2)
	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	next(t, callee)
	second := caller.LinkID()

	h.clock.Advance(DefaultCallTimeout / 2)
	requireSilent(t, caller)
	require.Equal(t, second, caller.LinkID())

	h.clock.Advance(DefaultCallTimeout / 2)
	require.Equal(t, realtime.TypeNoAnswer, next(t, caller).Type)
	require.Eventually(t, func() bool { return conversations.missedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSettleWithoutLinkIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "a", time.Hour)
	b := h.connect(t, "b", time.Hour)

	h.send(a, realtime.Envelope{Type: realtime.TypeAnswerOffer, To: "b"})
	require.Empty(t, b.Outbound())
	require.Empty(t, a.Outbound())
}

func TestOnlineRepliesWithPresence(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "a", time.Hour)

	h.send(a, realtime.Envelope{Type: realtime.TypeOnline, Content: map[string]any{"to": "b"}})
	reply := next(t, a)
	require.Equal(t, realtime.TypeOnline, reply.Type)
	require.Equal(t, presence.Snapshot{ID: "b", State: presence.StateNone}, reply.Content)

	h.send(a, realtime.Envelope{Type: realtime.TypeOnline, To: "c"})
	require.Equal(t, "c", next(t, a).Content.(presence.Snapshot).ID)
}

func TestTypingAndSeenConversation(t *testing.T) {
	conversations := &fakeConversations{}
	h := newHarness(t, conversations)
	a := h.connect(t, "a", time.Hour)

	h.send(a, realtime.Envelope{Type: realtime.TypeTyping})
	h.send(a, realtime.Envelope{Type: realtime.TypeSeenConversation, Content: "b"})

	require.Equal(t, []string{"a"}, h.presence.typing)
	require.Equal(t, [][2]string{{"a", "b"}}, conversations.seen)
	require.Empty(t, a.Outbound())
}

func TestUploadFramesReceiveClaim(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "a", time.Hour)
	b := h.connect(t, "b", time.Hour)

	h.send(a, realtime.Envelope{Type: "UPLOAD_IMAGE", To: "b", Content: map[string]any{"size": 42}})

	echoed := next(t, a)
	require.Equal(t, "UPLOAD_IMAGE", echoed.Type)
	require.NotEmpty(t, echoed.ClaimID)
	require.Equal(t, "a", echoed.From)

	forwarded := next(t, b)
	require.Equal(t, echoed.ClaimID, forwarded.ClaimID)

	owner, frameType, ok, err := LookupUploadClaim(context.Background(), h.store, echoed.ClaimID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", owner)
	require.Equal(t, "UPLOAD_IMAGE", frameType)
}

func TestUnknownFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "a", time.Minute)

	h.send(a, realtime.Envelope{Type: "DANCE"})
	h.send(a, realtime.Envelope{Type: realtime.UploadPrefix})
	require.Empty(t, a.Outbound())

	h.clock.Advance(time.Hour)
	h.send(a, realtime.Envelope{Type: "DANCE"})
	require.Empty(t, a.Outbound(), "unknown frames are ignored even for expired sessions")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.presence.panics = true
	a := h.connect(t, "a", time.Hour)

	require.NotPanics(t, func() {
		h.send(a, realtime.Envelope{Type: realtime.TypeOnline, To: "b"})
	})
	require.False(t, a.Closed())
}

func TestOfferWhileInCallRepliesBusy(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)
	other := h.connect(t, "c", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	require.Equal(t, realtime.TypeCallOffer, next(t, callee).Type)
	linkID := caller.LinkID()
	require.NotEmpty(t, linkID)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "c"})

	busy := next(t, caller)
	require.Equal(t, realtime.TypeUserBusy, busy.Type)
	require.Equal(t, "c", busy.To)
	require.Equal(t, linkID, caller.LinkID())
	require.Empty(t, other.LinkID())
	requireSilent(t, other)
}

func TestStopDisarmsPendingCallTimeouts(t *testing.T) {
	conversations := &fakeConversations{}
	h := newHarness(t, conversations)
	caller := h.connect(t, "a", time.Hour)
	callee := h.connect(t, "b", time.Hour)

	h.send(caller, realtime.Envelope{Type: realtime.TypeCallOffer, To: "b"})
	require.Equal(t, realtime.TypeCallOffer, next(t, callee).Type)

	require.Equal(t, 1, h.machine.Stop())

	h.clock.Advance(DefaultCallTimeout)
	requireSilent(t, caller)
	require.Zero(t, conversations.missedCount())

	late := h.connect(t, "c", time.Hour)
	lateCallee := h.connect(t, "d", time.Hour)
	h.send(late, realtime.Envelope{Type: realtime.TypeCallOffer, To: "d"})
	require.Equal(t, realtime.TypeCallOffer, next(t, lateCallee).Type)
	require.Zero(t, h.machine.Stop())

	h.clock.Advance(DefaultCallTimeout)
	requireSilent(t, late)
	require.Zero(t, conversations.missedCount())
}
