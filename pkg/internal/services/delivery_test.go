package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/ledger"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = uint(1)
	bob   = uint(2)
	eve   = uint(3)
)

var channel = models.ChannelScope(1)

type publishedEvent struct {
	room    string
	event   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(room, event string, payload any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{room: room, event: event, payload: payload})
	return 0
}

func (p *recordingPublisher) PublishToUser(userID uint, event string, payload any) int {
	return p.Publish(models.UserScope(userID).Room(), event, payload)
}

func (p *recordingPublisher) take() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Tick() {
	c.mu.Lock()
	c.now = c.now.Add(time.Second)
	c.mu.Unlock()
}

type fixture struct {
	clock     *fakeClock
	members   *MemoryMembership
	publisher *recordingPublisher
	ledger    *ledger.Ledger
	delivery  *Delivery
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(messages store.Store) store.Store { return messages })
}

func newFixtureWith(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	members := NewMemoryMembership()
	require.NoError(t, members.AddMember(context.Background(), channel, alice))
	require.NoError(t, members.AddMember(context.Background(), channel, bob))

	messages := wrap(store.NewMemoryStore(clock.Now))
	publisher := &recordingPublisher{}
	counters := ledger.NewLedger(messages, ledger.NewMemoryMarkerStore(), publisher, ledger.Config{}, ledger.WithClock(clock.Now))

	return &fixture{
		clock:     clock,
		members:   members,
		publisher: publisher,
		ledger:    counters,
		delivery:  NewDelivery(messages, counters, publisher, members, Config{MaxBodyLength: 16}),
	}
}

func (f *fixture) send(t *testing.T, userID uint, body string) models.Message {
	f.clock.Tick()
	message, err := f.delivery.SendMessage(context.Background(), userID, SendInput{Scope: channel, Body: body})
	require.NoError(t, err)
	return message
}

func (f *fixture) count(t *testing.T, userID uint) int64 {
	count, err := f.delivery.UnreadCount(context.Background(), userID, channel)
	require.NoError(t, err)
	return count
}

func TestDeliveryScenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A sends M1 to C with members A and B.
	m1 := f.send(t, alice, "hello")
	assert.Equal(t, int64(1), f.count(t, bob))
	assert.Equal(t, int64(0), f.count(t, alice))

	events := f.publisher.take()
	require.Len(t, events, 2)
	assert.Equal(t, publishedEvent{room: "channel:1", event: models.EventMessageNew, payload: m1}, events[0])
	assert.Equal(t, "user:2", events[1].room)
	assert.Equal(t, models.EventNotificationDelta, events[1].event)
	delta := events[1].payload.(models.NotificationDeltaPayload)
	assert.Equal(t, int64(1), delta.Count)
	assert.Equal(t, m1.ID, delta.MessageID)

	// B reads, then A sends M2: only M2 counts.
	f.clock.Tick()
	_, err := f.delivery.MarkRead(ctx, bob, channel)
	require.NoError(t, err)
	events = f.publisher.take()
	require.Len(t, events, 1)
	assert.Equal(t, publishedEvent{
		room:    "user:2",
		event:   models.EventNotificationRead,
		payload: models.NotificationReadPayload{Scope: channel},
	}, events[0])

	m2 := f.send(t, alice, "again")
	assert.Equal(t, int64(1), f.count(t, bob))

	// A reacts twice with the same emoji.
	first, err := f.delivery.ReactMessage(ctx, alice, m1.ID, "👍")
	require.NoError(t, err)
	assert.True(t, first.Applied)
	second, err := f.delivery.ReactMessage(ctx, alice, m1.ID, "👍")
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.NotContains(t, second.Reactions, "👍")

	// A deletes the unread M2, a second delete changes nothing.
	f.publisher.take()
	require.NoError(t, f.delivery.DeleteMessage(ctx, alice, m2.ID))
	assert.Equal(t, int64(0), f.count(t, bob))
	assert.ErrorIs(t, f.delivery.DeleteMessage(ctx, alice, m2.ID), store.ErrNotFound)
	assert.Equal(t, int64(0), f.count(t, bob))

	events = f.publisher.take()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventMessageDeleted, events[0].event)
	assert.Equal(t, models.MessageDeletedPayload{MessageID: m2.ID, Scope: channel}, events[0].payload)
	assert.Equal(t, "user:2", events[1].room)
}

func TestDeliveryDeleteOfReadMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m1 := f.send(t, alice, "one")
	f.send(t, alice, "two")
	f.clock.Tick()
	_, _ = f.delivery.MarkRead(ctx, bob, channel)
	f.send(t, alice, "three")

	require.NoError(t, f.delivery.DeleteMessage(ctx, alice, m1.ID))
	assert.Equal(t, int64(1), f.count(t, bob))
}

func TestDeliveryPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m1 := f.send(t, alice, "mine")

	_, err := f.delivery.SendMessage(ctx, eve, SendInput{Scope: channel, Body: "let me in"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.delivery.EditMessage(ctx, bob, m1.ID, EditInput{Body: lo.ToPtr("not yours")})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, f.delivery.DeleteMessage(ctx, bob, m1.ID), ErrForbidden)

	_, err = f.delivery.UnreadCount(ctx, eve, channel)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.delivery.ReactMessage(ctx, eve, m1.ID, "👍")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.delivery.MarkRead(ctx, eve, channel)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeliveryScopeIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m1 := f.send(t, alice, "stay")
	f.publisher.take()

	_, err := f.delivery.EditMessage(ctx, alice, m1.ID, EditInput{Scope: lo.ToPtr(models.ConversationScope(7))})
	assert.ErrorIs(t, err, store.ErrScopeImmutable)
	assert.Empty(t, f.publisher.take())

	edited, err := f.delivery.EditMessage(ctx, alice, m1.ID, EditInput{Body: lo.ToPtr("moved?")})
	require.NoError(t, err)
	assert.Equal(t, channel, edited.Scope())
	assert.True(t, edited.IsEdited)

	events := f.publisher.take()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageEdited, events[0].event)
	assert.Equal(t, int64(1), f.count(t, bob))
}

func TestDeliveryValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]SendInput{
		"empty body":       {Scope: channel, Body: "   "},
		"too long":         {Scope: channel, Body: strings.Repeat("x", 17)},
		"transport scope":  {Scope: models.UserScope(alice), Body: "hi"},
		"missing scope id": {Scope: models.Scope{Kind: models.ScopeChannel}, Body: "hi"},
		"bad attachment":   {Scope: channel, Attachments: []models.Attachment{{Name: "no id"}}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.delivery.SendMessage(ctx, alice, input)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	_, err := f.delivery.SendMessage(ctx, alice, SendInput{
		Scope:       channel,
		Attachments: []models.Attachment{{ID: "file-1", Name: "a.png"}},
	})
	assert.NoError(t, err)

	_, err = f.delivery.SendMessage(ctx, alice, SendInput{Scope: channel, Body: "reply", ReplyID: lo.ToPtr(uint(999))})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.delivery.ReactMessage(ctx, alice, 1, " ")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDeliveryRetriedSendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	input := SendInput{Scope: channel, Uuid: "client-1", Body: "once"}
	first, err := f.delivery.SendMessage(ctx, alice, input)
	require.NoError(t, err)
	f.publisher.take()

	again, err := f.delivery.SendMessage(ctx, alice, input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, f.publisher.take())
	assert.Equal(t, int64(1), f.count(t, bob))

	_, err = f.delivery.SendMessage(ctx, bob, input)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDeliveryTypingAndSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conversation := models.ConversationScope(5)
	require.NoError(t, f.members.AddMember(ctx, conversation, alice))
	require.NoError(t, f.members.AddMember(ctx, conversation, bob))

	require.NoError(t, f.delivery.SetTyping(ctx, alice, channel))
	events := f.publisher.take()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusTyping, events[0].event)
	assert.Equal(t, int64(0), f.count(t, bob))

	f.send(t, alice, "channel")
	f.clock.Tick()
	_, err := f.delivery.SendMessage(ctx, alice, SendInput{Scope: conversation, Body: "dm"})
	require.NoError(t, err)
	f.clock.Tick()
	_, err = f.delivery.SendMessage(ctx, alice, SendInput{Scope: conversation, Body: "dm 2"})
	require.NoError(t, err)

	total, err := f.delivery.TotalUnread(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	summary, total, err := f.delivery.UnreadSummary(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, []ledger.Unread{{Scope: channel, Count: 1}, {Scope: conversation, Count: 2}}, summary)

	messages, err := f.delivery.ListMessages(ctx, bob, conversation, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "dm 2", messages[0].Body)
}

func TestQuickReply(t *testing.T) {
	viper.Set("security.reply_token_secret", "testing-secret")
	viper.Set("security.reply_token_ttl", time.Hour)
	defer viper.Reset()

	ctx := context.Background()
	f := newFixture(t)
	f.delivery.cfg.IssueReplyTokens = true

	m1 := f.send(t, alice, "ping")
	events := f.publisher.take()
	require.Len(t, events, 2)
	token := events[1].payload.(models.NotificationDeltaPayload).ReplyToken
	require.NotEmpty(t, token)

	f.clock.Tick()
	reply, err := f.delivery.QuickReply(ctx, token, m1.ID, "pong", nil)
	require.NoError(t, err)
	assert.Equal(t, bob, reply.SenderID)
	assert.Equal(t, m1.ID, *reply.ReplyID)
	assert.Equal(t, int64(1), f.count(t, alice))

	_, err = f.delivery.QuickReply(ctx, token, m1.ID+1, "wrong", nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.delivery.QuickReply(ctx, "garbage", m1.ID, "nope", nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// pausedStore holds the first Create after it commits until released.
type pausedStore struct {
	store.Store
	once      sync.Once
	committed chan struct{}
	release   chan struct{}
}

func (s *pausedStore) Create(ctx context.Context, message models.Message) (models.Message, error) {
	message, err := s.Store.Create(ctx, message)
	s.once.Do(func() {
		close(s.committed)
		<-s.release
	})
	return message, err
}

func TestDeliveryCountsStayExactDuringSend(t *testing.T) {
	ctx := context.Background()
	readers := map[string]func(f *fixture) (int64, error){
		"unread count": func(f *fixture) (int64, error) {
			return f.delivery.UnreadCount(ctx, bob, channel)
		},
		"total unread": func(f *fixture) (int64, error) {
			return f.delivery.TotalUnread(ctx, bob)
		},
	}
	for name, read := range readers {
		t.Run(name, func(t *testing.T) {
			paused := &pausedStore{committed: make(chan struct{}), release: make(chan struct{})}
			f := newFixtureWith(t, func(messages store.Store) store.Store {
				paused.Store = messages
				return paused
			})

			sent := make(chan error, 1)
			go func() {
				f.clock.Tick()
				_, err := f.delivery.SendMessage(ctx, alice, SendInput{Scope: channel, Body: "hello"})
				sent <- err
			}()
			<-paused.committed

			counted := make(chan int64, 1)
			go func() {
				count, err := read(f)
				assert.NoError(t, err)
				counted <- count
			}()
			select {
			case count := <-counted:
				t.Fatalf("counter was read as %d before the send finished", count)
			case <-time.After(50 * time.Millisecond):
			}

			close(paused.release)
			require.NoError(t, <-sent)
			assert.Equal(t, int64(1), <-counted)
			assert.Equal(t, int64(1), f.count(t, bob))

			drifted, err := f.ledger.Verify(ctx, bob, channel)
			require.NoError(t, err)
			assert.False(t, drifted)
		})
	}
}
