package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"announcements-notifier/lifecycle"
	"announcements-notifier/members"
	"announcements-notifier/pkg/notifier"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type fakePosts struct {
	recorded []*notifier.Event
	err      error
}

func (p *fakePosts) RecordPost(_ context.Context, ev *notifier.Event) error {
	if p.err != nil {
		return p.err
	}
	p.recorded = append(p.recorded, ev)
	return nil
}

type membershipCall struct {
	subscribe bool
	user      notifier.UserID
	postID    string
}

type fakeMembers struct {
	calls []membershipCall
	err   error
}

func (m *fakeMembers) Subscribe(_ context.Context, user notifier.UserID, postID string) error {
	m.calls = append(m.calls, membershipCall{true, user, postID})
	return m.err
}

func (m *fakeMembers) Unsubscribe(_ context.Context, user notifier.UserID, postID string) error {
	m.calls = append(m.calls, membershipCall{false, user, postID})
	return m.err
}

type fakeBus struct {
	published []lifecycle.Event
	err       error
}

func (b *fakeBus) Publish(_ context.Context, ev lifecycle.Event) error {
	b.published = append(b.published, ev)
	return b.err
}

type fixture struct {
	posts    *fakePosts
	members  *fakeMembers
	bus      *fakeBus
	consumer *Consumer
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		posts:   &fakePosts{},
		members: &fakeMembers{},
		bus:     &fakeBus{},
	}
	h := NewHandlers(f.posts, f.members, f.bus, logger)
	f.consumer = NewConsumer(&Settings{ExchangeName: "board", ExchangeType: "topic", QueueName: "notifier"}, h.Routes(), logger)
	return f
}

func (f *fixture) dispatch(key, body string) *fakeAcknowledger {
	ack := &fakeAcknowledger{}
	f.consumer.Dispatch(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   key,
		DeliveryTag:  1,
		Body:         []byte(body),
	})
	return ack
}

const postBody = `{
	"post_id": "p2",
	"thread_id": "t1",
	"container_id": "home",
	"author_id": 7,
	"author_name": "Alice",
	"title": "RE: Welcome",
	"thread_title": "Welcome",
	"body": "<p>hi</p>",
	"created": "2025-03-03T10:00:00Z"
}`

func TestPostInsertedRecordsEvent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()

	ack := f.dispatch(KeyPostInserted, postBody)
	assert.True(ack.acked)
	require.Len(t, f.posts.recorded, 1)

	ev := f.posts.recorded[0]
	assert.Equal("p2", ev.PostID)
	assert.Equal("t1", ev.ThreadID)
	assert.Equal("home", ev.ContainerID)
	assert.Equal(notifier.UserID(7), ev.AuthorID)
	assert.Equal("Welcome", ev.ThreadTitle)
	assert.True(ev.Created.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)))
	assert.NotEmpty(ev.ID)
}

func TestPostInsertedIDIsStableAcrossRedelivery(t *testing.T) {
	f := newFixture()
	f.dispatch(KeyPostInserted, postBody)
	f.dispatch(KeyPostInserted, postBody)

	require.Len(t, f.posts.recorded, 2)
	assert.Equal(t, f.posts.recorded[0].ID, f.posts.recorded[1].ID)
}

func TestPostInsertedKeepsSuppliedID(t *testing.T) {
	f := newFixture()
	f.dispatch(KeyPostInserted, `{"id":"ev-1","post_id":"t9","thread_id":"t9","container_id":"home","author_id":3,"title":"Hello","created":"2025-03-03T10:00:00Z"}`)

	require.Len(t, f.posts.recorded, 1)
	assert.Equal(t, "ev-1", f.posts.recorded[0].ID)
	assert.Equal(t, "Hello", f.posts.recorded[0].ThreadTitle)
}

func TestPostInsertedMalformedIsDropped(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"post_id":`},
		{"missing post id", `{"thread_id":"t1","container_id":"home","author_id":7,"created":"2025-03-03T10:00:00Z"}`},
		{"missing created", `{"post_id":"p2","thread_id":"t1","container_id":"home","author_id":7}`},
		{"bad author", `{"post_id":"p2","thread_id":"t1","container_id":"home","author_id":0,"created":"2025-03-03T10:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ack := f.dispatch(KeyPostInserted, tt.body)
			assert.True(t, ack.nacked)
			assert.False(t, ack.requeue)
			assert.Empty(t, f.posts.recorded)
		})
	}
}

func TestPostInsertedStoreFailureIsRequeued(t *testing.T) {
	f := newFixture()
	f.posts.err = errors.New("connection refused")

	ack := f.dispatch(KeyPostInserted, postBody)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestMembershipRouting(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()

	assert.True(f.dispatch(KeyThreadSubscribe, `{"user_id":5,"post_id":"p2"}`).acked)
	assert.True(f.dispatch(KeyThreadUnsubscribe, `{"user_id":5,"post_id":"t1"}`).acked)

	assert.Equal([]membershipCall{
		{subscribe: true, user: 5, postID: "p2"},
		{subscribe: false, user: 5, postID: "t1"},
	}, f.members.calls)
}

func TestMembershipErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		requeue bool
	}{
		{"permission denied", notifier.ErrPermissionDenied, false},
		{"unknown thread", members.ErrThreadNotFound, false},
		{"store failure", notifier.Persistence("insert member", errors.New("timeout")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.members.err = tt.err
			ack := f.dispatch(KeyThreadSubscribe, `{"user_id":5,"post_id":"p2"}`)
			assert.True(t, ack.nacked)
			assert.Equal(t, tt.requeue, ack.requeue)
		})
	}
}

func TestLifecycleRouting(t *testing.T) {
	f := newFixture()

	f.dispatch(KeyUserDeleted, `{"user_id":4}`)
	f.dispatch(KeyGroupMemberRemoved, `{"user_id":4,"container_id":"lab"}`)
	f.dispatch(KeyContainerDeleted, `{"container_id":"lab"}`)

	assert.Equal(t, []lifecycle.Event{
		lifecycle.NewUserDeleted(4),
		lifecycle.NewGroupMemberRemoved(4, "lab"),
		lifecycle.NewContainerDeleted("lab"),
	}, f.bus.published)
}

func TestLifecycleFailureIsRequeued(t *testing.T) {
	f := newFixture()
	f.bus.err = errors.New("db down")

	ack := f.dispatch(KeyContainerDeleted, `{"container_id":"lab"}`)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestUnknownRoutingKeyIsDropped(t *testing.T) {
	f := newFixture()
	ack := f.dispatch("announcements.unknown", `{}`)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestIsRecoverable(t *testing.T) {
	assert := assert.New(t)
	assert.True(IsRecoverable(NewRecoverableError("x")))
	assert.True(IsRecoverable(errors.Join(errors.New("a"), NewRecoverableError("b"))))
	assert.False(IsRecoverable(NewUnrecoverableError("x")))
	assert.False(IsRecoverable(errors.New("plain")))

	cause := errors.New("cause")
	assert.ErrorIs(NewRecoverableError("wrapped: %w", cause), cause)
}
