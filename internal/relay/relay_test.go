package relay_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fenggwsx/roomcast/internal/bus"
	"github.com/fenggwsx/roomcast/internal/mocks"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/relay"
)

type countingSink struct {
	ch      chan protocol.Event
	dropped atomic.Int64
}

func newCountingSink(size int) *countingSink {
	return &countingSink{ch: make(chan protocol.Event, size)}
}

func (s *countingSink) Deliver(evt protocol.Event) bool {
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func receive(t *testing.T, s *countingSink) protocol.Event {
	t.Helper()
	select {
	case evt := <-s.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
		return protocol.Event{}
	}
}

func TestRelay_DeliversToSessionsOfTheRoom(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	b := bus.NewMemoryBus()
	r := relay.New(log, b, nil)
	defer r.Close()
	ctx := context.Background()

	// Given two sessions in lobby and one elsewhere
	a, c, other := newCountingSink(8), newCountingSink(8), newCountingSink(8)
	req.NoError(r.Attach(ctx, "a", "lobby", a))
	req.NoError(r.Attach(ctx, "c", "lobby", c))
	req.NoError(r.Attach(ctx, "o", "kitchen", other))

	// When a chat is sent to lobby
	req.NoError(r.SendToRoom(ctx, "lobby", "alice", "hi"))

	// Then both lobby sessions receive it, and nobody else
	want := protocol.ChatMessage("lobby", "alice", "hi")
	req.Equal(want, receive(t, a))
	req.Equal(want, receive(t, c))
	req.Never(func() bool { return len(other.ch) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRelay_MovesSessionBetweenRooms(t *testing.T) {
	req := require.New(t)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), bus.NewMemoryBus(), nil)
	defer r.Close()
	ctx := context.Background()
	sink := newCountingSink(8)

	req.NoError(r.Attach(ctx, "s", "A", sink))
	req.NoError(r.Attach(ctx, "s", "B", sink))

	req.Equal(0, r.LocalSessions("A"))
	req.Equal(1, r.LocalSessions("B"))
	req.NoError(r.Publish(ctx, "A", protocol.JoinNotice("A", "x")))
	req.Never(func() bool { return len(sink.ch) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRelay_OneBusSubscriptionPerRoom(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), b, nil)
	ctx := context.Background()

	// Exactly one subscribe for the room, released after the last session leaves
	b.EXPECT().Subscribe(gomock.Any(), "lobby", gomock.Any()).Return(sub, nil).Times(1)
	sub.EXPECT().Unsubscribe().Return(nil).Times(1)

	req.NoError(r.Attach(ctx, "a", "lobby", newCountingSink(1)))
	req.NoError(r.Attach(ctx, "b", "lobby", newCountingSink(1)))
	req.Equal(2, r.LocalSessions("lobby"))

	r.Detach("a")
	req.Equal(1, r.LocalSessions("lobby"))
	r.Detach("b")
	r.Detach("b")
	req.Equal(0, r.LocalSessions("lobby"))
}

func TestRelay_SubscribeFailureIsUnavailable(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), b, nil)

	b.EXPECT().Subscribe(gomock.Any(), "lobby", gomock.Any()).Return(nil, bus.ErrUnavailable)

	err := r.Attach(context.Background(), "a", "lobby", newCountingSink(1))

	req.ErrorIs(err, relay.ErrRelayUnavailable)
	req.ErrorIs(err, bus.ErrUnavailable)
	req.Equal(0, r.LocalSessions("lobby"))
}

func TestRelay_PublishFailureIsUnavailable(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), b, nil)

	busErr := errors.Join(bus.ErrUnavailable, errors.New("nats: connection closed"))
	b.EXPECT().Publish(gomock.Any(), "lobby", protocol.ChatMessage("lobby", "alice", "hi")).Return(busErr)

	err := r.SendToRoom(context.Background(), "lobby", "alice", "hi")

	req.ErrorIs(err, relay.ErrRelayUnavailable)
	req.ErrorIs(err, bus.ErrUnavailable)
}

func TestRelay_SlowSinkDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), bus.NewMemoryBus(), nil)
	defer r.Close()
	ctx := context.Background()

	// Given a session whose buffer is already full
	slow, fast := newCountingSink(1), newCountingSink(16)
	req.NoError(r.Attach(ctx, "slow", "lobby", slow))
	req.NoError(r.Attach(ctx, "fast", "lobby", fast))

	// When several messages arrive
	for range 5 {
		req.NoError(r.SendToRoom(ctx, "lobby", "alice", "hi"))
	}

	// Then the fast session gets all of them and the slow one drops the rest
	for range 5 {
		receive(t, fast)
	}
	req.Eventually(func() bool { return slow.dropped.Load() == 4 }, time.Second, 10*time.Millisecond)
}

func TestRelay_IgnoresEventsForOtherRooms(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), b, nil)

	var handler bus.Handler
	b.EXPECT().Subscribe(gomock.Any(), "lobby", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, h bus.Handler) (bus.Subscription, error) {
			handler = h
			return mocks.NewMockSubscription(ctrl), nil
		})
	sink := newCountingSink(4)
	req.NoError(r.Attach(context.Background(), "a", "lobby", sink))

	handler(context.Background(), protocol.ChatMessage("elsewhere", "x", "y"))
	handler(context.Background(), protocol.ChatMessage("lobby", "x", "y"))

	req.Len(sink.ch, 1)
	req.Equal("lobby", (<-sink.ch).Room)
}

func TestRelay_AttachRetriesAfterSubscribeFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	r := relay.New(logs.GetLoggerFromLevel(slog.LevelDebug), b, nil)
	ctx := context.Background()

	// Given a bus that fails the first subscribe and then recovers
	var handler bus.Handler
	gomock.InOrder(
		b.EXPECT().Subscribe(gomock.Any(), "lobby", gomock.Any()).Return(nil, bus.ErrUnavailable),
		b.EXPECT().Subscribe(gomock.Any(), "lobby", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, h bus.Handler) (bus.Subscription, error) {
				handler = h
				return mocks.NewMockSubscription(ctrl), nil
			}),
	)
	sink := newCountingSink(4)
	req.ErrorIs(r.Attach(ctx, "a", "lobby", sink), relay.ErrRelayUnavailable)

	// When the session attaches again
	req.NoError(r.Attach(ctx, "a", "lobby", sink))

	// Then it receives room events
	req.Equal(1, r.LocalSessions("lobby"))
	handler(ctx, protocol.ChatMessage("lobby", "alice", "hi"))
	req.Equal(protocol.ChatMessage("lobby", "alice", "hi"), receive(t, sink))
}
