package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mama165/sdk-go/logs"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

// pair returns two buses sharing one backend, standing in for two processes.
type pair func(t *testing.T) (Bus, Bus)

func backends() map[string]pair {
	return map[string]pair{
		"memory": func(t *testing.T) (Bus, Bus) {
			b := NewMemoryBus()
			t.Cleanup(func() { _ = b.Close() })
			return b, b
		},
		"nats": func(t *testing.T) (Bus, Bus) {
			opts := test.DefaultTestOptions
			opts.Port = -1
			srv := test.RunServer(&opts)
			t.Cleanup(srv.Shutdown)
			log := logs.GetLoggerFromLevel(slog.LevelDebug)
			connect := func() Bus {
				nc, err := nats.Connect(srv.ClientURL())
				require.NoError(t, err)
				t.Cleanup(nc.Close)
				return NewNATSBus(log, nc, "test.room")
			}
			return connect(), connect()
		},
		"redis": func(t *testing.T) (Bus, Bus) {
			mr := miniredis.RunT(t)
			log := logs.GetLoggerFromLevel(slog.LevelDebug)
			connect := func() Bus {
				b := NewRedisBus(log, redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:room:")
				t.Cleanup(func() { _ = b.Close() })
				return b
			}
			return connect(), connect()
		},
	}
}

type collector struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *collector) handle(_ context.Context, evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func TestBus_DeliversAcrossProcessesToRoomOnly(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			publisher, subscriber := open(t)

			// Given a subscriber on room R and another on room S
			var inR, inS collector
			subR, err := subscriber.Subscribe(ctx, "R", inR.handle)
			req.NoError(err)
			defer subR.Unsubscribe()
			subS, err := subscriber.Subscribe(ctx, "S", inS.handle)
			req.NoError(err)
			defer subS.Unsubscribe()

			// When a chat message is published to R from the other process
			evt := protocol.ChatMessage("R", "alice", "hello")
			req.NoError(publisher.Publish(ctx, "R", evt))

			// Then only the subscriber of R receives it
			req.Eventually(func() bool { return len(inR.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
			req.Equal(evt, inR.snapshot()[0])
			req.Never(func() bool { return len(inS.snapshot()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
		})
	}
}

func TestBus_PreservesPublisherOrder(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			publisher, subscriber := open(t)

			var got collector
			sub, err := subscriber.Subscribe(ctx, "ordered", got.handle)
			req.NoError(err)
			defer sub.Unsubscribe()

			const n = 50
			for i := range n {
				req.NoError(publisher.Publish(ctx, "ordered", protocol.ChatMessage("ordered", "p", fmt.Sprint(i))))
			}

			req.Eventually(func() bool { return len(got.snapshot()) == n }, 3*time.Second, 10*time.Millisecond)
			for i, evt := range got.snapshot() {
				req.Equal(fmt.Sprint(i), evt.Text)
			}
		})
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			publisher, subscriber := open(t)

			var got collector
			sub, err := subscriber.Subscribe(ctx, "room", got.handle)
			req.NoError(err)

			req.NoError(sub.Unsubscribe())
			req.NoError(publisher.Publish(ctx, "room", protocol.JoinNotice("room", "late")))

			req.Never(func() bool { return len(got.snapshot()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
		})
	}
}

func TestMemoryBus_ClosedIsUnavailable(t *testing.T) {
	req := require.New(t)
	b := NewMemoryBus()
	req.NoError(b.Close())

	err := b.Publish(context.Background(), "room", protocol.ChatMessage("room", "a", "b"))
	req.ErrorIs(err, ErrUnavailable)
	_, err = b.Subscribe(context.Background(), "room", func(context.Context, protocol.Event) {})
	req.ErrorIs(err, ErrUnavailable)
}

func TestNATSBus_SubjectEncodesRoom(t *testing.T) {
	b := NewNATSBus(logs.GetLoggerFromLevel(slog.LevelDebug), nil, "roomcast.room")
	require.Equal(t, "roomcast.room.YS5iIGM", b.Subject("a.b c"))
}

func TestNATSBus_ClosedConnectionIsUnavailable(t *testing.T) {
	req := require.New(t)
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	nc, err := nats.Connect(srv.ClientURL())
	req.NoError(err)
	nc.Close()

	b := NewNATSBus(logs.GetLoggerFromLevel(slog.LevelDebug), nc, "test.room")
	err = b.Publish(context.Background(), "room", protocol.ChatMessage("room", "a", "b"))

	req.ErrorIs(err, ErrUnavailable)
}
