package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "roomcast"

// Metrics groups the counters recorded by the relay. A nil *Metrics records
// nothing.
type Metrics struct {
	connections       metric.Int64Counter
	authFailures      metric.Int64Counter
	joins             metric.Int64Counter
	leaves            metric.Int64Counter
	chats             metric.Int64Counter
	storeUnavailable  metric.Int64Counter
	busUnavailable    metric.Int64Counter
	deliveriesDropped metric.Int64Counter
	sendsRateLimited  metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(meterName))
}

// NewMetricsFromMeter registers the instruments on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.connections, "connections_total", "Websocket connections accepted"},
		{&m.authFailures, "auth_failures_total", "Connections rejected at CONNECT"},
		{&m.joins, "room_joins_total", "Sessions that entered a room"},
		{&m.leaves, "room_leaves_total", "Sessions that left a room"},
		{&m.chats, "chat_messages_total", "Chat messages relayed to the bus"},
		{&m.storeUnavailable, "presence_store_unavailable_total", "Presence store operations that failed"},
		{&m.busUnavailable, "event_bus_unavailable_total", "Event bus operations that failed"},
		{&m.deliveriesDropped, "deliveries_dropped_total", "Events dropped for slow sessions"},
		{&m.sendsRateLimited, "sends_rate_limited_total", "SEND frames rejected by the rate limiter"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Connection counts an accepted websocket.
func (m *Metrics) Connection(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.connections)
	}
}

// AuthFailure counts a rejected CONNECT.
func (m *Metrics) AuthFailure(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.authFailures)
	}
}

// Join counts a session entering room.
func (m *Metrics) Join(ctx context.Context, room string) {
	if m != nil {
		m.add(ctx, m.joins, attribute.String("room", room))
	}
}

// Leave counts a session leaving room.
func (m *Metrics) Leave(ctx context.Context, room string) {
	if m != nil {
		m.add(ctx, m.leaves, attribute.String("room", room))
	}
}

// Chat counts a chat message relayed to room.
func (m *Metrics) Chat(ctx context.Context, room string) {
	if m != nil {
		m.add(ctx, m.chats, attribute.String("room", room))
	}
}

// StoreUnavailable counts a failed presence operation such as "increment".
func (m *Metrics) StoreUnavailable(ctx context.Context, op string) {
	if m != nil {
		m.add(ctx, m.storeUnavailable, attribute.String("op", op))
	}
}

// BusUnavailable counts a failed bus operation.
func (m *Metrics) BusUnavailable(ctx context.Context, op string) {
	if m != nil {
		m.add(ctx, m.busUnavailable, attribute.String("op", op))
	}
}

// DeliveryDropped counts an event a slow session could not take.
func (m *Metrics) DeliveryDropped(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.deliveriesDropped)
	}
}

// SendRateLimited counts a SEND refused by the rate limiter.
func (m *Metrics) SendRateLimited(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.sendsRateLimited)
	}
}
