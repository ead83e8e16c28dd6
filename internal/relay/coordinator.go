package relay

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/d-c-k/chat-app/internal/otelhelper"
)

// RosterMinMembers is the populated-channel visibility threshold: channels
// with fewer members are not surfaced in the roster.
const RosterMinMembers = 3

// Transport is the delivery surface the coordinator emits through. The
// gateway owns the underlying channel-group subscriptions.
type Transport interface {
	// Subscribe moves a connection onto a channel's broadcast group. It must
	// complete before any channel-scoped emission is expected to reach the
	// connection.
	Subscribe(connID, channelID string) error
	// EmitToChannel fans an event out to every connection in the channel group.
	EmitToChannel(ctx context.Context, channelID, event string, payload any) error
	// EmitToAll fans an event out to every connected client.
	EmitToAll(ctx context.Context, event string, payload any) error
}

// Coordinator orchestrates connection lifecycle, channel membership, message
// relay, and roster broadcasts. All failures are logged and swallowed: a
// persistence hiccup must never disrupt live chat delivery.
type Coordinator struct {
	sessions  *SessionRegistry
	store     Store
	transport Transport

	joinCounter    metric.Int64Counter
	messageCounter metric.Int64Counter
	rosterCounter  metric.Int64Counter
	rosterDuration metric.Float64Histogram
}

func NewCoordinator(sessions *SessionRegistry, store Store, transport Transport) *Coordinator {
	meter := otel.Meter("relay-service")
	joinCounter, _ := meter.Int64Counter("relay_joins_total",
		metric.WithDescription("Total channel joins processed"))
	messageCounter, _ := meter.Int64Counter("relay_messages_total",
		metric.WithDescription("Total chat messages relayed"))
	rosterCounter, _ := meter.Int64Counter("relay_roster_broadcasts_total",
		metric.WithDescription("Total global roster broadcasts"))
	rosterDuration, _ := otelhelper.NewDurationHistogram(meter, "relay_roster_duration_seconds",
		"Time to compute and emit one roster broadcast")
	sessionsGauge, _ := meter.Int64ObservableGauge("relay_active_sessions",
		metric.WithDescription("Live connection sessions"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(sessions.Len()))
		return nil
	}, sessionsGauge)

	return &Coordinator{
		sessions:       sessions,
		store:          store,
		transport:      transport,
		joinCounter:    joinCounter,
		messageCounter: messageCounter,
		rosterCounter:  rosterCounter,
		rosterDuration: rosterDuration,
	}
}

// Sessions exposes the registry for read-only inspection.
func (c *Coordinator) Sessions() *SessionRegistry {
	return c.sessions
}

// Dispatch routes a decoded inbound event for connID to its handler.
func (c *Coordinator) Dispatch(ctx context.Context, connID string, evt InboundEvent) {
	switch e := evt.(type) {
	case ConnectUserEvent:
		c.HandleConnect(ctx, connID, e)
	case SetChannelEvent:
		c.HandleSetChannel(ctx, connID, e)
	case UpdateListEvent:
		c.HandleUpdateList(ctx, connID)
	case ChatMessageEvent:
		c.HandleChatMessage(ctx, connID, e.Body)
	case DisconnectEvent:
		c.HandleDisconnect(ctx, connID)
	}
}

// HandleConnect registers the session, marks the user active, and subscribes
// the connection to its channel group. The lightweight arrival signal: no
// channel data load, no roster broadcast.
func (c *Coordinator) HandleConnect(ctx context.Context, connID string, evt ConnectUserEvent) {
	channel := evt.ChannelID
	if channel == "" {
		channel = DefaultChannel
	}
	sess := c.sessions.Register(connID, evt.UserID, evt.Username, channel)
	c.markActive(ctx, sess.UserID)
	if err := c.transport.Subscribe(connID, channel); err != nil {
		slog.WarnContext(ctx, "Failed to subscribe connection to channel group", "conn", connID, "channel", channel, "error", err)
		return
	}
	slog.DebugContext(ctx, "Connection registered", "conn", connID, "user", sess.UserID, "channel", channel)
}

// HandleSetChannel moves the connection into a channel, emits that channel's
// data to the group, and broadcasts the refreshed roster.
func (c *Coordinator) HandleSetChannel(ctx context.Context, connID string, evt SetChannelEvent) {
	channel := evt.ChannelID
	if channel == "" {
		channel = DefaultChannel
	}
	sess := c.sessions.Register(connID, evt.UserID, evt.Username, channel)
	c.markActive(ctx, sess.UserID)

	// Group subscription must land before the channelData emission, or the
	// joining connection misses its own join confirmation.
	if err := c.transport.Subscribe(connID, channel); err != nil {
		slog.WarnContext(ctx, "Failed to subscribe connection to channel group", "conn", connID, "channel", channel, "error", err)
		return
	}

	c.emitChannelData(ctx, channel)
	c.joinCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	slog.InfoContext(ctx, "User joined channel", "user", sess.UserID, "channel", channel)

	c.BroadcastRoster(ctx)
}

// emitChannelData loads a channel's name and resolved message history and
// emits it to the channel group. The default channel has no durable record;
// it gets its well-known name and empty history without a store round-trip.
// Any load failure abandons the emission.
func (c *Coordinator) emitChannelData(ctx context.Context, channelID string) {
	payload := ChannelDataPayload{
		ChannelName: DefaultChannel,
		ChannelID:   DefaultChannel,
		Messages:    []ChannelMessage{},
	}
	if channelID != DefaultChannel {
		ch, err := c.store.FindChannelByID(ctx, channelID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load channel, abandoning channel data", "channel", channelID, "error", err)
			return
		}
		messages, err := c.store.ListMessagesByChannel(ctx, channelID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load channel history, abandoning channel data", "channel", channelID, "error", err)
			return
		}
		if messages == nil {
			messages = []ChannelMessage{}
		}
		payload = ChannelDataPayload{ChannelName: ch.Name, ChannelID: ch.ID, Messages: messages}
	}
	if err := c.transport.EmitToChannel(ctx, channelID, EventChannelData, payload); err != nil {
		slog.WarnContext(ctx, "Failed to emit channel data", "channel", channelID, "error", err)
	}
}

// HandleUpdateList triggers a roster broadcast. The requesting connection is
// resolved for context only; an unknown connection still gets the refresh.
func (c *Coordinator) HandleUpdateList(ctx context.Context, connID string) {
	if _, err := c.sessions.Lookup(connID); err != nil {
		slog.DebugContext(ctx, "Roster refresh from unknown connection", "conn", connID)
	}
	c.BroadcastRoster(ctx)
}

// HandleChatMessage fans a message out to the sender's channel group and, for
// non-default channels, persists it. Delivery is emitted before persistence
// starts so storage latency never delays the live message, and a failed write
// never suppresses delivery.
func (c *Coordinator) HandleChatMessage(ctx context.Context, connID, body string) {
	sess, err := c.sessions.Lookup(connID)
	if err != nil {
		slog.WarnContext(ctx, "Dropping message from unknown connection", "conn", connID)
		return
	}

	out := ChatMessagePayload{Message: body, Username: sess.Username}
	if err := c.transport.EmitToChannel(ctx, sess.ChannelID, EventChatMessage, out); err != nil {
		slog.WarnContext(ctx, "Failed to broadcast message", "channel", sess.ChannelID, "error", err)
	}
	c.messageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", sess.ChannelID)))

	if sess.ChannelID == DefaultChannel {
		return
	}
	if err := c.store.CreateMessage(ctx, sess.ChannelID, sess.UserID, body); err != nil {
		slog.ErrorContext(ctx, "Failed to persist message", "channel", sess.ChannelID, "sender", sess.UserID, "error", err)
	}
}

// HandleDisconnect purges the connection's registry state, deactivates the
// user when their last connection is gone, and broadcasts the roster. A
// double disconnect is a logged no-op.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connID string) {
	sess, last, err := c.sessions.Remove(connID)
	if err != nil {
		slog.DebugContext(ctx, "Disconnect for unknown connection", "conn", connID)
		return
	}
	if last {
		if err := c.store.SetUserActive(ctx, sess.UserID, false); err != nil {
			slog.WarnContext(ctx, "Failed to mark user inactive", "user", sess.UserID, "error", err)
		}
	} else {
		slog.DebugContext(ctx, "Disconnect, user has other connections", "user", sess.UserID, "conn", connID)
	}
	slog.InfoContext(ctx, "Connection closed", "conn", connID, "user", sess.UserID, "last", last)
	c.BroadcastRoster(ctx)
}

// BroadcastRoster reads all users and all populated channels and emits a
// single updateList to every connected client. A durable-read failure skips
// this cycle; the next trigger tries again.
func (c *Coordinator) BroadcastRoster(ctx context.Context) {
	start := time.Now()
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load users, skipping roster broadcast", "error", err)
		return
	}
	channels, err := c.store.ListChannelsWithMinMembers(ctx, RosterMinMembers)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load channels, skipping roster broadcast", "error", err)
		return
	}
	if users == nil {
		users = []RosterUser{}
	}
	if channels == nil {
		channels = []RosterChannel{}
	}
	if err := c.transport.EmitToAll(ctx, EventUpdateList, RosterPayload{Users: users, Channels: channels}); err != nil {
		slog.WarnContext(ctx, "Failed to broadcast roster", "error", err)
		return
	}
	c.rosterCounter.Add(ctx, 1)
	c.rosterDuration.Record(ctx, time.Since(start).Seconds())
	slog.DebugContext(ctx, "Roster broadcast", "users", len(users), "channels", len(channels))
}

// markActive flips the durable is_active flag on. Fire-and-forget: failure is
// logged and never blocks the join.
func (c *Coordinator) markActive(ctx context.Context, userID string) {
	if err := c.store.SetUserActive(ctx, userID, true); err != nil {
		slog.WarnContext(ctx, "Failed to mark user active", "user", userID, "error", err)
	}
}
