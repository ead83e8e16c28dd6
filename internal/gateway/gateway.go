// Package gateway bridges WebSocket clients to the relay coordinator. It
// decodes inbound frames into typed events, owns the NATS-backed channel
// group subscriptions, and delivers group traffic back onto the sockets.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/d-c-k/chat-app/internal/otelhelper"
	"github.com/d-c-k/chat-app/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256

	channelSubjectPrefix = "relay.channel."
	broadcastSubject     = "relay.broadcast"

	// Inbound chat messages per connection allowed to burst before the
	// per-second refill throttles them.
	messageBurst          = 20
	messageRefillInterval = 10 * time.Second
)

var tracer = otel.Tracer("relay-gateway")

// EventHandler consumes decoded inbound events. Satisfied by
// relay.Coordinator.
type EventHandler interface {
	Dispatch(ctx context.Context, connID string, evt relay.InboundEvent)
	HandleDisconnect(ctx context.Context, connID string)
}

// Gateway owns all live socket connections and implements relay.Transport
// over NATS subjects: one subject per channel group plus a global broadcast
// subject every connection listens on.
type Gateway struct {
	nc     *nats.Conn
	events EventHandler

	mu      sync.RWMutex
	clients map[string]*client

	upgrader websocket.Upgrader

	frameCounter metric.Int64Counter
	dropCounter  metric.Int64Counter
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rateLimiter

	mu         sync.Mutex
	channelSub *nats.Subscription
	allSub     *nats.Subscription
}

func New(nc *nats.Conn) *Gateway {
	meter := otel.Meter("relay-gateway")
	frameCounter, _ := meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Inbound socket frames processed"))
	dropCounter, _ := meter.Int64Counter("gateway_dropped_frames_total",
		metric.WithDescription("Outbound frames dropped for slow consumers"))

	g := &Gateway{
		nc:      nc,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		frameCounter: frameCounter,
		dropCounter:  dropCounter,
	}

	clientGauge, _ := meter.Int64ObservableGauge("gateway_connected_clients",
		metric.WithDescription("Currently connected WebSocket clients"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		g.mu.RLock()
		n := len(g.clients)
		g.mu.RUnlock()
		o.ObserveInt64(clientGauge, int64(n))
		return nil
	}, clientGauge)

	return g
}

// Attach wires the handler that inbound events dispatch to. Must be called
// before the gateway serves connections.
func (g *Gateway) Attach(events EventHandler) {
	g.events = events
}

// HandleWS upgrades the request and runs the connection until it closes. All
// events from one connection are processed sequentially on its read loop, so
// a disconnect can never race the same connection's join.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	cl := &client{
		id:      uuid.NewString(),
		conn:    ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(messageBurst, messageRefillInterval),
	}

	// Every connection receives global broadcasts from the moment it lands.
	allSub, err := g.nc.Subscribe(broadcastSubject, func(m *nats.Msg) { g.forward(cl, m) })
	if err != nil {
		slog.Error("Failed to subscribe to broadcast subject", "conn", cl.id, "error", err)
		ws.Close()
		return
	}
	cl.allSub = allSub

	g.mu.Lock()
	g.clients[cl.id] = cl
	g.mu.Unlock()
	slog.Info("Client connected", "conn", cl.id, "remote", r.RemoteAddr)

	go cl.writePump()
	g.readPump(cl)
}

// Subscribe moves a connection's group subscription to the given channel,
// dropping the previous channel subscription first. Re-joining the current
// channel is a no-op.
func (g *Gateway) Subscribe(connID, channelID string) error {
	if !validSubjectToken(channelID) {
		return fmt.Errorf("invalid channel id %q", channelID)
	}
	g.mu.RLock()
	cl, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connected client %s", connID)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	subject := channelSubjectPrefix + channelID
	if cl.channelSub != nil {
		if cl.channelSub.Subject == subject {
			return nil
		}
		if err := cl.channelSub.Unsubscribe(); err != nil {
			slog.Warn("Failed to drop previous channel subscription", "conn", connID, "error", err)
		}
		cl.channelSub = nil
	}
	sub, err := g.nc.Subscribe(subject, func(m *nats.Msg) { g.forward(cl, m) })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	cl.channelSub = sub
	return nil
}

// EmitToChannel publishes an event frame to a channel group subject.
func (g *Gateway) EmitToChannel(ctx context.Context, channelID, event string, payload any) error {
	if !validSubjectToken(channelID) {
		return fmt.Errorf("invalid channel id %q", channelID)
	}
	return g.publish(ctx, channelSubjectPrefix+channelID, event, payload)
}

// EmitToAll publishes an event frame to the global broadcast subject.
func (g *Gateway) EmitToAll(ctx context.Context, event string, payload any) error {
	return g.publish(ctx, broadcastSubject, event, payload)
}

func (g *Gateway) publish(ctx context.Context, subject, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(relay.Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return otelhelper.TracedPublish(ctx, g.nc, subject, frame)
}

// forward pushes a group payload onto a client's send queue. A slow consumer
// drops the frame instead of blocking the NATS callback.
func (g *Gateway) forward(cl *client, m *nats.Msg) {
	_, span := otelhelper.StartConsumerSpan(context.Background(), m, "deliver frame")
	defer span.End()

	select {
	case cl.send <- m.Data:
	default:
		g.dropCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("subject", m.Subject)))
		slog.Warn("Dropping frame for slow consumer", "conn", cl.id, "subject", m.Subject)
	}
}

func (g *Gateway) readPump(cl *client) {
	defer g.teardown(cl)

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				slog.Warn("Unexpected socket error", "conn", cl.id, "error", err)
			}
			return
		}
		g.handleFrame(cl, raw)
	}
}

// handleFrame validates one inbound frame at the boundary and dispatches the
// typed event. Malformed input is logged and dropped; it never closes the
// connection.
func (g *Gateway) handleFrame(cl *client, raw []byte) {
	var frame relay.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("Dropping malformed frame", "conn", cl.id, "error", err)
		return
	}
	evt, err := relay.ParseInbound(frame)
	if err != nil {
		slog.Warn("Dropping invalid event", "conn", cl.id, "event", frame.Event, "error", err)
		return
	}
	if _, ok := evt.(relay.ChatMessageEvent); ok && !cl.limiter.allow() {
		slog.Warn("Rate limit exceeded, dropping message", "conn", cl.id)
		return
	}

	ctx, span := tracer.Start(context.Background(), frame.Event,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.event", frame.Event),
			attribute.String("relay.conn", cl.id),
		))
	defer span.End()

	g.events.Dispatch(ctx, cl.id, evt)
	g.frameCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", frame.Event)))
}

// teardown runs on the read loop after it exits: deregisters the client,
// drops its NATS subscriptions, and reports the disconnect. Ordering matters:
// the client leaves the map before subscriptions drop so no new channel move
// can land on a dying connection.
func (g *Gateway) teardown(cl *client) {
	g.mu.Lock()
	delete(g.clients, cl.id)
	g.mu.Unlock()

	cl.mu.Lock()
	if cl.channelSub != nil {
		cl.channelSub.Unsubscribe()
		cl.channelSub = nil
	}
	if cl.allSub != nil {
		cl.allSub.Unsubscribe()
		cl.allSub = nil
	}
	cl.mu.Unlock()

	close(cl.done)
	cl.conn.Close()

	g.events.HandleDisconnect(context.Background(), cl.id)
	slog.Info("Client disconnected", "conn", cl.id)
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// validSubjectToken reports whether a channel id is safe to embed as a single
// NATS subject token. Dots and wildcards would change the subject structure.
func validSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".*> \t\r\n")
}
