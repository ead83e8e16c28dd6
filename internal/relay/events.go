package relay

import (
	"encoding/json"
	"fmt"
)

// Wire event names. These are the transport contract shared with the web
// client and must not change.
const (
	EventConnectUser = "connectUser"
	EventSetChannel  = "setChannel"
	EventUpdateList  = "updateList"
	EventChatMessage = "chatMessage"
	EventDisconnect  = "disconnect"
	EventChannelData = "channelData"
)

// Frame is the envelope for every event crossing the socket, in either
// direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is the tagged union of decoded client events. Payloads are
// validated at the boundary; handlers never see a malformed event.
type InboundEvent interface {
	isInbound()
}

// ConnectUserEvent is the lightweight "just arrived" signal.
type ConnectUserEvent struct {
	Username  string
	UserID    string
	ChannelID string
}

// SetChannelEvent moves a connection into a channel and requests that
// channel's data.
type SetChannelEvent struct {
	Username  string
	UserID    string
	ChannelID string
}

// UpdateListEvent requests a global roster broadcast.
type UpdateListEvent struct{}

// ChatMessageEvent carries a chat message body.
type ChatMessageEvent struct {
	Body string
}

// DisconnectEvent is an explicit client-side disconnect. The transport also
// synthesizes one when the socket closes.
type DisconnectEvent struct{}

func (ConnectUserEvent) isInbound() {}
func (SetChannelEvent) isInbound()  {}
func (UpdateListEvent) isInbound()  {}
func (ChatMessageEvent) isInbound() {}
func (DisconnectEvent) isInbound()  {}

// joinPayload is the wire shape shared by connectUser and setChannel.
type joinPayload struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Channel  string `json:"channel"`
}

// ParseInbound decodes and validates a raw frame into a typed event.
func ParseInbound(frame Frame) (InboundEvent, error) {
	switch frame.Event {
	case EventConnectUser, EventSetChannel:
		var p joinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Event, err)
		}
		if p.Username == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s payload missing username or userId", frame.Event)
		}
		if frame.Event == EventConnectUser {
			return ConnectUserEvent{Username: p.Username, UserID: p.UserID, ChannelID: p.Channel}, nil
		}
		return SetChannelEvent{Username: p.Username, UserID: p.UserID, ChannelID: p.Channel}, nil
	case EventUpdateList:
		return UpdateListEvent{}, nil
	case EventChatMessage:
		var body string
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return nil, fmt.Errorf("decode chatMessage payload: %w", err)
		}
		return ChatMessageEvent{Body: body}, nil
	case EventDisconnect:
		return DisconnectEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", frame.Event)
	}
}

// ChannelDataPayload is emitted to a channel group right after a join with
// channel context.
type ChannelDataPayload struct {
	ChannelName string           `json:"channelName"`
	ChannelID   string           `json:"channelId"`
	Messages    []ChannelMessage `json:"messages"`
}

// ChatMessagePayload is emitted to the sender's current channel group.
type ChatMessagePayload struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// RosterPayload is the global updateList broadcast sent to every connection.
type RosterPayload struct {
	Users    []RosterUser    `json:"users"`
	Channels []RosterChannel `json:"channels"`
}
