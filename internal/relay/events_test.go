package relay

import (
	"encoding/json"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  InboundEvent
	}{
		{
			name:  "connect user",
			frame: Frame{Event: EventConnectUser, Data: json.RawMessage(`{"username":"alice","userId":"u1","channel":"general"}`)},
			want:  ConnectUserEvent{Username: "alice", UserID: "u1", ChannelID: "general"},
		},
		{
			name:  "connect user without channel",
			frame: Frame{Event: EventConnectUser, Data: json.RawMessage(`{"username":"alice","userId":"u1"}`)},
			want:  ConnectUserEvent{Username: "alice", UserID: "u1"},
		},
		{
			name:  "set channel",
			frame: Frame{Event: EventSetChannel, Data: json.RawMessage(`{"username":"bob","userId":"u2","channel":"lobby"}`)},
			want:  SetChannelEvent{Username: "bob", UserID: "u2", ChannelID: "lobby"},
		},
		{
			name:  "update list",
			frame: Frame{Event: EventUpdateList},
			want:  UpdateListEvent{},
		},
		{
			name:  "chat message",
			frame: Frame{Event: EventChatMessage, Data: json.RawMessage(`"hello there"`)},
			want:  ChatMessageEvent{Body: "hello there"},
		},
		{
			name:  "disconnect",
			frame: Frame{Event: EventDisconnect},
			want:  DisconnectEvent{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound(tt.frame)
			if err != nil {
				t.Fatalf("ParseInbound failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestParseInbound_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "unknown event",
			frame: Frame{Event: "selfDestruct"},
		},
		{
			name:  "connect user missing username",
			frame: Frame{Event: EventConnectUser, Data: json.RawMessage(`{"userId":"u1"}`)},
		},
		{
			name:  "set channel missing userId",
			frame: Frame{Event: EventSetChannel, Data: json.RawMessage(`{"username":"alice","channel":"lobby"}`)},
		},
		{
			name:  "connect user malformed payload",
			frame: Frame{Event: EventConnectUser, Data: json.RawMessage(`[1,2]`)},
		},
		{
			name:  "chat message non-string payload",
			frame: Frame{Event: EventChatMessage, Data: json.RawMessage(`{"body":"hi"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseInbound(tt.frame); err == nil {
				t.Errorf("Expected an error for frame %+v", tt.frame)
			}
		})
	}
}
