package relay

import "context"

// Store is the durable persistence gateway the coordinator calls. Any
// storage technology satisfies it. Every failure is logged by the caller and
// never interrupts live delivery.
type Store interface {
	FindUserByID(ctx context.Context, id string) (User, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	FindChannelByID(ctx context.Context, id string) (Channel, error)
	ListUsers(ctx context.Context) ([]RosterUser, error)
	ListChannelsWithMinMembers(ctx context.Context, n int) ([]RosterChannel, error)
	ListMessagesByChannel(ctx context.Context, channelID string) ([]ChannelMessage, error)
	CreateMessage(ctx context.Context, channelID, senderID, body string) error
}

// User is a durable account record.
type User struct {
	ID       string
	Username string
	IsActive bool
}

// Channel is a durable channel record.
type Channel struct {
	ID   string
	Name string
}

// RosterUser is the user projection carried in updateList broadcasts.
type RosterUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

// RosterChannel is a populated channel in the updateList broadcast, with
// member references already expanded to usernames.
type RosterChannel struct {
	ID      string   `json:"id"`
	Name    string   `json:"channelName"`
	Members []string `json:"userIds"`
}

// ChannelMessage is a persisted message with its sender's username resolved.
type ChannelMessage struct {
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
	Username  string `json:"username"`
	Body      string `json:"messageBody"`
	SentAt    int64  `json:"createdAt"`
}
