// Package store implements the durable persistence gateway over PostgreSQL.
// The tables it reads and writes (users, channels, channel_members, messages)
// are owned by the account/administration side of the system; this package
// only performs the operations the relay coordinator consumes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/d-c-k/chat-app/internal/relay"
)

// Postgres is the PostgreSQL-backed persistence gateway.
type Postgres struct {
	db                *sql.DB
	listMessagesStmt  *sql.Stmt
	createMessageStmt *sql.Stmt
}

// Open connects with otelsql instrumentation and waits for the database to
// come up, then prepares the hot-path statements.
func Open(dbURL string) (*Postgres, error) {
	db, err := otelsql.Open("postgres", dbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.Ping(); err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}

	listMessagesStmt, err := db.Prepare(
		`SELECT m.channel_id, m.sender_id, u.username, m.message_body, m.created_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.channel_id = $1
		 ORDER BY m.created_at`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare message query: %w", err)
	}

	createMessageStmt, err := db.Prepare(
		"INSERT INTO messages (channel_id, sender_id, message_body) VALUES ($1, $2, $3)")
	if err != nil {
		listMessagesStmt.Close()
		db.Close()
		return nil, fmt.Errorf("prepare message insert: %w", err)
	}

	return &Postgres{
		db:                db,
		listMessagesStmt:  listMessagesStmt,
		createMessageStmt: createMessageStmt,
	}, nil
}

func (p *Postgres) Close() error {
	p.listMessagesStmt.Close()
	p.createMessageStmt.Close()
	return p.db.Close()
}

func (p *Postgres) FindUserByID(ctx context.Context, id string) (relay.User, error) {
	var u relay.User
	err := p.db.QueryRowContext(ctx,
		"SELECT id, username, is_active FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Username, &u.IsActive)
	if err != nil {
		return relay.User{}, fmt.Errorf("find user %s: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) SetUserActive(ctx context.Context, id string, active bool) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE users SET is_active = $2 WHERE id = $1", id, active); err != nil {
		return fmt.Errorf("set user %s active=%t: %w", id, active, err)
	}
	return nil
}

func (p *Postgres) FindChannelByID(ctx context.Context, id string) (relay.Channel, error) {
	var ch relay.Channel
	err := p.db.QueryRowContext(ctx,
		"SELECT id, channel_name FROM channels WHERE id = $1", id).
		Scan(&ch.ID, &ch.Name)
	if err != nil {
		return relay.Channel{}, fmt.Errorf("find channel %s: %w", id, err)
	}
	return ch, nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]relay.RosterUser, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, username, is_active FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []relay.RosterUser
	for rows.Next() {
		var u relay.RosterUser
		if err := rows.Scan(&u.ID, &u.Username, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListChannelsWithMinMembers returns every channel with at least n members,
// with member references expanded to usernames in join order.
func (p *Postgres) ListChannelsWithMinMembers(ctx context.Context, n int) ([]relay.RosterChannel, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT c.id, c.channel_name, u.username
		 FROM channels c
		 JOIN channel_members cm ON cm.channel_id = c.id
		 JOIN users u ON u.id = cm.user_id
		 WHERE (SELECT COUNT(*) FROM channel_members x WHERE x.channel_id = c.id) >= $1
		 ORDER BY c.channel_name, cm.joined_at`, n)
	if err != nil {
		return nil, fmt.Errorf("list populated channels: %w", err)
	}
	defer rows.Close()

	var channels []relay.RosterChannel
	index := make(map[string]int)
	for rows.Next() {
		var id, name, member string
		if err := rows.Scan(&id, &name, &member); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		i, ok := index[id]
		if !ok {
			i = len(channels)
			index[id] = i
			channels = append(channels, relay.RosterChannel{ID: id, Name: name})
		}
		channels[i].Members = append(channels[i].Members, member)
	}
	return channels, rows.Err()
}

// ListMessagesByChannel returns a channel's messages in chronological order
// with sender usernames resolved. A sender that cannot be resolved is never
// returned partially; the join excludes it.
func (p *Postgres) ListMessagesByChannel(ctx context.Context, channelID string) ([]relay.ChannelMessage, error) {
	rows, err := p.listMessagesStmt.QueryContext(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list messages for channel %s: %w", channelID, err)
	}
	defer rows.Close()

	var messages []relay.ChannelMessage
	for rows.Next() {
		var m relay.ChannelMessage
		var createdAt time.Time
		if err := rows.Scan(&m.ChannelID, &m.SenderID, &m.Username, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentAt = createdAt.UnixMilli()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (p *Postgres) CreateMessage(ctx context.Context, channelID, senderID, body string) error {
	if _, err := p.createMessageStmt.ExecContext(ctx, channelID, senderID, body); err != nil {
		return fmt.Errorf("insert message for channel %s: %w", channelID, err)
	}
	return nil
}
