// Package relay implements the presence-and-broadcast coordinator: the live
// connection registry, channel membership transitions, roster broadcasts, and
// message fan-out, synchronized against the durable store.
package relay

import (
	"errors"
	"sync"
)

// DefaultChannel is the well-known channel every connection lands in first.
// It has no durable record and its messages are never persisted.
const DefaultChannel = "general"

// ErrSessionNotFound is returned for a connection that never joined or has
// already disconnected. Callers log it and carry on; it is never fatal.
var ErrSessionNotFound = errors.New("session not found")

// ConnectionSession is the in-memory state for one live transport connection.
type ConnectionSession struct {
	ConnectionID string
	UserID       string
	Username     string
	ChannelID    string
}

// SessionRegistry maps live connection ids to their sessions. It is the
// single source of truth for who is online, in which channel, on which
// connection. A user may hold several simultaneous connections; the registry
// counts them so the disconnect path can tell when the last one is gone.
type SessionRegistry struct {
	mu        sync.RWMutex
	byConn    map[string]*ConnectionSession
	userConns map[string]int
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byConn:    make(map[string]*ConnectionSession),
		userConns: make(map[string]int),
	}
}

// Register inserts or overwrites the session keyed by connID. Re-registering
// an existing connection updates it in place and never creates a duplicate.
func (r *SessionRegistry) Register(connID, userID, username, channelID string) ConnectionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byConn[connID]; ok {
		if sess.UserID != userID {
			r.dropUserConn(sess.UserID)
			r.userConns[userID]++
		}
		sess.UserID = userID
		sess.Username = username
		sess.ChannelID = channelID
		return *sess
	}
	sess := &ConnectionSession{
		ConnectionID: connID,
		UserID:       userID,
		Username:     username,
		ChannelID:    channelID,
	}
	r.byConn[connID] = sess
	r.userConns[userID]++
	return *sess
}

// Lookup returns the current session for connID.
func (r *SessionRegistry) Lookup(connID string) (ConnectionSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byConn[connID]
	if !ok {
		return ConnectionSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Remove atomically deletes and returns the session for connID. The boolean
// reports whether it was the user's last live connection.
func (r *SessionRegistry) Remove(connID string) (ConnectionSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byConn[connID]
	if !ok {
		return ConnectionSession{}, false, ErrSessionNotFound
	}
	delete(r.byConn, connID)
	last := r.dropUserConn(sess.UserID)
	return *sess, last, nil
}

// dropUserConn decrements a user's connection count and reports whether it
// reached zero. Caller holds the write lock.
func (r *SessionRegistry) dropUserConn(userID string) bool {
	n := r.userConns[userID] - 1
	if n <= 0 {
		delete(r.userConns, userID)
		return true
	}
	r.userConns[userID] = n
	return false
}

// All returns a point-in-time snapshot of every live session.
func (r *SessionRegistry) All() []ConnectionSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]ConnectionSession, 0, len(r.byConn))
	for _, sess := range r.byConn {
		sessions = append(sessions, *sess)
	}
	return sessions
}

// ActiveConnections returns the number of live connections for a user.
func (r *SessionRegistry) ActiveConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userConns[userID]
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
