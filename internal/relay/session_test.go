package relay

import (
	"errors"
	"fmt"
	"testing"
)

func TestSessionRegistry_Lifecycle(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("c1", "u1", "alice", "general")
	if r.Len() != 1 {
		t.Fatalf("Expected 1 session after register, got %d", r.Len())
	}

	sess, err := r.Lookup("c1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if sess.Username != "alice" || sess.ChannelID != "general" {
		t.Errorf("Unexpected session %+v", sess)
	}

	r.Register("c1", "u1", "alice", "lobby")
	sess, err = r.Lookup("c1")
	if err != nil {
		t.Fatalf("Lookup after channel change failed: %v", err)
	}
	if sess.ChannelID != "lobby" {
		t.Errorf("Expected channel lobby after update, got %s", sess.ChannelID)
	}
	if r.Len() != 1 {
		t.Errorf("Re-register created a duplicate: %d sessions", r.Len())
	}

	removed, last, err := r.Remove("c1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !last {
		t.Error("Expected removal of the only connection to be the last")
	}
	if removed.ChannelID != "lobby" {
		t.Errorf("Removed session has stale channel %s", removed.ChannelID)
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry after remove, got %d", r.Len())
	}

	if _, err := r.Lookup("c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after remove, got %v", err)
	}
}

func TestSessionRegistry_RemoveUnknown(t *testing.T) {
	r := NewSessionRegistry()
	if _, _, err := r.Remove("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRegistry_MultipleConnectionsPerUser(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("c1", "u1", "alice", "general")
	r.Register("c2", "u1", "alice", "lobby")

	if got := r.ActiveConnections("u1"); got != 2 {
		t.Fatalf("Expected 2 active connections, got %d", got)
	}

	_, last, err := r.Remove("c1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if last {
		t.Error("First of two connections reported as last")
	}

	_, last, err = r.Remove("c2")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !last {
		t.Error("Final connection not reported as last")
	}
	if got := r.ActiveConnections("u1"); got != 0 {
		t.Errorf("Expected 0 active connections, got %d", got)
	}
}

func TestSessionRegistry_RegisterRebindsUser(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("c1", "u1", "alice", "general")
	r.Register("c1", "u2", "bob", "general")

	if got := r.ActiveConnections("u1"); got != 0 {
		t.Errorf("Expected old user count 0 after rebind, got %d", got)
	}
	if got := r.ActiveConnections("u2"); got != 1 {
		t.Errorf("Expected new user count 1 after rebind, got %d", got)
	}
}

func TestSessionRegistry_AllSnapshot(t *testing.T) {
	r := NewSessionRegistry()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		r.Register(id, fmt.Sprintf("u%d", i), "user", "general")
	}

	all := r.All()
	if len(all) != 5 {
		t.Fatalf("Expected 5 sessions in snapshot, got %d", len(all))
	}
	seen := make(map[string]bool)
	for _, sess := range all {
		if seen[sess.ConnectionID] {
			t.Errorf("Connection %s appears twice in snapshot", sess.ConnectionID)
		}
		seen[sess.ConnectionID] = true
	}
}

func TestSessionRegistry_Concurrency(t *testing.T) {
	r := NewSessionRegistry()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(n int) {
			connID := fmt.Sprintf("c%d", n)
			for j := 0; j < 100; j++ {
				r.Register(connID, fmt.Sprintf("u%d", n), "user", "general")
				r.Lookup(connID)
				r.All()
				r.Remove(connID)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if r.Len() != 0 {
		t.Errorf("Expected empty registry after concurrent churn, got %d", r.Len())
	}
}
