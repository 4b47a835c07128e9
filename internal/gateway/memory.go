package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wecombridge/wecombridge/internal/channel"
)

// MemoryPairingService is the in-process reference PairingService used
// by tests and the standalone serve mode.
type MemoryPairingService struct {
	mu       sync.Mutex
	pending  map[string]string
	approved map[string][]string
}

// NewMemoryPairingService creates an empty pairing service.
func NewMemoryPairingService() *MemoryPairingService {
	return &MemoryPairingService{
		pending:  map[string]string{},
		approved: map[string][]string{},
	}
}

// UpsertRequest returns the pending code for (channel, sender),
// creating one on first use.
func (s *MemoryPairingService) UpsertRequest(_ context.Context, channelName, senderID string) (string, bool, error) {
	key := channelName + ":" + senderID
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.pending[key]; ok {
		return code, false, nil
	}
	code := strings.ToUpper(uuid.NewString()[:8])
	s.pending[key] = code
	return code, true, nil
}

// Approve moves a pending sender onto the approved list.
func (s *MemoryPairingService) Approve(channelName, senderID string) {
	key := channelName + ":" + senderID
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	s.approved[channelName] = append(s.approved[channelName], senderID)
}

// ListApproved returns the approved sender ids for a channel.
func (s *MemoryPairingService) ListApproved(_ context.Context, channelName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.approved[channelName]))
	copy(out, s.approved[channelName])
	return out, nil
}

// MemorySessionStore records last-activity per session key.
type MemorySessionStore struct {
	mu       sync.Mutex
	activity map[string]int64
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{activity: map[string]int64{}}
}

// Record stores the message timestamp under the session key.
func (s *MemorySessionStore) Record(_ context.Context, sessionKey string, msg channel.InboundContext) error {
	if strings.TrimSpace(sessionKey) == "" {
		return fmt.Errorf("session key is required")
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	s.activity[sessionKey] = at.Unix()
	s.mu.Unlock()
	return nil
}

// LastActivity returns the last recorded timestamp for the session.
func (s *MemorySessionStore) LastActivity(_ context.Context, sessionKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.activity[sessionKey]
	return at, ok
}

// StaticRouter derives session keys from the query without any host
// lookup: channel:account:kind:id.
type StaticRouter struct {
	AgentID string
}

// ResolveRoute builds the deterministic route for the query.
func (r StaticRouter) ResolveRoute(_ context.Context, query RouteQuery) (Route, error) {
	if query.Peer.ID == "" {
		return Route{}, fmt.Errorf("peer id is required")
	}
	kind := query.Peer.Kind
	if kind == "" {
		kind = channel.ChatDirect
	}
	return Route{
		SessionKey: strings.Join([]string{query.Channel, query.AccountID, string(kind), query.Peer.ID}, ":"),
		AgentID:    r.AgentID,
	}, nil
}

// PrefixCommandParser treats any message starting with one of its
// prefixes as a control command.
type PrefixCommandParser struct {
	Prefixes []string
}

// IsControlCommand reports whether text begins with a known prefix.
func (p PrefixCommandParser) IsControlCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	prefixes := p.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// EchoDispatcher is the reference ReplyDispatcher for the standalone
// serve mode: it answers every inbound message with its own text.
type EchoDispatcher struct{}

// Dispatch sends one reply block mirroring the inbound text.
func (EchoDispatcher) Dispatch(ctx context.Context, msg channel.InboundContext, deliver DeliverFunc) error {
	// Target is left blank so the caller applies its default addressing.
	return deliver(ctx, channel.Reply{Text: msg.Text})
}
