// Package gateway declares the host-runtime capabilities the bridge
// consumes: pairing, session bookkeeping, agent routing, reply
// dispatch, and control-command parsing. The bridge only ever calls
// these interfaces and never reaches into host internals.
package gateway

import (
	"context"

	"github.com/wecombridge/wecombridge/internal/channel"
)

// PairingService owns the pairing-code handshake for unrecognized
// senders. Upsert is idempotent per (channel, sender): a second call
// for the same pending sender returns the existing code with
// created=false.
type PairingService interface {
	UpsertRequest(ctx context.Context, channelName, senderID string) (code string, created bool, err error)
	ListApproved(ctx context.Context, channelName string) ([]string, error)
}

// SessionStore records inbound activity against resolved sessions.
type SessionStore interface {
	Record(ctx context.Context, sessionKey string, msg channel.InboundContext) error
	LastActivity(ctx context.Context, sessionKey string) (lastAt int64, ok bool)
}

// Peer describes the conversation partner for route resolution.
type Peer struct {
	Kind channel.ChatType
	ID   string
}

// RouteQuery keys an agent-route lookup.
type RouteQuery struct {
	Channel   string
	AccountID string
	Peer      Peer
}

// Route is a resolved agent route.
type Route struct {
	SessionKey string
	AgentID    string
}

// AgentRouter resolves which agent session an inbound message belongs
// to.
type AgentRouter interface {
	ResolveRoute(ctx context.Context, query RouteQuery) (Route, error)
}

// DeliverFunc delivers one reply block back through the vendor.
type DeliverFunc func(ctx context.Context, reply channel.Reply) error

// ReplyDispatcher buffers agent replies and invokes the delivery
// callback once per reply block.
type ReplyDispatcher interface {
	Dispatch(ctx context.Context, msg channel.InboundContext, deliver DeliverFunc) error
}

// CommandParser recognizes host control commands in message text.
type CommandParser interface {
	IsControlCommand(text string) bool
}

// Runtime bundles the capability groups a provider binds against.
type Runtime struct {
	Pairing    PairingService
	Sessions   SessionStore
	Router     AgentRouter
	Dispatcher ReplyDispatcher
	Commands   CommandParser
}
