// Package policy enforces direct-message and group access policy for
// inbound messages, including the pairing handshake.
package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/channel"
	"github.com/wecombridge/wecombridge/internal/gateway"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

// chatRoomSuffix marks sender ids that originate from a group chat.
const chatRoomSuffix = "@chatroom"

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	Allow          bool
	Reason         string
	PairingCode    string
	PairingCreated bool
}

// Engine evaluates access policy against account settings and the
// host pairing store.
type Engine struct {
	logger  *slog.Logger
	pairing gateway.PairingService
}

// NewEngine creates a policy engine. The pairing service may be nil
// when no pairing policy is in use.
func NewEngine(log *slog.Logger, pairing gateway.PairingService) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		logger:  log.With(slog.String("component", "policy")),
		pairing: pairing,
	}
}

// ClassifyChat decides whether an inbound envelope belongs to a group
// conversation: a chat-room sender suffix, group metadata, or a
// chat-room marker in the message type.
func ClassifyChat(envelope wecom.InboundEnvelope) channel.ChatType {
	if strings.HasSuffix(strings.ToLower(envelope.FromUser), chatRoomSuffix) {
		return channel.ChatGroup
	}
	if strings.TrimSpace(envelope.ChatID) != "" {
		return channel.ChatGroup
	}
	if strings.Contains(strings.ToLower(envelope.MsgType), "room") {
		return channel.ChatGroup
	}
	return channel.ChatDirect
}

// EvaluateDirect applies the account's dm policy to a sender. Under the
// pairing policy an unmatched sender gets a pairing code issued (or
// reused); the caller is responsible for replying with the code only
// when PairingCreated is true.
func (e *Engine) EvaluateDirect(ctx context.Context, acct account.Account, senderID string) Verdict {
	switch acct.DMPolicy {
	case account.DMDisabled:
		return Verdict{Reason: "dm disabled"}
	case account.DMOpen:
		return Verdict{Allow: true, Reason: "dm open"}
	case account.DMAllowlist, account.DMPairing:
		if SenderMatches(e.effectiveAllowList(ctx, acct.AllowFrom), senderID) {
			return Verdict{Allow: true, Reason: "sender allowed"}
		}
		if acct.DMPolicy == account.DMPairing && e.pairing != nil {
			code, created, err := e.pairing.UpsertRequest(ctx, channel.Name, senderID)
			if err != nil {
				if e.logger != nil {
					e.logger.Warn("pairing upsert failed", slog.String("sender", senderID), slog.Any("error", err))
				}
				return Verdict{Reason: "pairing unavailable"}
			}
			return Verdict{Reason: "pairing required", PairingCode: code, PairingCreated: created}
		}
		return Verdict{Reason: "sender not allowed"}
	default:
		return Verdict{Reason: "unknown dm policy"}
	}
}

// EvaluateGroup applies the account's group policy to a sender.
func (e *Engine) EvaluateGroup(ctx context.Context, acct account.Account, senderID string) Verdict {
	switch acct.GroupPolicy {
	case account.GroupDisabled:
		return Verdict{Reason: "group disabled"}
	case account.GroupOpen:
		return Verdict{Allow: true, Reason: "group open"}
	case account.GroupAllowlist:
		if SenderMatches(e.effectiveAllowList(ctx, acct.GroupAllowFrom), senderID) {
			return Verdict{Allow: true, Reason: "sender allowed"}
		}
		return Verdict{Reason: "sender not allowed"}
	default:
		return Verdict{Reason: "unknown group policy"}
	}
}

// AuthorizedForCommands reports whether a group sender may issue host
// control commands: the union of the dm and group allow lists plus
// approved pairings.
func (e *Engine) AuthorizedForCommands(ctx context.Context, acct account.Account, senderID string) bool {
	combined := append(append([]string{}, acct.AllowFrom...), acct.GroupAllowFrom...)
	return SenderMatches(e.effectiveAllowList(ctx, combined), senderID)
}

// effectiveAllowList unions the static entries with approved pairing
// records. The pairing store is consulted lazily, only when a policy
// actually needs the list.
func (e *Engine) effectiveAllowList(ctx context.Context, static []string) []string {
	if e.pairing == nil {
		return static
	}
	approved, err := e.pairing.ListApproved(ctx, channel.Name)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("pairing list failed", slog.Any("error", err))
		}
		return static
	}
	return append(append([]string{}, static...), approved...)
}

// SenderMatches reports whether the sender is covered by the allow
// list: verbatim, case-insensitively, with the wecom:/wc: channel
// prefix stripped, or via the "*" wildcard.
func SenderMatches(allowList []string, senderID string) bool {
	sender := strings.ToLower(strings.TrimSpace(senderID))
	if sender == "" {
		return false
	}
	for _, entry := range allowList {
		normalized := strings.ToLower(strings.TrimSpace(entry))
		if normalized == "" {
			continue
		}
		if normalized == "*" {
			return true
		}
		normalized = strings.TrimPrefix(normalized, "wecom:")
		normalized = strings.TrimPrefix(normalized, "wc:")
		if normalized == sender {
			return true
		}
	}
	return false
}
