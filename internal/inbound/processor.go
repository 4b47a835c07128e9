// Package inbound turns decrypted vendor envelopes into host-runtime
// messages: policy gating, route resolution, session bookkeeping, and
// detached dispatch.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/channel"
	"github.com/wecombridge/wecombridge/internal/gateway"
	"github.com/wecombridge/wecombridge/internal/policy"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

// Deliverer sends a reply back to the vendor on behalf of an account.
type Deliverer interface {
	Deliver(ctx context.Context, acct account.Account, reply channel.Reply) error
}

// Processor runs the inbound pipeline for decrypted messages.
type Processor struct {
	logger    *slog.Logger
	runtime   gateway.Runtime
	engine    *policy.Engine
	deliverer Deliverer

	// detach is swapped out in tests to run the pipeline inline.
	detach func(fn func())
}

// NewProcessor creates an inbound processor bound to the host runtime.
func NewProcessor(log *slog.Logger, runtime gateway.Runtime, engine *policy.Engine, deliverer Deliverer) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		logger:    log.With(slog.String("component", "inbound")),
		runtime:   runtime,
		engine:    engine,
		deliverer: deliverer,
		detach:    func(fn func()) { go fn() },
	}
}

// Handle accepts a decrypted envelope and processes it detached from
// the caller so the webhook can acknowledge immediately. Panics in the
// pipeline are logged, never propagated.
func (p *Processor) Handle(ctx context.Context, acct account.Account, envelope wecom.InboundEnvelope) {
	detached := context.WithoutCancel(ctx)
	p.detach(func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("inbound pipeline panic",
					slog.String("account", acct.ID),
					slog.Any("panic", r))
			}
		}()
		if err := p.process(detached, acct, envelope); err != nil {
			p.logger.Error("inbound processing failed",
				slog.String("account", acct.ID),
				slog.String("from", envelope.FromUser),
				slog.Any("error", err))
		}
	})
}

func (p *Processor) process(ctx context.Context, acct account.Account, envelope wecom.InboundEnvelope) error {
	if acct.AgentID != "" && envelope.AgentID != "" && envelope.AgentID != acct.AgentID {
		p.logger.Debug("dropping message for foreign agent",
			slog.String("account", acct.ID),
			slog.String("agent_id", envelope.AgentID))
		return nil
	}

	text := strings.TrimSpace(envelope.Content)
	if envelope.MsgType != string(wecom.MsgTypeText) || text == "" {
		p.logger.Debug("ignoring non-text or empty message",
			slog.String("account", acct.ID),
			slog.String("msg_type", envelope.MsgType))
		return nil
	}

	sender := strings.TrimSpace(envelope.FromUser)
	if sender == "" {
		return nil
	}

	chatType := policy.ClassifyChat(envelope)
	verdict, commandAuthorized := p.gate(ctx, acct, chatType, sender)
	if !verdict.Allow {
		if verdict.PairingCreated && verdict.PairingCode != "" {
			p.sendPairingCode(ctx, acct, sender, verdict.PairingCode)
		}
		p.logger.Info("message blocked by policy",
			slog.String("account", acct.ID),
			slog.String("sender", sender),
			slog.String("chat_type", string(chatType)),
			slog.String("reason", verdict.Reason))
		return nil
	}

	if chatType == channel.ChatGroup && p.runtime.Commands != nil &&
		p.runtime.Commands.IsControlCommand(text) && !commandAuthorized {
		p.logger.Info("unauthorized control command dropped",
			slog.String("account", acct.ID),
			slog.String("sender", sender))
		return nil
	}

	peerID := sender
	if chatType == channel.ChatGroup && strings.TrimSpace(envelope.ChatID) != "" {
		peerID = strings.TrimSpace(envelope.ChatID)
	}
	route, err := p.runtime.Router.ResolveRoute(ctx, gateway.RouteQuery{
		Channel:   channel.Name,
		AccountID: acct.ID,
		Peer:      gateway.Peer{Kind: chatType, ID: peerID},
	})
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	msg := channel.InboundContext{
		Channel:           channel.Name,
		AccountID:         acct.ID,
		From:              channel.Address(sender),
		To:                channel.Address(envelope.ToUser),
		SenderID:          sender,
		SenderLabel:       sender,
		ChatType:          chatType,
		ChatID:            strings.TrimSpace(envelope.ChatID),
		Text:              text,
		MessageID:         envelope.MsgID,
		SessionKey:        route.SessionKey,
		CommandAuthorized: commandAuthorized,
	}
	if envelope.CreateTime > 0 {
		msg.Timestamp = time.Unix(envelope.CreateTime, 0)
	} else {
		msg.Timestamp = time.Now()
	}

	if p.runtime.Sessions != nil {
		if lastAt, ok := p.runtime.Sessions.LastActivity(ctx, route.SessionKey); ok {
			msg.PrevSessionAt = time.Unix(lastAt, 0)
		}
		if err := p.runtime.Sessions.Record(ctx, route.SessionKey, msg); err != nil {
			p.logger.Warn("session record failed",
				slog.String("session", route.SessionKey),
				slog.Any("error", err))
		}
	}

	return p.runtime.Dispatcher.Dispatch(ctx, msg, func(ctx context.Context, reply channel.Reply) error {
		if reply.Target == "" {
			reply.Target = sender
			if chatType == channel.ChatGroup {
				reply.Target = peerID
			}
		}
		return p.deliverer.Deliver(ctx, acct, reply)
	})
}

func (p *Processor) gate(ctx context.Context, acct account.Account, chatType channel.ChatType, sender string) (policy.Verdict, bool) {
	if chatType == channel.ChatGroup {
		verdict := p.engine.EvaluateGroup(ctx, acct, sender)
		authorized := verdict.Allow && p.engine.AuthorizedForCommands(ctx, acct, sender)
		return verdict, authorized
	}
	verdict := p.engine.EvaluateDirect(ctx, acct, sender)
	return verdict, verdict.Allow
}

func (p *Processor) sendPairingCode(ctx context.Context, acct account.Account, sender, code string) {
	if p.deliverer == nil {
		return
	}
	reply := channel.Reply{
		Target: sender,
		Text: fmt.Sprintf("Your id is %s and your pairing code is %s. Ask an administrator to approve it to start chatting.",
			sender, code),
	}
	if err := p.deliverer.Deliver(ctx, acct, reply); err != nil {
		p.logger.Warn("pairing code delivery failed",
			slog.String("account", acct.ID),
			slog.String("sender", sender),
			slog.Any("error", err))
	}
}
