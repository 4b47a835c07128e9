package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/channel"
	"github.com/wecombridge/wecombridge/internal/gateway"
	"github.com/wecombridge/wecombridge/internal/policy"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	replies []channel.Reply
	err     error
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ account.Account, reply channel.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
	return f.err
}

func (f *fakeDeliverer) delivered() []channel.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Reply{}, f.replies...)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []channel.InboundContext
	reply    *channel.Reply
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg channel.InboundContext, deliver gateway.DeliverFunc) error {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	if f.reply != nil {
		return deliver(ctx, *f.reply)
	}
	return nil
}

func (f *fakeDispatcher) dispatched() []channel.InboundContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.InboundContext{}, f.messages...)
}

func newTestProcessor(dispatcher *fakeDispatcher, deliverer *fakeDeliverer, pairing gateway.PairingService) *Processor {
	runtime := gateway.Runtime{
		Pairing:    pairing,
		Sessions:   gateway.NewMemorySessionStore(),
		Router:     &gateway.StaticRouter{AgentID: "agent-1"},
		Dispatcher: dispatcher,
		Commands:   gateway.PrefixCommandParser{},
	}
	p := NewProcessor(nil, runtime, policy.NewEngine(nil, pairing), deliverer)
	p.detach = func(fn func()) { fn() }
	return p
}

func TestProcessorDispatchesAllowedDirectMessage(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	deliverer := &fakeDeliverer{}
	p := newTestProcessor(dispatcher, deliverer, nil)
	acct := account.Account{ID: "default", AgentID: "1000002", DMPolicy: account.DMOpen}

	p.Handle(context.Background(), acct, wecom.InboundEnvelope{
		FromUser:   "alice",
		ToUser:     "corp",
		AgentID:    "1000002",
		MsgType:    "text",
		Content:    "  hello  ",
		MsgID:      "m1",
		CreateTime: 1700000000,
	})

	got := dispatcher.dispatched()
	if len(got) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(got))
	}
	msg := got[0]
	if msg.From != "wecom:alice" || msg.Text != "hello" || msg.ChatType != channel.ChatDirect {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SessionKey == "" {
		t.Fatal("expected resolved session key")
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}
}

func TestProcessorDropsForeignAgentAndEmpty(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(dispatcher, &fakeDeliverer{}, nil)
	acct := account.Account{ID: "default", AgentID: "1000002", DMPolicy: account.DMOpen}

	p.Handle(context.Background(), acct, wecom.InboundEnvelope{
		FromUser: "alice", AgentID: "999", MsgType: "text", Content: "hi",
	})
	p.Handle(context.Background(), acct, wecom.InboundEnvelope{
		FromUser: "alice", AgentID: "1000002", MsgType: "text", Content: "   ",
	})
	p.Handle(context.Background(), acct, wecom.InboundEnvelope{
		FromUser: "alice", AgentID: "1000002", MsgType: "image", Content: "hi",
	})

	if n := len(dispatcher.dispatched()); n != 0 {
		t.Fatalf("dispatched %d messages, want 0", n)
	}
}

func TestProcessorIssuesPairingCode(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	deliverer := &fakeDeliverer{}
	pairing := gateway.NewMemoryPairingService()
	p := newTestProcessor(dispatcher, deliverer, pairing)
	acct := account.Account{ID: "default", DMPolicy: account.DMPairing}

	envelope := wecom.InboundEnvelope{FromUser: "carol", MsgType: "text", Content: "hi"}
	p.Handle(context.Background(), acct, envelope)

	if n := len(dispatcher.dispatched()); n != 0 {
		t.Fatalf("dispatched %d messages, want 0", n)
	}
	replies := deliverer.delivered()
	if len(replies) != 1 {
		t.Fatalf("delivered %d replies, want 1 pairing reply", len(replies))
	}
	code, created, err := pairing.UpsertRequest(context.Background(), channel.Name, "carol")
	if err != nil || created {
		t.Fatalf("expected pending pairing request, got created=%v err=%v", created, err)
	}
	if replies[0].Target != "carol" {
		t.Fatalf("unexpected pairing reply target: %+v", replies[0])
	}
	if !strings.Contains(replies[0].Text, "carol") || !strings.Contains(replies[0].Text, code) {
		t.Fatalf("pairing reply %q should name the sender and code %q", replies[0].Text, code)
	}

	// A second message reuses the pending code without resending it.
	p.Handle(context.Background(), acct, envelope)
	if n := len(deliverer.delivered()); n != 1 {
		t.Fatalf("delivered %d replies after retry, want 1", n)
	}
}

func TestProcessorGroupPolicyAndCommands(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(dispatcher, &fakeDeliverer{}, nil)
	acct := account.Account{
		ID:          "default",
		GroupPolicy: account.GroupOpen,
	}
	group := wecom.InboundEnvelope{
		FromUser: "bob", ChatID: "wr42", MsgType: "text", Content: "/reset",
	}

	// Unauthorized control command in a group is dropped.
	p.Handle(context.Background(), acct, group)
	if n := len(dispatcher.dispatched()); n != 0 {
		t.Fatalf("dispatched %d, want 0 for unauthorized command", n)
	}

	// Listed sender may issue the same command.
	acct.GroupAllowFrom = []string{"bob"}
	p.Handle(context.Background(), acct, group)
	got := dispatcher.dispatched()
	if len(got) != 1 {
		t.Fatalf("dispatched %d, want 1", len(got))
	}
	if got[0].ChatType != channel.ChatGroup || !got[0].CommandAuthorized {
		t.Fatalf("unexpected group message: %+v", got[0])
	}
}

func TestProcessorFillsReplyTarget(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{reply: &channel.Reply{Text: "pong"}}
	deliverer := &fakeDeliverer{}
	p := newTestProcessor(dispatcher, deliverer, nil)
	acct := account.Account{ID: "default", DMPolicy: account.DMOpen}

	p.Handle(context.Background(), acct, wecom.InboundEnvelope{
		FromUser: "alice", MsgType: "text", Content: "ping",
	})

	replies := deliverer.delivered()
	if len(replies) != 1 {
		t.Fatalf("delivered %d replies, want 1", len(replies))
	}
	if replies[0].Target != "alice" {
		t.Fatalf("reply target = %q, want alice", replies[0].Target)
	}
}

func TestProcessorSurvivesDispatchPanic(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(&fakeDispatcher{}, &fakeDeliverer{}, nil)
	p.runtime.Router = panicRouter{}

	// Must not propagate the panic to the caller.
	p.Handle(context.Background(), account.Account{ID: "default", DMPolicy: account.DMOpen},
		wecom.InboundEnvelope{FromUser: "alice", MsgType: "text", Content: "hi"})
}

type panicRouter struct{}

func (panicRouter) ResolveRoute(context.Context, gateway.RouteQuery) (gateway.Route, error) {
	panic("router exploded")
}

func TestProcessorRouteErrorIsLoggedNotFatal(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(&fakeDispatcher{}, &fakeDeliverer{}, nil)
	p.runtime.Router = errorRouter{}

	p.Handle(context.Background(), account.Account{ID: "default", DMPolicy: account.DMOpen},
		wecom.InboundEnvelope{FromUser: "alice", MsgType: "text", Content: "hi"})
}

type errorRouter struct{}

func (errorRouter) ResolveRoute(context.Context, gateway.RouteQuery) (gateway.Route, error) {
	return gateway.Route{}, errors.New("no route")
}
