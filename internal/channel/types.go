// Package channel defines the channel-neutral message types exchanged
// between the vendor adapters and the host runtime, plus the outbound
// chunking policy.
package channel

import (
	"strings"
	"time"
)

// Name is the channel identifier used in address and session prefixes.
const Name = "wecom"

// ChatType classifies the conversation a message belongs to.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// InboundContext is the normalized inbound event handed to the host
// runtime. From and To carry channel-prefixed addresses
// ("wecom:<sender>"), SessionKey identifies the resolved agent session.
type InboundContext struct {
	Channel           string
	AccountID         string
	From              string
	To                string
	SenderID          string
	SenderLabel       string
	ChatType          ChatType
	ChatID            string
	Text              string
	MessageID         string
	Timestamp         time.Time
	SessionKey        string
	CommandAuthorized bool
	PrevSessionAt     time.Time
}

// Address builds a channel-prefixed address from a bare id.
func Address(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return Name + ":" + id
}

// Reply is one outbound block produced by the host runtime for
// delivery back through the vendor.
type Reply struct {
	Target    string
	Text      string
	MediaURLs []string
}

// IsEmpty reports whether the reply carries no deliverable content.
func (r Reply) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.MediaURLs) == 0
}
