// Package wecom implements the WeCom (WeChat Work) vendor surface:
// the HTTP API client, the access-token cache, callback crypto, and
// the inbound payload normalizer.
package wecom

import "strings"

// MsgType identifies an outbound message payload kind.
type MsgType string

const (
	MsgTypeText  MsgType = "text"
	MsgTypeImage MsgType = "image"
	MsgTypeVoice MsgType = "voice"
	MsgTypeVideo MsgType = "video"
	MsgTypeFile  MsgType = "file"
)

// MediaType identifies an upload kind for the media endpoint.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVoice MediaType = "voice"
	MediaVideo MediaType = "video"
	MediaFile  MediaType = "file"
)

// MediaTypeFor maps a sniffed content type onto the vendor's media
// kinds: image/* uploads as image, audio/* and voice/* as voice,
// video/* as video, anything else as file.
func MediaTypeFor(contentType string) MediaType {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return MediaImage
	case strings.HasPrefix(ct, "audio/"), strings.HasPrefix(ct, "voice/"):
		return MediaVoice
	case strings.HasPrefix(ct, "video/"):
		return MediaVideo
	default:
		return MediaFile
	}
}

// MsgTypeForMedia maps an upload kind onto the matching send kind.
func MsgTypeForMedia(mediaType MediaType) MsgType {
	switch mediaType {
	case MediaImage:
		return MsgTypeImage
	case MediaVoice:
		return MsgTypeVoice
	case MediaVideo:
		return MsgTypeVideo
	default:
		return MsgTypeFile
	}
}

// SendParams is the discriminated message-send payload. Exactly one of
// ToUser, ToParty, or ToTag must be set; Content is used for text
// messages and MediaID for every media kind.
type SendParams struct {
	AgentID string
	MsgType MsgType
	ToUser  string
	ToParty string
	ToTag   string
	Content string
	MediaID string
}

// AgentInfo is the subset of the agent-metadata response the bridge
// cares about.
type AgentInfo struct {
	AgentID       int64  `json:"agentid"`
	Name          string `json:"name"`
	SquareLogoURL string `json:"square_logo_url"`
	Description   string `json:"description"`
}

// InboundEnvelope is the canonical decrypted inbound message record.
type InboundEnvelope struct {
	FromUser   string
	ToUser     string
	AgentID    string
	MsgType    string
	Content    string
	MsgID      string
	CreateTime int64
	ChatID     string
}

// NormalizeMessage builds the canonical inbound record from parsed
// fields, reading each under its tolerated casing variants.
func NormalizeMessage(fields Fields) InboundEnvelope {
	fields.Canonicalize("FromUserName", "ToUserName", "AgentID", "MsgType", "Content", "MsgId", "CreateTime", "ChatId")
	return InboundEnvelope{
		FromUser:   fields.GetString("FromUserName"),
		ToUser:     fields.GetString("ToUserName"),
		AgentID:    fields.GetString("AgentID"),
		MsgType:    strings.ToLower(fields.GetString("MsgType")),
		Content:    fields.GetString("Content"),
		MsgID:      fields.GetString("MsgId"),
		CreateTime: fields.GetInt64("CreateTime"),
		ChatID:     fields.GetString("ChatId"),
	}
}
