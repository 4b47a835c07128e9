// Package outbound delivers host-runtime replies through the vendor
// message API: address normalization, table rewriting, text chunking,
// and media upload.
package outbound

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/channel"
	"github.com/wecombridge/wecombridge/internal/config"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

const mediaFetchTimeout = 30 * time.Second

// messageAPI is the slice of the vendor client the delivery path uses.
type messageAPI interface {
	SendMessage(ctx context.Context, token string, params wecom.SendParams) error
	UploadMedia(ctx context.Context, token string, mediaType wecom.MediaType, data []byte, filename string) (string, error)
}

// tokenSource supplies a valid access token per credential pair.
type tokenSource interface {
	Token(ctx context.Context, corpID, secret string) (string, error)
}

// Delivery sends replies for configured accounts.
type Delivery struct {
	logger *slog.Logger
	api    messageAPI
	tokens tokenSource
	fetch  *http.Client
}

// NewDelivery creates the outbound delivery service.
func NewDelivery(log *slog.Logger, api messageAPI, tokens tokenSource) *Delivery {
	if log == nil {
		log = slog.Default()
	}
	return &Delivery{
		logger: log.With(slog.String("component", "outbound")),
		api:    api,
		tokens: tokens,
		fetch:  &http.Client{Timeout: mediaFetchTimeout},
	}
}

// Deliver sends one reply block: any text first, then each media
// attachment. Send failures are logged per chunk and per media item
// and do not abort the remaining items; a token failure is returned to
// the caller since no chunk can go out without one.
func (d *Delivery) Deliver(ctx context.Context, acct account.Account, reply channel.Reply) error {
	if reply.IsEmpty() {
		return nil
	}
	if !acct.Configured() {
		return fmt.Errorf("account %q is not configured for sending", acct.ID)
	}

	target := NormalizeTarget(reply.Target)
	if target.ID == "" {
		return fmt.Errorf("reply has no deliverable target")
	}

	if text := strings.TrimSpace(reply.Text); text != "" {
		if err := d.sendText(ctx, acct, target, text); err != nil {
			// With media still pending the text is a best-effort
			// intro; alone it is the whole delivery.
			if len(reply.MediaURLs) == 0 {
				return err
			}
			d.logger.Warn("intro text delivery failed",
				slog.String("account", acct.ID),
				slog.Any("error", err))
		}
	}

	for _, mediaURL := range reply.MediaURLs {
		if err := d.sendMedia(ctx, acct, target, mediaURL); err != nil {
			d.logger.Warn("media delivery failed",
				slog.String("account", acct.ID),
				slog.String("url", mediaURL),
				slog.Any("error", err))
		}
	}
	return nil
}

func (d *Delivery) sendText(ctx context.Context, acct account.Account, target Target, text string) error {
	text = ConvertTables(text, acct.TableMode)

	limit := acct.TextChunkLimit
	if limit <= 0 {
		limit = config.DefaultTextChunkLimit
	}
	mode := channel.ChunkerModeText
	if acct.TableMode == TableModePreserve || acct.TableMode == "" {
		mode = channel.ChunkerModeMarkdown
	}
	chunks := channel.DefaultChunker(mode)(text, limit)

	for i, chunk := range chunks {
		token, err := d.tokens.Token(ctx, acct.CorpID, acct.Secret)
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		params := wecom.SendParams{
			AgentID: acct.AgentID,
			MsgType: wecom.MsgTypeText,
			Content: chunk,
		}
		target.apply(&params)
		if err := d.api.SendMessage(ctx, token, params); err != nil {
			d.logger.Warn("text chunk delivery failed",
				slog.String("account", acct.ID),
				slog.Int("chunk", i+1),
				slog.Int("chunks", len(chunks)),
				slog.Any("error", err))
		}
	}
	return nil
}

func (d *Delivery) sendMedia(ctx context.Context, acct account.Account, target Target, mediaURL string) error {
	data, contentType, err := d.fetchMedia(ctx, mediaURL, acct.MediaMaxBytes)
	if err != nil {
		return err
	}

	mediaType := wecom.MediaTypeFor(contentType)
	token, err := d.tokens.Token(ctx, acct.CorpID, acct.Secret)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	mediaID, err := d.api.UploadMedia(ctx, token, mediaType, data, fileNameFromURL(mediaURL))
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	params := wecom.SendParams{
		AgentID: acct.AgentID,
		MsgType: wecom.MsgTypeForMedia(mediaType),
		MediaID: mediaID,
	}
	target.apply(&params)
	if err := d.api.SendMessage(ctx, token, params); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

// fetchMedia downloads the attachment, sniffing the content type from
// the response header or, failing that, the leading bytes.
func (d *Delivery) fetchMedia(ctx context.Context, mediaURL string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	resp, err := d.fetch.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	if maxBytes <= 0 {
		maxBytes = config.DefaultMediaMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("media exceeds %d byte limit", maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func fileNameFromURL(mediaURL string) string {
	trimmed := strings.SplitN(mediaURL, "?", 2)[0]
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// Target is a normalized delivery destination.
type Target struct {
	Kind TargetKind
	ID   string
}

// TargetKind selects the addressing field on the send call.
type TargetKind string

const (
	TargetUser  TargetKind = "user"
	TargetParty TargetKind = "party"
	TargetTag   TargetKind = "tag"
)

// NormalizeTarget parses an outbound address: the channel prefix and a
// leading @ are stripped, party:/tag: select the addressing field,
// anything else is a user id.
func NormalizeTarget(raw string) Target {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "wecom:")
	id = strings.TrimPrefix(id, "wc:")
	id = strings.TrimSpace(id)

	kind := TargetUser
	switch {
	case strings.HasPrefix(id, "party:"):
		kind = TargetParty
		id = strings.TrimPrefix(id, "party:")
	case strings.HasPrefix(id, "tag:"):
		kind = TargetTag
		id = strings.TrimPrefix(id, "tag:")
	}
	id = strings.TrimPrefix(strings.TrimSpace(id), "@")
	return Target{Kind: kind, ID: strings.TrimSpace(id)}
}

func (t Target) apply(params *wecom.SendParams) {
	switch t.Kind {
	case TargetParty:
		params.ToParty = t.ID
	case TargetTag:
		params.ToTag = t.ID
	default:
		params.ToUser = t.ID
	}
}
