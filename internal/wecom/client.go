package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the vendor's fixed API host.
	DefaultBaseURL = "https://qyapi.weixin.qq.com"
	// DefaultTimeout bounds every API call.
	DefaultTimeout = 10 * time.Second
)

// Client issues authenticated calls against the WeCom HTTP API and
// translates the vendor's JSON envelope into typed errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API host, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a Client with the given logger.
func NewClient(log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.With(slog.String("component", "wecom_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e envelope) err() error {
	if e.ErrCode == 0 {
		return nil
	}
	return &APIError{Code: e.ErrCode, Message: e.ErrMsg}
}

// AccessToken is the token-issuance response.
type AccessToken struct {
	Token     string
	ExpiresIn int
}

// FetchAccessToken exchanges a corp id and application secret for a
// bearer access token.
func (c *Client) FetchAccessToken(ctx context.Context, corpID, secret string) (AccessToken, error) {
	query := url.Values{"corpid": {corpID}, "corpsecret": {secret}}
	var resp struct {
		envelope
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.getJSON(ctx, "/cgi-bin/gettoken", query, &resp); err != nil {
		return AccessToken{}, err
	}
	if err := resp.err(); err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: resp.AccessToken, ExpiresIn: resp.ExpiresIn}, nil
}

// FetchAgentInfo looks up metadata for the application identified by
// agentID.
func (c *Client) FetchAgentInfo(ctx context.Context, token, agentID string) (AgentInfo, error) {
	query := url.Values{"access_token": {token}, "agentid": {agentID}}
	var resp struct {
		envelope
		AgentInfo
	}
	if err := c.getJSON(ctx, "/cgi-bin/agent/get", query, &resp); err != nil {
		return AgentInfo{}, err
	}
	if err := resp.err(); err != nil {
		return AgentInfo{}, err
	}
	return resp.AgentInfo, nil
}

// SendMessage posts one message-send call. Exactly one addressing mode
// in params must be populated.
func (c *Client) SendMessage(ctx context.Context, token string, params SendParams) error {
	body, err := buildSendBody(params)
	if err != nil {
		return err
	}
	query := url.Values{"access_token": {token}}
	var resp envelope
	if err := c.postJSON(ctx, "/cgi-bin/message/send", query, body, &resp); err != nil {
		return err
	}
	return resp.err()
}

// UploadMedia posts one temporary-media upload with a single file part
// and returns the vendor media id. Size ceilings are enforced upstream
// by the delivery pipeline, not here.
func (c *Client) UploadMedia(ctx context.Context, token string, mediaType MediaType, data []byte, filename string) (string, error) {
	if filename == "" {
		filename = "upload"
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	query := url.Values{"access_token": {token}, "type": {string(mediaType)}}
	endpoint := c.baseURL + "/cgi-bin/media/upload?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", &APIError{Code: CodeTransport, Message: err.Error()}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp struct {
		envelope
		MediaID string `json:"media_id"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.MediaID, nil
}

func buildSendBody(params SendParams) (map[string]any, error) {
	addressed := 0
	body := map[string]any{
		"agentid": params.AgentID,
		"msgtype": string(params.MsgType),
	}
	if params.ToUser != "" {
		body["touser"] = params.ToUser
		addressed++
	}
	if params.ToParty != "" {
		body["toparty"] = params.ToParty
		addressed++
	}
	if params.ToTag != "" {
		body["totag"] = params.ToTag
		addressed++
	}
	if addressed != 1 {
		return nil, fmt.Errorf("send params need exactly one of touser, toparty, totag")
	}
	switch params.MsgType {
	case MsgTypeText:
		body["text"] = map[string]string{"content": params.Content}
	case MsgTypeImage, MsgTypeVoice, MsgTypeVideo, MsgTypeFile:
		if params.MediaID == "" {
			return nil, fmt.Errorf("send params need a media id for %s messages", params.MsgType)
		}
		body[string(params.MsgType)] = map[string]string{"media_id": params.MediaID}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", params.MsgType)
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+query.Encode(), bytes.NewReader(payload))
	if err != nil {
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("api call failed", slog.String("path", req.URL.Path), slog.Any("error", err))
		}
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Code: CodeTransport, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
