package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

// maxBodyBytes caps inbound webhook bodies. The vendor never sends
// anything close to this for a text callback.
const maxBodyBytes = 1 << 20

// Handler serves the vendor webhook endpoints.
type Handler struct {
	logger   *slog.Logger
	registry *Registry
	resolver *account.Resolver
}

// NewHandler creates the webhook handler. The resolver is used as a
// fallback so URL verification works before any provider has
// registered; it may be nil.
func NewHandler(log *slog.Logger, registry *Registry, resolver *account.Resolver) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger:   log.With(slog.String("component", "webhook")),
		registry: registry,
		resolver: resolver,
	}
}

// Register mounts the webhook routes plus the secondary callback
// endpoint for each path.
func (h *Handler) Register(e *echo.Echo, paths []string) {
	seen := map[string]bool{}
	for _, path := range paths {
		path = NormalizePath(path)
		if seen[path] {
			continue
		}
		seen[path] = true
		e.Any(path, h.handle)
		callback := path + "/callback"
		if path == "/" {
			callback = "/callback"
		}
		e.Any(callback, h.handleCallback)
	}
}

func (h *Handler) handle(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodGet:
		return h.verify(c)
	case http.MethodPost:
		return h.deliver(c)
	default:
		c.Response().Header().Set("Allow", "GET, POST")
		return echo.NewHTTPError(http.StatusMethodNotAllowed)
	}
}

// verify implements the vendor's URL ownership check: echo back the
// decrypted echostr.
func (h *Handler) verify(c echo.Context) error {
	acct, ok := h.resolveAccount(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no webhook target for path")
	}

	echostr := c.QueryParam("echostr")
	if echostr == "" {
		return c.String(http.StatusOK, "ok")
	}

	if acct.Token != "" {
		signature := c.QueryParam("msg_signature")
		if !wecom.VerifySignature(acct.Token, c.QueryParam("timestamp"), c.QueryParam("nonce"), echostr, signature) {
			h.logger.Warn("verification signature mismatch", slog.String("account", acct.ID))
			return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
		}
	}

	if acct.EncodingAESKey == "" {
		return c.String(http.StatusOK, echostr)
	}
	envelope, err := wecom.Decrypt(acct.EncodingAESKey, echostr, acct.CorpID)
	if err != nil {
		h.logger.Warn("echostr decrypt failed",
			slog.String("account", acct.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, "echostr decrypt failed")
	}
	// The vendor compares the plaintext byte for byte.
	return c.Blob(http.StatusOK, "text/plain", envelope.Message)
}

// deliver implements message delivery: authenticate, decrypt, parse,
// then acknowledge immediately while processing continues detached.
func (h *Handler) deliver(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	}

	binding, ok := h.registry.Resolve(c.Request().URL.Path, c.QueryParam("token"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no webhook target for path")
	}
	acct := binding.Account

	fields, err := wecom.ParsePayload(body)
	if err != nil {
		h.logger.Warn("unparseable webhook body", slog.String("account", acct.ID))
		return echo.NewHTTPError(http.StatusBadRequest, "unparseable body")
	}

	encrypted := fields.GetString("Encrypt")
	if acct.Token != "" {
		if encrypted == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing encrypted payload")
		}
		signature := c.QueryParam("msg_signature")
		if !wecom.VerifySignature(acct.Token, c.QueryParam("timestamp"), c.QueryParam("nonce"), encrypted, signature) {
			h.logger.Warn("message signature mismatch", slog.String("account", acct.ID))
			return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
		}
	}
	if acct.EncodingAESKey != "" {
		if encrypted == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing encrypted payload")
		}
		envelope, err := wecom.Decrypt(acct.EncodingAESKey, encrypted, acct.CorpID)
		if err != nil {
			h.logger.Warn("message decrypt failed",
				slog.String("account", acct.ID),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadRequest, "decrypt failed")
		}
		if fields, err = wecom.ParsePayload(envelope.Message); err != nil {
			h.logger.Warn("unparseable decrypted message", slog.String("account", acct.ID))
			return echo.NewHTTPError(http.StatusBadRequest, "unparseable message")
		}
	}

	msg := wecom.NormalizeMessage(fields)
	if msg.MsgType == string(wecom.MsgTypeText) {
		if binding.Sink != nil {
			binding.Sink.Handle(c.Request().Context(), acct, msg)
		}
	} else {
		h.logger.Debug("ignoring non-text message",
			slog.String("account", acct.ID),
			slog.String("msg_type", msg.MsgType))
	}
	return c.String(http.StatusOK, "ok")
}

// handleCallback serves the vendor's alternate receive-via-API flow:
// the same GET verification, and a bare JSON acknowledgment for POSTs.
func (h *Handler) handleCallback(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodGet:
		return h.verify(c)
	case http.MethodPost:
		return c.JSON(http.StatusOK, map[string]any{"errcode": 0, "errmsg": "ok"})
	default:
		c.Response().Header().Set("Allow", "GET, POST")
		return echo.NewHTTPError(http.StatusMethodNotAllowed)
	}
}

// resolveAccount finds the account for a verification request: a
// registered binding first, then live configuration so verification
// works before providers start.
func (h *Handler) resolveAccount(c echo.Context) (account.Account, bool) {
	path := NormalizePath(strings.TrimSuffix(NormalizePath(c.Request().URL.Path), "/callback"))
	if binding, ok := h.registry.Resolve(path, c.QueryParam("token")); ok {
		return binding.Account, true
	}
	if h.resolver == nil {
		return account.Account{}, false
	}
	accounts, err := h.resolver.ResolveAll()
	if err != nil {
		h.logger.Warn("account resolution failed", slog.Any("error", err))
		return account.Account{}, false
	}
	token := c.QueryParam("token")
	var first *account.Account
	for i := range accounts {
		if NormalizePath(accounts[i].WebhookPath) != path {
			continue
		}
		if token != "" && accounts[i].Token == token {
			return accounts[i], true
		}
		if first == nil {
			first = &accounts[i]
		}
	}
	if first != nil {
		return *first, true
	}
	return account.Account{}, false
}
