package clickpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/retry"
)

const retryBaseDelay = 500 * time.Millisecond

// Config carries the client credentials and policy knobs.
type Config struct {
	BaseURL        string
	ClientID       string
	APIKey         string
	ChecksumSecret string // empty disables request checksums
	Timeout        time.Duration
	MaxRetries     int
	MinAmount      string
	MaxAmount      string
}

// Client talks to the ClickPesa third-party API. All money-moving calls
// validate inputs locally first so a malformed request never reaches
// the gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenCache
	logger *slog.Logger
}

// New creates a gateway client. The token cache is wired back to the
// client so it can issue tokens through the same HTTP stack.
func New(cfg Config, tokens *TokenCache, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
		logger: logger,
	}
	tokens.setIssuer(c)
	return c
}

// GenerateToken requests a fresh JWT using the client-id/api-key pair.
// Called by the token cache; application code goes through the cache.
func (c *Client) GenerateToken(ctx context.Context) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}

	headers := map[string]string{
		"client-id": c.cfg.ClientID,
		"api-key":   c.cfg.APIKey,
	}
	if err := c.do(ctx, http.MethodPost, endpointGenerateToken, nil, headers, &resp); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("generate_token", "error").Inc()
		return "", fmt.Errorf("generate token: %w", err)
	}
	if !resp.Success || resp.Token == "" {
		metrics.GatewayRequestsTotal.WithLabelValues("generate_token", "error").Inc()
		return "", &APIError{Message: "token generation returned no token"}
	}

	metrics.GatewayRequestsTotal.WithLabelValues("generate_token", "ok").Inc()
	logging.L(ctx).Info("generated new gateway token")
	return resp.Token, nil
}

// PreviewPayment asks which mobile money channels can collect the
// amount, and at what fee, without initiating anything.
func (c *Client) PreviewPayment(ctx context.Context, req PaymentRequest, fetchSender bool) (*PaymentPreview, error) {
	payload, err := c.paymentPayload(req)
	if err != nil {
		return nil, err
	}
	payload["fetchSenderDetails"] = fetchSender
	c.sign(payload)

	var preview PaymentPreview
	if err := c.doAuthed(ctx, "preview_payment", http.MethodPost, endpointPreviewPush, payload, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// InitiatePayment sends a USSD-PUSH prompt to the customer's handset.
// The returned payment starts in PROCESSING; the webhook or the
// reconciler observes the terminal status.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	payload, err := c.paymentPayload(req)
	if err != nil {
		return nil, err
	}
	c.sign(payload)

	var p Payment
	if err := c.doAuthed(ctx, "initiate_payment", http.MethodPost, endpointInitiatePush, payload, &p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payment initiated",
		"reference", req.OrderReference, "gateway_id", p.ID, "status", p.Status)
	return &p, nil
}

// QueryPayment fetches the current gateway state of a collection by
// order reference. Returns ErrNoRecords when the gateway has none.
func (c *Client) QueryPayment(ctx context.Context, orderReference string) (*Payment, error) {
	ref, err := ValidateReference(orderReference)
	if err != nil {
		return nil, err
	}

	var p Payment
	if err := c.doAuthedList(ctx, "query_payment", endpointQueryPayment+ref, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PreviewPayout quotes the fee and checks the float balance for a
// disbursement without creating it.
func (c *Client) PreviewPayout(ctx context.Context, req PayoutRequest) (*PayoutPreview, error) {
	payload, err := c.payoutPayload(req)
	if err != nil {
		return nil, err
	}
	c.sign(payload)

	var preview PayoutPreview
	if err := c.doAuthed(ctx, "preview_payout", http.MethodPost, endpointPreviewPayout, payload, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// CreatePayout initiates a disbursement to the beneficiary's mobile
// wallet. The returned payout starts in AUTHORIZED or PROCESSING.
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	payload, err := c.payoutPayload(req)
	if err != nil {
		return nil, err
	}
	c.sign(payload)

	var p Payout
	if err := c.doAuthed(ctx, "create_payout", http.MethodPost, endpointCreatePayout, payload, &p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payout created",
		"reference", req.OrderReference, "gateway_id", p.ID, "status", p.Status)
	return &p, nil
}

// QueryPayout fetches the current gateway state of a disbursement by
// order reference. Returns ErrNoRecords when the gateway has none.
func (c *Client) QueryPayout(ctx context.Context, orderReference string) (*Payout, error) {
	ref, err := ValidateReference(orderReference)
	if err != nil {
		return nil, err
	}

	var p Payout
	if err := c.doAuthedList(ctx, "query_payout", endpointQueryPayout+ref, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AccountBalance returns the merchant float balance.
func (c *Client) AccountBalance(ctx context.Context) (*Balance, error) {
	var b Balance
	if err := c.doAuthed(ctx, "account_balance", http.MethodGet, endpointBalance, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) paymentPayload(req PaymentRequest) (map[string]any, error) {
	amount, err := ValidateAmount(req.Amount, c.cfg.MinAmount, c.cfg.MaxAmount)
	if err != nil {
		return nil, err
	}
	currency, err := ValidateCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	ref, err := ValidateReference(req.OrderReference)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"amount":         amount,
		"currency":       currency,
		"orderReference": ref,
		"phoneNumber":    phone,
	}, nil
}

func (c *Client) payoutPayload(req PayoutRequest) (map[string]any, error) {
	amount, err := ValidateAmount(req.Amount, c.cfg.MinAmount, c.cfg.MaxAmount)
	if err != nil {
		return nil, err
	}
	currency, err := ValidateCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	ref, err := ValidateReference(req.OrderReference)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"amount":         amount,
		"currency":       currency,
		"orderReference": ref,
		"phoneNumber":    phone,
	}
	if req.Channel != "" {
		payload["channel"] = req.Channel
	}
	return payload, nil
}

// sign adds the payload checksum when a secret is configured. The
// checksum covers the payload without the checksum field itself.
func (c *Client) sign(payload map[string]any) {
	if c.cfg.ChecksumSecret == "" {
		return
	}
	payload["checksum"] = Checksum(payload, c.cfg.ChecksumSecret)
}

// doAuthed performs an authenticated request. On a 401/403 the cached
// token is invalidated and the call retried exactly once with a fresh
// token.
func (c *Client) doAuthed(ctx context.Context, op, method, endpoint string, payload map[string]any, out any) error {
	err := c.doWithToken(ctx, method, endpoint, payload, out, false)

	var authErr *AuthError
	if errors.As(err, &authErr) {
		logging.L(ctx).Warn("gateway rejected token, refreshing",
			"operation", op, "status", authErr.StatusCode)
		if ierr := c.tokens.Invalidate(ctx); ierr != nil {
			return ierr
		}
		err = c.doWithToken(ctx, method, endpoint, payload, out, true)
	}

	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// doAuthedList performs an authenticated GET whose response may be a
// single object or a one-element array, as the status query endpoints
// return either form.
func (c *Client) doAuthedList(ctx context.Context, op, endpoint string, out any) error {
	var raw json.RawMessage
	if err := c.doAuthed(ctx, op, http.MethodGet, endpoint, nil, &raw); err != nil {
		return err
	}

	body := bytes.TrimSpace(raw)
	if len(body) > 0 && body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return &APIError{Message: "malformed list response: " + err.Error()}
		}
		if len(items) == 0 {
			return ErrNoRecords
		}
		body = items[0]
	}
	if len(body) == 0 || string(body) == "null" {
		return ErrNoRecords
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Message: "malformed response: " + err.Error()}
	}
	return nil
}

func (c *Client) doWithToken(ctx context.Context, method, endpoint string, payload map[string]any, out any, forceRefresh bool) error {
	token, err := c.tokens.Get(ctx, forceRefresh)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": token}
	return c.do(ctx, method, endpoint, payload, headers, out)
}

// do performs one logical request with retries. Connection failures and
// 5xx responses are retried with backoff; 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, endpoint string, payload map[string]any, headers map[string]string, out any) error {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	return retry.Do(ctx, c.cfg.MaxRetries, retryBaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport-level failure, retryable.
			return &APIError{Message: err.Error()}
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &APIError{Message: "read response: " + err.Error()}
		}

		if err := checkStatus(resp.StatusCode, respBody); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				return err
			}
			return retry.Permanent(err)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return retry.Permanent(&APIError{
					StatusCode: resp.StatusCode,
					Message:    "parse response: " + err.Error(),
					Body:       string(respBody),
				})
			}
		}
		return nil
	})
}

// checkStatus maps HTTP status codes to the error taxonomy: 401/403 to
// AuthError, other 4xx/5xx to APIError carrying the gateway message.
func checkStatus(code int, body []byte) error {
	if code < 400 {
		return nil
	}

	msg := fmt.Sprintf("request failed with status %d", code)
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		msg = parsed.Message
	} else if len(body) > 0 {
		msg = string(body)
	}

	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return &AuthError{StatusCode: code, Message: msg}
	}
	return &APIError{StatusCode: code, Message: msg, Body: string(body)}
}
