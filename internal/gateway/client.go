// Package gateway is the wire adapter for the bank payment gateway: deposit
// Init/GetState, card binding, e2c payouts and webhook verification.
package gateway

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

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/metrics"
	"github.com/workmarket/backend/internal/money"
)

type Config struct {
	BaseURL           string
	TerminalKey       string
	Password          string
	PayoutTerminalKey string
	PayoutPassword    string
	NotificationURL   string
	SuccessURL        string
	Timeout           time.Duration
	// BreakerFailures consecutive transport failures open the circuit for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Error is a business failure reported by the gateway. Code and Message are
// passed to callers verbatim.
type Error struct {
	Method  string
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s failed: code=%s %s", e.Method, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return apperr.ErrGateway }

// Result is the uniform view of every gateway response.
type Result struct {
	Success          bool            `json:"success"`
	Status           string          `json:"status"`
	ErrorCode        string          `json:"error_code,omitempty"`
	Message          string          `json:"message,omitempty"`
	ExternalID       string          `json:"external_id,omitempty"`
	OrderID          string          `json:"order_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentURL       string          `json:"payment_url,omitempty"`
	SpAccumulationID string          `json:"sp_accumulation_id,omitempty"`
	CustomerKey      string          `json:"customer_key,omitempty"`
	CardID           string          `json:"card_id,omitempty"`
	RequestKey       string          `json:"request_key,omitempty"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.PayoutPassword == "" {
		cfg.PayoutPassword = cfg.Password
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// InitRequest starts a deposit. Either SpAccumulationID names an existing
// deal or CreateDeal asks the gateway to open one.
type InitRequest struct {
	OrderID          string
	Amount           decimal.Decimal
	Description      string
	CustomerKey      string
	SpAccumulationID string
	CreateDeal       bool
}

func (c *Client) Init(ctx context.Context, req InitRequest) (*Result, error) {
	params := map[string]any{
		"TerminalKey": c.cfg.TerminalKey,
		"Amount":      money.ToMinor(req.Amount),
		"OrderId":     req.OrderID,
		"Description": req.Description,
		"CustomerKey": req.CustomerKey,
	}
	if c.cfg.NotificationURL != "" {
		params["NotificationURL"] = c.cfg.NotificationURL
	}
	if c.cfg.SuccessURL != "" {
		params["SuccessURL"] = c.cfg.SuccessURL
	}
	switch {
	case req.SpAccumulationID != "":
		params["SpAccumulationId"] = req.SpAccumulationID
	case req.CreateDeal:
		params["CreateDealWithType"] = "NN"
	}
	return c.call(ctx, "Init", "/v2/Init", params, c.cfg.Password)
}

func (c *Client) GetState(ctx context.Context, paymentID string) (*Result, error) {
	return c.call(ctx, "GetState", "/v2/GetState", map[string]any{
		"TerminalKey": c.cfg.TerminalKey,
		"PaymentId":   paymentID,
	}, c.cfg.Password)
}

func (c *Client) AddCustomer(ctx context.Context, customerKey string) (*Result, error) {
	res, err := c.call(ctx, "AddCustomer", "/v2/AddCustomer", map[string]any{
		"TerminalKey": c.cfg.PayoutTerminalKey,
		"CustomerKey": customerKey,
	}, c.cfg.PayoutPassword)
	// An already registered customer is fine for binding another card.
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Code == "7" {
		return res, nil
	}
	return res, err
}

func (c *Client) AddCard(ctx context.Context, customerKey string) (*Result, error) {
	return c.call(ctx, "AddCard", "/v2/AddCard", map[string]any{
		"TerminalKey": c.cfg.PayoutTerminalKey,
		"CustomerKey": customerKey,
		"CheckType":   "3DS",
	}, c.cfg.PayoutPassword)
}

// PayoutRequest is a withdrawal to a bound card, drawn from a deal.
type PayoutRequest struct {
	OrderID          string
	Amount           decimal.Decimal
	CardID           string
	SpAccumulationID string
	FinalPayout      bool
}

func (c *Client) PayoutInit(ctx context.Context, req PayoutRequest) (*Result, error) {
	params := map[string]any{
		"TerminalKey": c.cfg.PayoutTerminalKey,
		"OrderId":     req.OrderID,
		"Amount":      money.ToMinor(req.Amount),
		"CardId":      req.CardID,
	}
	if req.SpAccumulationID != "" {
		params["DealId"] = req.SpAccumulationID
	}
	if req.FinalPayout {
		params["FinalPayout"] = true
	}
	return c.call(ctx, "PayoutInit", "/e2c/v2/Init", params, c.cfg.PayoutPassword)
}

func (c *Client) PayoutPayment(ctx context.Context, paymentID string) (*Result, error) {
	return c.call(ctx, "PayoutPayment", "/e2c/v2/Payment", map[string]any{
		"TerminalKey": c.cfg.PayoutTerminalKey,
		"PaymentId":   paymentID,
	}, c.cfg.PayoutPassword)
}

func (c *Client) PayoutGetState(ctx context.Context, paymentID string) (*Result, error) {
	return c.call(ctx, "PayoutGetState", "/e2c/v2/GetState", map[string]any{
		"TerminalKey": c.cfg.PayoutTerminalKey,
		"PaymentId":   paymentID,
	}, c.cfg.PayoutPassword)
}

// call signs params, posts them and maps the answer. Transport failures and
// 5xx answers count against the circuit breaker; a well-formed refusal
// (Success=false) does not and comes back as *Error.
func (c *Client) call(ctx context.Context, method, path string, params map[string]any, secret string) (*Result, error) {
	params["Token"] = Sign(params, secret)
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, path, body)
	})
	c.metrics.GatewayCall(method, err)
	if err != nil {
		c.logger.Error("gateway call failed", "method", method, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrGateway, method, err)
	}

	raw := out.(map[string]any)
	if _, signed := raw["Token"]; signed && !Verify(raw, secret) {
		c.metrics.GatewayCall(method+"_signature", errors.New("bad token"))
		return nil, fmt.Errorf("%w: %s: response signature mismatch", apperr.ErrGateway, method)
	}
	res := toResult(raw)
	if !res.Success {
		c.logger.Warn("gateway refused request", "method", method, "code", res.ErrorCode, "message", res.Message)
		return res, &Error{Method: method, Code: res.ErrorCode, Message: res.Message}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return decode(raw)
}

func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return m, nil
}

func toResult(m map[string]any) *Result {
	r := &Result{
		Status:           str(m["Status"]),
		ErrorCode:        str(m["ErrorCode"]),
		Message:          str(m["Message"]),
		ExternalID:       str(m["PaymentId"]),
		OrderID:          str(m["OrderId"]),
		PaymentURL:       str(m["PaymentURL"]),
		SpAccumulationID: str(m["SpAccumulationId"]),
		CustomerKey:      str(m["CustomerKey"]),
		CardID:           str(m["CardId"]),
		RequestKey:       str(m["RequestKey"]),
	}
	if details := str(m["Details"]); details != "" {
		r.Message = strings.TrimSpace(r.Message + " " + details)
	}
	switch v := m["Success"].(type) {
	case bool:
		r.Success = v
	case string:
		r.Success = v == "true"
	}
	if n, ok := m["Amount"].(json.Number); ok {
		if minor, err := n.Int64(); err == nil {
			r.Amount = money.FromMinor(minor)
		}
	}
	return r
}

func str(v any) string {
	s, _ := scalar(v)
	return s
}
