// Package oanda implements the broker contract against the OANDA v20
// REST API. All v20 response shapes and status vocabulary stay inside
// this package; callers only ever see the canonical model.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/broker"
)

const (
	practiceURL = "https://api-fxpractice.oanda.com"
	liveURL     = "https://api-fxtrade.oanda.com"
)

// Config holds OANDA credentials and environment selection.
type Config struct {
	AccessToken string
	AccountID   string
	Environment string // practice or live
	BaseURL     string // overrides environment selection when set
	Timeout     time.Duration
}

// Client talks to the OANDA v20 REST API for a single account. The API
// is stateless; Connect just verifies credentials with a summary call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	accountID  string
	logger     *zap.Logger
}

// NewClient builds an OANDA client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = practiceURL
		if cfg.Environment == "live" {
			baseURL = liveURL
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      cfg.AccessToken,
		accountID:  cfg.AccountID,
		logger:     logger,
	}
}

// Name identifies the adapter.
func (c *Client) Name() string {
	return "oanda"
}

// Connect verifies connectivity and credentials via an account summary
// request.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.AccountSummary(ctx); err != nil {
		return broker.NewError(broker.CodeConnectionFailed,
			fmt.Sprintf("OANDA connectivity check failed: %v", err)).WithOp("connect")
	}
	c.logger.Info("connected to OANDA", zap.String("account", c.accountID))
	return nil
}

// Disconnect is a no-op; the v20 API holds no session state.
func (c *Client) Disconnect() error {
	return nil
}

type accountSummaryResponse struct {
	Account struct {
		ID                string `json:"id"`
		Currency          string `json:"currency"`
		Balance           string `json:"balance"`
		NAV               string `json:"NAV"`
		UnrealizedPL      string `json:"unrealizedPL"`
		MarginUsed        string `json:"marginUsed"`
		OpenPositionCount int    `json:"openPositionCount"`
	} `json:"account"`
}

// AccountSummary fetches the canonical account telemetry snapshot.
func (c *Client) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	var resp accountSummaryResponse
	path := fmt.Sprintf("/v3/accounts/%s/summary", c.accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, wrapOp(err, "account_summary")
	}

	return &broker.AccountSummary{
		ID:            resp.Account.ID,
		Currency:      resp.Account.Currency,
		Balance:       parseFloat(resp.Account.Balance),
		NAV:           parseFloat(resp.Account.NAV),
		UnrealizedPL:  parseFloat(resp.Account.UnrealizedPL),
		MarginUsed:    parseFloat(resp.Account.MarginUsed),
		OpenPositions: resp.Account.OpenPositionCount,
	}, nil
}

// do executes a v20 request and decodes the response into out. Non-2xx
// responses are translated into *broker.Error via the v20 error body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return broker.NewError(broker.CodeTimeout, err.Error())
		}
		return broker.NewError(broker.CodeConnectionFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type v20ErrorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// parseAPIError maps a v20 error response into a canonical broker error.
func (c *Client) parseAPIError(resp *http.Response) error {
	var body v20ErrorBody
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &body)
	if body.ErrorMessage == "" {
		body.ErrorMessage = http.StatusText(resp.StatusCode)
	}

	code := classifyErrorCode(body.ErrorCode, resp.StatusCode)
	return broker.NewError(code, fmt.Sprintf("%s: %s", body.ErrorCode, body.ErrorMessage)).
		WithStatus(resp.StatusCode)
}

func classifyErrorCode(oandaCode string, status int) string {
	switch oandaCode {
	case "ORDER_DOESNT_EXIST", "NO_SUCH_ORDER":
		return broker.CodeOrderNotFound
	case "CLOSEOUT_POSITION_DOESNT_EXIST", "CLOSEOUT_POSITION_REJECT", "POSITION_NOT_CLOSEABLE":
		return broker.CodeNothingToClose
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return broker.CodeAuth
	case status == http.StatusTooManyRequests:
		return broker.CodeRateLimited
	case status == http.StatusNotFound:
		return broker.CodeOrderNotFound
	case status >= http.StatusInternalServerError:
		return broker.CodeServerError
	default:
		return broker.CodeValidation
	}
}

func wrapOp(err error, op string) error {
	var be *broker.Error
	if errors.As(err, &be) {
		return be.WithOp(op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatUnits(units float64) string {
	return strconv.FormatFloat(units, 'f', 0, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 5, 64)
}
