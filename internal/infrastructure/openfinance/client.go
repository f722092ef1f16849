// Package openfinance is the HTTP adapter for an upstream aggregator API.
package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finlink/internal/domain/provider"
)

const (
	defaultTimeout   = 60 * time.Second
	linkTokenPath    = "/link/token"
	exchangePath     = "/link/exchange"
	accountsPath     = "/accounts/"
	maxErrorBodySize = 4 << 10
)

// Client implements provider.Connector over the aggregator's JSON API
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string
}

var _ provider.Connector = (*Client)(nil)

// NewClient creates a client for the API at baseURL. Requests are traced
// through otelhttp.
func NewClient(baseURL, clientID, secret string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
	}
}

// envelope is the response wrapper of every endpoint
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type linkTokenRequest struct {
	ClientUserID string `json:"client_user_id"`
}

type linkTokenData struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
}

type exchangeRequest struct {
	LinkToken   string `json:"link_token"`
	PublicToken string `json:"public_token"`
}

// Account represents an account granted by an exchange
type Account struct {
	AccountID       string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Subtype         string `json:"subtype"`
	CurrencyCode    string `json:"currencyCode"`
	Mask            string `json:"mask"`
	InstitutionName string `json:"institution_name"`
	InstitutionLogo string `json:"institution_logo"`
}

// BalanceData is returned as strings to keep decimal precision
type BalanceData struct {
	Current    string  `json:"current"`
	Available  *string `json:"available"`
	ObservedAt string  `json:"observedAt"`
}

// Transaction represents a transaction from the API
type Transaction struct {
	ID           string  `json:"id"`
	Description  string  `json:"description"`
	Category     *string `json:"category"`
	CurrencyCode string  `json:"currency_code"`
	AmountString string  `json:"amount"`
	DateString   string  `json:"date"` // "2025-09-28 03:00:00" or RFC 3339
	Removed      bool    `json:"removed"`
}

func (c *Client) CreateLinkSession(ctx context.Context, userID int64) (*provider.LinkToken, error) {
	const op = "create_link_session"

	var data linkTokenData
	if err := c.do(ctx, op, http.MethodPost, linkTokenPath, linkTokenRequest{ClientUserID: strconv.FormatInt(userID, 10)}, &data); err != nil {
		return nil, err
	}
	if data.LinkToken == "" {
		return nil, provider.TransientError(op, errors.New("empty link token"))
	}

	lt := &provider.LinkToken{Token: data.LinkToken}
	if data.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, data.Expiration)
		if err != nil {
			return nil, provider.TransientError(op, fmt.Errorf("failed to parse expiration '%s': %w", data.Expiration, err))
		}
		lt.ExpiresAt = exp
	}
	return lt, nil
}

func (c *Client) ExchangePublicToken(ctx context.Context, token, publicCredential string) ([]provider.Account, error) {
	var data []Account
	if err := c.do(ctx, "exchange_public_token", http.MethodPost, exchangePath, exchangeRequest{LinkToken: token, PublicToken: publicCredential}, &data); err != nil {
		return nil, err
	}

	out := make([]provider.Account, 0, len(data))
	for _, a := range data {
		kind := a.Type
		if a.Subtype != "" {
			kind = a.Subtype
		}
		out = append(out, provider.Account{
			Ref:             a.AccountID,
			Name:            a.Name,
			Type:            kind,
			Institution:     a.InstitutionName,
			InstitutionLogo: a.InstitutionLogo,
			Currency:        strings.ToUpper(a.CurrencyCode),
			Mask:            a.Mask,
		})
	}
	return out, nil
}

func (c *Client) FetchBalance(ctx context.Context, ref string) (*provider.Balance, error) {
	const op = "fetch_balance"

	var data BalanceData
	if err := c.do(ctx, op, http.MethodGet, accountsPath+url.PathEscape(ref)+"/balance", nil, &data); err != nil {
		return nil, err
	}

	current, err := decimal.NewFromString(data.Current)
	if err != nil {
		return nil, provider.TransientError(op, fmt.Errorf("failed to parse balance '%s': %w", data.Current, err))
	}
	b := &provider.Balance{Current: current}

	if data.Available != nil && *data.Available != "" {
		available, err := decimal.NewFromString(*data.Available)
		if err != nil {
			return nil, provider.TransientError(op, fmt.Errorf("failed to parse available '%s': %w", *data.Available, err))
		}
		b.Available = decimal.NewNullDecimal(available)
	}
	if data.ObservedAt != "" {
		if t, err := time.Parse(time.RFC3339, data.ObservedAt); err == nil {
			b.ObservedAt = t
		}
	}
	return b, nil
}

func (c *Client) FetchTransactions(ctx context.Context, ref string, since time.Time) ([]provider.Transaction, error) {
	const op = "fetch_transactions"

	path := accountsPath + url.PathEscape(ref) + "/transactions?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var data []Transaction
	if err := c.do(ctx, op, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	out := make([]provider.Transaction, 0, len(data))
	for _, t := range data {
		pt, err := t.toProvider()
		if err != nil {
			return nil, provider.TransientError(op, err)
		}
		out = append(out, pt)
	}
	return out, nil
}

func (t *Transaction) toProvider() (provider.Transaction, error) {
	amount, err := decimal.NewFromString(t.AmountString)
	if err != nil {
		return provider.Transaction{}, fmt.Errorf("failed to parse amount '%s': %w", t.AmountString, err)
	}
	posted, err := parseDate(t.DateString)
	if err != nil {
		return provider.Transaction{}, err
	}

	pt := provider.Transaction{
		ID:          t.ID,
		Amount:      amount,
		Currency:    strings.ToUpper(t.CurrencyCode),
		Description: t.Description,
		PostedAt:    posted,
		Removed:     t.Removed,
	}
	if t.Category != nil {
		pt.Category = *t.Category
	}
	return pt, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse date '%s'", s)
}

// do performs one API call and decodes the envelope's data into out.
// Failures are returned classified.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("X-Client-ID", c.clientID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Classify(op, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return statusError(op, resp, raw)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.TransientError(op, fmt.Errorf("failed to read response body: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return provider.TransientError(op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if !env.Success {
		return provider.TransientError(op, errors.New("API returned success=false"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return provider.TransientError(op, fmt.Errorf("failed to unmarshal data: %w", err))
	}
	return nil
}

// statusError maps a non-200 response: 401 and 403 are credential
// failures, 429 is rate limiting, anything else is transient.
func statusError(op string, resp *http.Response, body []byte) error {
	cause := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		cause = fmt.Errorf("API error (status %d): %s - %s", resp.StatusCode, errResp.Error, errResp.Message)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.CredentialError(op, cause)
	case http.StatusTooManyRequests:
		return provider.RateLimitedError(op, retryAfter(resp.Header.Get("Retry-After"), time.Now()), cause)
	default:
		return provider.TransientError(op, cause)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
