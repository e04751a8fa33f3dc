package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"learnova.app/backend/internal/quota"
)

const (
	defaultBaseURL = "https://api.razorpay.com"
	defaultTimeout = 15 * time.Second
)

type Options struct {
	KeyID      string
	KeySecret  string
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the Razorpay orders API and verifies checkout signatures.
type Client struct {
	keyID     string
	keySecret string
	baseURL   string
	client    *http.Client
}

type OrderRequest struct {
	Amount   int64             `json:"amount"` // paise
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		keyID:     strings.TrimSpace(opts.KeyID),
		keySecret: strings.TrimSpace(opts.KeySecret),
		baseURL:   baseURL,
		client:    client,
	}
}

func (c *Client) Configured() bool {
	return c.keyID != "" && c.keySecret != ""
}

// KeyID is the public key the checkout widget is opened with.
func (c *Client) KeyID() string { return c.keyID }

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: payment gateway is not configured", quota.ErrPayment)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: order request failed: %v", quota.ErrPayment, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read order response: %v", quota.ErrPayment, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Description != "" {
			return nil, fmt.Errorf("%w: %s", quota.ErrPayment, apiErr.Error.Description)
		}
		return nil, fmt.Errorf("%w: order request returned status %d", quota.ErrPayment, resp.StatusCode)
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("%w: failed to decode order response: %v", quota.ErrPayment, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: order response missing id", quota.ErrPayment)
	}
	return &order, nil
}

// VerifySignature checks the checkout handler's razorpay_signature for an
// order/payment pair.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	if c.keySecret == "" || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(c.keySecret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Sign computes hex(HMAC_SHA256(orderID + "|" + paymentID, secret)).
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
