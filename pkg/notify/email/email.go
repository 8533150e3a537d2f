// Package email sends order confirmation emails through an HTTP email service.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultTemplate    = "order_confirmation"
	messagesPath       = "/v1/messages"

	// maxErrorBody bounds how much of an error response is kept for the error message
	maxErrorBody = 1024
)

var (
	// ErrNotConfigured is returned when the sender has no service URL.
	ErrNotConfigured = errors.New("email sender not configured")
	// ErrNoRecipient is returned for orders without a customer email.
	ErrNoRecipient = errors.New("order has no customer email")
)

// Config holds email service configuration
type Config struct {
	// BaseURL of the email service, e.g. https://mail.internal
	BaseURL string

	// APIKey is sent as a bearer token when set
	APIKey string

	// From is the sender address
	From string

	// Template names the confirmation template (default: "order_confirmation")
	Template string

	// HTTPClient overrides the default client (10s timeout)
	HTTPClient *http.Client
}

// Sender implements payhook.ConfirmationSender.
type Sender struct {
	endpoint   string
	apiKey     string
	from       string
	template   string
	httpClient *http.Client
}

var _ payhook.ConfirmationSender = (*Sender)(nil)

// NewSender creates a new email sender
func NewSender(config Config) (*Sender, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	template := config.Template
	if template == "" {
		template = defaultTemplate
	}

	return &Sender{
		endpoint:   baseURL + messagesPath,
		apiKey:     strings.TrimSpace(config.APIKey),
		from:       config.From,
		template:   template,
		httpClient: httpClient,
	}, nil
}

type message struct {
	To       string      `json:"to"`
	From     string      `json:"from,omitempty"`
	Template string      `json:"template"`
	Data     messageData `json:"data"`
}

type messageData struct {
	OrderID     string              `json:"order_id"`
	TotalAmount int64               `json:"total_amount"`
	Currency    string              `json:"currency"`
	Items       []payhook.OrderItem `json:"items"`
}

// SendOrderConfirmation implements payhook.ConfirmationSender
func (s *Sender) SendOrderConfirmation(ctx context.Context, order *payhook.Order) error {
	if order == nil || strings.TrimSpace(order.CustomerEmail) == "" {
		return ErrNoRecipient
	}

	body, err := json.Marshal(message{
		To:       order.CustomerEmail,
		From:     s.from,
		Template: s.template,
		Data: messageData{
			OrderID:     order.ID,
			TotalAmount: order.TotalAmount,
			Currency:    order.Currency,
			Items:       order.Items,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// The order id doubles as the provider-side deduplication key
	req.Header.Set("Idempotency-Key", "order-confirmation-"+order.ID)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return fmt.Errorf("email service error: status %d, body: %s", res.StatusCode, string(snippet))
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
