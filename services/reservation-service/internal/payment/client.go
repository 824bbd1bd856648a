package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atelier-system/services/reservation-service/internal/domain"

	"github.com/go-resty/resty/v2"
)

// Provider payment statuses we branch on. Anything not listed here is a
// terminal failure and cancels the reservation.
const (
	StatusApproved  = "approved"
	StatusPending   = "pending"
	StatusInProcess = "in_process"
)

// Payment is the provider's view of one payment attempt. ExternalReference
// carries the reservation id we handed over at preference creation. The id
// is numeric on the wire.
type Payment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
}

// Preference describes one hosted-checkout attempt.
type Preference struct {
	BuyerEmail        string
	Title             string
	AmountCents       int64
	ExternalReference string
}

// URLs the provider redirects back to and notifies on.
type URLs struct {
	Success      string
	Failure      string
	Notification string
}

type Client struct {
	http *resty.Client
	urls URLs
}

func NewClient(baseURL, accessToken string, urls URLs) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{http: httpClient, urls: urls}
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	Payer             payer            `json:"payer"`
	ExternalReference string           `json:"external_reference"`
	BackURLs          backURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return"`
	NotificationURL   string           `json:"notification_url"`
}

type preferenceItem struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type payer struct {
	Email string `json:"email"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreatePreference registers the checkout attempt with the provider and
// returns the hosted-payment redirect URL. Called once per attempt; not
// retried beyond the transport layer because the external reference makes
// duplicate preferences harmless but pointless.
func (c *Client) CreatePreference(ctx context.Context, pref Preference) (string, error) {
	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:        pref.ExternalReference,
			Title:     pref.Title,
			Quantity:  1,
			UnitPrice: float64(pref.AmountCents) / 100,
		}},
		Payer:             payer{Email: pref.BuyerEmail},
		ExternalReference: pref.ExternalReference,
		BackURLs: backURLs{
			Success: c.urls.Success,
			Failure: c.urls.Failure,
			Pending: c.urls.Failure,
		},
		AutoReturn:      "approved",
		NotificationURL: c.urls.Notification,
	}

	var created preferenceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&created).
		Post("/checkout/preferences")
	if err != nil {
		return "", fmt.Errorf("create preference failed: %w", domain.ErrUpstreamUnavailable)
	}
	if resp.IsError() {
		return "", fmt.Errorf("create preference returned %d: %w", resp.StatusCode(), domain.ErrUpstreamUnavailable)
	}
	return created.InitPoint, nil
}

// GetPayment resolves a payment id into status plus external reference.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var pay Payment
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&pay).
		Get("/v1/payments/" + paymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment failed: %w", domain.ErrUpstreamUnavailable)
	}
	if resp.StatusCode() == 404 {
		return nil, domain.ErrNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get payment returned %d: %w", resp.StatusCode(), domain.ErrUpstreamUnavailable)
	}
	return &pay, nil
}
