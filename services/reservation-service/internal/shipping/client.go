package shipping

import (
	"context"
	"fmt"
	"math"
	"time"

	"atelier-system/services/reservation-service/internal/domain"

	"github.com/go-resty/resty/v2"
)

// Carriers the storefront actually ships with; everything else the rate API
// returns is dropped.
var allowedCarriers = map[string]bool{
	"Correios": true,
	"Jadlog":   true,
}

// Client quotes shipping rates. Quotes are idempotent reads, so transport
// failures are retried before surfacing ErrUpstreamUnavailable.
type Client struct {
	http   *resty.Client
	origin string
}

func NewClient(baseURL, token, originPostalCode string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{http: httpClient, origin: originPostalCode}
}

type quoteRequest struct {
	From     endpoint       `json:"from"`
	To       endpoint       `json:"to"`
	Products []quoteProduct `json:"products"`
}

type endpoint struct {
	PostalCode string `json:"postal_code"`
}

type quoteProduct struct {
	ID             string  `json:"id"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Length         int     `json:"length"`
	Weight         float64 `json:"weight"`
	InsuranceValue float64 `json:"insurance_value"`
	Quantity       int     `json:"quantity"`
}

type quoteResponse struct {
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	DeliveryTime int     `json:"delivery_time"`
	Error        string  `json:"error"`
	Company      struct {
		Name string `json:"name"`
	} `json:"company"`
}

// Quote returns delivery options to postalCode for a parcel insured at
// priceCents, filtered to the allowed carriers.
func (c *Client) Quote(ctx context.Context, postalCode string, priceCents int64) ([]domain.ShippingSnapshot, error) {
	payload := quoteRequest{
		From: endpoint{PostalCode: c.origin},
		To:   endpoint{PostalCode: postalCode},
		Products: []quoteProduct{{
			ID:             "1",
			Width:          22,
			Height:         12,
			Length:         33,
			Weight:         1,
			InsuranceValue: float64(priceCents) / 100,
			Quantity:       1,
		}},
	}

	var quotes []quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&quotes).
		Post("/me/shipment/calculate")
	if err != nil {
		return nil, fmt.Errorf("shipping quote request failed: %w", domain.ErrUpstreamUnavailable)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("shipping quote returned %d: %w", resp.StatusCode(), domain.ErrUpstreamUnavailable)
	}

	options := make([]domain.ShippingSnapshot, 0, len(quotes))
	for _, q := range quotes {
		if q.Error != "" || !allowedCarriers[q.Company.Name] {
			continue
		}
		options = append(options, domain.ShippingSnapshot{
			PostalCode:   postalCode,
			Carrier:      q.Company.Name,
			Service:      q.Name,
			PriceCents:   int64(math.Round(q.Price * 100)),
			DeliveryDays: q.DeliveryTime,
		})
	}
	return options, nil
}
