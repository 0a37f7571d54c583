package billpay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Variation is one purchasable bundle under a service.
type Variation struct {
	Code   string          `json:"variation_code"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"variation_amount"`
}

// PayRequest is a single bill-payment instruction. RequestID doubles
// as the idempotency key on the biller side.
type PayRequest struct {
	RequestID     string
	ServiceID     string
	VariationCode string
	Phone         string
	Amount        decimal.Decimal
}

// Client talks to the bill-payment aggregator, authenticated with
// api-key and secret-key headers.
type Client struct {
	http *resty.Client
}

// NewClient creates a biller client.
func NewClient(baseURL, apiKey, secretKey string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20*time.Second).
		SetHeader("api-key", apiKey).
		SetHeader("secret-key", secretKey).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

type billerResponse struct {
	ResponseDescription string `json:"response_description"`
	Code                string `json:"code"`
	Content             struct {
		Variations   []Variation `json:"varations"` // sic, upstream spelling
		Transactions struct {
			Status string `json:"status"`
		} `json:"transactions"`
	} `json:"content"`
}

// Variations lists the bundles for a service.
func (c *Client) Variations(ctx context.Context, serviceID string) ([]Variation, error) {
	var out billerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("serviceID", serviceID).
		SetResult(&out).
		Get("/service-variations")
	if err != nil {
		return nil, fmt.Errorf("biller variations: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("biller variations: HTTP %d", resp.StatusCode())
	}
	return out.Content.Variations, nil
}

// Pay executes a purchase. The biller treats request_id as an
// idempotency key, so a retried request cannot double-charge.
func (c *Client) Pay(ctx context.Context, req PayRequest) error {
	var out billerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"request_id":     req.RequestID,
			"serviceID":      req.ServiceID,
			"variation_code": req.VariationCode,
			"billersCode":    req.Phone,
			"phone":          req.Phone,
			"amount":         req.Amount,
		}).
		SetResult(&out).
		Post("/pay")
	if err != nil {
		return fmt.Errorf("biller pay: %w", err)
	}
	if resp.IsError() || out.Code != "000" {
		return fmt.Errorf("biller pay: %s (code %s, HTTP %d)", out.ResponseDescription, out.Code, resp.StatusCode())
	}
	return nil
}
