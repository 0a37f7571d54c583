package deposits

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Gateway is the card collections gateway the deposit flow talks to.
type Gateway interface {
	Initialize(ctx context.Context, email string, amount decimal.Decimal, reference string) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

// InitializeResult is the checkout handle returned by the gateway.
type InitializeResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
	Reference        string `json:"reference"`
}

// VerifyResult is the gateway's view of a transaction.
type VerifyResult struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
}

// minorUnits is the gateway's sub-unit factor. Amounts cross the wire
// in kobo.
var minorUnits = decimal.NewFromInt(100)

// GatewayClient talks to the collections gateway over HTTPS with
// bearer auth.
type GatewayClient struct {
	http *resty.Client
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(baseURL, secretKey string) *GatewayClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(secretKey).
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json")
	return &GatewayClient{http: c}
}

type gatewayEnvelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
		Status           string `json:"status"`
		Amount           int64  `json:"amount"`
	} `json:"data"`
}

// Initialize starts a hosted checkout for the given reference.
func (g *GatewayClient) Initialize(ctx context.Context, email string, amount decimal.Decimal, reference string) (*InitializeResult, error) {
	var out gatewayEnvelope
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"email":     email,
			"amount":    amount.Mul(minorUnits).IntPart(),
			"reference": reference,
		}).
		SetResult(&out).
		Post("/transaction/initialize")
	if err != nil {
		return nil, fmt.Errorf("gateway initialize: %w", err)
	}
	if resp.IsError() || !out.Status {
		return nil, fmt.Errorf("gateway initialize: %s (HTTP %d)", out.Message, resp.StatusCode())
	}
	return &InitializeResult{
		AuthorizationURL: out.Data.AuthorizationURL,
		AccessCode:       out.Data.AccessCode,
		Reference:        out.Data.Reference,
	}, nil
}

// Verify fetches the gateway's record for a reference.
func (g *GatewayClient) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var out gatewayEnvelope
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/transaction/verify/" + reference)
	if err != nil {
		return nil, fmt.Errorf("gateway verify: %w", err)
	}
	if resp.IsError() || !out.Status {
		return nil, fmt.Errorf("gateway verify: %s (HTTP %d)", out.Message, resp.StatusCode())
	}
	return &VerifyResult{
		Reference: out.Data.Reference,
		Status:    out.Data.Status,
		Amount:    decimal.NewFromInt(out.Data.Amount).Div(minorUnits),
	}, nil
}
